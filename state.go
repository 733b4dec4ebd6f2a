package beeps

import (
	"sort"
	"time"
)

// DefaultMinutesPerPing is the average gap between pings until the user
// picks a different rate.
const DefaultMinutesPerPing = 45

// State is the materialized CRDT state of a document: three independent
// cells composed by field. Merging is field-wise, so the whole state
// inherits the merge laws of its parts.
type State struct {
	// MinutesPerPing is the average number of minutes between pings.
	MinutesPerPing Lww[int]

	// Pings is the set of instants at which a ping was scheduled.
	Pings GSet[time.Time]

	// Tags holds the label register for each ping. A register holding nil
	// means the user cleared the tag; that is distinct from the key being
	// absent entirely.
	Tags GMap[time.Time, Lww[*string]]
}

// NewState returns the empty state. The rate register starts at the
// default guarded by the zero clock, so any real write overwrites it.
func NewState() State {
	return State{
		MinutesPerPing: NewLww(DefaultMinutesPerPing, ZeroHlc()),
		Pings:          NewGSet[time.Time](),
		Tags:           NewGMap[time.Time, Lww[*string]](),
	}
}

// LatestPing returns the greatest instant in the ping set, or false if
// there are no pings yet.
func (s State) LatestPing() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, when := range s.Pings.Items() {
		if !found || when.After(latest) {
			latest = when
			found = true
		}
	}
	return latest, found
}

// Tag returns the label for a ping, or nil if the ping is untagged or the
// tag was cleared.
func (s State) Tag(when time.Time) *string {
	lww, ok := s.Tags.Get(Instant(when))
	if !ok {
		return nil
	}
	return lww.Value()
}

// SortedPings returns the ping instants in ascending order.
func (s State) SortedPings() []time.Time {
	pings := s.Pings.Items()
	sort.Slice(pings, func(i, j int) bool { return pings[i].Before(pings[j]) })
	return pings
}

// Merge combines two states field by field.
func (s State) Merge(other State) State {
	return State{
		MinutesPerPing: s.MinutesPerPing.Merge(other.MinutesPerPing),
		Pings:          s.Pings.Merge(other.Pings),
		Tags:           s.Tags.Merge(other.Tags),
	}
}

// apply folds a single operation into the state. Applying the same
// operation twice is a no-op, and applying a set of operations yields the
// same state regardless of order.
func (s *State) apply(top TimestampedOp) {
	switch top.Op.Kind {
	case OpAddPing:
		s.Pings.Insert(top.Op.When)
	case OpSetTag:
		// A tag can arrive before its ping when ops are applied out of
		// order; record both so the state stays order-independent.
		s.Pings.Insert(top.Op.When)
		s.Tags.Upsert(top.Op.When, NewLww(top.Op.Tag, top.Clock))
	case OpSetMinutesPerPing:
		s.MinutesPerPing.Set(top.Op.Minutes, top.Clock)
	}
}
