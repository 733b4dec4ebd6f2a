package beeps

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Document is one replica's copy of the shared time-tracking state: the
// operation log plus the state materialized from it. All edits flow
// through operations; applying the same set of operations on any replica
// yields the same state, regardless of order or duplication.
type Document struct {
	mu    sync.Mutex
	clock *Clock
	log   *Log
	state State
}

// NewDocument creates an empty document for the given node.
func NewDocument(node NodeID) *Document {
	return &Document{
		clock: NewClock(node),
		log:   NewLog(),
		state: NewState(),
	}
}

// NodeID returns the node this document stamps its edits with.
func (d *Document) NodeID() NodeID {
	return d.clock.Node()
}

// stamp assigns a fresh clock to op, applies it, and records it in the
// log. Callers must hold d.mu.
func (d *Document) stamp(op Op) TimestampedOp {
	top := TimestampedOp{Clock: d.clock.Now(), Op: op}
	d.state.apply(top)
	d.log.Append(top)
	return top
}

// Apply folds in an operation received from another replica. Ops whose
// clock has been seen before are no-ops. Returns whether the op was new.
func (d *Document) Apply(top TimestampedOp) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock.Observe(top.Clock)
	if !d.log.Append(top) {
		return false
	}
	d.state.apply(top)
	return true
}

// AddPing records a ping at the given instant and returns the originating
// operation.
func (d *Document) AddPing(when time.Time) TimestampedOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stamp(AddPing(when))
}

// SetTag writes the tag for an existing ping; a nil tag clears it.
// Returns ErrUnknownPing without stamping anything if no ping exists at
// that instant.
func (d *Document) SetTag(when time.Time, tag *string) (TimestampedOp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.Pings.Contains(Instant(when)) {
		return TimestampedOp{}, ErrUnknownPing
	}
	return d.stamp(SetTag(when, tag)), nil
}

// SetMinutesPerPing changes the average gap between pings. Returns
// ErrInvalidRate without stamping anything if minutes < 1.
func (d *Document) SetMinutesPerPing(minutes int) (TimestampedOp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if minutes < 1 {
		return TimestampedOp{}, ErrInvalidRate
	}
	return d.stamp(SetMinutesPerPing(minutes)), nil
}

// SchedulePings extends the ping set from the latest known ping up to
// cutoff, drawing gaps from the deterministic Poisson process. An empty
// document seeds the schedule with a ping at now. Returns the originating
// operations; some may be at or before now, and the caller partitions
// them into past and future.
func (d *Document) SchedulePings(now, cutoff time.Time) []TimestampedOp {
	d.mu.Lock()
	defer d.mu.Unlock()

	now = Instant(now)
	cutoff = Instant(cutoff)

	var out []TimestampedOp

	last, ok := d.state.LatestPing()
	if !ok {
		out = append(out, d.stamp(AddPing(now)))
		last = now
	}
	if !last.Before(cutoff) {
		return out
	}

	sched := NewScheduler(d.state.MinutesPerPing.Value(), last)
	for {
		next := sched.Next()
		if next.After(cutoff) {
			return out
		}
		out = append(out, d.stamp(AddPing(next)))
	}
}

// View returns a snapshot of the materialized state. The snapshot shares
// nothing with the document and stays stable while the document moves on.
func (d *Document) View() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return NewState().Merge(d.state)
}

// Ops returns every operation in the log in clock order.
func (d *Document) Ops() []TimestampedOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.Ops()
}

// OpsSince returns the operations strictly above the per-node watermarks.
func (d *Document) OpsSince(watermarks map[NodeID]Watermark) []TimestampedOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.OpsSince(watermarks)
}

// Watermarks returns the per-node high-water marks over the log.
func (d *Document) Watermarks() map[NodeID]Watermark {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.Watermarks()
}

// envelope is the file and wire form of a whole document.
type envelope struct {
	NodeID     NodeID          `json:"node_id"`
	Operations []TimestampedOp `json:"operations"`
}

// legacyEnvelope is the pre-log file format, which stored materialized
// pings directly.
type legacyEnvelope struct {
	NodeID NodeID       `json:"node_id"`
	Pings  []legacyPing `json:"pings"`
}

type legacyPing struct {
	When string  `json:"when"`
	Tag  *string `json:"tag"`
}

// Serialize renders the document as its canonical envelope: operations in
// clock order. Parsing and re-serializing a document produces identical
// bytes.
func (d *Document) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return json.Marshal(envelope{
		NodeID:     d.clock.Node(),
		Operations: d.log.Ops(),
	})
}

// ParseDocument loads a document from its serialized form. Legacy files
// that stored pings directly are upgraded by projecting each ping and tag
// to operations stamped at the epoch origin, below any real clock.
func ParseDocument(data []byte) (*Document, error) {
	var probe struct {
		NodeID     NodeID            `json:"node_id"`
		Operations []json.RawMessage `json:"operations"`
		Pings      []json.RawMessage `json:"pings"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	if probe.Operations == nil && probe.Pings != nil {
		var legacy legacyEnvelope
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		return upgradeLegacy(legacy)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	doc := NewDocument(env.NodeID)
	for _, top := range env.Operations {
		doc.Apply(top)
	}
	return doc, nil
}

// upgradeLegacy projects a materialized-state file onto the operation
// log. Synthesized clocks sit at the epoch origin, sequenced by
// microsecond so they stay distinct, ordered, and below anything a live
// clock produces.
func upgradeLegacy(legacy legacyEnvelope) (*Document, error) {
	doc := NewDocument(legacy.NodeID)
	origin := time.Unix(0, 0).UTC()

	for i, ping := range legacy.Pings {
		when, err := ParseInstant(ping.When)
		if err != nil {
			return nil, fmt.Errorf("parse legacy ping: %w", err)
		}

		stamp := Hlc{
			Timestamp: origin.Add(time.Duration(i) * time.Microsecond),
			Node:      legacy.NodeID,
		}
		doc.Apply(TimestampedOp{Clock: stamp, Op: AddPing(when)})

		if ping.Tag != nil {
			stamp.Counter = 1
			doc.Apply(TimestampedOp{Clock: stamp, Op: SetTag(when, ping.Tag)})
		}
	}
	return doc, nil
}
