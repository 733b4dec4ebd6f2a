package beeps

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// instantLayout is the wire format for every timestamp in the protocol:
// RFC 3339 in UTC with microsecond precision.
const instantLayout = "2006-01-02T15:04:05.000000Z07:00"

// Instant normalizes a wall-clock reading for use as a ping instant or
// clock timestamp: UTC, truncated to microseconds. Every time.Time that
// enters the document must pass through here so that map lookups and
// equality behave.
func Instant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ParseInstant parses a wire-format timestamp.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant: %w", err)
	}
	return Instant(t), nil
}

// FormatInstant renders a timestamp in the wire format.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

// Hlc is a hybrid logical clock value: a wall-clock timestamp, a counter
// that breaks ties when wall time stalls or regresses, and the ID of the
// node that produced it. The total order is lexicographic on
// (timestamp, counter, node), which makes HLCs globally unique.
//
// Consumers must treat an Hlc as opaque except for ordering; the timestamp
// component is not a trustworthy wall clock.
type Hlc struct {
	Timestamp time.Time
	Counter   uint16
	Node      NodeID
}

// NewHlc returns a clock value for the given node at the current time.
func NewHlc(node NodeID) Hlc {
	return Hlc{Timestamp: Instant(time.Now()), Node: node}
}

// ZeroHlc is less than every other HLC. Useful as the guard clock on a
// register default so that any real write can overwrite it.
func ZeroHlc() Hlc {
	return Hlc{Timestamp: time.Unix(0, 0).UTC(), Counter: 0, Node: MinNodeID}
}

// Compare orders two HLCs: timestamp first, counter second, node last.
// Returns -1, 0, or +1.
func (h Hlc) Compare(other Hlc) int {
	if c := h.Timestamp.Compare(other.Timestamp); c != 0 {
		return c
	}
	if h.Counter != other.Counter {
		if h.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if h.Node != other.Node {
		if h.Node < other.Node {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether h orders strictly before other.
func (h Hlc) Less(other Hlc) bool {
	return h.Compare(other) < 0
}

// nextAt advances the clock as if the wall clock reads now.
func (h Hlc) nextAt(now time.Time) Hlc {
	now = Instant(now)
	if now.After(h.Timestamp) {
		return Hlc{Timestamp: now, Counter: 0, Node: h.Node}
	}
	return Hlc{Timestamp: h.Timestamp, Counter: h.Counter + 1, Node: h.Node}
}

// receiveAt advances the clock past a remote value as if the wall clock
// reads now. The result is strictly greater than both h and other.
func (h Hlc) receiveAt(other Hlc, now time.Time) Hlc {
	now = Instant(now)
	if now.After(h.Timestamp) && now.After(other.Timestamp) {
		return Hlc{Timestamp: now, Counter: 0, Node: h.Node}
	}

	switch h.Timestamp.Compare(other.Timestamp) {
	case 0:
		return Hlc{Timestamp: h.Timestamp, Counter: max(h.Counter, other.Counter) + 1, Node: h.Node}
	case 1:
		return Hlc{Timestamp: h.Timestamp, Counter: h.Counter + 1, Node: h.Node}
	default:
		return Hlc{Timestamp: other.Timestamp, Counter: other.Counter + 1, Node: h.Node}
	}
}

func (h Hlc) String() string {
	return fmt.Sprintf("%s::%d::%d", FormatInstant(h.Timestamp), h.Counter, h.Node)
}

type hlcJSON struct {
	Timestamp string `json:"timestamp"`
	Counter   uint16 `json:"counter"`
	Node      NodeID `json:"node"`
}

// MarshalJSON renders the clock with the wire timestamp format.
func (h Hlc) MarshalJSON() ([]byte, error) {
	return json.Marshal(hlcJSON{
		Timestamp: FormatInstant(h.Timestamp),
		Counter:   h.Counter,
		Node:      h.Node,
	})
}

// UnmarshalJSON parses the wire form.
func (h *Hlc) UnmarshalJSON(data []byte) error {
	var raw hlcJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseInstant(raw.Timestamp)
	if err != nil {
		return err
	}
	h.Timestamp = ts
	h.Counter = raw.Counter
	h.Node = raw.Node
	return nil
}

// regressionWarnThreshold is how far wall time may fall behind the last
// issued timestamp before we log about it. Small regressions (NTP slews,
// leap smearing) are routine and absorbed silently by the counter.
const regressionWarnThreshold = time.Hour

// Clock issues monotone HLC values for one node. Safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	last Hlc
}

// NewClock creates a clock for the given node, primed at the current time.
func NewClock(node NodeID) *Clock {
	return &Clock{last: NewHlc(node)}
}

// NewClockAt creates a clock primed with a specific last value, for
// restoring a replica from disk.
func NewClockAt(last Hlc) *Clock {
	return &Clock{last: last}
}

// Node returns the node ID this clock stamps with.
func (c *Clock) Node() NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Node
}

// Now produces a new HLC strictly greater than anything this clock has
// produced or observed.
func (c *Clock) Now() Hlc {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.warnOnRegression(now)
	c.last = c.last.nextAt(now)
	return c.last
}

// Observe advances the clock past a value received from another replica,
// so that future Now() calls beat it.
func (c *Clock) Observe(other Hlc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.warnOnRegression(now)
	c.last = c.last.receiveAt(other, now)
}

func (c *Clock) warnOnRegression(now time.Time) {
	if c.last.Timestamp.Sub(Instant(now)) > regressionWarnThreshold {
		slog.Warn("wall clock regressed far behind issued timestamps; advancing by counter",
			"wall", now.UTC(),
			"last", c.last.Timestamp,
			"node", c.last.Node)
	}
}
