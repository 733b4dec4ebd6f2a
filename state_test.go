package beeps

import (
	"reflect"
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func instantAt(offset time.Duration) time.Time {
	return Instant(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)).Add(offset)
}

func TestState_Merge(t *testing.T) {
	buildState := func(rate int, rateClock Hlc, pings []time.Time, tags map[time.Time]Lww[*string]) State {
		s := NewState()
		s.MinutesPerPing.Set(rate, rateClock)
		for _, p := range pings {
			s.Pings.Insert(p)
		}
		for k, v := range tags {
			s.Tags.Upsert(k, v)
		}
		return s
	}

	a := buildState(30, hlcAt(0, 0, 1),
		[]time.Time{instantAt(0), instantAt(time.Minute)},
		map[time.Time]Lww[*string]{
			instantAt(0): NewLww(strptr("work"), hlcAt(time.Second, 0, 1)),
		})

	b := buildState(60, hlcAt(time.Second, 0, 2),
		[]time.Time{instantAt(0), instantAt(2 * time.Minute)},
		map[time.Time]Lww[*string]{
			instantAt(0): NewLww(strptr("meeting"), hlcAt(2*time.Second, 0, 2)),
		})

	t.Run("FieldWise", func(t *testing.T) {
		merged := a.Merge(b)

		if got := merged.MinutesPerPing.Value(); got != 60 {
			t.Errorf("expected newer rate 60, got %d", got)
		}
		if merged.Pings.Len() != 3 {
			t.Errorf("expected union of 3 pings, got %d", merged.Pings.Len())
		}
		if tag := merged.Tag(instantAt(0)); tag == nil || *tag != "meeting" {
			t.Errorf("expected newer tag meeting, got %v", tag)
		}
	})

	t.Run("Commutative", func(t *testing.T) {
		if !reflect.DeepEqual(a.Merge(b), b.Merge(a)) {
			t.Error("merge order changed the result")
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		if !reflect.DeepEqual(a.Merge(a), a) {
			t.Error("self-merge changed the state")
		}
	})

	t.Run("Associative", func(t *testing.T) {
		c := buildState(15, hlcAt(3*time.Second, 0, 1),
			[]time.Time{instantAt(3 * time.Minute)}, nil)
		if !reflect.DeepEqual(a.Merge(b).Merge(c), a.Merge(b.Merge(c))) {
			t.Error("merge grouping changed the result")
		}
	})
}

func TestState_ClearedTagIsNotAbsent(t *testing.T) {
	s := NewState()
	when := instantAt(0)
	s.Pings.Insert(when)
	s.Tags.Upsert(when, NewLww[*string](nil, hlcAt(time.Second, 0, 1)))

	if got := s.Tag(when); got != nil {
		t.Errorf("cleared tag should read as nil, got %q", *got)
	}
	if _, ok := s.Tags.Get(when); !ok {
		t.Error("clearing a tag must keep the key")
	}

	// A concurrent older write must not resurrect the tag.
	s.Tags.Upsert(when, NewLww(strptr("stale"), hlcAt(0, 0, 2)))
	if got := s.Tag(when); got != nil {
		t.Errorf("older write resurrected the tag: %q", *got)
	}
}

func TestState_LatestPing(t *testing.T) {
	s := NewState()

	if _, ok := s.LatestPing(); ok {
		t.Error("empty state should have no latest ping")
	}

	s.Pings.Insert(instantAt(time.Minute))
	s.Pings.Insert(instantAt(3 * time.Minute))
	s.Pings.Insert(instantAt(2 * time.Minute))

	latest, ok := s.LatestPing()
	if !ok || !latest.Equal(instantAt(3*time.Minute)) {
		t.Errorf("expected latest %s, got %s", instantAt(3*time.Minute), latest)
	}
}
