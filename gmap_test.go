package beeps

import (
	"reflect"
	"testing"
	"time"
)

func TestGMap_Upsert(t *testing.T) {
	t.Run("InsertsFromNothing", func(t *testing.T) {
		m := NewGMap[string, Lww[int]]()
		m.Upsert("test", NewLww(1, ZeroHlc()))

		got, ok := m.Get("test")
		if !ok || got.Value() != 1 {
			t.Errorf("expected 1, got %v (present=%v)", got.Value(), ok)
		}
	})

	t.Run("FollowsRegisterRulesOnCollision", func(t *testing.T) {
		older := NewLww(1, hlcAt(0, 0, 1))
		newer := NewLww(2, hlcAt(time.Second, 0, 2))

		m := NewGMap[string, Lww[int]]()
		m.Upsert("test", newer)
		m.Upsert("test", older)

		got, _ := m.Get("test")
		if got.Value() != 2 {
			t.Errorf("older write overwrote newer: got %d", got.Value())
		}
	})
}

func TestGMap_Merge(t *testing.T) {
	a := NewGMap[string, Lww[int]]()
	a.Upsert("shared", NewLww(1, hlcAt(0, 0, 1)))
	a.Upsert("only-a", NewLww(10, hlcAt(0, 0, 1)))

	b := NewGMap[string, Lww[int]]()
	b.Upsert("shared", NewLww(2, hlcAt(time.Second, 0, 2)))
	b.Upsert("only-b", NewLww(20, hlcAt(0, 0, 2)))

	t.Run("RetainsAllKeys", func(t *testing.T) {
		merged := a.Merge(b)
		if merged.Len() != 3 {
			t.Errorf("expected 3 keys, got %d", merged.Len())
		}
	})

	t.Run("MergesValuesByRegisterRules", func(t *testing.T) {
		merged := a.Merge(b)
		got, _ := merged.Get("shared")
		if got.Value() != 2 {
			t.Errorf("expected newer value 2, got %d", got.Value())
		}
	})

	t.Run("Commutative", func(t *testing.T) {
		if !reflect.DeepEqual(a.Merge(b), b.Merge(a)) {
			t.Error("merge order changed the result")
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		if !reflect.DeepEqual(a.Merge(a), a) {
			t.Error("self-merge changed the map")
		}
	})

	t.Run("Associative", func(t *testing.T) {
		c := NewGMap[string, Lww[int]]()
		c.Upsert("shared", NewLww(3, hlcAt(2*time.Second, 0, 1)))
		if !reflect.DeepEqual(a.Merge(b).Merge(c), a.Merge(b.Merge(c))) {
			t.Error("merge grouping changed the result")
		}
	})
}
