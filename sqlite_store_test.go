package beeps

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "beeps.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Accounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "a@example.com", "hash")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acct.DocumentID == 0 {
		t.Error("account should get a document")
	}

	t.Run("DuplicateEmail", func(t *testing.T) {
		if _, err := store.CreateAccount(ctx, "a@example.com", "hash2"); !errors.Is(err, ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("ByEmail", func(t *testing.T) {
		got, err := store.AccountByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != acct.ID || got.DocumentID != acct.DocumentID {
			t.Errorf("lookup mismatch: %+v vs %+v", got, acct)
		}
	})

	t.Run("ByEmailMissing", func(t *testing.T) {
		if _, err := store.AccountByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		if err := store.RecordSession(ctx, "some-jti", acct.ID); err != nil {
			t.Errorf("record session: %v", err)
		}
	})
}

func TestStore_InsertOpsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "a@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}

	ops := []TimestampedOp{
		{Clock: hlcAt(0, 0, 1), Op: AddPing(instantAt(0))},
		{Clock: hlcAt(time.Second, 0, 1), Op: SetTag(instantAt(0), strptr("work"))},
		{Clock: hlcAt(2*time.Second, 0, 1), Op: SetTag(instantAt(0), nil)},
		{Clock: hlcAt(3*time.Second, 0, 1), Op: SetMinutesPerPing(30)},
	}

	inserted, err := store.InsertOps(ctx, acct.DocumentID, ops)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted != len(ops) {
		t.Errorf("expected %d new rows, got %d", len(ops), inserted)
	}

	inserted, err = store.InsertOps(ctx, acct.DocumentID, ops)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if inserted != 0 {
		t.Errorf("duplicate insert created %d rows", inserted)
	}

	got, err := store.OpsSince(ctx, acct.DocumentID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ops) {
		t.Fatalf("expected %d ops back, got %d", len(ops), len(got))
	}
}

func TestStore_OpsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "a@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}

	ops := []TimestampedOp{
		{Clock: hlcAt(0, 2, 7), Op: AddPing(instantAt(0))},
		{Clock: hlcAt(time.Second, 0, 7), Op: SetTag(instantAt(0), strptr("deep work"))},
		{Clock: hlcAt(2*time.Second, 0, 7), Op: SetMinutesPerPing(90)},
	}
	if _, err := store.InsertOps(ctx, acct.DocumentID, ops); err != nil {
		t.Fatal(err)
	}

	got, err := store.OpsSince(ctx, acct.DocumentID, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range ops {
		if got[i].Clock.Compare(want.Clock) != 0 {
			t.Errorf("op %d clock: got %s, want %s", i, got[i].Clock, want.Clock)
		}
		if got[i].Op.Kind != want.Op.Kind {
			t.Errorf("op %d kind: got %d, want %d", i, got[i].Op.Kind, want.Op.Kind)
		}
	}
	if tag := got[1].Op.Tag; tag == nil || *tag != "deep work" {
		t.Errorf("tag did not survive storage: %v", tag)
	}
	if got[2].Op.Minutes != 90 {
		t.Errorf("minutes did not survive storage: %d", got[2].Op.Minutes)
	}
}

func TestStore_OpsSinceWatermarks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "a@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}

	at := func(seconds int64, node NodeID) Hlc {
		return Hlc{Timestamp: time.Unix(seconds, 0).UTC(), Node: node}
	}
	ops := []TimestampedOp{
		{Clock: at(10, 1), Op: AddPing(instantAt(0))},
		{Clock: at(20, 1), Op: AddPing(instantAt(time.Minute))},
		{Clock: at(15, 2), Op: AddPing(instantAt(2 * time.Minute))},
	}
	if _, err := store.InsertOps(ctx, acct.DocumentID, ops); err != nil {
		t.Fatal(err)
	}

	got, err := store.OpsSince(ctx, acct.DocumentID, map[NodeID]Watermark{
		1: {Timestamp: time.Unix(10, 0).UTC()},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 ops above the watermark, got %d", len(got))
	}
	for _, top := range got {
		if top.Clock.Compare(at(10, 1)) == 0 {
			t.Errorf("watermarked op returned: %s", top.Clock)
		}
	}
}

func TestStore_DocumentsAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.CreateAccount(ctx, "a@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.CreateAccount(ctx, "b@example.com", "hash")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.InsertOps(ctx, a.DocumentID, []TimestampedOp{
		{Clock: hlcAt(0, 0, 1), Op: AddPing(instantAt(0))},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.OpsSince(ctx, b.DocumentID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("account b sees account a's ops: %d", len(got))
	}
}
