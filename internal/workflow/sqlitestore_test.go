package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/stepflow/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	store, err := NewSQLiteRecordStore(filepath.Join(t.TempDir(), "nested", "records.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRecordStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRecordStore_contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RecordStore { return newTestSQLiteStore(t) })
}

func TestMemoryRecordStore_contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RecordStore { return NewMemoryRecordStore() })
}

func TestSQLiteRecordStore_migrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	first, err := NewSQLiteRecordStore(path)
	if err != nil {
		t.Fatalf("first open error = %v", err)
	}
	seed(t, first, testRecord("r-1", "intake", time.Now().UTC()))
	first.Close()

	second, err := NewSQLiteRecordStore(path)
	if err != nil {
		t.Fatalf("second open error = %v", err)
	}
	defer second.Close()

	if _, ok, err := second.Get(context.Background(), "r-1"); err != nil || !ok {
		t.Errorf("record lost after reopen: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteRecordStore_ping(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		migrations, err := loadMigrations(dialect)
		if err != nil {
			t.Fatalf("loadMigrations(%s) error = %v", dialect, err)
		}
		if len(migrations) == 0 || migrations[0].version != 1 {
			t.Errorf("loadMigrations(%s) = %+v, want version 1 first", dialect, migrations)
		}
	}
}

// runStoreContract checks the behavior every RecordStore shares.
func runStoreContract(t *testing.T, open func(t *testing.T) RecordStore) {
	t.Run("round trip", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
		done := created.Add(time.Hour)

		rec := testRecord("r-1", "intake", created)
		rec.PreviousID = "p-1"
		rec.PreviousStepID = "upstream"
		rec.PreviousUserID = "u-0"
		rec.AncestorIDs = []string{"a-1", "p-1"}
		rec.Data = map[string]any{"amount": 12.5, "tags": []any{"x", "y"}}
		rec.Status = model.StatusDone
		rec.DoneAt = &done
		rec.DoneBy = "u-1"
		rec.Duration = 3600000
		seed(t, store, rec)

		got, ok, err := store.Get(ctx, "r-1")
		if err != nil || !ok {
			t.Fatalf("Get() ok=%v err=%v", ok, err)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
		if got.PreviousID != "p-1" || got.PreviousStepID != "upstream" || got.PreviousUserID != "u-0" {
			t.Errorf("previous = %q %q %q", got.PreviousID, got.PreviousStepID, got.PreviousUserID)
		}
		if len(got.AncestorIDs) != 2 || got.AncestorIDs[1] != "p-1" {
			t.Errorf("AncestorIDs = %v", got.AncestorIDs)
		}
		if got.Data["amount"] != 12.5 {
			t.Errorf("Data = %v", got.Data)
		}
		if got.DoneAt == nil || !got.DoneAt.Equal(done) {
			t.Errorf("DoneAt = %v, want %v", got.DoneAt, done)
		}
		if got.HangedAt != nil {
			t.Errorf("HangedAt = %v, want nil", got.HangedAt)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
		if got.Duration != 3600000 {
			t.Errorf("Duration = %d", got.Duration)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		_, ok, err := open(t).Get(context.Background(), "nope")
		if err != nil || ok {
			t.Errorf("Get(nope) ok=%v err=%v, want false nil", ok, err)
		}
	})

	t.Run("update increments version and rejects stale", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seed(t, store, testRecord("r-1", "intake", time.Now().UTC()))

		tx := mustBegin(t, store)
		rec, _, _ := tx.Get(ctx, "r-1")
		rec.Note = "updated"
		if err := tx.Update(ctx, &rec); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if rec.Version != 2 {
			t.Errorf("Version = %d, want 2", rec.Version)
		}
		stale := rec
		stale.Version = 1
		if err := tx.Update(ctx, &stale); !model.HasCode(err, model.ErrVersionConflict) {
			t.Errorf("stale Update() = %v, want VERSION_CONFLICT", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		got, _, _ := store.Get(ctx, "r-1")
		if got.Note != "updated" || got.Version != 2 {
			t.Errorf("committed = %q v%d", got.Note, got.Version)
		}
	})

	t.Run("rollback discards", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		tx := mustBegin(t, store)
		rec := testRecord("r-1", "intake", time.Now().UTC())
		tx.Insert(ctx, &rec)
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if err := tx.Rollback(ctx); !errors.Is(err, ErrTxDone) {
			t.Errorf("second Rollback() = %v, want ErrTxDone", err)
		}
		if _, ok, _ := store.Get(ctx, "r-1"); ok {
			t.Error("rolled back record is visible")
		}
	})

	t.Run("find next and reset", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		a := testRecord("a", "intake", t0)
		a.Status = model.StatusDone
		b := testRecord("b", "review", t0.Add(time.Minute))
		b.PreviousID = "a"
		c := testRecord("c", "review", t0.Add(2*time.Minute))
		c.PreviousID = "a"
		c.Status = model.StatusCanceled
		seed(t, store, a, b, c)

		tx := mustBegin(t, store)
		next, err := tx.FindNext(ctx, "a")
		if err != nil {
			t.Fatalf("FindNext() error = %v", err)
		}
		if len(next) != 1 || next[0].ID != "b" {
			t.Errorf("FindNext() = %v, want [b]", recordIDs(next))
		}
		if err := tx.ResetStatus(ctx, "a", model.StatusDraft, "rejected"); err != nil {
			t.Fatalf("ResetStatus() error = %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		got, _, _ := store.Get(ctx, "a")
		if got.Status != model.StatusDraft || got.Note != "rejected" || got.Version != 2 {
			t.Errorf("reset record = %s %q v%d", got.Status, got.Note, got.Version)
		}
	})

	t.Run("list pages newest first", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		seed(t, store,
			testRecord("r-0", "intake", t0),
			testRecord("r-1", "intake", t0.Add(time.Minute)),
			testRecord("r-2", "intake", t0.Add(2*time.Minute)),
			testRecord("x-0", "review", t0),
		)

		rows, total, err := store.List(ctx, "intake", model.Pagination{Current: 1, PageSize: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
		if ids := recordIDs(rows); len(ids) != 2 || ids[0] != "r-2" || ids[1] != "r-1" {
			t.Errorf("page 1 = %v, want [r-2 r-1]", ids)
		}

		rows, _, _ = store.List(ctx, "intake", model.Pagination{Current: 2, PageSize: 2})
		if ids := recordIDs(rows); len(ids) != 1 || ids[0] != "r-0" {
			t.Errorf("page 2 = %v, want [r-0]", ids)
		}
	})

	t.Run("steps", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		if _, ok, err := store.GetStep(ctx, "intake"); ok || err != nil {
			t.Fatalf("GetStep() before save ok=%v err=%v", ok, err)
		}

		step := model.Step{
			ID:        "intake",
			Name:      "Intake",
			Enabled:   true,
			Roles:     []string{"clerk"},
			Actions:   []string{"draft", "done"},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			CreatedBy: "admin",
		}
		if err := store.SaveStep(ctx, step); err != nil {
			t.Fatalf("SaveStep() error = %v", err)
		}
		step.Enabled = false
		if err := store.SaveStep(ctx, step); err != nil {
			t.Fatalf("second SaveStep() error = %v", err)
		}

		got, ok, err := store.GetStep(ctx, "intake")
		if err != nil || !ok {
			t.Fatalf("GetStep() ok=%v err=%v", ok, err)
		}
		if got.Enabled || got.Name != "Intake" || len(got.Roles) != 1 || len(got.Actions) != 2 {
			t.Errorf("step = %+v", got)
		}
	})
}
