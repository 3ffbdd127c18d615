package cdr

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndClose(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	if err := repo.Insert(ctx, 1, "A", "B", start); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	recs, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.CallID != 1 || rec.Caller != "A" || rec.Callee != "B" {
		t.Errorf("record = %+v", rec)
	}
	if rec.EndedAt != nil {
		t.Error("EndedAt set on open record")
	}

	if err := repo.Close(ctx, 1, time.Now()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, err = repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if recs[0].EndedAt == nil {
		t.Error("EndedAt still nil after Close")
	}
}

func TestListNewestFirst(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	ctx := context.Background()

	for i := uint32(1); i <= 5; i++ {
		if err := repo.Insert(ctx, i, "A", "B", time.Now()); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	recs, err := repo.List(ctx, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	if recs[0].CallID != 5 || recs[2].CallID != 3 {
		t.Errorf("order = %d,%d,%d, want 5,4,3", recs[0].CallID, recs[1].CallID, recs[2].CallID)
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
}

func TestCloseUnknownCallIsNoop(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	if err := repo.Close(context.Background(), 42, time.Now()); err != nil {
		t.Fatalf("Close on unknown call: %v", err)
	}
}

func TestRecorderWritesHistory(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	rec := NewRecorder(repo, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()

	hooks := rec.Hooks()
	hooks.OnCallStarted(7, "A", "B")
	hooks.OnCallEnded(7)

	// Events are written asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := repo.List(context.Background(), 10)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) == 1 && recs[0].EndedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never settled: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	db.Close()
}
