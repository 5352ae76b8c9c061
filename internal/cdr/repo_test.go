package cdr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func newTestRecord(t *testing.T, callID string) *Record {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	answered := now.Add(time.Second)
	return &Record{
		CallID:      callID,
		CallerIP:    "192.168.1.210",
		CallerPort:  5060,
		StartTime:   now,
		AnswerTime:  &answered,
		Disposition: DispositionAnswered,
	}
}

func TestRepositoryCreateAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rec := newTestRecord(t, "call-1")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == 0 {
		t.Error("Create did not set record ID")
	}

	got, err := repo.GetByCallID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got.CallerIP != rec.CallerIP || got.CallerPort != rec.CallerPort {
		t.Errorf("got caller %s:%d, want %s:%d", got.CallerIP, got.CallerPort, rec.CallerIP, rec.CallerPort)
	}
	if got.Disposition != DispositionAnswered {
		t.Errorf("disposition = %q, want %q", got.Disposition, DispositionAnswered)
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.GetByCallID(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryFinish(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rec := newTestRecord(t, "call-2")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	end := rec.AnswerTime.Add(42 * time.Second)
	if err := repo.Finish(ctx, "call-2", end, DispositionCompleted, "/rec/call-2.wav"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "call-2")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got.Duration != 42 {
		t.Errorf("duration = %d, want 42", got.Duration)
	}
	if got.Disposition != DispositionCompleted {
		t.Errorf("disposition = %q, want %q", got.Disposition, DispositionCompleted)
	}
	if got.RecordingFile != "/rec/call-2.wav" {
		t.Errorf("recording file = %q", got.RecordingFile)
	}
	if got.EndTime == nil {
		t.Error("end time not set")
	}
}

func TestRepositoryFinishUnanswered(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rec := newTestRecord(t, "call-3")
	rec.AnswerTime = nil
	rec.Disposition = DispositionFailed
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Finish(ctx, "call-3", rec.StartTime.Add(time.Second), DispositionFailed, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "call-3")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got.Duration != 0 {
		t.Errorf("duration = %d, want 0 for unanswered call", got.Duration)
	}
}

func TestRepositoryList(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		rec := newTestRecord(t, id)
		rec.StartTime = rec.StartTime.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	records, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	// Newest first.
	if records[0].CallID != "c" || records[1].CallID != "b" {
		t.Errorf("order = %s, %s; want c, b", records[0].CallID, records[1].CallID)
	}
}
