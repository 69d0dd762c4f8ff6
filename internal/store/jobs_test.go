package store

import (
	"context"
	"testing"
	"time"
)

func TestJobInsertDeduplicatesByKey(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, inserted, err := db.InsertJob(ctx, &Job{ID: "a", Kind: "k", Key: "conv:1", Payload: []byte(`{}`), MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted || id != "a" {
		t.Fatalf("first insert = %q/%v", id, inserted)
	}
	id, inserted, err = db.InsertJob(ctx, &Job{ID: "b", Kind: "k", Key: "conv:1", Payload: []byte(`{}`), MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if inserted || id != "a" {
		t.Errorf("duplicate insert = %q/%v, want a/false", id, inserted)
	}

	// Unkeyed jobs never collide.
	for _, jid := range []string{"c", "d"} {
		if _, inserted, err := db.InsertJob(ctx, &Job{ID: jid, Kind: "k", MaxAttempts: 3}); err != nil || !inserted {
			t.Fatalf("unkeyed insert %s: %v %v", jid, inserted, err)
		}
	}
}

func TestClaimJobOrderAndDueTime(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	mustInsert := func(j *Job) {
		t.Helper()
		if _, _, err := db.InsertJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	mustInsert(&Job{ID: "later", Kind: "k", MaxAttempts: 1, RunAt: now.Add(time.Hour)})
	mustInsert(&Job{ID: "first", Kind: "k", MaxAttempts: 1, RunAt: now.Add(-time.Second)})
	mustInsert(&Job{ID: "other", Kind: "x", MaxAttempts: 1})

	j, err := db.ClaimJob(ctx, "k", now)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != "first" {
		t.Fatalf("claimed %+v, want first", j)
	}
	if j.Status != JobActive || j.Attempts != 1 {
		t.Errorf("claimed job state = %s/%d", j.Status, j.Attempts)
	}

	j, err = db.ClaimJob(ctx, "k", now)
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Errorf("claimed %s before it was due", j.ID)
	}
}

func TestJobRetryFailAndRecover(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := db.InsertJob(ctx, &Job{ID: "j", Kind: "k", Key: "key", MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob(ctx, "k", now); err != nil {
		t.Fatal(err)
	}
	if err := db.RetryJob(ctx, "j", now, "boom"); err != nil {
		t.Fatal(err)
	}
	j, err := db.ClaimJob(ctx, "k", now)
	if err != nil {
		t.Fatal(err)
	}
	if j.Attempts != 2 || j.LastError != "boom" {
		t.Errorf("after retry: attempts=%d last_error=%q", j.Attempts, j.LastError)
	}

	// Crash while active.
	n, err := db.RequeueActiveJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}

	if _, err := db.ClaimJob(ctx, "k", now); err != nil {
		t.Fatal(err)
	}
	if err := db.FailJob(ctx, "j", "fatal"); err != nil {
		t.Fatal(err)
	}
	j, err = db.GetJob(ctx, "j")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != JobFailed || j.Key != "" {
		t.Errorf("failed job = %+v", j)
	}

	// The key is free again.
	if _, inserted, err := db.InsertJob(ctx, &Job{ID: "j2", Kind: "k", Key: "key", MaxAttempts: 2}); err != nil || !inserted {
		t.Errorf("re-enqueue after failure: inserted=%v err=%v", inserted, err)
	}
}

func TestReleaseAndDeleteWaiting(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		if _, _, err := db.InsertJob(ctx, &Job{ID: id, Kind: "msgs", MaxAttempts: 1}); err != nil {
			t.Fatal(err)
		}
	}
	j, err := db.ClaimJob(ctx, "msgs", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.ReleaseJob(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	j, err = db.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != JobWaiting || j.Attempts != 0 {
		t.Errorf("released job = %s/%d", j.Status, j.Attempts)
	}

	n, err := db.DeleteWaitingJobs(ctx, "msgs")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	counts, err := db.CountJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Errorf("counts = %v, want empty", counts)
	}
}
