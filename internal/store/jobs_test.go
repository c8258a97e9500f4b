package store

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueAndLeaseJob(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	now := time.Now()
	must(t, db.EnqueueJob(&Job{ID: "job-1", Kind: JobInitial, SessionFile: "s1.jsonl", Priority: PriorityInitial, RunAt: now.Unix()}))

	leased, err := db.LeaseJob("worker-1", now, time.Minute)
	if err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}
	if leased == nil || leased.ID != "job-1" {
		t.Fatalf("expected to lease job-1, got %v", leased)
	}
	if leased.State != JobRunning {
		t.Errorf("expected state running, got %s", leased.State)
	}

	// A second lease attempt should find nothing pending.
	again, err := db.LeaseJob("worker-2", now, time.Minute)
	if err != nil {
		t.Fatalf("LeaseJob again: %v", err)
	}
	if again != nil {
		t.Errorf("expected no job available, got %v", again)
	}
}

func TestHasExistingJob(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.EnqueueJob(&Job{ID: "job-1", Kind: JobInitial, SessionFile: "s1.jsonl", Priority: PriorityInitial}))

	exists, err := db.HasExistingJob(JobInitial, "s1.jsonl", "")
	if err != nil {
		t.Fatalf("HasExistingJob: %v", err)
	}
	if !exists {
		t.Error("expected existing job for s1.jsonl")
	}

	exists, err = db.HasExistingJob(JobInitial, "s2.jsonl", "")
	if err != nil {
		t.Fatalf("HasExistingJob: %v", err)
	}
	if exists {
		t.Error("expected no existing job for s2.jsonl")
	}
}

func TestFailJob_RetriesThenFailsPermanently(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.EnqueueJob(&Job{ID: "job-1", Kind: JobInitial, SessionFile: "s1.jsonl", Priority: PriorityInitial, RunAt: time.Now().Unix()}))

	cause := errors.New("analyzer timed out")
	if err := db.FailJob("job-1", cause, 2); err != nil {
		t.Fatalf("FailJob (attempt 1): %v", err)
	}

	jobs, err := db.ListJobs(JobPending, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 1 {
		t.Fatalf("expected job requeued with 1 attempt, got %v", jobs)
	}

	if err := db.FailJob("job-1", cause, 2); err != nil {
		t.Fatalf("FailJob (attempt 2): %v", err)
	}

	failed, err := db.ListJobs(JobFailed, 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != cause.Error() {
		t.Fatalf("expected job terminally failed with cause recorded, got %v", failed)
	}
}

func TestReleaseStale_IsIdempotent(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	now := time.Now()
	must(t, db.EnqueueJob(&Job{ID: "job-1", Kind: JobInitial, SessionFile: "s1.jsonl", Priority: PriorityInitial, RunAt: now.Add(-time.Hour).Unix()}))
	if _, err := db.LeaseJob("worker-1", now, time.Millisecond); err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}

	later := now.Add(time.Minute)
	n, err := db.ReleaseStale(later)
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale job released, got %d", n)
	}

	// Calling again with the same cutoff must not double count or error.
	n, err = db.ReleaseStale(later)
	if err != nil {
		t.Fatalf("ReleaseStale second call: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 newly-released jobs on second call, got %d", n)
	}
}

func TestQueueDepths(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.EnqueueJob(&Job{ID: "job-1", Kind: JobInitial, SessionFile: "s1.jsonl", Priority: PriorityInitial}))
	must(t, db.EnqueueJob(&Job{ID: "job-2", Kind: JobReanalysis, NodeID: "n1", Priority: PriorityReanalysis}))

	depths, err := db.QueueDepths()
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if depths[JobPending] != 2 {
		t.Errorf("expected 2 pending jobs, got %d", depths[JobPending])
	}
}
