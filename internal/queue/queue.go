// Package queue is a thin dedup/priority facade over the store's job
// table: it decides whether a job needs enqueuing at all and maps
// domain priorities onto the store's plain integer column.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pi-brain/pi-brain/internal/store"
)

// Queue wraps a *store.DB with dedup-aware enqueue helpers.
type Queue struct {
	db *store.DB
}

// New returns a Queue backed by db.
func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

// PriorityFor maps a job kind to its default priority. It never returns
// PriorityUserTriggered or PriorityFork; callers that want those pass
// them to Enqueue explicitly.
func PriorityFor(kind store.JobKind) int {
	switch kind {
	case store.JobInitial:
		return store.PriorityInitial
	case store.JobReanalysis:
		return store.PriorityReanalysis
	case store.JobConnectionDiscovery:
		return store.PriorityConnection
	default:
		return store.PriorityInitial
	}
}

// Enqueue inserts a job unless an equivalent pending/running job
// already exists for the same kind and target (sessionFile or
// nodeId). Returns the new job's id, or an empty id and a nil error
// when an equivalent job already exists ("already queued").
func (q *Queue) Enqueue(kind store.JobKind, sessionFile, nodeID string, priority int) (string, error) {
	exists, err := q.db.HasExistingJob(kind, sessionFile, nodeID)
	if err != nil {
		return "", fmt.Errorf("check existing job: %w", err)
	}
	if exists {
		return "", nil
	}

	id := uuid.NewString()
	j := &store.Job{
		ID:          id,
		Kind:        kind,
		SessionFile: sessionFile,
		NodeID:      nodeID,
		Priority:    priority,
		RunAt:       time.Now().Unix(),
	}
	if err := q.db.EnqueueJob(j); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// EnqueueDefault enqueues with the kind's default priority.
func (q *Queue) EnqueueDefault(kind store.JobKind, sessionFile, nodeID string) (string, error) {
	return q.Enqueue(kind, sessionFile, nodeID, PriorityFor(kind))
}

// EnqueueMany enqueues a batch of jobs, skipping duplicates
// individually rather than failing the whole batch on one collision.
func (q *Queue) EnqueueMany(jobs []EnqueueRequest) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		priority := j.Priority
		if priority == 0 {
			priority = PriorityFor(j.Kind)
		}
		id, err := q.Enqueue(j.Kind, j.SessionFile, j.NodeID, priority)
		if err != nil {
			return ids, fmt.Errorf("enqueue %s: %w", j.Kind, err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// EnqueueRequest is one item of a batch passed to EnqueueMany.
type EnqueueRequest struct {
	Kind        store.JobKind
	SessionFile string
	NodeID      string
	Priority    int // 0 means "use the kind's default"
}

// Lease atomically claims the next eligible job for workerID.
func (q *Queue) Lease(workerID string, now time.Time, leaseDuration time.Duration) (*store.Job, error) {
	return q.db.LeaseJob(workerID, now, leaseDuration)
}

// Complete marks a job completed.
func (q *Queue) Complete(jobID string) error {
	return q.db.CompleteJob(jobID)
}

// Fail increments a job's attempts and either requeues it with
// backoff or terminates it as failed, depending on maxRetries.
func (q *Queue) Fail(jobID string, cause error, maxRetries int) error {
	return q.db.FailJob(jobID, cause, maxRetries)
}

// FailPermanent terminates a job as failed with no further retries.
func (q *Queue) FailPermanent(jobID string, cause error) error {
	return q.db.FailJobPermanent(jobID, cause)
}

// Release resets a single running job back to pending without
// incrementing attempts, for graceful shutdown.
func (q *Queue) Release(jobID string) error {
	return q.db.ReleaseJob(jobID)
}

// ReleaseStale resets jobs whose lease expired back to pending. Must
// be called once at daemon startup before any worker leases.
func (q *Queue) ReleaseStale(now time.Time) (int, error) {
	return q.db.ReleaseStale(now)
}

// ClearOldCompleted deletes terminal jobs older than the cutoff.
func (q *Queue) ClearOldCompleted(olderThan time.Time) (int, error) {
	return q.db.ClearOldCompleted(olderThan)
}

// Depths returns the count of jobs in each state, for daemon status.
func (q *Queue) Depths() (map[store.JobState]int, error) {
	return q.db.QueueDepths()
}

// List returns jobs optionally filtered by state, newest first.
func (q *Queue) List(state store.JobState, limit int) ([]*store.Job, error) {
	return q.db.ListJobs(state, limit)
}
