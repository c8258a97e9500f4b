package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// EnqueueJob inserts a new job in pending state. Callers are responsible
// for dedup (see HasExistingJob and internal/queue's Enqueue) — this is
// a raw insert.
func (db *DB) EnqueueJob(j *Job) error {
	if j.State == "" {
		j.State = JobPending
	}
	if j.RunAt == 0 {
		j.RunAt = time.Now().Unix()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("enqueueJob", func() error {
		_, err := db.conn.Exec(`INSERT INTO jobs (id, kind, session_file, node_id, priority, run_at, attempts, state)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			j.ID, string(j.Kind), j.SessionFile, j.NodeID, j.Priority, j.RunAt, string(j.State))
		return err
	})
}

// HasExistingJob reports whether a pending/running job already exists for
// the given kind and session file or node id (whichever is non-empty).
func (db *DB) HasExistingJob(kind JobKind, sessionFile, nodeID string) (bool, error) {
	var count int
	var err error
	switch {
	case sessionFile != "":
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM jobs
			WHERE kind = ? AND session_file = ? AND state IN ('pending', 'running')`,
			string(kind), sessionFile).Scan(&count)
	case nodeID != "":
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM jobs
			WHERE kind = ? AND node_id = ? AND state IN ('pending', 'running')`,
			string(kind), nodeID).Scan(&count)
	default:
		return false, fmt.Errorf("hasExistingJob: kind %s requires sessionFile or nodeID", kind)
	}
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LeaseJob atomically selects the lowest-priority oldest pending job whose
// run_at <= now, marks it running, and returns it. Returns (nil, nil) if
// no job is available.
func (db *DB) LeaseJob(workerID string, now time.Time, leaseDuration time.Duration) (*Job, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var job *Job
	err := withRetry("leaseJob", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRow(`SELECT id, kind, session_file, node_id, priority, run_at, attempts, state
			FROM jobs WHERE state = 'pending' AND run_at <= ?
			ORDER BY priority ASC, run_at ASC LIMIT 1`, now.Unix())

		var j Job
		if err := row.Scan(&j.ID, &j.Kind, &j.SessionFile, &j.NodeID, &j.Priority, &j.RunAt, &j.Attempts, &j.State); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		leasedUntil := now.Add(leaseDuration).Unix()
		res, err := tx.Exec(`UPDATE jobs SET state = 'running', worker_id = ?, leased_until = ?, updated_at = unixepoch()
			WHERE id = ? AND state = 'pending'`, workerID, leasedUntil, j.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Another worker raced us; caller retries on next poll.
			return nil
		}

		j.State = JobRunning
		j.WorkerID = workerID
		j.LeasedUntil = leasedUntil
		job = &j
		return tx.Commit()
	})
	return job, err
}

// CompleteJob marks a job completed.
func (db *DB) CompleteJob(jobID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("completeJob", func() error {
		_, err := db.conn.Exec(`UPDATE jobs SET state = 'completed', updated_at = unixepoch() WHERE id = ?`, jobID)
		return err
	})
}

// FailJob increments attempts; if attempts < maxRetries it requeues with
// exponential backoff (runAt = now + 2^attempts minutes, capped at 1 day),
// otherwise it terminates the job as failed.
func (db *DB) FailJob(jobID string, cause error, maxRetries int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("failJob", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var attempts int
		if err := tx.QueryRow(`SELECT attempts FROM jobs WHERE id = ?`, jobID).Scan(&attempts); err != nil {
			return err
		}
		attempts++

		errMsg := ""
		if cause != nil {
			errMsg = cause.Error()
		}

		if attempts < maxRetries {
			backoffMinutes := math.Pow(2, float64(attempts))
			if backoffMinutes > 24*60 {
				backoffMinutes = 24 * 60
			}
			runAt := time.Now().Add(time.Duration(backoffMinutes) * time.Minute).Unix()
			if _, err := tx.Exec(`UPDATE jobs SET state = 'pending', attempts = ?, run_at = ?, last_error = ?,
				worker_id = '', leased_until = 0, updated_at = unixepoch() WHERE id = ?`,
				attempts, runAt, errMsg, jobID); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(`UPDATE jobs SET state = 'failed', attempts = ?, last_error = ?, updated_at = unixepoch() WHERE id = ?`,
				attempts, errMsg, jobID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// FailJobPermanent terminates a job as failed immediately, with no retry
// — used for errors the Worker classifies as permanent (e.g. an invalid
// segment reference) rather than transient.
func (db *DB) FailJobPermanent(jobID string, cause error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	return withRetry("failJobPermanent", func() error {
		_, err := db.conn.Exec(`UPDATE jobs SET state = 'failed', last_error = ?, updated_at = unixepoch() WHERE id = ?`, errMsg, jobID)
		return err
	})
}

// ReleaseJob resets a single running job back to pending without
// touching attempts, for a worker that was holding it when a graceful
// shutdown signal arrived — the job is released, not failed, so it can
// be re-leased on restart with no retry penalty.
func (db *DB) ReleaseJob(jobID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("releaseJob", func() error {
		_, err := db.conn.Exec(`UPDATE jobs SET state = 'pending', worker_id = '', leased_until = 0, updated_at = unixepoch()
			WHERE id = ? AND state = 'running'`, jobID)
		return err
	})
}

// ReleaseStale resets jobs whose lease has expired back to pending,
// preserving attempts. Idempotent: calling it twice with the same now
// yields the same state. Must run at daemon startup before any worker
// leases.
func (db *DB) ReleaseStale(now time.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	err := withRetry("releaseStale", func() error {
		res, err := db.conn.Exec(`UPDATE jobs SET state = 'pending', worker_id = '', leased_until = 0, updated_at = unixepoch()
			WHERE state = 'running' AND leased_until < ?`, now.Unix())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ClearOldCompleted deletes completed/failed/cancelled jobs older than
// the given cutoff.
func (db *DB) ClearOldCompleted(olderThan time.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	err := withRetry("clearOldCompleted", func() error {
		res, err := db.conn.Exec(`DELETE FROM jobs WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
			olderThan.Unix())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ListJobs returns jobs optionally filtered by state, newest first.
func (db *DB) ListJobs(state JobState, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, session_file, node_id, priority, run_at, attempts, worker_id, leased_until, state, last_error
		FROM jobs`
	var rows *sql.Rows
	var err error
	if state != "" {
		query += ` WHERE state = ? ORDER BY created_at DESC LIMIT ?`
		rows, err = db.conn.Query(query, string(state), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT ?`
		rows, err = db.conn.Query(query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.SessionFile, &j.NodeID, &j.Priority, &j.RunAt, &j.Attempts,
			&j.WorkerID, &j.LeasedUntil, &j.State, &j.LastError); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// QueueDepths returns the count of jobs in each state, for daemon status.
func (db *DB) QueueDepths() (map[JobState]int, error) {
	rows, err := db.conn.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := map[JobState]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		depths[JobState(state)] = count
	}
	return depths, rows.Err()
}
