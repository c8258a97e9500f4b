// Package scheduler drives pi-brain's cron-scheduled maintenance jobs
// (spec §4.6, C6): reanalysis enqueue, connection discovery, pattern
// aggregation (bundling effectiveness measurement and auto-disable, §4.7),
// clustering, and embedding backfill. Each job runs on its own
// configurable schedule, guarded against overlapping runs of the same
// job and against running when a required dependency is unavailable.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pi-brain/pi-brain/internal/clock"
)

var schedulerLog = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)

// Status is the outcome of one job run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Report is what a job run produces, for the control plane's status
// surface (spec §4.10 "next scheduled runs" / recent run history).
type Report struct {
	JobName        string    `json:"jobName"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	ItemsProcessed int       `json:"itemsProcessed"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// RunFunc does the job's actual work and reports how many items it
// touched. Returning an error marks the run StatusFailed.
type RunFunc func(ctx context.Context) (itemsProcessed int, err error)

// Job is one cron-scheduled maintenance task.
type Job struct {
	Name     string
	Schedule string        // standard 5-field cron expression (spec §6.1)
	Timeout  time.Duration // 0 means no per-run timeout
	Run      RunFunc

	// Available reports whether this job's dependencies are currently
	// satisfied (e.g. an embedder configured). nil means always available.
	// An unavailable job is skipped, not failed (spec §4.6).
	Available func() bool
}

// Scheduler wraps a cron.Cron, adding a per-job-name overlap lock, a
// dependency-availability skip, and a bounded report history.
type Scheduler struct {
	cron     *cron.Cron
	clock    clock.Clock
	jobs     []Job
	running  map[string]*int32
	onReport func(Report)

	mu      sync.Mutex
	history []Report
	maxKeep int
}

// New builds a Scheduler from a set of jobs. Every job's Schedule must
// already have passed config.Validate's cron.ParseStandard check — New
// itself returns an error if registration fails, so a bad expression
// is caught at daemon startup rather than silently never firing.
func New(jobs []Job, c clock.Clock, onReport func(Report)) (*Scheduler, error) {
	if c == nil {
		c = clock.Real{}
	}
	s := &Scheduler{
		cron:     cron.New(),
		clock:    c,
		jobs:     jobs,
		running:  make(map[string]*int32, len(jobs)),
		onReport: onReport,
		maxKeep:  200,
	}
	for i := range jobs {
		j := jobs[i]
		flag := new(int32)
		s.running[j.Name] = flag
		if _, err := s.cron.AddFunc(j.Schedule, func() { s.runGuarded(j, flag) }); err != nil {
			return nil, fmt.Errorf("register job %q: %w", j.Name, err)
		}
	}
	return s, nil
}

// Start begins the cron scheduler's background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight run triggered by
// cron's own goroutine to finish (the underlying library blocks until
// its own wrapped function returns, so jobs must still respect ctx
// cancellation to exit promptly during daemon shutdown).
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries exposes the next scheduled run time per job, for the control
// plane's status surface.
func (s *Scheduler) Entries() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	now := s.clock.Now()
	for _, j := range s.jobs {
		sched, err := cron.ParseStandard(j.Schedule)
		if err != nil {
			continue
		}
		out[j.Name] = sched.Next(now)
	}
	return out
}

// History returns the most recent run reports, newest first.
func (s *Scheduler) History(limit int) []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Report, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

// RunNow triggers job by name immediately, bypassing its cron schedule
// but still honoring the overlap lock and availability check — used by
// the control plane's manual-trigger surface.
func (s *Scheduler) RunNow(name string) (Report, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.run(j, s.running[name]), nil
		}
	}
	return Report{}, fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runGuarded(j Job, flag *int32) {
	s.run(j, flag)
}

func (s *Scheduler) run(j Job, flag *int32) Report {
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		schedulerLog.Printf("%s skipped: previous run still in progress", j.Name)
		return s.record(Report{JobName: j.Name, StartedAt: s.clock.Now(), FinishedAt: s.clock.Now(), Status: StatusSkipped})
	}
	defer atomic.StoreInt32(flag, 0)

	if j.Available != nil && !j.Available() {
		schedulerLog.Printf("%s skipped: dependency unavailable", j.Name)
		return s.record(Report{JobName: j.Name, StartedAt: s.clock.Now(), FinishedAt: s.clock.Now(), Status: StatusSkipped})
	}

	ctx := context.Background()
	cancel := func() {}
	if j.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	defer cancel()

	started := s.clock.Now()
	schedulerLog.Printf("%s starting", j.Name)
	n, err := j.Run(ctx)
	finished := s.clock.Now()

	rep := Report{JobName: j.Name, StartedAt: started, FinishedAt: finished, ItemsProcessed: n}
	if err != nil {
		rep.Status = StatusFailed
		rep.Error = err.Error()
		schedulerLog.Printf("%s failed after %d items: %v", j.Name, n, err)
	} else {
		rep.Status = StatusOK
		schedulerLog.Printf("%s finished: %d items", j.Name, n)
	}
	return s.record(rep)
}

func (s *Scheduler) record(rep Report) Report {
	s.mu.Lock()
	s.history = append(s.history, rep)
	if len(s.history) > s.maxKeep {
		s.history = s.history[len(s.history)-s.maxKeep:]
	}
	s.mu.Unlock()
	if s.onReport != nil {
		s.onReport(rep)
	}
	return rep
}
