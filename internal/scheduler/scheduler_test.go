package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pi-brain/pi-brain/internal/clock"
)

func TestScheduler_RunNow_RecordsSuccess(t *testing.T) {
	var calls int32
	jobs := []Job{
		{
			Name:     "reanalysis",
			Schedule: "0 3 * * *",
			Run: func(ctx context.Context) (int, error) {
				atomic.AddInt32(&calls, 1)
				return 5, nil
			},
		},
	}
	s, err := New(jobs, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := s.RunNow("reanalysis")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Status != StatusOK || rep.ItemsProcessed != 5 {
		t.Errorf("report = %+v, want status=ok items=5", rep)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	hist := s.History(10)
	if len(hist) != 1 || hist[0].JobName != "reanalysis" {
		t.Errorf("history = %+v, want one reanalysis entry", hist)
	}
}

func TestScheduler_RunNow_UnavailableSkips(t *testing.T) {
	ran := false
	jobs := []Job{
		{
			Name:      "clustering",
			Schedule:  "0 5 * * 0",
			Available: func() bool { return false },
			Run: func(ctx context.Context) (int, error) {
				ran = true
				return 0, nil
			},
		},
	}
	s, err := New(jobs, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := s.RunNow("clustering")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", rep.Status)
	}
	if ran {
		t.Error("Run should not have been called when Available() is false")
	}
}

func TestScheduler_RunNow_OverlapLocksOut(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	jobs := []Job{
		{
			Name:     "backfill",
			Schedule: "*/30 * * * *",
			Run: func(ctx context.Context) (int, error) {
				close(entered)
				<-release
				return 1, nil
			},
		},
	}
	s, err := New(jobs, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan Report, 1)
	go func() {
		rep, _ := s.RunNow("backfill")
		done <- rep
	}()
	<-entered

	rep, err := s.RunNow("backfill")
	if err != nil {
		t.Fatalf("RunNow (overlap): %v", err)
	}
	if rep.Status != StatusSkipped {
		t.Errorf("overlapping run status = %s, want skipped", rep.Status)
	}
	close(release)
	<-done
}

func TestScheduler_RunNow_FailurePropagatesError(t *testing.T) {
	jobs := []Job{
		{
			Name:     "connection_discovery",
			Schedule: "0 4 * * *",
			Run: func(ctx context.Context) (int, error) {
				return 0, errors.New("boom")
			},
		},
	}
	s, err := New(jobs, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep, err := s.RunNow("connection_discovery")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Status != StatusFailed || rep.Error != "boom" {
		t.Errorf("report = %+v, want failed/boom", rep)
	}
}

func TestScheduler_RunNow_UnknownJobErrors(t *testing.T) {
	s, err := New(nil, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunNow("nope"); err == nil {
		t.Error("expected error for unknown job name")
	}
}

func TestScheduler_New_RejectsBadCronExpression(t *testing.T) {
	jobs := []Job{{Name: "bad", Schedule: "not a cron expr", Run: func(ctx context.Context) (int, error) { return 0, nil }}}
	if _, err := New(jobs, clock.NewFake(time.Now()), nil); err == nil {
		t.Error("expected New to reject an invalid cron expression")
	}
}

func TestScheduler_OnReportCallback(t *testing.T) {
	var got Report
	jobs := []Job{{Name: "x", Schedule: "0 0 * * *", Run: func(ctx context.Context) (int, error) { return 3, nil }}}
	s, err := New(jobs, clock.NewFake(time.Now()), func(r Report) { got = r })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunNow("x"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got.JobName != "x" || got.ItemsProcessed != 3 {
		t.Errorf("onReport callback got = %+v", got)
	}
}
