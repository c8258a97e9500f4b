package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	// config.Dir()/PromptsDir()/DefaultPromptPath() resolve off
	// os.UserHomeDir() at call time (spec §6.4: one fixed per-machine
	// location), so tests redirect HOME to stay inside TempDir rather
	// than writing into the real home directory.
	t.Setenv("HOME", dir)
	cfg := config.Default()
	cfg.Hub.SessionsDir = filepath.Join(dir, "sessions")
	cfg.Hub.DatabaseDir = filepath.Join(dir, "data")
	cfg.Daemon.EmbeddingProvider = "none"
	cfg.Daemon.ParallelWorkers = 1
	cfg.Daemon.IdleTimeoutMinutes = 1
	// Schedules that fire only at 00:00 on January 1, so the scheduler
	// never fires uninvited during a test.
	cfg.Daemon.ReanalysisSchedule = "0 0 1 1 *"
	cfg.Daemon.ConnectionDiscoverySchedule = "0 0 1 1 *"
	cfg.Daemon.PatternAggregationSchedule = "0 0 1 1 *"
	cfg.Daemon.ClusteringSchedule = "0 0 1 1 *"
	cfg.Daemon.BackfillEmbeddingsSchedule = "0 0 1 1 *"
	if err := os.MkdirAll(cfg.Hub.DatabaseDir, 0o755); err != nil {
		t.Fatalf("mkdir database dir: %v", err)
	}
	return cfg
}

func writeTestSession(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir sessions dir: %v", err)
	}
	path := filepath.Join(dir, "sess1.jsonl")
	content := `{"id":"s1","timestamp":"2026-01-01T00:00:00Z","cwd":"/repo"}
{"id":"e1","type":"message","role":"user","content":"fix the bug","timestamp":"2026-01-01T00:00:01Z"}
{"id":"e2","type":"message","role":"assistant","content":"done","timestamp":"2026-01-01T00:00:02Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	return path
}

func TestDaemon_NewOpensStoreAndWiresCollaborators(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.db.Close()

	if d.q == nil || d.watcher == nil || d.pool == nil || d.sched == nil || d.registry == nil || d.facade == nil {
		t.Fatalf("New left a collaborator unwired: %+v", d)
	}
}

func TestDaemon_StartInstallsDefaultPromptAndStartsLoops(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := os.Stat(config.DefaultPromptPath()); err != nil {
		t.Errorf("expected default prompt installed: %v", err)
	}

	st := d.Status()
	if !st.Running {
		t.Errorf("expected Status().Running true after Start")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDaemon_IngestEnqueuesInitialJob(t *testing.T) {
	cfg := testConfig(t)
	sessionPath := writeTestSession(t, cfg.Hub.SessionsDir)

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.db.Close()

	jobID, err := d.Ingest(sessionPath)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected non-empty job id")
	}

	jobs, err := d.q.List(store.JobPending, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].SessionFile != sessionPath {
		t.Errorf("jobs = %+v, want one job for %s", jobs, sessionPath)
	}
	if jobs[0].Priority != store.PriorityUserTriggered {
		t.Errorf("priority = %d, want %d", jobs[0].Priority, store.PriorityUserTriggered)
	}
}

func TestDaemon_BroadcastSubscribeReceivesNodeCreated(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.db.Close()

	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	n := &store.Node{ID: "n1"}
	d.NodeCreated(n)

	select {
	case ev := <-ch:
		if ev.Kind != EventNodeCreated {
			t.Errorf("kind = %s, want %s", ev.Kind, EventNodeCreated)
		}
		got, ok := ev.Payload.(*store.Node)
		if !ok || got.ID != "n1" {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestDaemon_UnsubscribeClosesChannel(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.db.Close()

	ch := d.Subscribe()
	d.Unsubscribe(ch)

	_, open := <-ch
	if open {
		t.Errorf("expected channel closed after Unsubscribe")
	}
}
