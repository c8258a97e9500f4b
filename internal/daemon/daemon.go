// Package daemon implements the control plane (spec §4.10, C10):
// supervising the watcher, queue, worker pool, and scheduler as one
// process, exposing Start/Status/Shutdown, and fanning out node.created
// and daemon.status events to in-process subscribers. The subscriber
// fan-out is grounded directly on the pack's
// other_examples/02b92510_wingedpig-trellis claude-manager.go
// Session.Subscribe/Unsubscribe/fanOut shape, generalized from one
// session's stream events to the whole daemon's lifecycle events.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/embedding"
	"github.com/pi-brain/pi-brain/internal/maintenance"
	"github.com/pi-brain/pi-brain/internal/prompt"
	"github.com/pi-brain/pi-brain/internal/query"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/scheduler"
	"github.com/pi-brain/pi-brain/internal/session"
	"github.com/pi-brain/pi-brain/internal/store"
	"github.com/pi-brain/pi-brain/internal/watcher"
	"github.com/pi-brain/pi-brain/internal/worker"
)

var daemonLog = log.New(os.Stderr, "[daemon] ", log.LstdFlags)

// EventKind is the closed set of events the control plane broadcasts.
type EventKind string

const (
	EventNodeCreated   EventKind = "node.created"
	EventDaemonStatus  EventKind = "daemon.status"
	statusBroadcastTTL           = 30 * time.Second
)

// Event is one broadcast message. Payload is a *store.Node for
// EventNodeCreated and a *Status for EventDaemonStatus.
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// Status is a snapshot of the running daemon (spec §4.10 "Status").
type Status struct {
	Running         bool
	StartedAt       time.Time
	WorkerCount     int
	QueueDepths     map[store.JobState]int
	RecentAnalyses  []*store.Job
	NextScheduled   map[string]time.Time
	PromptVersion   string
	AnalysesHandled int64
}

// Daemon supervises the watcher, worker pool, and scheduler, and
// answers Status()/Subscribe() queries in process (spec §4.10).
type Daemon struct {
	cfg *config.Config

	db       *store.DB
	q        *queue.Queue
	watcher  *watcher.Watcher
	pool     *worker.Pool
	sched    *scheduler.Scheduler
	registry *prompt.Registry
	facade   *query.Facade
	embedder embedding.Provider
	clock    clock.Clock

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	startedAt   time.Time
	running     bool
	handled     int64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires every collaborator package together from cfg, opening the
// store and building the watcher/pool/scheduler/registry, but does not
// start any background work — call Start for that (spec §4.10 "Start").
func New(cfg *config.Config) (*Daemon, error) {
	db, err := store.Open(cfg.DBPath(), cfg.Daemon.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.IntegrityCheck(); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	var embedder embedding.Provider
	if cfg.Daemon.EmbeddingProvider != "none" && cfg.Daemon.EmbeddingProvider != "" {
		embedder, err = embedding.NewProvider(embedding.ProviderConfig{
			Provider:   cfg.Daemon.EmbeddingProvider,
			Model:      cfg.Daemon.EmbeddingModel,
			APIKey:     cfg.Daemon.EmbeddingAPIKey,
			BaseURL:    cfg.Daemon.EmbeddingBaseURL,
			Dimensions: cfg.Daemon.EmbeddingDimensions,
		})
		if err != nil {
			daemonLog.Printf("embedding provider unavailable, continuing without it: %v", err)
			embedder = nil
		}
	}

	w, err := watcher.New(watcher.Config{
		Dirs:        []string{cfg.Hub.SessionsDir},
		IdleTimeout: time.Duration(cfg.Daemon.IdleTimeoutMinutes) * time.Minute,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	q := queue.New(db)
	registry := prompt.New(db, config.PromptsDir(), config.PromptHistoryDir(), config.DefaultPromptPath(), clock.Real{})

	d := &Daemon{
		cfg:         cfg,
		db:          db,
		q:           q,
		watcher:     w,
		registry:    registry,
		embedder:    embedder,
		clock:       clock.Real{},
		subscribers: make(map[chan Event]struct{}),
		facade:      query.New(db, embedder, cfg.Daemon.SemanticSearchThreshold),
	}

	d.pool = worker.New(d.workerDeps(), worker.Config{
		ParallelWorkers:       cfg.Daemon.ParallelWorkers,
		MaxConcurrentAnalysis: cfg.Daemon.MaxConcurrentAnalysis,
		MaxRetries:            cfg.Daemon.MaxRetries,
		AnalysisTimeout:       time.Duration(cfg.Daemon.AnalysisTimeoutMinutes) * time.Minute,
	})

	sched, err := scheduler.New(d.scheduledJobs(), d.clock, d.onScheduleReport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	d.sched = sched

	return d, nil
}

// Facade exposes the read-only query layer (C9) for callers that hold a
// running Daemon (e.g. the CLI's `query` subcommand against a live
// daemon).
func (d *Daemon) Facade() *query.Facade { return d.facade }

// analyzerConfig builds the analyzer subprocess config from the active
// daemon config. Config §6.1 names only provider/model for the daemon
// analyzer (no separate binary-path key), so the CLI binary invoked is
// the provider name itself, resolved on PATH (e.g. a "claude" or
// "codex" binary), matching how the teacher's own `cmd/same` expects
// its analyzer CLI to be named after its provider.
func (d *Daemon) analyzerConfig(promptPath string) analyzer.Config {
	return analyzer.Config{
		BinaryPath:       d.cfg.Daemon.Provider,
		Provider:         d.cfg.Daemon.Provider,
		Model:            d.cfg.Daemon.Model,
		SystemPromptPath: promptPath,
		Timeout:          time.Duration(d.cfg.Daemon.AnalysisTimeoutMinutes) * time.Minute,
	}
}

func (d *Daemon) workerDeps() worker.Deps {
	return worker.Deps{
		DB:                   d.db,
		Queue:                d.q,
		Embedder:             d.embedder,
		AnalyzerConfig:       d.analyzerConfig,
		CurrentPromptVersion: d.registry.Current,
		Broadcast:            d,
		Clock:                d.clock,
		ConnectionDiscovery: func(ctx context.Context, job *store.Job) error {
			_, err := maintenance.ConnectionDiscovery(ctx, d.maintenanceDeps(), maintenance.DefaultConfig())
			return err
		},
	}
}

func (d *Daemon) maintenanceDeps() maintenance.Deps {
	return maintenance.Deps{
		DB:             d.db,
		Queue:          d.q,
		Embedder:       d.embedder,
		AnalyzerConfig: d.analyzerConfig,
		PromptPath: func() (string, string, error) {
			pv, err := d.registry.Current()
			if err != nil {
				return "", "", err
			}
			return pv.Version, pv.FilePath, nil
		},
		Clock: d.clock,
	}
}

// scheduledJobs builds the five spec §4.7 maintenance schedule entries
// from config (§6.1), bundling effectiveness measurement and
// auto-disable into patternAggregationSchedule — see DESIGN.md's
// internal/scheduler and internal/maintenance entries for why.
func (d *Daemon) scheduledJobs() []scheduler.Job {
	cfg := maintenance.DefaultConfig()
	cfg.ReanalysisLimit = d.cfg.Daemon.ReanalysisLimit
	cfg.ConnectionDiscoveryLimit = d.cfg.Daemon.ConnectionDiscoveryLimit
	cfg.ConnectionDiscoveryLookbackDays = d.cfg.Daemon.ConnectionDiscoveryLookbackDays
	cfg.BackfillLimit = d.cfg.Daemon.BackfillLimit

	timeout := 10 * time.Minute
	return []scheduler.Job{
		{
			Name:     "reanalysis",
			Schedule: d.cfg.Daemon.ReanalysisSchedule,
			Timeout:  timeout,
			Run: func(ctx context.Context) (int, error) {
				return maintenance.ReanalysisEnqueue(ctx, d.maintenanceDeps(), cfg)
			},
		},
		{
			Name:     "connectionDiscovery",
			Schedule: d.cfg.Daemon.ConnectionDiscoverySchedule,
			Timeout:  timeout,
			Run: func(ctx context.Context) (int, error) {
				return maintenance.ConnectionDiscovery(ctx, d.maintenanceDeps(), cfg)
			},
		},
		{
			Name:     "patternAggregation",
			Schedule: d.cfg.Daemon.PatternAggregationSchedule,
			Timeout:  timeout,
			Run: func(ctx context.Context) (int, error) {
				return maintenance.PatternAggregation(ctx, d.maintenanceDeps(), cfg)
			},
		},
		{
			Name:     "clustering",
			Schedule: d.cfg.Daemon.ClusteringSchedule,
			Timeout:  timeout,
			Available: func() bool {
				return d.embedder != nil
			},
			Run: func(ctx context.Context) (int, error) {
				return maintenance.Clustering(ctx, d.maintenanceDeps(), cfg)
			},
		},
		{
			Name:     "backfillEmbeddings",
			Schedule: d.cfg.Daemon.BackfillEmbeddingsSchedule,
			Timeout:  timeout,
			Available: func() bool {
				return d.embedder != nil
			},
			Run: func(ctx context.Context) (int, error) {
				return maintenance.EmbeddingBackfill(ctx, d.maintenanceDeps(), cfg)
			},
		},
	}
}

func (d *Daemon) onScheduleReport(rep scheduler.Report) {
	daemonLog.Printf("job %s: %s (%d items, %v-%v)", rep.JobName, rep.Status, rep.ItemsProcessed, rep.StartedAt, rep.FinishedAt)
}

// Start runs migrations (already applied by store.Open in New),
// releases stale leases, installs the default prompt if missing, then
// starts the watcher, scheduler, and worker pool — spec §4.10's exact
// Start sequence. It returns once every background loop has been
// launched; call Shutdown (or cancel ctx) to stop them.
func (d *Daemon) Start(ctx context.Context) error {
	if _, err := d.db.ReleaseStale(d.clock.Now()); err != nil {
		return fmt.Errorf("release stale leases: %w", err)
	}
	if err := d.registry.InstallDefaultIfMissing(prompt.DefaultSystemPrompt); err != nil {
		return fmt.Errorf("install default prompt: %w", err)
	}

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	d.sched.Start()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	d.group = g

	g.Go(func() error {
		d.watchLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return d.pool.Run(gctx)
	})
	g.Go(func() error {
		d.statusLoop(gctx)
		return nil
	})

	d.mu.Lock()
	d.running = true
	d.startedAt = d.clock.Now()
	d.mu.Unlock()

	daemonLog.Printf("started: sessions=%s db=%s workers=%d", d.cfg.Hub.SessionsDir, d.cfg.DBPath(), d.cfg.Daemon.ParallelWorkers)
	return nil
}

// watchLoop turns watcher events into enqueued analysis jobs (the
// piece spec §4.3/§4.5 hands off between C3 and C5): EventChanged
// enqueues a low-priority initial job so a first pass is available
// quickly; EventIdle enqueues (or confirms) the same, matching spec
// §8's "idle fires at most once per quiescent period, dedup on
// concurrent enqueue" guarantee via the queue's own HasExistingJob
// check inside Enqueue.
func (d *Daemon) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if d.watcher.IsAnalyzing(ev.Path) {
				continue
			}
			if _, err := d.q.Enqueue(store.JobInitial, ev.Path, "", queue.PriorityFor(store.JobInitial)); err != nil {
				daemonLog.Printf("enqueue %s for %s failed: %v", ev.Kind, ev.Path, err)
			}
		}
	}
}

// statusLoop periodically broadcasts daemon.status, per spec §4.10.
func (d *Daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusBroadcastTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.broadcastStatus()
		}
	}
}

func (d *Daemon) broadcastStatus() {
	st := d.Status()
	d.fanOut(Event{Kind: EventDaemonStatus, Payload: &st})
}

// Status returns a snapshot of daemon state (spec §4.10 "Status").
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.running
	startedAt := d.startedAt
	handled := d.handled
	d.mu.Unlock()

	depths, err := d.q.Depths()
	if err != nil {
		daemonLog.Printf("status: queue depths unavailable: %v", err)
	}
	recent, err := d.q.List(store.JobCompleted, 10)
	if err != nil {
		daemonLog.Printf("status: recent analyses unavailable: %v", err)
	}
	var promptVersion string
	if pv, err := d.registry.Current(); err == nil {
		promptVersion = pv.Version
	}

	return Status{
		Running:         running,
		StartedAt:       startedAt,
		WorkerCount:     d.cfg.Daemon.ParallelWorkers,
		QueueDepths:     depths,
		RecentAnalyses:  recent,
		NextScheduled:   d.sched.Entries(),
		PromptVersion:   promptVersion,
		AnalysesHandled: handled,
	}
}

// Subscribe returns a channel that receives broadcast events, matching
// the teacher pack's Session.Subscribe/Unsubscribe/fanOut shape.
func (d *Daemon) Subscribe() chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Event, 64)
	d.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe. Safe
// to call more than once.
func (d *Daemon) Unsubscribe(ch chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ch]; ok {
		delete(d.subscribers, ch)
		close(ch)
	}
}

func (d *Daemon) fanOut(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.subscribers {
		select {
		case ch <- e:
		default:
			// Drop if a subscriber's buffer is full rather than block the
			// broadcaster on a slow reader.
		}
	}
}

// NodeCreated implements worker.Broadcaster: every completed analysis
// fans out a node.created event (spec §4.10).
func (d *Daemon) NodeCreated(n *store.Node) {
	d.mu.Lock()
	d.handled++
	d.mu.Unlock()
	d.fanOut(Event{Kind: EventNodeCreated, Payload: n})
}

// Shutdown implements spec §4.10/§5's graceful shutdown: stop accepting
// new jobs (cancel the watch/pool/status loops), drain workers up to
// deadline, checkpoint the WAL, and release any leases still held
// (workers release their own job on cancellation; ReleaseStale mops up
// anything a worker couldn't get to in time).
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.watcher.Stop()
	if d.sched != nil {
		if err := d.sched.Stop(ctx); err != nil {
			daemonLog.Printf("scheduler stop: %v", err)
		}
	}

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan error, 1)
	go func() {
		if d.group != nil {
			done <- d.group.Wait()
		} else {
			done <- nil
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			daemonLog.Printf("worker pool shutdown error: %v", err)
		}
	case <-ctx.Done():
		daemonLog.Printf("shutdown deadline reached before all workers drained")
	}

	if _, err := d.db.ReleaseStale(d.clock.Now()); err != nil {
		daemonLog.Printf("release stale leases on shutdown: %v", err)
	}
	if err := d.db.Checkpoint(); err != nil {
		daemonLog.Printf("wal checkpoint on shutdown: %v", err)
	}

	d.mu.Lock()
	for ch := range d.subscribers {
		close(ch)
	}
	d.subscribers = make(map[chan Event]struct{})
	d.mu.Unlock()

	return d.db.Close()
}

// Ingest enqueues a one-shot initial-analysis job for an explicit
// session file (spec.md's `ingest` CLI verb), bypassing the watcher
// entirely for a single manually-triggered run.
func (d *Daemon) Ingest(path string) (string, error) {
	if _, err := session.ParseFile(path); err != nil {
		return "", fmt.Errorf("parse session %s: %w", path, err)
	}
	return d.q.Enqueue(store.JobInitial, path, "", store.PriorityUserTriggered)
}
