// Package worker implements the analysis worker pool (spec §4.5, C5):
// a fixed-size pool of workers, each looping lease -> validateEnvironment
// -> process -> complete|fail, turning session segments into stored
// nodes by driving the external analyzer subprocess. The pool shape
// (bounded goroutines fed by a single shared work source, coordinated
// shutdown via errgroup) generalizes the NDJSON subprocess-driving
// idiom the pack's reference file uses for one subprocess into N
// concurrent subprocess-driving loops pulling from the durable queue.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/embedding"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/session"
	"github.com/pi-brain/pi-brain/internal/store"
)

var workerLog = log.New(os.Stderr, "[worker] ", log.LstdFlags)

// Broadcaster is the subset of the control plane's fan-out the worker
// needs: notifying subscribers a node was created (spec §4.10, §5).
type Broadcaster interface {
	NodeCreated(n *store.Node)
}

// Capability describes one optional or required analyzer skill the
// worker checks for before spawning a subprocess (spec §4.5
// "environment validation").
type Capability struct {
	Name      string
	Required  bool
	Available func() bool
}

// Deps are the collaborators a Pool needs. AnalyzerConfig and
// CurrentPromptVersion are funcs rather than fixed values because the
// active prompt can change while the pool is running (a new
// PromptVersion installed by the prompt registry, C8) without
// restarting workers.
type Deps struct {
	DB                    *store.DB
	Queue                 *queue.Queue
	Embedder              embedding.Provider // nil disables embedding generation (DependencyMissing)
	AnalyzerConfig        func(promptPath string) analyzer.Config
	CurrentPromptVersion  func() (*store.PromptVersion, error)
	Broadcast             Broadcaster
	Clock                 clock.Clock
	Capabilities          []Capability
	ConnectionDiscovery   func(ctx context.Context, job *store.Job) error
	UpdateInsightsForNode func(n *store.Node) error
}

// Config tunes pool sizing and timing (spec §6.1).
type Config struct {
	ParallelWorkers       int
	MaxConcurrentAnalysis int
	LeaseDuration         time.Duration
	MaxRetries            int
	AnalysisTimeout       time.Duration
	PollInterval          time.Duration
}

// Pool is the worker pool. Construct with New and run with Run; cancel
// the context passed to Run to stop it, and Run returns once every
// worker loop has exited.
type Pool struct {
	deps Deps
	cfg  Config
	sem  chan struct{}
}

// New validates cfg against its spec §6.1 defaults and returns a Pool.
func New(deps Deps, cfg Config) *Pool {
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 2
	}
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = 2
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Pool{
		deps: deps,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.MaxConcurrentAnalysis),
	}
}

// Run starts cfg.ParallelWorkers loops and blocks until ctx is
// cancelled and every worker has returned its current job to the
// queue (graceful shutdown, spec §5: "the job it held is released, not
// failed"). It never returns a non-nil error on ordinary shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.ParallelWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if missing := p.missingRequiredCapability(); missing != "" {
			workerLog.Printf("%s idling: required capability %q unavailable", workerID, missing)
			if !sleepOrDone(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		job, err := p.deps.Queue.Lease(workerID, p.deps.Clock.Now(), p.cfg.LeaseDuration)
		if err != nil {
			workerLog.Printf("%s lease error: %v", workerID, err)
			if !sleepOrDone(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			if rerr := p.deps.Queue.Release(job.ID); rerr != nil {
				workerLog.Printf("%s release on shutdown failed: %v", workerID, rerr)
			}
			return
		}
		p.runJob(ctx, workerID, job)
		<-p.sem
	}
}

// missingRequiredCapability returns the name of the first unavailable
// required capability, or "" if every required capability is present.
// Optional capabilities that are unavailable only log a warning once
// per check, never block the worker.
func (p *Pool) missingRequiredCapability() string {
	for _, c := range p.deps.Capabilities {
		if c.Available == nil || c.Available() {
			continue
		}
		if c.Required {
			return c.Name
		}
		workerLog.Printf("optional capability %q unavailable, disabling dependent features", c.Name)
	}
	return ""
}

// runJob dispatches a leased job to the right processing path and
// resolves it with complete/fail, classifying the failure as transient
// (retried) or permanent (no retry) per spec §4.5.
func (p *Pool) runJob(ctx context.Context, workerID string, job *store.Job) {
	var err error
	var permanent bool

	switch job.Kind {
	case store.JobInitial, store.JobReanalysis:
		err, permanent = p.processAnalysis(ctx, job)
	case store.JobConnectionDiscovery:
		if p.deps.ConnectionDiscovery == nil {
			err, permanent = fmt.Errorf("connection discovery not wired"), true
		} else {
			err = p.deps.ConnectionDiscovery(ctx, job)
		}
	default:
		err, permanent = fmt.Errorf("unknown job kind %q", job.Kind), true
	}

	if err == nil {
		if cerr := p.deps.Queue.Complete(job.ID); cerr != nil {
			workerLog.Printf("%s complete %s failed: %v", workerID, job.ID, cerr)
		}
		return
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		if rerr := p.deps.Queue.Release(job.ID); rerr != nil {
			workerLog.Printf("%s release %s on shutdown failed: %v", workerID, job.ID, rerr)
		}
		return
	}

	workerLog.Printf("%s job %s (%s) failed: %v", workerID, job.ID, job.Kind, err)
	if permanent {
		if ferr := p.deps.Queue.FailPermanent(job.ID, err); ferr != nil {
			workerLog.Printf("%s failPermanent %s failed: %v", workerID, job.ID, ferr)
		}
		return
	}
	if ferr := p.deps.Queue.Fail(job.ID, err, p.cfg.MaxRetries); ferr != nil {
		workerLog.Printf("%s fail %s failed: %v", workerID, job.ID, ferr)
	}
}

// processAnalysis implements spec §4.5's "processing an initial/
// reanalysis job" procedure. Returns (err, permanent): permanent
// errors (bad segment reference) are not retried; everything else is.
func (p *Pool) processAnalysis(ctx context.Context, job *store.Job) (error, bool) {
	parsed, err := session.ParseFile(job.SessionFile)
	if err != nil {
		return fmt.Errorf("parse session %s: %w", job.SessionFile, err), true
	}
	if len(parsed.Segments) == 0 {
		return fmt.Errorf("session %s has no segments", job.SessionFile), true
	}

	var existing *store.Node
	var seg session.Segment
	switch job.Kind {
	case store.JobInitial:
		seg = parsed.Segments[len(parsed.Segments)-1]
	case store.JobReanalysis:
		existing, err = p.deps.DB.GetNode(job.NodeID)
		if err != nil {
			return fmt.Errorf("load node %s for reanalysis: %w", job.NodeID, err), true
		}
		found := false
		for _, s := range parsed.Segments {
			if s.EndEntryID == existing.Source.SegmentEnd {
				seg, found = s, true
				break
			}
		}
		if !found {
			return fmt.Errorf("reanalysis: no segment ending at %s in %s", existing.Source.SegmentEnd, job.SessionFile), true
		}
	}

	promptVersion, err := p.deps.CurrentPromptVersion()
	if err != nil {
		return fmt.Errorf("current prompt version: %w", err), false
	}

	cfg := p.deps.AnalyzerConfig(promptVersion.FilePath)
	cfg.Timeout = p.cfg.AnalysisTimeout

	result, err := analyzer.Run(ctx, cfg, analyzer.Request{Prompt: renderSegmentPrompt(parsed.Header, seg)})
	if err != nil {
		// Subprocess exit, timeout, and invalid-payload errors are all
		// AnalyzerFailure (spec §7): retried up to maxRetries, never
		// permanent — a later run against the same segment can still
		// succeed once the analyzer or prompt improves.
		return err, false
	}

	var prior *store.Node
	if priorID, perr := p.deps.DB.LatestNodeForProject(result.Classification.Project, job.NodeID); perr == nil && priorID != "" {
		prior, _ = p.deps.DB.GetNode(priorID)
	}

	nodeID := job.NodeID
	version := 1
	if job.Kind == store.JobInitial {
		nodeID = deterministicNodeID(job.SessionFile, seg.StartEntryID, seg.EndEntryID)
	} else if existing != nil {
		version = existing.Version + 1
	}

	now := p.deps.Clock.Now()
	hostname, _ := os.Hostname()

	n := &store.Node{
		ID:      nodeID,
		Version: version,
		Source: store.Source{
			SessionFile:  job.SessionFile,
			SegmentStart: seg.StartEntryID,
			SegmentEnd:   seg.EndEntryID,
			SessionID:    parsed.Header.ID,
			Computer:     hostname,
		},
		Classification: result.Classification,
		Content:        result.Content,
		Lessons:        result.Lessons,
		Observations:   result.Observations,
		Semantic:       result.Semantic,
		Metadata: store.Metadata{
			TokensUsed:      result.TokensUsed,
			Cost:            result.Cost,
			Timestamp:       segmentTimestamp(seg, now),
			AnalyzedAt:      now.UTC().Format(time.RFC3339),
			AnalyzerVersion: promptVersion.Version,
		},
	}
	n.Signals = deriveSignals(seg, n.Content, prior)

	if err := p.deps.DB.UpsertNode(n); err != nil {
		return fmt.Errorf("upsert node: %w", err), false
	}

	if err := p.createStructuralEdges(n, seg); err != nil {
		workerLog.Printf("structural edge creation for %s: %v", n.ID, err)
	}
	if prior != nil {
		if err := p.deps.DB.CreateEdge(store.Edge{FromNodeID: prior.ID, ToNodeID: n.ID, Kind: store.EdgePredecessor}); err != nil {
			workerLog.Printf("predecessor edge %s->%s: %v", prior.ID, n.ID, err)
		}
	}

	p.embed(n)

	if p.deps.UpdateInsightsForNode != nil {
		if err := p.deps.UpdateInsightsForNode(n); err != nil {
			workerLog.Printf("update insights for %s: %v", n.ID, err)
		}
	}

	if p.deps.Broadcast != nil {
		p.deps.Broadcast.NodeCreated(n)
	}
	return nil, false
}

// deterministicNodeID derives an initial-job node's id from its source
// tuple (spec §3.3 invariant (i)), so re-leasing the same job after a
// crash (scenario 3, §8) regenerates the same id instead of minting a
// fresh one each attempt. uuid stays in use elsewhere in this package
// (worker IDs) as the collision-breaker for values that have no natural
// source tuple to derive from.
func deterministicNodeID(sessionFile, startEntryID, endEntryID string) string {
	sum := sha256.Sum256([]byte(sessionFile + "|" + startEntryID + "|" + endEntryID))
	return hex.EncodeToString(sum[:])[:16]
}

// createStructuralEdges links n to the node that produced the segment
// on the near side of each boundary that opened this segment (spec
// §4.5 step 4). A boundary with no matching prior node is not an
// error — the entries before it may not have been analyzed yet.
func (p *Pool) createStructuralEdges(n *store.Node, seg session.Segment) error {
	var errs []string
	for _, b := range seg.Boundaries {
		if b.Position != 0 && b.EntryID != seg.StartEntryID {
			continue
		}
		fromID, _ := b.Metadata["fromId"].(string)
		if fromID == "" {
			continue
		}
		prevNodeID, err := p.deps.DB.FindNodeBySegmentEnd(n.Source.SessionFile, fromID)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if prevNodeID == "" || prevNodeID == n.ID {
			continue
		}
		if err := p.deps.DB.CreateEdge(store.Edge{
			FromNodeID: prevNodeID,
			ToNodeID:   n.ID,
			Kind:       store.EdgeKind(b.Kind),
			Metadata:   b.Metadata,
		}); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// embed generates and stores an embedding for n's summary document. A
// missing embedder is DependencyMissing, not a failure: semantic
// search degrades, ingestion does not (spec §7).
func (p *Pool) embed(n *store.Node) {
	if p.deps.Embedder == nil {
		return
	}
	doc := fmt.Sprintf("[%s] %s", n.Classification.Type, n.Content.Summary)
	vec, err := p.deps.Embedder.GetDocumentEmbedding(doc)
	if err != nil {
		workerLog.Printf("embed %s: %v", n.ID, err)
		return
	}
	if err := p.deps.DB.UpsertEmbedding(n.ID, p.deps.Embedder.Model(), p.deps.Embedder.Dimensions(), vec); err != nil {
		workerLog.Printf("store embedding %s: %v", n.ID, err)
	}
}

// renderSegmentPrompt turns a segment's entries into the user prompt
// handed to the analyzer subprocess (spec §6.3: "a user prompt derived
// from the segment").
func renderSegmentPrompt(h session.Header, seg session.Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (cwd: %s)\n\n", h.ID, h.Cwd)
	for _, e := range seg.Entries {
		role, _ := e.Raw["role"].(string)
		text, _ := e.Raw["content"].(string)
		if text == "" {
			text, _ = e.Raw["text"].(string)
		}
		fmt.Fprintf(&b, "[%s/%s] %s\n", e.Type, role, text)
	}
	return b.String()
}

func segmentTimestamp(seg session.Segment, fallback time.Time) string {
	if len(seg.Entries) > 0 {
		if ts := seg.Entries[len(seg.Entries)-1].Timestamp; ts != "" {
			return ts
		}
	}
	return fallback.UTC().Format(time.RFC3339)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
