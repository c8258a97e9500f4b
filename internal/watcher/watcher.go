// Package watcher observes the session directories (spec §4.3, §6.4)
// and emits changed/idle events for the daemon to turn into analysis
// jobs. It tracks per-file {lastModified, lastAnalyzed, analyzing}
// state and debounces rapid writes before declaring a file "changed",
// then separately times out to "idle" once a file stops moving — the
// same two-timer shape the teacher uses for debounced reindexing
// (internal/watcher/watcher.go in the teacher repo), generalized from
// "debounce then reindex" into "debounce-then-changed plus a second,
// longer idle timer".
package watcher

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pi-brain/pi-brain/internal/clock"
)

var watchLog = log.New(os.Stderr, "[watcher] ", log.LstdFlags)

// EventKind is the closed set of signals the watcher emits.
type EventKind string

const (
	// EventChanged fires the moment a modified file's writes quiet down
	// for stabilityThreshold.
	EventChanged EventKind = "changed"
	// EventIdle fires once a file has had no modification for
	// idleTimeout, at most once per quiescent period.
	EventIdle EventKind = "idle"
)

// Event is one signal about a session file.
type Event struct {
	Kind EventKind
	Path string
}

// fileState is what the watcher tracks per session file.
type fileState struct {
	lastModified time.Time
	lastAnalyzed time.Time
	analyzing    bool
	idleEmitted  bool
	idleTimer    *time.Timer
	stableTimer  *time.Timer
}

// Watcher observes a set of directories recursively for session file
// activity (spec §4.3). Construct with New, call Start, read Events(),
// call Stop to cancel pending idle checks and join background work.
type Watcher struct {
	dirs        []string
	idleTimeout time.Duration
	stability   time.Duration
	clock       clock.Clock

	events chan Event
	fsw    *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]*fileState

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config tunes a Watcher's timers.
type Config struct {
	Dirs               []string
	IdleTimeout        time.Duration // default 10m, spec §6.1 idleTimeoutMinutes
	StabilityThreshold time.Duration // default 3s, spec §4.3
	Clock              clock.Clock
}

// New creates a Watcher over the given directories. Missing directories
// are created (spec §4.3: "Missing directories are created on start").
func New(cfg Config) (*Watcher, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	for _, d := range cfg.Dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dirs:        cfg.Dirs,
		idleTimeout: cfg.IdleTimeout,
		stability:   cfg.StabilityThreshold,
		clock:       cfg.Clock,
		events:      make(chan Event, 64),
		fsw:         fsw,
		files:       make(map[string]*fileState),
		stopCh:      make(chan struct{}),
	}
	return w, nil
}

// Events returns the channel of changed/idle signals. The caller must
// drain it; Start never blocks waiting for a slow consumer beyond the
// channel's buffer.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start adds every configured directory (and any created afterward) to
// the underlying notifier and begins the event loop in the background.
// Directories that fsnotify can't watch (platform limits, network
// filesystems) fall back to polling rather than going unobserved.
func (w *Watcher) Start() error {
	var pollDirs []string
	for _, d := range walkAllDirs(w.dirs) {
		if err := w.fsw.Add(d); err != nil {
			watchLog.Printf("fsnotify add %s failed, falling back to polling: %v", d, err)
			pollDirs = append(pollDirs, d)
		}
	}

	w.wg.Add(1)
	go w.loop()

	if len(pollDirs) > 0 {
		w.wg.Add(1)
		go w.pollLoop(pollDirs)
	}
	return nil
}

// Stop aborts pending idle/stability timers and joins the background
// goroutines, then closes the event channel.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
	w.wg.Wait()

	w.mu.Lock()
	for _, st := range w.files {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		if st.stableTimer != nil {
			st.stableTimer.Stop()
		}
	}
	w.mu.Unlock()

	close(w.events)
}

// MarkAnalyzing records that a worker has started or finished analyzing
// path, so a future idle/changed event for it can be deferred by the
// daemon (spec §4.3's {analyzing} flag).
func (w *Watcher) MarkAnalyzing(path string, analyzing bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.getState(path)
	st.analyzing = analyzing
}

// MarkAnalyzed records that path was just analyzed, for
// {lastAnalyzed} bookkeeping surfaced by daemon status.
func (w *Watcher) MarkAnalyzed(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.getState(path)
	st.lastAnalyzed = w.clock.Now()
}

// IsAnalyzing reports whether path is currently marked in-flight.
func (w *Watcher) IsAnalyzing(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.files[path]; ok {
		return st.analyzing
	}
	return false
}

func (w *Watcher) getState(path string) *fileState {
	st, ok := w.files[path]
	if !ok {
		st = &fileState{}
		w.files[path] = st
	}
	return st
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			watchLog.Printf("watch error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				watchLog.Printf("fsnotify add %s failed: %v", ev.Name, err)
			}
			return
		}
	}
	if !isSessionFile(ev.Name) {
		return
	}
	if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
		return
	}
	w.noteModification(ev.Name)
}

// noteModification records activity on path and (re)arms its stability
// and idle timers.
func (w *Watcher) noteModification(path string) {
	w.mu.Lock()
	st := w.getState(path)
	st.lastModified = w.clock.Now()
	st.idleEmitted = false

	if st.stableTimer != nil {
		st.stableTimer.Stop()
	}
	st.stableTimer = time.AfterFunc(w.stability, func() { w.emit(Event{Kind: EventChanged, Path: path}) })

	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(w.idleTimeout, func() { w.checkIdle(path) })
	w.mu.Unlock()
}

// checkIdle fires when a file's idle timer expires. It only emits once
// per quiescent period (spec §8: "the idle signal fires at most once
// per quiescent period") and re-arms itself if a later modification
// moved the goalposts since the timer was set.
func (w *Watcher) checkIdle(path string) {
	w.mu.Lock()
	st, ok := w.files[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	elapsed := w.clock.Now().Sub(st.lastModified)
	if elapsed < w.idleTimeout {
		remaining := w.idleTimeout - elapsed
		st.idleTimer = time.AfterFunc(remaining, func() { w.checkIdle(path) })
		w.mu.Unlock()
		return
	}
	if st.idleEmitted {
		w.mu.Unlock()
		return
	}
	st.idleEmitted = true
	w.mu.Unlock()

	w.emit(Event{Kind: EventIdle, Path: path})
}

func (w *Watcher) emit(e Event) {
	select {
	case w.events <- e:
	case <-w.stopCh:
	}
}

// pollLoop is the cross-platform fallback for directories fsnotify
// could not watch: it periodically stats every file under those
// directories and synthesizes the same noteModification calls a
// working fsnotify watch would have produced.
func (w *Watcher) pollLoop(dirs []string) {
	defer w.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := make(map[string]time.Time)
	for {
		select {
		case <-ticker.C:
			for _, d := range dirs {
				filepath.WalkDir(d, func(path string, de fs.DirEntry, err error) error {
					if err != nil || de.IsDir() || !isSessionFile(path) {
						return nil
					}
					info, err := de.Info()
					if err != nil {
						return nil
					}
					if prev, ok := seen[path]; !ok || info.ModTime().After(prev) {
						seen[path] = info.ModTime()
						w.noteModification(path)
					}
					return nil
				})
			}
		case <-w.stopCh:
			return
		}
	}
}

// walkAllDirs recursively expands roots into every directory beneath
// them (fsnotify.Add is non-recursive, so each must be added
// individually).
func walkAllDirs(roots []string) []string {
	var dirs []string
	for _, root := range roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				dirs = append(dirs, path)
			}
			return nil
		})
	}
	return dirs
}

// isSessionFile reports whether path names a session log file (spec
// §6.4: "<sessionId>.jsonl").
func isSessionFile(path string) bool {
	return strings.HasSuffix(path, ".jsonl")
}
