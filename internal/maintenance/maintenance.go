// Package maintenance implements pi-brain's background knowledge-base
// upkeep (spec §4.7, C7): reanalysis enqueue, connection discovery,
// pattern aggregation, clustering, and embedding backfill. Each pass is
// a plain function over Deps so internal/scheduler can wrap it in a
// Job and internal/worker can wrap it as a queued job's handler —
// neither caller needs to know how the pass works internally.
package maintenance

import (
	"log"
	"os"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/embedding"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/store"
)

var maintLog = log.New(os.Stderr, "[maintenance] ", log.LstdFlags)

// Deps are the collaborators every maintenance pass draws on. Embedder
// and AnalyzerConfig may be nil — passes that need them skip with a
// log line rather than failing (spec §4.6 "graceful skip when required
// dependencies are absent").
type Deps struct {
	DB             *store.DB
	Queue          *queue.Queue
	Embedder       embedding.Provider
	AnalyzerConfig func(promptPath string) analyzer.Config
	PromptPath     func() (version, path string, err error)
	Clock          clock.Clock
}

func (d Deps) now() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.Real{}
}

// Config carries the maintenance thresholds spec §4.7 names. Fields map
// 1:1 onto config.DaemonConfig where that struct already carries the
// value; the rest (confidence/consistency weighting, cluster similarity,
// effectiveness window) are constants this package owns because
// config's own §6.1 schema never names them — see DESIGN.md.
type Config struct {
	ReanalysisLimit int

	ConnectionDiscoveryLimit        int
	ConnectionDiscoveryLookbackDays int
	SemanticSimilarityThreshold     float64
	LessonReinforceMinNodes         int

	ClusterAlgorithm           string
	ClusterMinSize             int
	ClusterSimilarityThreshold float64

	BackfillLimit int

	EffectivenessMinSessions  int
	EffectivenessWindowDays   int
	AutoDisableImprovementPct float64 // negative: e.g. -10 means "improvement below -10%"
	ConfidenceDivisor         float64
}

// DefaultConfig returns the constants this package owns outside of
// config.DaemonConfig, for callers that otherwise populate Config from
// config values.
func DefaultConfig() Config {
	return Config{
		ClusterAlgorithm:           "agglomerative",
		ClusterMinSize:             3,
		ClusterSimilarityThreshold: 0.82,
		EffectivenessMinSessions:   5,
		EffectivenessWindowDays:    14,
		AutoDisableImprovementPct:  -10,
		ConfidenceDivisor:          10,
	}
}
