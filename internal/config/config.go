// Package config loads and validates pi-brain's YAML configuration
// (spec §6.1): daemon tuning, the query-side provider/model, the HTTP
// API bind address, and the hub/spokes sync topology. Layering is
// defaults -> YAML file -> environment variables, the same precedence
// order the teacher's own config package documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DaemonConfig controls ingestion, workers, and the maintenance schedule.
type DaemonConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	IdleTimeoutMinutes     int `yaml:"idleTimeoutMinutes"`
	ParallelWorkers        int `yaml:"parallelWorkers"`
	MaxRetries             int `yaml:"maxRetries"`
	RetryDelaySeconds      int `yaml:"retryDelaySeconds"`
	AnalysisTimeoutMinutes int `yaml:"analysisTimeoutMinutes"`
	MaxConcurrentAnalysis  int `yaml:"maxConcurrentAnalysis"`
	MaxQueueSize           int `yaml:"maxQueueSize"`

	EmbeddingProvider   string `yaml:"embeddingProvider"`
	EmbeddingModel      string `yaml:"embeddingModel"`
	EmbeddingAPIKey     string `yaml:"embeddingApiKey"` // write-only: never re-serialized, see Save
	EmbeddingBaseURL    string `yaml:"embeddingBaseUrl,omitempty"`
	EmbeddingDimensions int    `yaml:"embeddingDimensions,omitempty"`

	SemanticSearchThreshold float64 `yaml:"semanticSearchThreshold"`

	ReanalysisSchedule          string `yaml:"reanalysisSchedule"`
	ConnectionDiscoverySchedule string `yaml:"connectionDiscoverySchedule"`
	PatternAggregationSchedule  string `yaml:"patternAggregationSchedule"`
	ClusteringSchedule          string `yaml:"clusteringSchedule"`
	BackfillEmbeddingsSchedule  string `yaml:"backfillEmbeddingsSchedule"`

	ReanalysisLimit                  int `yaml:"reanalysisLimit"`
	ConnectionDiscoveryLimit         int `yaml:"connectionDiscoveryLimit"`
	ConnectionDiscoveryLookbackDays  int `yaml:"connectionDiscoveryLookbackDays"`
	ConnectionDiscoveryCooldownHours int `yaml:"connectionDiscoveryCooldownHours"`
	BackfillLimit                    int `yaml:"backfillLimit"`
}

// QueryConfig is the provider/model used to answer ad hoc query-side
// questions (distinct from the analyzer invoked per segment).
type QueryConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// APIConfig binds the read-facade HTTP/WebSocket surface (§6.2), which
// lives outside this core but reads its bind address from here.
type APIConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CorsOrigins []string `yaml:"corsOrigins,omitempty"`
}

// HubConfig points at the directories this machine's daemon owns.
type HubConfig struct {
	SessionsDir string `yaml:"sessionsDir"`
	DatabaseDir string `yaml:"databaseDir"`
	WebUIPort   int    `yaml:"webUiPort,omitempty"`
}

// RsyncOptions tunes a spoke whose syncMethod is "rsync".
type RsyncOptions struct {
	BwLimit        string   `yaml:"bwLimit,omitempty"`
	Delete         bool     `yaml:"delete,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty"`
	ExtraArgs      []string `yaml:"extraArgs,omitempty"`
}

// SpokeSyncMethod is the closed set of ways a spoke's session directory
// gets populated. The core only ever watches the resulting directory —
// it never runs rsync/syncthing itself (spec §1's explicit non-goal).
type SpokeSyncMethod string

const (
	SpokeSyncSyncthing SpokeSyncMethod = "syncthing"
	SpokeSyncRsync     SpokeSyncMethod = "rsync"
	SpokeSyncAPI       SpokeSyncMethod = "api"
)

func (m SpokeSyncMethod) valid() bool {
	switch m {
	case SpokeSyncSyncthing, SpokeSyncRsync, SpokeSyncAPI:
		return true
	}
	return false
}

// SpokeConfig describes one remote machine whose sessions feed this hub.
type SpokeConfig struct {
	Name       string          `yaml:"name"`
	SyncMethod SpokeSyncMethod `yaml:"syncMethod"`
	Path       string          `yaml:"path"`
	Source     string          `yaml:"source,omitempty"`
	Enabled    bool            `yaml:"enabled"`
	Schedule   string          `yaml:"schedule,omitempty"`
	RsyncOpts  RsyncOptions    `yaml:"rsyncOptions,omitempty"`
}

// Config is the root of <home>/.pi-brain/config.yaml.
type Config struct {
	Daemon DaemonConfig  `yaml:"daemon"`
	Query  QueryConfig   `yaml:"query"`
	API    APIConfig     `yaml:"api"`
	Hub    HubConfig     `yaml:"hub"`
	Spokes []SpokeConfig `yaml:"spokes,omitempty"`
}

// Default returns a Config with every spec §6.1 default filled in.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".pi-brain")
	return &Config{
		Daemon: DaemonConfig{
			IdleTimeoutMinutes:               10,
			ParallelWorkers:                  2,
			MaxRetries:                       3,
			RetryDelaySeconds:                60,
			AnalysisTimeoutMinutes:           10,
			MaxConcurrentAnalysis:            2,
			MaxQueueSize:                     500,
			EmbeddingProvider:                "ollama",
			SemanticSearchThreshold:          0.5,
			ReanalysisSchedule:               "0 3 * * *",
			ConnectionDiscoverySchedule:      "0 4 * * *",
			PatternAggregationSchedule:       "30 4 * * *",
			ClusteringSchedule:               "0 5 * * 0",
			BackfillEmbeddingsSchedule:       "*/30 * * * *",
			ReanalysisLimit:                  50,
			ConnectionDiscoveryLimit:         200,
			ConnectionDiscoveryLookbackDays:  30,
			ConnectionDiscoveryCooldownHours: 24,
			BackfillLimit:                    100,
		},
		API: APIConfig{
			Port: 8765,
			Host: "localhost",
		},
		Hub: HubConfig{
			SessionsDir: filepath.Join(home, ".pi", "agent", "sessions"),
			DatabaseDir: filepath.Join(base, "data"),
		},
	}
}

// Dir returns <home>/.pi-brain, the root of all on-disk state (§6.4).
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pi-brain")
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the default config file, applying defaults and environment
// overrides. A missing file is not an error — Default() alone is returned
// with env overrides applied, so a first run works with no setup.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads and validates a config file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets PI_BRAIN_* env vars win over the file, matching
// the teacher's "CLI flags > env vars > file > defaults" precedence
// comment — this module has no CLI flags for these, so env sits on top.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PI_BRAIN_EMBEDDING_API_KEY"); v != "" {
		cfg.Daemon.EmbeddingAPIKey = v
	}
	if v := os.Getenv("PI_BRAIN_EMBEDDING_PROVIDER"); v != "" {
		cfg.Daemon.EmbeddingProvider = v
	}
	if v := os.Getenv("PI_BRAIN_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("PI_BRAIN_PARALLEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.ParallelWorkers = n
		}
	}
}

// expandPaths expands a leading "~" in every path-shaped field (§6.1).
func expandPaths(cfg *Config) {
	cfg.Hub.SessionsDir = expandHome(cfg.Hub.SessionsDir)
	cfg.Hub.DatabaseDir = expandHome(cfg.Hub.DatabaseDir)
	for i := range cfg.Spokes {
		cfg.Spokes[i].Path = expandHome(cfg.Spokes[i].Path)
		cfg.Spokes[i].Source = expandHome(cfg.Spokes[i].Source)
	}
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Validate checks Config for the fail-fast "bad config" Validation error
// kind (spec §7): invalid cron expressions, bad enums, out-of-range
// numbers. Unknown YAML keys are never an error (forward-compat, per
// §6.1) — only recognized fields are checked here.
func (c *Config) Validate() error {
	var errs []string

	for name, expr := range map[string]string{
		"daemon.reanalysisSchedule":          c.Daemon.ReanalysisSchedule,
		"daemon.connectionDiscoverySchedule": c.Daemon.ConnectionDiscoverySchedule,
		"daemon.patternAggregationSchedule":  c.Daemon.PatternAggregationSchedule,
		"daemon.clusteringSchedule":          c.Daemon.ClusteringSchedule,
		"daemon.backfillEmbeddingsSchedule":  c.Daemon.BackfillEmbeddingsSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
		}
	}

	switch c.Daemon.EmbeddingProvider {
	case "", "ollama", "openai", "openrouter", "openai-compatible", "none":
	default:
		errs = append(errs, fmt.Sprintf("daemon.embeddingProvider: unrecognized provider %q", c.Daemon.EmbeddingProvider))
	}

	if c.Daemon.ParallelWorkers < 1 {
		errs = append(errs, "daemon.parallelWorkers: must be >= 1")
	}
	if c.Daemon.MaxConcurrentAnalysis < 1 {
		errs = append(errs, "daemon.maxConcurrentAnalysis: must be >= 1")
	}
	if c.Daemon.SemanticSearchThreshold < 0 || c.Daemon.SemanticSearchThreshold > 1 {
		errs = append(errs, "daemon.semanticSearchThreshold: must be in [0, 1]")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port: must be a valid TCP port")
	}

	for _, s := range c.Spokes {
		if s.Name == "" {
			errs = append(errs, "spokes: entry missing name")
			continue
		}
		if !s.SyncMethod.valid() {
			errs = append(errs, fmt.Sprintf("spokes[%s].syncMethod: unrecognized %q", s.Name, s.SyncMethod))
		}
		if s.Path == "" {
			errs = append(errs, fmt.Sprintf("spokes[%s].path: required", s.Name))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Messages: errs}
	}
	return nil
}

// ValidationError collects every config problem found so a user fixes
// them all in one pass instead of one error at a time.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config:\n  - %s", strings.Join(e.Messages, "\n  - "))
}

// Save writes cfg to path via a temp-file-then-rename, matching the
// atomic-write convention spec §5 requires for prompt files and node
// artifacts — config is no less deserving of crash safety.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out := *cfg
	out.Daemon.EmbeddingAPIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// DBPath returns the path to the SQLite database file inside DatabaseDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Hub.DatabaseDir, "brain.db")
}

// PromptsDir returns <home>/.pi-brain/prompts.
func PromptsDir() string {
	return filepath.Join(Dir(), "prompts")
}

// PromptHistoryDir returns <home>/.pi-brain/prompts/history.
func PromptHistoryDir() string {
	return filepath.Join(PromptsDir(), "history")
}

// DefaultPromptPath is where the active analyzer system prompt lives.
func DefaultPromptPath() string {
	return filepath.Join(PromptsDir(), "session-analyzer.md")
}

// PidPath returns <home>/.pi-brain/daemon.pid.
func PidPath() string {
	return filepath.Join(Dir(), "daemon.pid")
}

// LogPath returns <home>/.pi-brain/daemon.log.
func LogPath() string {
	return filepath.Join(Dir(), "daemon.log")
}
