// Package analyzer drives the external analyzer subprocess that turns a
// session segment into a node payload. It knows how to launch the
// subprocess, read its NDJSON event stream until agent_end, and pull a
// node-shaped JSON object out of whatever the final assistant message
// contained.
package analyzer

import (
	"time"

	"github.com/pi-brain/pi-brain/internal/store"
)

// Capability is one enabled skill or tool surface passed to the
// subprocess, along with whether the worker should idle (Required) or
// just warn (optional) when it can't be satisfied.
type Capability struct {
	Name     string
	Required bool
}

// Config describes how to invoke the analyzer subprocess. It does not
// change per job; the daemon builds one from the active PromptVersion
// and config, and reuses it across jobs until the prompt changes.
type Config struct {
	BinaryPath       string
	Provider         string
	Model            string
	SystemPromptPath string
	Capabilities     []Capability
	Timeout          time.Duration
}

// Request is the per-job input: the rendered prompt derived from the
// segment being analyzed.
type Request struct {
	Prompt string
}

// Result is what the worker needs out of a successful analysis: the
// node-shaped fields the subprocess produced, plus usage bookkeeping
// pulled from the agent_end event when the subprocess reports it.
type Result struct {
	Classification store.Classification
	Content        store.Content
	Lessons        store.Lessons
	Observations   store.Observations
	Semantic       store.Semantic
	TokensUsed     int
	Cost           float64
}

// buildArgs turns a Config into the subprocess argument list. The exact
// flag names are this package's own contract, not an external one:
// spec only requires that provider/model/prompt-path/capabilities/
// no-persistent-session/JSON-event-stream are communicated somehow.
func buildArgs(cfg Config) []string {
	args := []string{
		"--provider", cfg.Provider,
		"--model", cfg.Model,
		"--system-prompt", cfg.SystemPromptPath,
		"--output-format", "stream-json",
		"--no-session",
	}
	for _, c := range cfg.Capabilities {
		if c.Required {
			args = append(args, "--require-capability", c.Name)
		} else {
			args = append(args, "--optional-capability", c.Name)
		}
	}
	return args
}
