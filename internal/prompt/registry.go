// Package prompt implements the prompt registry (spec §4.8, C8): reading
// the active analyzer system prompt off disk, content-hash deduping it
// against installed versions, and generating model-specific prompt
// additions from the insights the maintenance package (C7) aggregates.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/store"
)

// DefaultSystemPrompt seeds a fresh install's active analyzer prompt
// (spec §4.10 "install default prompt if missing"). Operators are
// expected to replace it once they've tuned the analyzer's behavior;
// RefreshAdditions writes generated sections to separate files under
// additions/ and leaves this prompt untouched.
const DefaultSystemPrompt = `You are analyzing a coding-agent session log segment and must produce a
single JSON object describing what happened.

Classify the work (type, project, outcome), summarize what was done,
list key decisions, and record any lessons learned at the appropriate
scope (task, project, user, model, tool, skill, subagent). Note any
recurring model quirks, prompting wins or failures, and tool-use
errors you observed, along with which models and tools were involved.

Be specific and concrete. Prefer noting nothing over inventing a
lesson or pattern that isn't clearly supported by the transcript.`

// Registry reads and installs prompt versions, backed by the store's
// prompt_versions ledger and a history/ directory of dated copies.
type Registry struct {
	db          *store.DB
	promptsDir  string
	historyDir  string
	defaultPath string
	clock       clock.Clock
}

// New builds a Registry rooted at the given config-derived paths.
func New(db *store.DB, promptsDir, historyDir, defaultPath string, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{db: db, promptsDir: promptsDir, historyDir: historyDir, defaultPath: defaultPath, clock: c}
}

// Current reads the active prompt file (spec §4.8 step 1-3): hashes its
// normalized content, returns the existing PromptVersion if that hash is
// already installed, otherwise installs a new one — incrementing
// sequential, copying the file into history/, and recording the row.
func (r *Registry) Current() (*store.PromptVersion, error) {
	content, err := os.ReadFile(r.defaultPath)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return r.ensureInstalled(content)
}

// ensureInstalled implements the read flow independent of where content
// came from; Current is its only caller.
func (r *Registry) ensureInstalled(content []byte) (*store.PromptVersion, error) {
	hash := ContentHash(content)

	versions, err := r.db.ListPromptVersions()
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	for _, v := range versions {
		if v.ContentHash == hash {
			return v, nil
		}
	}

	sequential := 1
	for _, v := range versions {
		if v.Sequential >= sequential {
			sequential = v.Sequential + 1
		}
	}

	now := r.clock.Now().UTC()
	historyName := fmt.Sprintf("v%d-%s-%s.md", sequential, hash[:8], now.Format("2006-01-02"))
	historyPath := filepath.Join(r.historyDir, historyName)
	if err := writeAtomic(historyPath, content); err != nil {
		return nil, fmt.Errorf("copy to history: %w", err)
	}

	pv := &store.PromptVersion{
		Version:     fmt.Sprintf("v%d-%s", sequential, hash[:8]),
		Sequential:  sequential,
		ContentHash: hash,
		CreatedAt:   now.Format(time.RFC3339),
		FilePath:    historyPath,
	}
	if err := r.db.UpsertPromptVersion(pv); err != nil {
		return nil, fmt.Errorf("record prompt version: %w", err)
	}
	return pv, nil
}

// InstallDefaultIfMissing writes the given default prompt text to
// defaultPath if no file exists there yet, for daemon startup (spec
// §4.10 "install default prompt if missing").
func (r *Registry) InstallDefaultIfMissing(defaultText string) error {
	if _, err := os.Stat(r.defaultPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(r.promptsDir, 0o755); err != nil {
		return err
	}
	return writeAtomic(r.defaultPath, []byte(defaultText))
}

// RefreshAdditions implements spec §4.8's generation half: it reads the
// current insights, renders the capped per-model addition documents via
// GenerateAdditions, writes each to <promptsDir>/additions/<model>.md, and
// marks every contributing insight's promptText/promptIncluded/
// promptVersion in a single transaction tied to the prompt version that was
// active when generation ran. Returns the number of model documents
// written.
func (r *Registry) RefreshAdditions(insights []*store.AggregatedInsight, cfg AdditionsConfig, promptVersion string) (int, error) {
	docsByModel, includedIDs := GenerateAdditions(insights, cfg)
	if len(docsByModel) == 0 {
		return 0, nil
	}

	additionsDir := filepath.Join(r.promptsDir, "additions")
	for model, doc := range docsByModel {
		path := filepath.Join(additionsDir, sanitizeModelName(model)+".md")
		if err := writeAtomic(path, []byte(doc)); err != nil {
			return 0, fmt.Errorf("write additions for %s: %w", model, err)
		}
	}

	if len(includedIDs) > 0 {
		if err := r.db.UpdateInsightPromptTexts(includedIDs, promptVersion); err != nil {
			return 0, fmt.Errorf("update insight prompt texts: %w", err)
		}
	}
	return len(docsByModel), nil
}

func sanitizeModelName(model string) string {
	var b strings.Builder
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "all"
	}
	return b.String()
}

var htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// ContentHash computes the spec §3.6 normalized content hash: trim,
// strip HTML comments, collapse whitespace, then SHA-256, returned as a
// full hex digest (callers that need the 8-char prefix for a version
// string slice it themselves).
func ContentHash(content []byte) string {
	text := string(content)
	text = htmlCommentPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
