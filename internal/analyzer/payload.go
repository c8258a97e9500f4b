package analyzer

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pi-brain/pi-brain/internal/store"
)

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// payload is the subset of the node schema the analyzer subprocess is
// responsible for producing. The worker fills in everything else
// (id, version, source, signals, daemon metadata) itself.
type payload struct {
	Classification store.Classification `json:"classification"`
	Content        store.Content        `json:"content"`
	Lessons        store.Lessons        `json:"lessons"`
	Observations   store.Observations   `json:"observations"`
	Semantic       store.Semantic       `json:"semantic"`
}

// extractPayload pulls a JSON object out of the analyzer's final
// message. The object may be wrapped in a markdown code fence, or be
// the raw text itself; either form is accepted.
func extractPayload(text string) (*payload, error) {
	candidate := strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if candidate == "" {
		return nil, &ValidationError{Reason: "empty response"}
	}

	var p payload
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return nil, &ValidationError{Reason: "not valid JSON: " + err.Error()}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p payload) validate() error {
	if !p.Classification.Type.Valid() {
		return &ValidationError{Reason: "classification.type is not a recognized node type"}
	}
	if !p.Content.Outcome.Valid() {
		return &ValidationError{Reason: "content.outcome is not a recognized outcome"}
	}
	if strings.TrimSpace(p.Content.Summary) == "" {
		return &ValidationError{Reason: "content.summary is empty"}
	}
	return nil
}
