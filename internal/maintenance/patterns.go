package maintenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/store"
)

type bucket struct {
	insightType store.InsightType
	model       string
	tool        string
	pattern     string
	frequency   int
	severities  []store.Severity
	examples    []string
	firstSeen   string
	lastSeen    string
}

// PatternAggregation groups model quirks, tool errors, prompting
// failures/wins, and lessons across recent nodes by normalized pattern
// text, then upserts an AggregatedInsight per group with a recomputed
// frequency/confidence/severity (spec §4.7). It then runs effectiveness
// measurement and auto-disable over the resulting insight set in the
// same pass — see DESIGN.md for why those two steps are bundled here
// rather than given their own schedule.
func PatternAggregation(ctx context.Context, d Deps, cfg Config) (int, error) {
	nodes, err := d.DB.ListNodes(store.NodeFilter{Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}

	buckets := map[string]*bucket{}
	add := func(typ store.InsightType, model, tool, text, firstSeen string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		key := string(typ) + "|" + model + "|" + tool + "|" + normalizeLesson(text)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{insightType: typ, model: model, tool: tool, pattern: text, firstSeen: firstSeen, lastSeen: firstSeen}
			buckets[key] = b
		}
		b.frequency++
		b.severities = append(b.severities, occurrenceSeverity(typ, text))
		if len(b.examples) < 5 {
			b.examples = append(b.examples, text)
		}
		if firstSeen < b.firstSeen || b.firstSeen == "" {
			b.firstSeen = firstSeen
		}
		if firstSeen > b.lastSeen {
			b.lastSeen = firstSeen
		}
	}

	for _, n := range nodes {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		ts := n.Metadata.Timestamp
		model := strings.Join(n.Observations.ModelsUsed, ",")
		for _, q := range n.Observations.ModelQuirks {
			add(store.InsightQuirk, model, "", q, ts)
		}
		for _, w := range n.Observations.PromptingWins {
			add(store.InsightWin, model, "", w, ts)
		}
		for _, f := range n.Observations.PromptingFailures {
			add(store.InsightFailure, model, "", f, ts)
		}
		for _, e := range n.Observations.ToolUseErrors {
			add(store.InsightToolError, model, "", e, ts)
		}
		for level, texts := range n.Lessons {
			for _, l := range texts {
				add(store.InsightLesson, model, string(level), l, ts)
			}
		}
	}

	upserted := 0
	for key, b := range buckets {
		severity, consistency := severityHistogram(b.severities)

		confidence := float64(b.frequency) / cfg.ConfidenceDivisor
		if confidence > 1 {
			confidence = 1
		}
		confidence *= consistency

		ins := &store.AggregatedInsight{
			ID:         insightID(key),
			Type:       b.insightType,
			Model:      b.model,
			Tool:       b.tool,
			Pattern:    b.pattern,
			Frequency:  b.frequency,
			Confidence: confidence,
			Severity:   severity,
			Examples:   b.examples,
			FirstSeen:  b.firstSeen,
			LastSeen:   b.lastSeen,
		}
		if existing, err := d.DB.GetInsight(ins.ID); err == nil {
			ins.PromptText = existing.PromptText
			ins.PromptIncluded = existing.PromptIncluded
			ins.PromptVersion = existing.PromptVersion
			ins.Workaround = existing.Workaround
		}
		if err := d.DB.UpsertInsight(ins); err != nil {
			maintLog.Printf("upsert insight %s: %v", ins.ID, err)
			continue
		}
		upserted++
	}

	if err := measureEffectiveness(d, cfg); err != nil {
		maintLog.Printf("effectiveness measurement: %v", err)
	}
	if err := autoDisable(d, cfg); err != nil {
		maintLog.Printf("auto-disable: %v", err)
	}

	return upserted, nil
}

func insightID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// severityHighTerms and severityMediumTerms classify a single occurrence's
// text into a severity bucket (spec §4.7 names no concrete scheme, so this
// follows the keyword-lookup shape the pack's investigation tooling uses
// for the same problem — see DESIGN.md). Anything matching neither list is
// SeverityLow.
var severityHighTerms = []string{
	"crash", "data loss", "corrupt", "security", "leak", "unrecoverable",
	"destroy", "irreversible", "deleted", "overwrote",
}

var severityMediumTerms = []string{
	"fail", "error", "incorrect", "wrong", "broke", "break", "timeout",
	"retry", "regression",
}

func occurrenceSeverity(typ store.InsightType, text string) store.Severity {
	lower := strings.ToLower(text)
	for _, term := range severityHighTerms {
		if strings.Contains(lower, term) {
			return store.SeverityHigh
		}
	}
	for _, term := range severityMediumTerms {
		if strings.Contains(lower, term) {
			return store.SeverityMedium
		}
	}
	// Wins and lessons carry no severity signal beyond the keyword scan;
	// tool errors and failures default to medium since even an
	// unremarkable-sounding one still interrupted a session.
	switch typ {
	case store.InsightToolError, store.InsightFailure:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}

// severityHistogram derives an insight's severity from the distribution of
// its occurrences' individual severities (spec §4.7: "severity derived from
// the severity histogram") rather than from raw frequency. It returns the
// modal severity, ties resolved toward the more severe bucket, plus the
// consistencyFactor the confidence formula multiplies in: the fraction of
// occurrences agreeing with that mode. A bucket with no recorded
// occurrences (shouldn't happen; add() always records one) defaults to
// SeverityLow with full consistency.
func severityHistogram(severities []store.Severity) (store.Severity, float64) {
	if len(severities) == 0 {
		return store.SeverityLow, 1.0
	}
	counts := map[store.Severity]int{}
	for _, s := range severities {
		counts[s]++
	}
	mode := store.SeverityLow
	modeCount := 0
	for _, sev := range []store.Severity{store.SeverityHigh, store.SeverityMedium, store.SeverityLow} {
		if counts[sev] > modeCount {
			mode = sev
			modeCount = counts[sev]
		}
	}
	return mode, float64(modeCount) / float64(len(severities))
}

// measureEffectiveness computes, for every insight deployed into the
// prompt, occurrence rates before and after its promptVersion's install
// and records statistical significance via a 2x2 chi-square test (spec
// §4.7, §8 property 7).
func measureEffectiveness(d Deps, cfg Config) error {
	insights, err := d.DB.ListPromptIncludedInsights()
	if err != nil {
		return fmt.Errorf("list prompt-included insights: %w", err)
	}

	for _, ins := range insights {
		pv, err := d.DB.GetPromptVersion(ins.PromptVersion)
		if err != nil {
			continue
		}
		installedAt, err := time.Parse(time.RFC3339, pv.CreatedAt)
		if err != nil {
			continue
		}

		window := time.Duration(cfg.EffectivenessWindowDays) * 24 * time.Hour
		beforeStart := installedAt.Add(-window)
		afterEnd := installedAt.Add(window)

		beforeOccurrences, beforeSessions := occurrencesInWindow(d, ins, beforeStart, installedAt)
		afterOccurrences, afterSessions := occurrencesInWindow(d, ins, installedAt, afterEnd)

		if beforeSessions < cfg.EffectivenessMinSessions || afterSessions < cfg.EffectivenessMinSessions {
			continue
		}

		improvement := 0.0
		if beforeOccurrences > 0 {
			improvement = float64(beforeOccurrences-afterOccurrences) / float64(beforeOccurrences) * 100
		}

		significant := chiSquareSignificant(beforeOccurrences, beforeSessions, afterOccurrences, afterSessions)

		pe := &store.PromptEffectiveness{
			ID:            ins.ID + "|" + ins.PromptVersion,
			InsightID:     ins.ID,
			PromptVersion: ins.PromptVersion,
			Before: store.EffectivenessWindow{
				Occurrences: beforeOccurrences,
				Start:       beforeStart.UTC().Format(time.RFC3339),
				End:         installedAt.UTC().Format(time.RFC3339),
			},
			After: store.EffectivenessWindow{
				Occurrences: afterOccurrences,
				Start:       installedAt.UTC().Format(time.RFC3339),
				End:         afterEnd.UTC().Format(time.RFC3339),
			},
			ImprovementPct:           improvement,
			StatisticallySignificant: significant,
			SessionsBefore:           beforeSessions,
			SessionsAfter:            afterSessions,
			MeasuredAt:               d.now().Now().UTC().Format(time.RFC3339),
		}
		if err := d.DB.RecordEffectiveness(pe); err != nil {
			maintLog.Printf("record effectiveness for %s: %v", ins.ID, err)
		}
	}
	return nil
}

// occurrencesInWindow counts nodes in [start, end) whose observations
// mention the insight's pattern, a crude but deterministic proxy for
// "how often did this pattern occur in this window" given the store has
// no direct occurrence-log table.
func occurrencesInWindow(d Deps, ins *store.AggregatedInsight, start, end time.Time) (occurrences, sessions int) {
	nodes, err := d.DB.ListNodes(store.NodeFilter{
		From:  start.UTC().Format(time.RFC3339),
		To:    end.UTC().Format(time.RFC3339),
		Limit: 1000,
	})
	if err != nil {
		return 0, 0
	}
	sessions = len(nodes)
	target := normalizeLesson(ins.Pattern)
	for _, n := range nodes {
		all := append(append(append([]string{}, n.Observations.ModelQuirks...), n.Observations.PromptingFailures...),
			n.Observations.ToolUseErrors...)
		for _, text := range all {
			if normalizeLesson(text) == target {
				occurrences++
				break
			}
		}
	}
	return occurrences, sessions
}

// chiSquareSignificant runs a 2x2 chi-square test for independence
// between "before/after" and "occurred/did not occur", returning
// whether the statistic exceeds the p<0.05 critical value 3.841.
func chiSquareSignificant(beforeOcc, beforeN, afterOcc, afterN int) bool {
	if beforeN == 0 || afterN == 0 {
		return false
	}
	a := float64(beforeOcc)
	b := float64(beforeN - beforeOcc)
	c := float64(afterOcc)
	e := float64(afterN - afterOcc)
	n := a + b + c + e
	if n == 0 || (a+b) == 0 || (c+e) == 0 || (a+c) == 0 || (b+e) == 0 {
		return false
	}
	numerator := n * (a*e - b*c) * (a*e - b*c)
	denominator := (a + b) * (c + e) * (a + c) * (b + e)
	chiSq := numerator / denominator
	return chiSq > 3.841
}

// autoDisable turns off promptIncluded for insights whose latest
// effectiveness measurement is significant, shows improvement below
// cfg.AutoDisableImprovementPct, and still targets the insight's
// current prompt version.
func autoDisable(d Deps, cfg Config) error {
	insights, err := d.DB.ListPromptIncludedInsights()
	if err != nil {
		return fmt.Errorf("list prompt-included insights: %w", err)
	}

	for _, ins := range insights {
		measurements, err := d.DB.EffectivenessForInsight(ins.ID)
		if err != nil || len(measurements) == 0 {
			continue
		}
		latest := measurements[0]
		if latest.PromptVersion != ins.PromptVersion {
			continue
		}
		if latest.StatisticallySignificant && latest.ImprovementPct < cfg.AutoDisableImprovementPct {
			if err := d.DB.SetInsightPromptIncluded(ins.ID, false); err != nil {
				maintLog.Printf("auto-disable %s: %v", ins.ID, err)
				continue
			}
			maintLog.Printf("auto-disabled insight %s: improvement %.1f%% below threshold", ins.ID, latest.ImprovementPct)
		}
	}
	return nil
}
