package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pi-brain/pi-brain/internal/store"
)

// AdditionsConfig tunes which insights qualify for inclusion and how
// many survive per section (spec §4.8).
type AdditionsConfig struct {
	MinConfidence     float64
	MinFrequency      int
	MaxPerSection     int
	RequireWorkaround bool // quirks without a workaround are always excluded regardless of this flag
}

// GenerateAdditions filters insights by cfg, groups survivors by model,
// and renders one combined document per model with three capped
// sections: "Known quirks to avoid", "Effective techniques", "Tool usage
// reminders". Returns the rendered documents and, for every insight that
// contributed to one, its id — the caller passes that id set plus the
// target prompt version into DB.UpdateInsightPromptTexts in one
// transaction (spec §4.8's "fixed deployment timestamp" requirement).
func GenerateAdditions(insights []*store.AggregatedInsight, cfg AdditionsConfig) (docsByModel map[string]string, includedIDs map[string]string) {
	docsByModel = map[string]string{}
	includedIDs = map[string]string{}

	byModel := map[string][]*store.AggregatedInsight{}
	for _, ins := range insights {
		if !qualifies(ins, cfg) {
			continue
		}
		model := ins.Model
		if model == "" {
			model = "all"
		}
		byModel[model] = append(byModel[model], ins)
	}

	for model, group := range byModel {
		doc, ids := renderModelDocument(group, cfg)
		if doc == "" {
			continue
		}
		docsByModel[model] = doc
		for id, text := range ids {
			includedIDs[id] = text
		}
	}
	return docsByModel, includedIDs
}

func qualifies(ins *store.AggregatedInsight, cfg AdditionsConfig) bool {
	if ins.Confidence < cfg.MinConfidence {
		return false
	}
	if ins.Frequency < cfg.MinFrequency {
		return false
	}
	if ins.Type == store.InsightQuirk && ins.Workaround == "" {
		return false
	}
	return true
}

func renderModelDocument(insights []*store.AggregatedInsight, cfg AdditionsConfig) (string, map[string]string) {
	sort.Slice(insights, func(i, j int) bool { return insights[i].Confidence > insights[j].Confidence })

	quirks := capped(filterType(insights, store.InsightQuirk), cfg.MaxPerSection)
	wins := capped(filterType(insights, store.InsightWin), cfg.MaxPerSection)
	toolErrors := capped(filterType(insights, store.InsightToolError), cfg.MaxPerSection)

	if len(quirks) == 0 && len(wins) == 0 && len(toolErrors) == 0 {
		return "", nil
	}

	var b strings.Builder
	included := map[string]string{}

	writeSection := func(title string, items []*store.AggregatedInsight, withWorkaround bool) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		for _, ins := range items {
			if withWorkaround && ins.Workaround != "" {
				fmt.Fprintf(&b, "- %s (workaround: %s)\n", ins.Pattern, ins.Workaround)
			} else {
				fmt.Fprintf(&b, "- %s\n", ins.Pattern)
			}
			included[ins.ID] = ins.Pattern
		}
		b.WriteString("\n")
	}

	writeSection("Known quirks to avoid", quirks, true)
	writeSection("Effective techniques", wins, false)
	writeSection("Tool usage reminders", toolErrors, false)

	return strings.TrimSpace(b.String()), included
}

func filterType(insights []*store.AggregatedInsight, t store.InsightType) []*store.AggregatedInsight {
	var out []*store.AggregatedInsight
	for _, ins := range insights {
		if ins.Type == t {
			out = append(out, ins)
		}
	}
	return out
}

func capped(items []*store.AggregatedInsight, max int) []*store.AggregatedInsight {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[:max]
}
