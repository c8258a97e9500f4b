package query

import (
	"fmt"
	"sort"

	"github.com/pi-brain/pi-brain/internal/store"
)

// InsightCount is one group in an insight aggregation: how many
// AggregatedInsight rows share a type/model/tool value.
type InsightCount struct {
	Key   string
	Count int
}

// InsightsByType groups all insights by their Type (spec §4.9 bullet 5).
func (f *Facade) InsightsByType() ([]InsightCount, error) {
	insights, err := f.db.ListInsights(store.InsightFilter{})
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	counts := map[string]int{}
	for _, ins := range insights {
		counts[string(ins.Type)]++
	}
	return sortedCounts(counts), nil
}

// InsightsByModel groups all insights carrying a non-empty Model.
func (f *Facade) InsightsByModel() ([]InsightCount, error) {
	insights, err := f.db.ListInsights(store.InsightFilter{})
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	counts := map[string]int{}
	for _, ins := range insights {
		if ins.Model == "" {
			continue
		}
		counts[ins.Model]++
	}
	return sortedCounts(counts), nil
}

// InsightsByTool groups all insights carrying a non-empty Tool.
func (f *Facade) InsightsByTool() ([]InsightCount, error) {
	insights, err := f.db.ListInsights(store.InsightFilter{})
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	counts := map[string]int{}
	for _, ins := range insights {
		if ins.Tool == "" {
			continue
		}
		counts[ins.Tool]++
	}
	return sortedCounts(counts), nil
}

// LessonAggregate is one distinct lesson text, counted by how many
// nodes recorded it and at which scope levels.
type LessonAggregate struct {
	Text   string
	Levels map[store.LessonLevel]int
	Total  int
}

// LessonAggregates scans the given nodes' Lessons maps and tallies how
// often each distinct lesson text recurs, broken down by scope level
// (spec §4.9 bullet 5's "lesson ... aggregates"). Callers typically feed
// it ListNodes' result for a project or time range.
func LessonAggregates(nodes []*store.Node) []LessonAggregate {
	byText := map[string]*LessonAggregate{}
	for _, n := range nodes {
		for level, texts := range n.Lessons {
			for _, text := range texts {
				agg, ok := byText[text]
				if !ok {
					agg = &LessonAggregate{Text: text, Levels: map[store.LessonLevel]int{}}
					byText[text] = agg
				}
				agg.Levels[level]++
				agg.Total++
			}
		}
	}
	out := make([]LessonAggregate, 0, len(byText))
	for _, agg := range byText {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out
}

// QuirkAggregate tallies how often a distinct model-quirk observation
// recurs across nodes, and which models triggered it.
type QuirkAggregate struct {
	Text   string
	Models map[string]int
	Total  int
}

// QuirkAggregates scans the given nodes' Observations.ModelQuirks and
// tallies recurrence per distinct quirk text (spec §4.9 bullet 5's
// "quirk aggregates").
func QuirkAggregates(nodes []*store.Node) []QuirkAggregate {
	byText := map[string]*QuirkAggregate{}
	for _, n := range nodes {
		if len(n.Observations.ModelQuirks) == 0 {
			continue
		}
		model := "unknown"
		if len(n.Observations.ModelsUsed) > 0 {
			model = n.Observations.ModelsUsed[0]
		}
		for _, text := range n.Observations.ModelQuirks {
			agg, ok := byText[text]
			if !ok {
				agg = &QuirkAggregate{Text: text, Models: map[string]int{}}
				byText[text] = agg
			}
			agg.Models[model]++
			agg.Total++
		}
	}
	out := make([]QuirkAggregate, 0, len(byText))
	for _, agg := range byText {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out
}

func sortedCounts(counts map[string]int) []InsightCount {
	out := make([]InsightCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, InsightCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
