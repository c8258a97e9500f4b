package maintenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/store"
)

// Clustering embeds friction/delight pattern texts (the quirk/failure/
// lesson insights pattern aggregation produced) and groups them with a
// single-link agglomerative pass against cfg.ClusterSimilarityThreshold,
// keeping only groups of at least cfg.ClusterMinSize (spec §4.7). No
// density-based clustering library exists in the retrieval pack (see
// DESIGN.md), so this grouping is hand-rolled rather than imported.
// Groups are named/described by the analyzer when one is configured,
// skipped otherwise.
func Clustering(ctx context.Context, d Deps, cfg Config) (int, error) {
	if d.Embedder == nil {
		maintLog.Print("clustering skipped: no embedder configured")
		return 0, nil
	}

	insights, err := d.DB.ListInsights(store.InsightFilter{})
	if err != nil {
		return 0, fmt.Errorf("list insights: %w", err)
	}
	if len(insights) == 0 {
		return 0, nil
	}

	var items []clusterItem
	for _, ins := range insights {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		vec, err := d.Embedder.GetDocumentEmbedding(ins.Pattern)
		if err != nil {
			maintLog.Printf("embed pattern for clustering %s: %v", ins.ID, err)
			continue
		}
		items = append(items, clusterItem{insight: ins, vec: vec})
	}

	groups := singleLinkGroups(items, cfg.ClusterSimilarityThreshold)

	created := 0
	for _, g := range groups {
		if len(g) < cfg.ClusterMinSize {
			continue
		}
		memberIDs := make([]string, len(g))
		centroid := make([]float32, len(items[g[0]].vec))
		signal := store.SignalFriction
		if items[g[0]].insight.Type == store.InsightWin {
			signal = store.SignalDelight
		}
		for i, idx := range g {
			memberIDs[i] = items[idx].insight.ID
			for dim := range centroid {
				if dim < len(items[idx].vec) {
					centroid[dim] += items[idx].vec[dim] / float32(len(g))
				}
			}
		}

		name, desc := nameCluster(ctx, d, items, g)
		cl := &store.Cluster{
			ID:             uuid.NewString(),
			Name:           name,
			Description:    desc,
			SignalType:     signal,
			Status:         store.ClusterPending,
			Algorithm:      cfg.ClusterAlgorithm,
			MinClusterSize: cfg.ClusterMinSize,
			Centroid:       centroid,
		}
		if err := d.DB.UpsertCluster(cl, memberIDs); err != nil {
			maintLog.Printf("upsert cluster: %v", err)
			continue
		}
		created++
	}
	return created, nil
}

// clusterItem pairs an insight with its pattern-text embedding for the
// duration of one clustering pass.
type clusterItem struct {
	insight *store.AggregatedInsight
	vec     []float32
}

// singleLinkGroups partitions items into connected components under the
// relation "cosine similarity >= threshold", via union-find.
func singleLinkGroups(items []clusterItem, threshold float64) [][]int {
	n := len(items)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if cosineSimilarity(items[i].vec, items[j].vec) >= threshold {
				union(i, j)
			}
		}
	}

	byRoot := map[int][]int{}
	for i := 0; i < n; i++ {
		r := find(i)
		byRoot[r] = append(byRoot[r], i)
	}
	var groups [][]int
	for _, g := range byRoot {
		groups = append(groups, g)
	}
	return groups
}

// nameCluster asks the analyzer to summarize the group's pattern texts
// into a short name/description, reusing the same subprocess the worker
// drives for node analysis. Falls back to the first pattern text (and no
// description) when no analyzer is configured.
func nameCluster(ctx context.Context, d Deps, items []clusterItem, group []int) (name, description string) {
	texts := make([]string, len(group))
	for i, idx := range group {
		texts[i] = items[idx].insight.Pattern
	}
	if d.AnalyzerConfig == nil {
		return truncate(texts[0], 60), ""
	}

	prompt := "Give a short (<=6 word) name and one-sentence description for this group of recurring patterns:\n" +
		strings.Join(texts, "\n")
	result, err := analyzer.Run(ctx, d.AnalyzerConfig(""), analyzer.Request{Prompt: prompt})
	if err != nil {
		maintLog.Printf("analyzer cluster naming failed, falling back: %v", err)
		return truncate(texts[0], 60), ""
	}
	return truncate(result.Content.Summary, 60), result.Content.Summary
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
