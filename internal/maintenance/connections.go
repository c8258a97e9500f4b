package maintenance

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/store"
)

// ConnectionDiscovery runs the three connection-finding passes described
// in spec §4.7 over nodes touched in the last cfg.ConnectionDiscoveryLookbackDays:
// semantic similarity, literal node-ID references, and lesson
// reinforcement. Returns the total number of new edges created.
func ConnectionDiscovery(ctx context.Context, d Deps, cfg Config) (int, error) {
	since := d.now().Now().AddDate(0, 0, -cfg.ConnectionDiscoveryLookbackDays).UTC().Format(time.RFC3339)
	nodes, err := d.DB.ListNodes(store.NodeFilter{From: since, Limit: cfg.ConnectionDiscoveryLimit})
	if err != nil {
		return 0, fmt.Errorf("list recent nodes: %w", err)
	}
	if len(nodes) == 0 {
		return 0, nil
	}

	total := 0

	n, err := semanticConnections(ctx, d, cfg, nodes)
	if err != nil {
		maintLog.Printf("semantic connection discovery: %v", err)
	}
	total += n

	n, err = referenceConnections(d, nodes)
	if err != nil {
		maintLog.Printf("reference connection discovery: %v", err)
	}
	total += n

	n, err = lessonReinforcementConnections(d, cfg, nodes)
	if err != nil {
		maintLog.Printf("lesson reinforcement discovery: %v", err)
	}
	total += n

	return total, nil
}

// semanticConnections links node pairs whose embeddings exceed
// cfg.SemanticSimilarityThreshold. CreateEdge is idempotent per (from,
// to, kind), so a pair already linked is naturally skipped on retry —
// that idempotency is this pass's cooldown, rather than a separate time
// window.
func semanticConnections(ctx context.Context, d Deps, cfg Config, nodes []*store.Node) (int, error) {
	if d.Embedder == nil {
		maintLog.Print("semantic connection discovery skipped: no embedder configured")
		return 0, nil
	}

	type embedded struct {
		id  string
		vec []float32
	}
	var withVec []embedded
	for _, n := range nodes {
		e, err := d.DB.GetEmbedding(n.ID)
		if err != nil {
			continue
		}
		withVec = append(withVec, embedded{id: n.ID, vec: e.Embedding})
	}

	created := 0
	for i := 0; i < len(withVec); i++ {
		select {
		case <-ctx.Done():
			return created, ctx.Err()
		default:
		}
		for j := i + 1; j < len(withVec); j++ {
			sim := cosineSimilarity(withVec[i].vec, withVec[j].vec)
			if sim < cfg.SemanticSimilarityThreshold {
				continue
			}
			edge := store.Edge{
				FromNodeID: withVec[i].id,
				ToNodeID:   withVec[j].id,
				Kind:       store.EdgeSemanticRelated,
				Metadata:   map[string]interface{}{"similarity": sim},
			}
			if err := d.DB.CreateEdge(edge); err != nil {
				maintLog.Printf("create semantic edge %s->%s: %v", edge.FromNodeID, edge.ToNodeID, err)
				continue
			}
			created++
		}
	}
	return created, nil
}

var nodeIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|\b[0-9a-f]{16}\b`)

// referenceConnections scans each node's keyDecisions and summary for
// literal mentions of another node's id (a UUID or the worker's 16-hex
// deterministic id) and creates a references edge.
func referenceConnections(d Deps, nodes []*store.Node) (int, error) {
	ids := map[string]bool{}
	for _, n := range nodes {
		ids[n.ID] = true
	}

	created := 0
	for _, n := range nodes {
		text := n.Content.Summary + " " + strings.Join(n.Content.KeyDecisions, " ")
		for _, match := range nodeIDPattern.FindAllString(text, -1) {
			if match == n.ID || !ids[match] {
				continue
			}
			if err := d.DB.CreateEdge(store.Edge{FromNodeID: n.ID, ToNodeID: match, Kind: store.EdgeReferences}); err != nil {
				maintLog.Printf("create reference edge %s->%s: %v", n.ID, match, err)
				continue
			}
			created++
		}
	}
	return created, nil
}

// lessonReinforcementConnections groups lessons by normalized text across
// the batch and, for any lesson text appearing in at least
// cfg.LessonReinforceMinNodes distinct nodes, links every pair of those
// nodes with a lesson_reinforces edge (deduplicated per target by
// CreateEdge's own idempotency).
func lessonReinforcementConnections(d Deps, cfg Config, nodes []*store.Node) (int, error) {
	byLesson := map[string][]string{}
	for _, n := range nodes {
		for _, texts := range n.Lessons {
			for _, text := range texts {
				key := normalizeLesson(text)
				byLesson[key] = append(byLesson[key], n.ID)
			}
		}
	}

	created := 0
	for _, nodeIDs := range byLesson {
		unique := dedupeStrings(nodeIDs)
		if len(unique) < cfg.LessonReinforceMinNodes {
			continue
		}
		for i := 0; i < len(unique); i++ {
			for j := i + 1; j < len(unique); j++ {
				if err := d.DB.CreateEdge(store.Edge{FromNodeID: unique[i], ToNodeID: unique[j], Kind: store.EdgeLessonReinforces}); err != nil {
					maintLog.Printf("create lesson reinforcement edge %s->%s: %v", unique[i], unique[j], err)
					continue
				}
				created++
			}
		}
	}
	return created, nil
}

func normalizeLesson(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
