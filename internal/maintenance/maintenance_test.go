package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/store"
)

func testNode(id, project string) *store.Node {
	return &store.Node{
		ID: id,
		Classification: store.Classification{
			Type:    store.NodeFeature,
			Project: project,
		},
		Content: store.Content{
			Summary: "did some work",
			Outcome: store.OutcomeCompleted,
		},
		Metadata: store.Metadata{
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			AnalyzedAt:      time.Now().UTC().Format(time.RFC3339),
			AnalyzerVersion: "v1-old",
		},
	}
}

func TestReanalysisEnqueue_SkipsUpToDateNodes(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	q := queue.New(db)

	stale := testNode("stale-1", "p1")
	if err := db.UpsertNode(stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	current := testNode("current-1", "p1")
	current.Metadata.AnalyzerVersion = "v2-new"
	if err := db.UpsertNode(current); err != nil {
		t.Fatalf("upsert current: %v", err)
	}

	deps := Deps{
		DB:    db,
		Queue: q,
		PromptPath: func() (string, string, error) {
			return "v2-new", "", nil
		},
		Clock: clock.NewFake(time.Now()),
	}

	n, err := ReanalysisEnqueue(context.Background(), deps, Config{ReanalysisLimit: 50})
	if err != nil {
		t.Fatalf("ReanalysisEnqueue: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued = %d, want 1", n)
	}

	jobs, err := q.List(store.JobPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].NodeID != "stale-1" {
		t.Errorf("jobs = %+v, want one job for stale-1", jobs)
	}
}

func TestReferenceConnections_CreatesEdgeForLiteralMention(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	target := testNode("11111111-1111-1111-1111-111111111111", "p1")
	if err := db.UpsertNode(target); err != nil {
		t.Fatalf("upsert target: %v", err)
	}
	referrer := testNode("22222222-2222-2222-2222-222222222222", "p1")
	referrer.Content.KeyDecisions = []string{"built on top of 11111111-1111-1111-1111-111111111111"}
	if err := db.UpsertNode(referrer); err != nil {
		t.Fatalf("upsert referrer: %v", err)
	}

	nodes, err := db.ListNodes(store.NodeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}

	n, err := referenceConnections(Deps{DB: db}, nodes)
	if err != nil {
		t.Fatalf("referenceConnections: %v", err)
	}
	if n != 1 {
		t.Fatalf("created = %d, want 1", n)
	}

	edges, err := db.EdgesFrom(referrer.ID, []store.EdgeKind{store.EdgeReferences})
	if err != nil {
		t.Fatalf("EdgesFrom: %v", err)
	}
	if len(edges) != 1 || edges[0].ToNodeID != target.ID {
		t.Errorf("edges = %+v, want one edge to %s", edges, target.ID)
	}
}

func TestLessonReinforcementConnections_LinksNodesSharingALesson(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	shared := "always check the return value"
	for _, id := range []string{"a", "b", "c"} {
		n := testNode(id, "p1")
		n.Lessons = store.Lessons{store.LessonTask: {shared}}
		if err := db.UpsertNode(n); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	nodes, err := db.ListNodes(store.NodeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}

	n, err := lessonReinforcementConnections(Deps{DB: db}, Config{LessonReinforceMinNodes: 3}, nodes)
	if err != nil {
		t.Fatalf("lessonReinforcementConnections: %v", err)
	}
	if n != 3 { // C(3,2) pairs
		t.Errorf("created = %d, want 3", n)
	}
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	if sim := cosineSimilarity(v, v); sim < 0.999 || sim > 1.001 {
		t.Errorf("cosineSimilarity(v, v) = %f, want ~1", sim)
	}
}

func TestChiSquareSignificant_ZeroSessionsNeverSignificant(t *testing.T) {
	if chiSquareSignificant(5, 0, 2, 10) {
		t.Error("expected not significant with zero before-sessions")
	}
}

func TestPatternAggregation_UpsertsInsightFromModelQuirk(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	n := testNode("n1", "p1")
	n.Observations.ModelsUsed = []string{"modelX"}
	n.Observations.ModelQuirks = []string{"forgets to close file handles"}
	if err := db.UpsertNode(n); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ConfidenceDivisor = 10
	deps := Deps{DB: db, Clock: clock.NewFake(time.Now())}

	upserted, err := PatternAggregation(context.Background(), deps, cfg)
	if err != nil {
		t.Fatalf("PatternAggregation: %v", err)
	}
	if upserted != 1 {
		t.Fatalf("upserted = %d, want 1", upserted)
	}

	insights, err := db.ListInsights(store.InsightFilter{Type: store.InsightQuirk})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(insights) != 1 || insights[0].Pattern != "forgets to close file handles" {
		t.Errorf("insights = %+v", insights)
	}
}
