package query

import (
	"testing"
	"time"

	"github.com/pi-brain/pi-brain/internal/store"
)

func testQueryNode(id, project string) *store.Node {
	return &store.Node{
		ID: id,
		Classification: store.Classification{
			Type:    store.NodeFeature,
			Project: project,
		},
		Content: store.Content{Summary: "implemented the widget loader", Outcome: store.OutcomeCompleted},
		Metadata: store.Metadata{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			AnalyzedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func TestFacade_ListNodesFiltersByProject(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if err := db.UpsertNode(testQueryNode("n1", "alpha")); err != nil {
		t.Fatalf("upsert n1: %v", err)
	}
	if err := db.UpsertNode(testQueryNode("n2", "beta")); err != nil {
		t.Fatalf("upsert n2: %v", err)
	}

	f := New(db, nil, 0.5)
	nodes, err := f.ListNodes(NodeFilter{Project: "alpha", Limit: 10})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "n1" {
		t.Errorf("nodes = %+v, want just n1", nodes)
	}
}

func TestFacade_GetNode(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	if err := db.UpsertNode(testQueryNode("n1", "alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	f := New(db, nil, 0.5)
	n, err := f.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.ID != "n1" {
		t.Errorf("id = %s, want n1", n.ID)
	}
}

func TestFacade_SearchFallsBackToTextWithoutEmbedder(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	if err := db.UpsertNode(testQueryNode("n1", "alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	f := New(db, nil, 0.5)
	results, err := f.Search("widget loader", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Errorf("expected at least one text-search hit")
	}
}

func TestFacade_NeighborsAndTraversal(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	if err := db.UpsertNode(testQueryNode("n1", "alpha")); err != nil {
		t.Fatalf("upsert n1: %v", err)
	}
	if err := db.UpsertNode(testQueryNode("n2", "alpha")); err != nil {
		t.Fatalf("upsert n2: %v", err)
	}
	if err := db.CreateEdge(store.Edge{FromNodeID: "n1", ToNodeID: "n2", Kind: store.EdgeSemanticRelated}); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	f := New(db, nil, 0.5)
	ids, err := f.Neighbors("n1", nil, "forward")
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(ids) != 1 || ids[0] != "n2" {
		t.Errorf("neighbors = %v, want [n2]", ids)
	}

	desc, err := f.Descendants("n1", 3)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(desc) != 1 || desc[0] != "n2" {
		t.Errorf("descendants = %v, want [n2]", desc)
	}

	nodes, err := f.ConnectedNodes(ids)
	if err != nil {
		t.Fatalf("ConnectedNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "n2" {
		t.Errorf("connected nodes = %+v", nodes)
	}
}

func TestLessonAggregates_CountsByLevelAndText(t *testing.T) {
	n1 := testQueryNode("n1", "p")
	n1.Lessons = store.Lessons{store.LessonTask: {"always check return values"}}
	n2 := testQueryNode("n2", "p")
	n2.Lessons = store.Lessons{store.LessonProject: {"always check return values"}}

	aggs := LessonAggregates([]*store.Node{n1, n2})
	if len(aggs) != 1 {
		t.Fatalf("aggregates = %d, want 1", len(aggs))
	}
	if aggs[0].Total != 2 {
		t.Errorf("total = %d, want 2", aggs[0].Total)
	}
	if aggs[0].Levels[store.LessonTask] != 1 || aggs[0].Levels[store.LessonProject] != 1 {
		t.Errorf("levels = %+v", aggs[0].Levels)
	}
}

func TestQuirkAggregates_GroupsByModel(t *testing.T) {
	n1 := testQueryNode("n1", "p")
	n1.Observations.ModelsUsed = []string{"modelA"}
	n1.Observations.ModelQuirks = []string{"forgets semicolons"}
	n2 := testQueryNode("n2", "p")
	n2.Observations.ModelsUsed = []string{"modelB"}
	n2.Observations.ModelQuirks = []string{"forgets semicolons"}

	aggs := QuirkAggregates([]*store.Node{n1, n2})
	if len(aggs) != 1 {
		t.Fatalf("aggregates = %d, want 1", len(aggs))
	}
	if aggs[0].Total != 2 {
		t.Errorf("total = %d, want 2", aggs[0].Total)
	}
	if aggs[0].Models["modelA"] != 1 || aggs[0].Models["modelB"] != 1 {
		t.Errorf("models = %+v", aggs[0].Models)
	}
}

func TestInsightsByType_GroupsCorrectly(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if err := db.UpsertInsight(&store.AggregatedInsight{ID: "i1", Type: store.InsightQuirk, Pattern: "p1"}); err != nil {
		t.Fatalf("upsert i1: %v", err)
	}
	if err := db.UpsertInsight(&store.AggregatedInsight{ID: "i2", Type: store.InsightQuirk, Pattern: "p2"}); err != nil {
		t.Fatalf("upsert i2: %v", err)
	}
	if err := db.UpsertInsight(&store.AggregatedInsight{ID: "i3", Type: store.InsightWin, Pattern: "p3"}); err != nil {
		t.Fatalf("upsert i3: %v", err)
	}

	f := New(db, nil, 0.5)
	counts, err := f.InsightsByType()
	if err != nil {
		t.Fatalf("InsightsByType: %v", err)
	}
	if len(counts) != 2 || counts[0].Key != string(store.InsightQuirk) || counts[0].Count != 2 {
		t.Errorf("counts = %+v, want quirk:2 first", counts)
	}
}
