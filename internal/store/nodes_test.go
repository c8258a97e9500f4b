package store

import "testing"

func sampleNode(id string) *Node {
	return &Node{
		ID: id,
		Source: Source{
			SessionFile: "session-1.jsonl",
			SegmentStart: "0",
			SegmentEnd:   "10",
			SessionID:    "sess-1",
			Computer:     "laptop",
		},
		Classification: Classification{
			Type:         NodeFeature,
			Project:      "pi-brain",
			IsNewProject: false,
			HadClearGoal: true,
		},
		Content: Content{
			Summary:      "implemented the widget",
			Outcome:      OutcomeCompleted,
			KeyDecisions: []string{"used a channel instead of a mutex"},
			FilesTouched: []string{"widget.go"},
			ToolsUsed:    []string{"edit"},
		},
		Lessons: Lessons{
			LessonProject: {"keep widgets small"},
		},
		Observations: Observations{
			ModelsUsed:  []string{"claude"},
			ModelQuirks: []string{"forgets imports sometimes"},
		},
		Metadata: Metadata{
			Timestamp:  "2026-01-01T00:00:00Z",
			AnalyzedAt: "2026-01-01T00:05:00Z",
		},
		Semantic: Semantic{Tags: []string{"widgets"}, Topics: []string{"ui"}},
	}
}

func TestUpsertAndGetNode(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	n := sampleNode("node-1")
	if err := db.UpsertNode(n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if n.Version != 1 {
		t.Errorf("expected version 1 on first insert, got %d", n.Version)
	}

	got, err := db.GetNode("node-1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Content.Summary != "implemented the widget" {
		t.Errorf("unexpected summary: %q", got.Content.Summary)
	}
	if len(got.Lessons[LessonProject]) != 1 {
		t.Errorf("expected 1 project lesson, got %d", len(got.Lessons[LessonProject]))
	}
	if len(got.Observations.ModelQuirks) != 1 {
		t.Errorf("expected 1 model quirk, got %d", len(got.Observations.ModelQuirks))
	}
}

func TestUpsertNode_SourceImmutableAcrossVersions(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	n := sampleNode("node-1")
	if err := db.UpsertNode(n); err != nil {
		t.Fatalf("UpsertNode v1: %v", err)
	}

	n2 := sampleNode("node-1")
	n2.Version = 2
	n2.Source.SessionFile = "different-session.jsonl"
	n2.Content.Summary = "reanalyzed"
	if err := db.UpsertNode(n2); err != nil {
		t.Fatalf("UpsertNode v2: %v", err)
	}

	got, err := db.GetNode("node-1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected latest version 2, got %d", got.Version)
	}
	if got.Source.SessionFile != "session-1.jsonl" {
		t.Errorf("expected source to survive reanalysis unchanged, got %q", got.Source.SessionFile)
	}
}

func TestUpsertNode_RejectsInvalidClassification(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	n := sampleNode("node-1")
	n.Classification.Type = "not-a-real-type"
	err = db.UpsertNode(n)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var se *StoreError
	if !asStoreError(err, &se) || se.Kind != KindValidation {
		t.Errorf("expected KindValidation, got %v", err)
	}
}

func TestListNodes_FiltersByProjectAndTag(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	a := sampleNode("a")
	a.Classification.Project = "alpha"
	a.Semantic.Tags = []string{"x"}
	b := sampleNode("b")
	b.Classification.Project = "beta"
	b.Semantic.Tags = []string{"y"}

	if err := db.UpsertNode(a); err != nil {
		t.Fatalf("UpsertNode a: %v", err)
	}
	if err := db.UpsertNode(b); err != nil {
		t.Fatalf("UpsertNode b: %v", err)
	}

	nodes, err := db.ListNodes(NodeFilter{Project: "alpha"})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "a" {
		t.Errorf("expected only node a, got %v", nodes)
	}

	nodes, err = db.ListNodes(NodeFilter{Tag: "y"})
	if err != nil {
		t.Fatalf("ListNodes by tag: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "b" {
		t.Errorf("expected only node b, got %v", nodes)
	}
}

func TestGetNode_NotFound(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	_, err = db.GetNode("missing")
	var se *StoreError
	if !asStoreError(err, &se) || se.Kind != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func asStoreError(err error, target **StoreError) bool {
	se, ok := err.(*StoreError)
	if !ok {
		return false
	}
	*target = se
	return true
}
