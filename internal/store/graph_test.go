package store

import (
	"reflect"
	"sort"
	"testing"
)

func TestNeighbors_ForwardAndReverse(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.CreateEdge(Edge{FromNodeID: "a", ToNodeID: "b", Kind: EdgeBranch}))
	must(t, db.CreateEdge(Edge{FromNodeID: "a", ToNodeID: "c", Kind: EdgeFork}))
	must(t, db.CreateEdge(Edge{FromNodeID: "z", ToNodeID: "a", Kind: EdgePredecessor}))

	forward, err := db.Neighbors("a", nil, "forward")
	if err != nil {
		t.Fatalf("Neighbors forward: %v", err)
	}
	sort.Strings(forward)
	if !reflect.DeepEqual(forward, []string{"b", "c"}) {
		t.Errorf("expected [b c], got %v", forward)
	}

	reverse, err := db.Neighbors("a", nil, "reverse")
	if err != nil {
		t.Fatalf("Neighbors reverse: %v", err)
	}
	if !reflect.DeepEqual(reverse, []string{"z"}) {
		t.Errorf("expected [z], got %v", reverse)
	}
}

func TestBFS_BoundedDepthAndCycleSafe(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	// a -> b -> c -> a (cycle), plus b -> d
	must(t, db.CreateEdge(Edge{FromNodeID: "a", ToNodeID: "b", Kind: EdgeBranch}))
	must(t, db.CreateEdge(Edge{FromNodeID: "b", ToNodeID: "c", Kind: EdgeBranch}))
	must(t, db.CreateEdge(Edge{FromNodeID: "c", ToNodeID: "a", Kind: EdgeBranch}))
	must(t, db.CreateEdge(Edge{FromNodeID: "b", ToNodeID: "d", Kind: EdgeBranch}))

	reached, err := db.BFS("a", nil, "forward", 2)
	if err != nil {
		t.Fatalf("BFS: %v", err)
	}
	sort.Strings(reached)
	if !reflect.DeepEqual(reached, []string{"b", "c", "d"}) {
		t.Errorf("expected [b c d] within depth 2, got %v", reached)
	}
}

func TestDescendantsAndAncestors(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.CreateEdge(Edge{FromNodeID: "root", ToNodeID: "mid", Kind: EdgeBranch}))
	must(t, db.CreateEdge(Edge{FromNodeID: "mid", ToNodeID: "leaf", Kind: EdgeBranch}))

	desc, err := db.Descendants("root", 5)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	sort.Strings(desc)
	if !reflect.DeepEqual(desc, []string{"leaf", "mid"}) {
		t.Errorf("expected [leaf mid], got %v", desc)
	}

	anc, err := db.Ancestors("leaf", 5)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	sort.Strings(anc)
	if !reflect.DeepEqual(anc, []string{"mid", "root"}) {
		t.Errorf("expected [mid root], got %v", anc)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
