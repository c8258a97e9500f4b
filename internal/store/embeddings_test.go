package store

import (
	"math/rand"
	"testing"
)

func TestUpsertAndGetEmbedding(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(i) / 8
	}

	if err := db.UpsertEmbedding("node-1", "test-model", 8, vec); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}

	got, err := db.GetEmbedding("node-1")
	if err != nil {
		t.Fatalf("GetEmbedding: %v", err)
	}
	if got.Model != "test-model" || got.Dimensions != 8 {
		t.Errorf("unexpected embedding metadata: %+v", got)
	}
	for i, f := range got.Embedding {
		if f != vec[i] {
			t.Errorf("embedding[%d] = %f, want %f", i, f, vec[i])
		}
	}
}

func TestUpsertEmbedding_DimensionMismatchRejected(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	err = db.UpsertEmbedding("node-1", "test-model", 8, make([]float32, 4))
	var se *StoreError
	if !asStoreError(err, &se) || se.Kind != KindValidation {
		t.Errorf("expected KindValidation for declared-dims mismatch, got %v", err)
	}
}

func TestNodesWithoutEmbeddings(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	must(t, db.UpsertNode(sampleNode("with-embedding")))
	must(t, db.UpsertNode(sampleNode("without-embedding")))
	must(t, db.UpsertEmbedding("with-embedding", "test-model", 8, make([]float32, 8)))

	ids, err := db.NodesWithoutEmbeddings(10)
	if err != nil {
		t.Fatalf("NodesWithoutEmbeddings: %v", err)
	}
	if len(ids) != 1 || ids[0] != "without-embedding" {
		t.Errorf("expected only without-embedding, got %v", ids)
	}
}

func TestSearchSemantic_NearestFirst(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	rng := rand.New(rand.NewSource(7))
	makeVec := func(x, y float32) []float32 {
		v := make([]float32, 8)
		v[0], v[1] = x, y
		for i := 2; i < len(v); i++ {
			v[i] = rng.Float32() * 0.01
		}
		return v
	}

	must(t, db.UpsertEmbedding("close", "test-model", 8, makeVec(0.9, 0.1)))
	must(t, db.UpsertEmbedding("far", "test-model", 8, makeVec(0, 1)))

	results, err := db.SearchSemantic(makeVec(1, 0), 2)
	if err != nil {
		t.Fatalf("SearchSemantic: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].NodeID != "close" {
		t.Errorf("expected 'close' first, got %s", results[0].NodeID)
	}
}
