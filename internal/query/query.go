// Package query implements the stateless read facade (spec §4.9, C9):
// filtered node listing, full-text and semantic search, graph traversal,
// and insight aggregations, all read directly off the store with no
// caching or mutation. It is exposed in-process to internal/daemon's
// control plane; the HTTP surface spec.md §6.2 describes is out of scope
// for this core (SPEC_FULL.md §6 Non-goals) and would be a thin transport
// layer over this same Facade.
package query

import (
	"fmt"

	"github.com/pi-brain/pi-brain/internal/embedding"
	"github.com/pi-brain/pi-brain/internal/store"
)

// Facade is the stateless query layer. It holds no state of its own
// beyond the store and optional embedder it was built with.
type Facade struct {
	db       *store.DB
	embedder embedding.Provider
	// semanticThreshold is the minimum similarity score (spec
	// §6.1 semanticSearchThreshold) below which SearchSemantic results
	// don't count toward "enough hits" for SearchSemanticWithFallback.
	semanticThreshold float64
}

// New builds a Facade. embedder may be nil, in which case Search always
// uses full-text search.
func New(db *store.DB, embedder embedding.Provider, semanticThreshold float64) *Facade {
	if semanticThreshold <= 0 {
		semanticThreshold = 0.5
	}
	return &Facade{db: db, embedder: embedder, semanticThreshold: semanticThreshold}
}

// NodeFilter is an alias kept local so callers of this package don't need
// to import internal/store directly for the common case.
type NodeFilter = store.NodeFilter

// ListNodes returns the filtered, paginated, sorted node list (spec
// §4.9 bullet 1).
func (f *Facade) ListNodes(filter NodeFilter) ([]*store.Node, error) {
	nodes, err := f.db.ListNodes(filter)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// GetNode returns a single node by id, latest version.
func (f *Facade) GetNode(id string) (*store.Node, error) {
	n, err := f.db.GetNode(id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// SearchText runs a full-text search over indexed node summaries,
// returning snippet-highlighted hits (spec §4.9 bullet 2).
func (f *Facade) SearchText(query string, limit int) ([]store.SearchResult, error) {
	results, err := f.db.SearchFTS(query, limit)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}
	return results, nil
}

// Search runs a semantic search when an embedder is configured, falling
// back to (or supplementing with) full-text results automatically (spec
// §4.9 bullet 3). With no embedder configured it degrades straight to
// SearchText.
func (f *Facade) Search(queryText string, limit int) ([]store.SearchResult, error) {
	if f.embedder == nil {
		return f.SearchText(queryText, limit)
	}
	vec, err := f.embedder.GetQueryEmbedding(queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := f.db.SearchSemanticWithFallback(vec, limit, f.semanticThreshold, queryText)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return results, nil
}

// Neighbors returns the nodes directly connected to nodeID (spec §4.9
// bullet 4).
func (f *Facade) Neighbors(nodeID string, kinds []store.EdgeKind, direction string) ([]string, error) {
	ids, err := f.db.Neighbors(nodeID, kinds, direction)
	if err != nil {
		return nil, fmt.Errorf("neighbors of %s: %w", nodeID, err)
	}
	return ids, nil
}

// Traverse performs a bounded-depth BFS from nodeID.
func (f *Facade) Traverse(nodeID string, kinds []store.EdgeKind, direction string, maxDepth int) ([]string, error) {
	ids, err := f.db.BFS(nodeID, kinds, direction, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("traverse from %s: %w", nodeID, err)
	}
	return ids, nil
}

// Ancestors returns all node ids that reach nodeID, bounded to maxDepth.
func (f *Facade) Ancestors(nodeID string, maxDepth int) ([]string, error) {
	ids, err := f.db.Ancestors(nodeID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", nodeID, err)
	}
	return ids, nil
}

// Descendants returns all node ids reachable from nodeID, bounded to
// maxDepth.
func (f *Facade) Descendants(nodeID string, maxDepth int) ([]string, error) {
	ids, err := f.db.Descendants(nodeID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", nodeID, err)
	}
	return ids, nil
}

// ConnectedNodes resolves a set of node ids returned by Neighbors/
// Traverse/Ancestors/Descendants into full Node records, preserving
// input order and silently skipping ids that fail to resolve (a node
// referenced by a stale edge that was since pruned shouldn't fail the
// whole traversal).
func (f *Facade) ConnectedNodes(ids []string) ([]*store.Node, error) {
	nodes := make([]*store.Node, 0, len(ids))
	for _, id := range ids {
		n, err := f.db.GetNode(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
