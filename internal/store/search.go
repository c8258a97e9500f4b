package store

import (
	"fmt"
	"strings"
)

// SearchResult is one hit from a text or semantic search, carrying enough
// of the node to render a result list without a second round-trip.
type SearchResult struct {
	NodeID  string
	Snippet string
	Score   float64
	Method  string // "semantic" | "fts"
}

// SearchFTS runs a full-text query over node summary documents and returns
// up to limit hits ranked by FTS5's bm25, each with a highlighted snippet.
// Falls back to a plain LIKE scan when FTS5 isn't available in this build.
func (db *DB) SearchFTS(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if !db.ftsAvailable {
		return db.searchLike(query, limit)
	}

	rows, err := db.conn.Query(`SELECT node_id, snippet(fts_nodes_summary, 1, '[', ']', '...', 12), bm25(fts_nodes_summary)
		FROM fts_nodes_summary WHERE fts_nodes_summary MATCH ? ORDER BY bm25(fts_nodes_summary) LIMIT ?`,
		ftsQuery(query), limit)
	if err != nil {
		// Malformed FTS5 query syntax (bare punctuation, etc.) degrades to LIKE
		// rather than surfacing a syntax error to the caller.
		return db.searchLike(query, limit)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.NodeID, &r.Snippet, &rank); err != nil {
			return nil, err
		}
		r.Score = -rank // bm25 is smaller-is-better; invert for a common "higher is better" Score
		r.Method = "fts"
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) searchLike(query string, limit int) ([]SearchResult, error) {
	like := "%" + strings.ReplaceAll(query, "%", "") + "%"
	rows, err := db.conn.Query(`SELECT id, summary FROM nodes
		WHERE version = (SELECT MAX(version) FROM nodes n2 WHERE n2.id = nodes.id) AND summary LIKE ?
		ORDER BY timestamp DESC LIMIT ?`, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.NodeID, &r.Snippet); err != nil {
			return nil, err
		}
		r.Method = "fts"
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsQuery wraps the user's free-text query as an FTS5 phrase so that
// punctuation (colons, hyphens) in a node summary doesn't throw a syntax
// error from the query parser.
func ftsQuery(q string) string {
	q = strings.ReplaceAll(q, `"`, `""`)
	return `"` + q + `"`
}

// SearchSemanticWithFallback runs SearchSemantic for the k nearest nodes to
// queryVec, then falls back to an FTS scan over fallbackQuery whenever
// fewer than k results meet minScore — an embedder configured but a query
// far outside anything seen before should not silently return nothing.
func (db *DB) SearchSemanticWithFallback(queryVec []float32, k int, minScore float64, fallbackQuery string) ([]SearchResult, error) {
	semantic, err := db.SearchSemantic(queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	var results []SearchResult
	meetsThreshold := 0
	for _, s := range semantic {
		if s.Score >= minScore {
			meetsThreshold++
		}
		results = append(results, SearchResult{NodeID: s.NodeID, Score: s.Score, Method: "semantic"})
	}

	if meetsThreshold >= k || fallbackQuery == "" {
		return results, nil
	}

	ftsResults, err := db.SearchFTS(fallbackQuery, k)
	if err != nil {
		return results, nil // semantic results still valid even if the fallback query fails
	}

	seen := map[string]bool{}
	for _, r := range results {
		seen[r.NodeID] = true
	}
	for _, r := range ftsResults {
		if !seen[r.NodeID] {
			results = append(results, r)
			seen[r.NodeID] = true
		}
	}
	return results, nil
}
