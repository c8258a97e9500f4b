package store

import (
	"fmt"
	"strings"
)

// Neighbors returns the nodes directly connected to nodeID by any of the
// given edge kinds (nil/empty means all kinds), in the given direction.
func (db *DB) Neighbors(nodeID string, kinds []EdgeKind, direction string) ([]string, error) {
	var ids []string
	seen := map[string]bool{}

	collect := func(edges []Edge, pick func(Edge) string) {
		for _, e := range edges {
			id := pick(e)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if direction == "" || direction == "forward" || direction == "both" {
		edges, err := db.EdgesFrom(nodeID, kinds)
		if err != nil {
			return nil, err
		}
		collect(edges, func(e Edge) string { return e.ToNodeID })
	}
	if direction == "reverse" || direction == "both" {
		edges, err := db.EdgesTo(nodeID, kinds)
		if err != nil {
			return nil, err
		}
		collect(edges, func(e Edge) string { return e.FromNodeID })
	}
	return ids, nil
}

// BFS performs a bounded-depth breadth-first traversal from nodeID and
// returns node ids reachable within maxDepth hops (nodeID itself
// excluded). direction is "forward" (follow from_node_id -> to_node_id,
// the default) or "reverse" (follow edges backward).
func (db *DB) BFS(nodeID string, kinds []EdgeKind, direction string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}

	startCol, nextCol := "from_node_id", "to_node_id"
	if direction == "reverse" {
		startCol, nextCol = "to_node_id", "from_node_id"
	}
	kindClause, kindArgs := kindsClause(kinds)

	cte := fmt.Sprintf(`WITH RECURSIVE bfs(id, depth, path_ids) AS (
		SELECT %s, 1, ',' || %s || ',' || %s || ','
		FROM edges
		WHERE %s = ?%s

		UNION

		SELECT e.%s, b.depth + 1, b.path_ids || e.%s || ','
		FROM edges e
		JOIN bfs b ON e.%s = b.id
		WHERE b.depth < ?%s
		AND instr(b.path_ids, ',' || e.%s || ',') = 0
	)
	SELECT DISTINCT id FROM bfs`, nextCol, startCol, nextCol, startCol, kindClause,
		nextCol, nextCol, startCol, kindClause, nextCol)

	args := []interface{}{nodeID}
	args = append(args, kindArgs...)
	args = append(args, maxDepth)
	args = append(args, kindArgs...)

	rows, err := db.conn.Query(cte, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != nodeID {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// Descendants returns all node ids reachable by following forward edges
// of any kind from nodeID, bounded to maxDepth hops.
func (db *DB) Descendants(nodeID string, maxDepth int) ([]string, error) {
	return db.BFS(nodeID, nil, "forward", maxDepth)
}

// Ancestors returns all node ids that reach nodeID by following edges
// backward, bounded to maxDepth hops.
func (db *DB) Ancestors(nodeID string, maxDepth int) ([]string, error) {
	return db.BFS(nodeID, nil, "reverse", maxDepth)
}

func kindsClause(kinds []EdgeKind) (string, []interface{}) {
	if len(kinds) == 0 {
		return "", nil
	}
	names := make([]string, len(kinds))
	args := make([]interface{}, len(kinds))
	for i, k := range kinds {
		names[i] = "?"
		args[i] = string(k)
	}
	return " AND kind IN (" + strings.Join(names, ",") + ")", args
}
