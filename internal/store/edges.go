package store

import (
	"database/sql"
	"encoding/json"
)

// CreateEdge inserts a directed edge, idempotent per (from, to, kind) —
// a second call with the same triple is a silent no-op.
func (db *DB) CreateEdge(e Edge) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return newStoreErr("createEdge", KindValidation, err)
	}

	return withRetry("createEdge", func() error {
		_, err := db.conn.Exec(`INSERT INTO edges (from_node_id, to_node_id, kind, metadata)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(from_node_id, to_node_id, kind) DO NOTHING`,
			e.FromNodeID, e.ToNodeID, string(e.Kind), string(metaJSON))
		return err
	})
}

// EdgesFrom returns outgoing edges from a node, optionally filtered to a
// set of kinds (nil/empty means all kinds).
func (db *DB) EdgesFrom(nodeID string, kinds []EdgeKind) ([]Edge, error) {
	return db.edgesWhere("from_node_id = ?", nodeID, kinds)
}

// EdgesTo returns incoming edges to a node, optionally filtered to a set
// of kinds.
func (db *DB) EdgesTo(nodeID string, kinds []EdgeKind) ([]Edge, error) {
	return db.edgesWhere("to_node_id = ?", nodeID, kinds)
}

func (db *DB) edgesWhere(clause, nodeID string, kinds []EdgeKind) ([]Edge, error) {
	query := `SELECT from_node_id, to_node_id, kind, metadata FROM edges WHERE ` + clause
	args := []interface{}{nodeID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var metaJSON string
		if err := rows.Scan(&e.FromNodeID, &e.ToNodeID, &e.Kind, &metaJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}

// FindNodeBySegmentEnd returns the id of the node whose source segment
// ended at entryID within sessionFile, for the worker to link a
// structural edge across a detected boundary (branch/tree_jump/
// compaction/resume/fork) to the node that produced the segment on the
// near side of the cut. Returns "" if no such node exists yet (the
// entries before the boundary were never analyzed as their own node).
func (db *DB) FindNodeBySegmentEnd(sessionFile, entryID string) (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM nodes
		WHERE session_file = ? AND segment_end = ?
		ORDER BY version DESC LIMIT 1`, sessionFile, entryID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// LatestNodeForProject returns the id of the most recent latest-version
// node for project other than excludeID, or "" if there is none. The
// worker uses it to link a node to the previous node for the same
// project. Kept as a helper rather than exported SQL string scattered
// across packages.
func (db *DB) LatestNodeForProject(project, excludeID string) (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM nodes
		WHERE project = ? AND id != ? AND version = (SELECT MAX(version) FROM nodes n2 WHERE n2.id = nodes.id)
		ORDER BY timestamp DESC LIMIT 1`, project, excludeID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
