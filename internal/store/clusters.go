package store

import (
	"database/sql"
	"math"
)

// UpsertCluster inserts or replaces a cluster row and rewrites its member
// list wholesale, in one transaction.
func (db *DB) UpsertCluster(c *Cluster, memberNodeIDs []string) error {
	centroid := serializeCentroid(c.Centroid)
	c.NodeCount = len(memberNodeIDs)

	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("upsertCluster", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`INSERT INTO clusters (id, name, description, node_count, signal_type, related_model,
			status, algorithm, min_cluster_size, centroid, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,unixepoch())
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
				node_count=excluded.node_count, status=excluded.status, centroid=excluded.centroid,
				updated_at=excluded.updated_at`,
			c.ID, c.Name, c.Description, c.NodeCount, string(c.SignalType), c.RelatedModel,
			string(c.Status), c.Algorithm, c.MinClusterSize, centroid); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM cluster_members WHERE cluster_id = ?`, c.ID); err != nil {
			return err
		}
		for _, nodeID := range memberNodeIDs {
			if _, err := tx.Exec(`INSERT INTO cluster_members (cluster_id, node_id) VALUES (?, ?)`, c.ID, nodeID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetCluster returns a cluster by id, or NotFound.
func (db *DB) GetCluster(id string) (*Cluster, error) {
	row := db.conn.QueryRow(`SELECT id, name, description, node_count, signal_type, related_model, status,
		algorithm, min_cluster_size, centroid FROM clusters WHERE id = ?`, id)
	return scanCluster(row, "getCluster")
}

// ListClusters returns clusters, optionally filtered by signal type.
func (db *DB) ListClusters(signalType SignalType) ([]*Cluster, error) {
	query := `SELECT id, name, description, node_count, signal_type, related_model, status,
		algorithm, min_cluster_size, centroid FROM clusters`
	var args []interface{}
	if signalType != "" {
		query += ` WHERE signal_type = ?`
		args = append(args, string(signalType))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		c, err := scanClusterRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClusterMembers returns the node ids belonging to a cluster.
func (db *DB) ClusterMembers(clusterID string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT node_id FROM cluster_members WHERE cluster_id = ?`, clusterID)
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
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetClusterStatus updates a cluster's lifecycle status (pending ->
// confirmed -> dismissed).
func (db *DB) SetClusterStatus(id string, status ClusterStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("setClusterStatus", func() error {
		_, err := db.conn.Exec(`UPDATE clusters SET status = ?, updated_at = unixepoch() WHERE id = ?`, string(status), id)
		return err
	})
}

// DeleteCluster removes a cluster and its membership rows.
func (db *DB) DeleteCluster(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("deleteCluster", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM cluster_members WHERE cluster_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM clusters WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanCluster(row *sql.Row, op string) (*Cluster, error) {
	var c Cluster
	var centroid []byte
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.NodeCount, &c.SignalType, &c.RelatedModel, &c.Status,
		&c.Algorithm, &c.MinClusterSize, &centroid)
	if err == sql.ErrNoRows {
		return nil, newStoreErr(op, KindNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	c.Centroid = deserializeCentroid(centroid)
	return &c, nil
}

func scanClusterRows(rows *sql.Rows) (*Cluster, error) {
	var c Cluster
	var centroid []byte
	if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.NodeCount, &c.SignalType, &c.RelatedModel, &c.Status,
		&c.Algorithm, &c.MinClusterSize, &centroid); err != nil {
		return nil, err
	}
	c.Centroid = deserializeCentroid(centroid)
	return &c, nil
}

func serializeCentroid(vec []float32) []byte {
	blob := make([]byte, 0, len(vec)*4)
	for _, f := range vec {
		bits := float32Bits(f)
		blob = append(blob, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return blob
}

func deserializeCentroid(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}
