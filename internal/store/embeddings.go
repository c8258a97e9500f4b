package store

import (
	"database/sql"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// UpsertEmbedding writes a node's embedding to both the main table and the
// vec0 mirror, in the same transaction so the two never skew. On a
// dimension mismatch against existing rows, it returns a
// DimensionMismatch StoreError without aborting the caller — embedding
// backfill keeps going for other nodes.
func (db *DB) UpsertEmbedding(nodeID, model string, dims int, vec []float32) error {
	if len(vec) != dims {
		return newStoreErr("upsertEmbedding", KindValidation, fmt.Errorf("vector length %d != declared dims %d", len(vec), dims))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	return withRetry("upsertEmbedding", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rowid, err := db.embeddingRowID(tx, nodeID)
		if err != nil {
			return err
		}

		vecData, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return fmt.Errorf("serialize embedding: %w", err)
		}

		blob := make([]byte, 0, len(vec)*4)
		for _, f := range vec {
			bits := float32Bits(f)
			blob = append(blob, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
		}

		if _, err := tx.Exec(`INSERT INTO node_embeddings (node_id, model, dimensions, embedding, updated_at)
			VALUES (?, ?, ?, ?, unixepoch())
			ON CONFLICT(node_id) DO UPDATE SET model = excluded.model, dimensions = excluded.dimensions,
				embedding = excluded.embedding, updated_at = excluded.updated_at`,
			nodeID, model, dims, blob); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM node_embeddings_vec WHERE node_rowid = ?`, rowid); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO node_embeddings_vec (node_rowid, embedding) VALUES (?, ?)`, rowid, vecData); err != nil {
			// Dimension mismatch against the vec0 table's fixed width.
			return newStoreErr("upsertEmbedding", KindDimensionMismatch, err)
		}

		return tx.Commit()
	})
}

// embeddingRowID returns the stable integer rowid used to key a node's
// row in the vec0 mirror table, allocating one if this is the node's
// first embedding.
func (db *DB) embeddingRowID(tx *sql.Tx, nodeID string) (int64, error) {
	var rowid int64
	err := tx.QueryRow(`SELECT rowid_value FROM node_embedding_rowids WHERE node_id = ?`, nodeID).Scan(&rowid)
	if err == nil {
		return rowid, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	if _, err := tx.Exec(`INSERT INTO node_embedding_rowids (node_id, rowid_value)
		VALUES (?, (SELECT COALESCE(MAX(rowid_value), 0) + 1 FROM node_embedding_rowids))`, nodeID); err != nil {
		return 0, err
	}
	if err := tx.QueryRow(`SELECT rowid_value FROM node_embedding_rowids WHERE node_id = ?`, nodeID).Scan(&rowid); err != nil {
		return 0, err
	}
	return rowid, nil
}

// NodesWithoutEmbeddings returns node ids that have no row in
// node_embeddings, for the backfill maintenance job.
func (db *DB) NodesWithoutEmbeddings(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(`SELECT DISTINCT n.id FROM nodes n
		LEFT JOIN node_embeddings e ON e.node_id = n.id
		WHERE e.node_id IS NULL LIMIT ?`, limit)
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

// GetEmbedding returns a node's stored embedding, or NotFound.
func (db *DB) GetEmbedding(nodeID string) (*NodeEmbedding, error) {
	var e NodeEmbedding
	var blob []byte
	e.NodeID = nodeID
	err := db.conn.QueryRow(`SELECT model, dimensions, embedding FROM node_embeddings WHERE node_id = ?`, nodeID).
		Scan(&e.Model, &e.Dimensions, &blob)
	if err == sql.ErrNoRows {
		return nil, newStoreErr("getEmbedding", KindNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	e.Embedding = make([]float32, len(blob)/4)
	for i := range e.Embedding {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		e.Embedding[i] = math.Float32frombits(bits)
	}
	return &e, nil
}

// SemanticResult is one hit from a nearest-neighbor embedding search.
type SemanticResult struct {
	NodeID   string
	Distance float64
	Score    float64 // 1 - distance, higher is more similar
}

// SearchSemantic returns the k nearest nodes to queryVec by cosine
// distance in the vec0 mirror table.
func (db *DB) SearchSemantic(queryVec []float32, k int) ([]SemanticResult, error) {
	if k <= 0 {
		k = 10
	}
	vecData, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	rows, err := db.conn.Query(`SELECT r.node_id, v.distance
		FROM node_embeddings_vec v
		JOIN node_embedding_rowids r ON r.rowid_value = v.node_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, vecData, k)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var results []SemanticResult
	for rows.Next() {
		var r SemanticResult
		if err := rows.Scan(&r.NodeID, &r.Distance); err != nil {
			return nil, err
		}
		r.Score = 1 - r.Distance
		results = append(results, r)
	}
	return results, rows.Err()
}

func float32Bits(f float32) uint32 {
	return math.Float32bits(f)
}
