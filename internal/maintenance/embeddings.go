package maintenance

import (
	"context"
	"fmt"
)

// EmbeddingBackfill finds nodes lacking an embedding and embeds them in a
// single batch up to cfg.BackfillLimit (nodes whose stored embedding has
// other dimensions than the current embedder are not selected), writing to both the main and
// vec0 mirror tables via DB.UpsertEmbedding (spec §4.7).
func EmbeddingBackfill(ctx context.Context, d Deps, cfg Config) (int, error) {
	if d.Embedder == nil {
		maintLog.Print("embedding backfill skipped: no embedder configured")
		return 0, nil
	}

	ids, err := d.DB.NodesWithoutEmbeddings(cfg.BackfillLimit)
	if err != nil {
		return 0, fmt.Errorf("list nodes without embeddings: %w", err)
	}

	backfilled := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return backfilled, ctx.Err()
		default:
		}

		n, err := d.DB.GetNode(id)
		if err != nil {
			maintLog.Printf("load node %s for backfill: %v", id, err)
			continue
		}
		doc := fmt.Sprintf("[%s] %s", n.Classification.Type, n.Content.Summary)
		vec, err := d.Embedder.GetDocumentEmbedding(doc)
		if err != nil {
			maintLog.Printf("embed %s: %v", id, err)
			continue
		}
		if err := d.DB.UpsertEmbedding(id, d.Embedder.Model(), d.Embedder.Dimensions(), vec); err != nil {
			maintLog.Printf("store embedding %s: %v", id, err)
			continue
		}
		backfilled++
	}
	return backfilled, nil
}
