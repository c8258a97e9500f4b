package maintenance

import (
	"context"
	"fmt"

	"github.com/pi-brain/pi-brain/internal/store"
)

// ReanalysisEnqueue compares each node's analyzerVersion to the current
// prompt version and enqueues reanalysis jobs for stale ones, up to
// cfg.ReanalysisLimit, skipping any node with an active job (spec §4.7).
func ReanalysisEnqueue(ctx context.Context, d Deps, cfg Config) (int, error) {
	if d.PromptPath == nil {
		maintLog.Print("reanalysis skipped: no prompt version source configured")
		return 0, nil
	}
	version, _, err := d.PromptPath()
	if err != nil {
		return 0, fmt.Errorf("current prompt version: %w", err)
	}

	limit := cfg.ReanalysisLimit
	stale, err := d.DB.NodesNeedingReanalysis(version, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale nodes: %w", err)
	}

	enqueued := 0
	for _, n := range stale {
		select {
		case <-ctx.Done():
			return enqueued, ctx.Err()
		default:
		}

		exists, err := d.DB.HasExistingJob(store.JobReanalysis, "", n.ID)
		if err != nil {
			maintLog.Printf("check existing reanalysis job for %s: %v", n.ID, err)
			continue
		}
		if exists {
			continue
		}
		if _, err := d.Queue.Enqueue(store.JobReanalysis, n.Source.SessionFile, n.ID, store.PriorityReanalysis); err != nil {
			maintLog.Printf("enqueue reanalysis for %s: %v", n.ID, err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
