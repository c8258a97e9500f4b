package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/session"
	"github.com/pi-brain/pi-brain/internal/store"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [session-file]",
		Short: "Enqueue one session file for analysis",
		Long: `Validates and enqueues a single session log as a user-triggered
analysis job, bypassing the watcher's idle detection. Run 'pi-brain
start' (or have it already running) to actually process the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(args[0])
		},
	}
	return cmd
}

func runIngest(path string) error {
	if _, err := session.ParseFile(path); err != nil {
		return fmt.Errorf("parse session %s: %w", path, err)
	}

	cfg, err := loadConfig("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.DBPath(), cfg.Daemon.EmbeddingDimensions)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	q := queue.New(db)
	jobID, err := q.Enqueue(store.JobInitial, path, "", store.PriorityUserTriggered)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", path, err)
	}

	fmt.Printf("Enqueued job %s for %s\n", jobID, path)
	return nil
}
