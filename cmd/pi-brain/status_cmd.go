package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/prompt"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/store"
)

func statusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths, recent analyses, and the active prompt version",
		Long: `Opens the database directly and reports its current state. This works
whether or not a 'pi-brain start' process is running — it's a snapshot
of what's on disk, not a query against a live process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

type statusReport struct {
	Running       bool                   `json:"running"`
	DBPath        string                 `json:"dbPath"`
	QueueDepths   map[store.JobState]int `json:"queueDepths"`
	RecentJobs    []*store.Job           `json:"recentJobs"`
	PromptVersion string                 `json:"promptVersion"`
}

func runStatus(jsonOut bool) error {
	cfg, err := loadConfig("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	report := statusReport{DBPath: cfg.DBPath()}
	if pid, err := readPidFile(); err == nil {
		report.Running = processAlive(pid)
	}

	db, err := store.Open(cfg.DBPath(), cfg.Daemon.EmbeddingDimensions)
	if err != nil {
		if jsonOut {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Database: not initialized (%s)\n", cfg.DBPath())
		fmt.Println("Run 'pi-brain start' to create it.")
		return nil
	}
	defer db.Close()

	q := queue.New(db)
	report.QueueDepths, err = q.Depths()
	if err != nil {
		return fmt.Errorf("queue depths: %w", err)
	}
	report.RecentJobs, err = q.List(store.JobCompleted, 10)
	if err != nil {
		return fmt.Errorf("recent jobs: %w", err)
	}

	registry := prompt.New(db, config.PromptsDir(), config.PromptHistoryDir(), config.DefaultPromptPath(), nil)
	if pv, err := registry.Current(); err == nil {
		report.PromptVersion = pv.Version
	}

	if jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Println("pi-brain status")
	fmt.Printf("  Running:        %v\n", report.Running)
	fmt.Printf("  Database:       %s\n", report.DBPath)
	fmt.Printf("  Prompt version: %s\n", report.PromptVersion)
	fmt.Println("  Queue depths:")
	for _, state := range []store.JobState{store.JobPending, store.JobRunning, store.JobCompleted, store.JobFailed, store.JobCancelled} {
		fmt.Printf("    %-10s %d\n", state, report.QueueDepths[state])
	}
	fmt.Printf("  Recent analyses: %d\n", len(report.RecentJobs))
	for _, j := range report.RecentJobs {
		fmt.Printf("    %s  %s  %s\n", j.ID, j.Kind, j.SessionFile)
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
