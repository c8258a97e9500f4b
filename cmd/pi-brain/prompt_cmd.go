package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/prompt"
	"github.com/pi-brain/pi-brain/internal/store"
)

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect and regenerate the analyzer prompt",
	}
	cmd.AddCommand(promptShowCmd())
	cmd.AddCommand(promptRefreshCmd())
	return cmd
}

func openRegistry() (*prompt.Registry, *store.DB, error) {
	cfg, err := loadConfig("")
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.DBPath(), cfg.Daemon.EmbeddingDimensions)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	registry := prompt.New(db, config.PromptsDir(), config.PromptHistoryDir(), config.DefaultPromptPath(), nil)
	return registry, db, nil
}

func promptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active prompt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			pv, err := registry.Current()
			if err != nil {
				return fmt.Errorf("current prompt: %w", err)
			}
			fmt.Printf("version:  %s\n", pv.Version)
			fmt.Printf("hash:     %s\n", pv.ContentHash)
			fmt.Printf("created:  %s\n", pv.CreatedAt)
			fmt.Printf("file:     %s\n", pv.FilePath)
			return nil
		},
	}
}

func promptRefreshCmd() *cobra.Command {
	var (
		minConfidence float64
		minFrequency  int
		maxPerSection int
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Regenerate per-model prompt additions from current insights",
		Long: `Reads aggregated insights off the database, renders the capped
"known quirks", "effective techniques", and "tool usage reminders"
sections per model, and writes them under <promptsDir>/additions/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromptRefresh(minConfidence, minFrequency, maxPerSection)
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0.6, "Minimum insight confidence to include")
	cmd.Flags().IntVar(&minFrequency, "min-frequency", 2, "Minimum insight frequency to include")
	cmd.Flags().IntVar(&maxPerSection, "max-per-section", 8, "Maximum insights per section")
	return cmd
}

func runPromptRefresh(minConfidence float64, minFrequency, maxPerSection int) error {
	registry, db, err := openRegistry()
	if err != nil {
		return err
	}
	defer db.Close()

	insights, err := db.ListInsights(store.InsightFilter{})
	if err != nil {
		return fmt.Errorf("list insights: %w", err)
	}

	pv, err := registry.Current()
	if err != nil {
		return fmt.Errorf("current prompt: %w", err)
	}

	cfg := prompt.AdditionsConfig{
		MinConfidence: minConfidence,
		MinFrequency:  minFrequency,
		MaxPerSection: maxPerSection,
	}
	n, err := registry.RefreshAdditions(insights, cfg, pv.Version)
	if err != nil {
		return fmt.Errorf("refresh additions: %w", err)
	}

	fmt.Printf("Wrote %d model addition document(s) under %s/additions\n", n, config.PromptsDir())
	return nil
}
