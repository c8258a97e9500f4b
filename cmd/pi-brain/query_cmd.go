package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/embedding"
	"github.com/pi-brain/pi-brain/internal/query"
	"github.com/pi-brain/pi-brain/internal/store"
)

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read the knowledge graph: list, search, and traverse nodes",
	}
	cmd.AddCommand(queryListCmd())
	cmd.AddCommand(querySearchCmd())
	cmd.AddCommand(queryNeighborsCmd())
	return cmd
}

func openFacade() (*query.Facade, func(), error) {
	cfg, err := loadConfig("")
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.DBPath(), cfg.Daemon.EmbeddingDimensions)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	var embedder embedding.Provider
	if cfg.Daemon.EmbeddingProvider != "none" && cfg.Daemon.EmbeddingProvider != "" {
		embedder, _ = embedding.NewProvider(embedding.ProviderConfig{
			Provider:   cfg.Daemon.EmbeddingProvider,
			Model:      cfg.Daemon.EmbeddingModel,
			APIKey:     cfg.Daemon.EmbeddingAPIKey,
			BaseURL:    cfg.Daemon.EmbeddingBaseURL,
			Dimensions: cfg.Daemon.EmbeddingDimensions,
		})
	}

	f := query.New(db, embedder, cfg.Daemon.SemanticSearchThreshold)
	return f, func() { db.Close() }, nil
}

func queryListCmd() *cobra.Command {
	var (
		project string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes, optionally filtered by project",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closeFn, err := openFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			nodes, err := f.ListNodes(query.NodeFilter{Project: project, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				data, _ := json.MarshalIndent(nodes, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for _, n := range nodes {
				fmt.Printf("%s  %-10s %-20s %s\n", n.ID, n.Classification.Type, n.Classification.Project, n.Content.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Filter by project")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum nodes to return")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func querySearchCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "search [terms...]",
		Short: "Search nodes by text, using semantic search when available",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closeFn, err := openFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			results, err := f.Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				data, _ := json.MarshalIndent(results, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s  [%s]  score=%.3f\n  %s\n", r.NodeID, r.Method, r.Score, r.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func queryNeighborsCmd() *cobra.Command {
	var (
		direction string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "neighbors [node-id]",
		Short: "List nodes directly connected to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closeFn, err := openFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			ids, err := f.Neighbors(args[0], nil, direction)
			if err != nil {
				return err
			}
			nodes, err := f.ConnectedNodes(ids)
			if err != nil {
				return err
			}
			if jsonOut {
				data, _ := json.MarshalIndent(nodes, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for _, n := range nodes {
				fmt.Printf("%s  %s\n", n.ID, n.Content.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "both", "Edge direction: forward, reverse, or both")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
