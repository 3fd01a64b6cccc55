package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ingest-cli",
	Short: "Duplicate-aware funding opportunity ingestion engine",
	Long:  "Fetches funding opportunity data from external sources, classifies records against the database (new/update/skip), enriches new records via Claude, and fans large batches out over a job queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
