package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
)

var (
	processFile  string
	processDrain bool
)

var processCmd = &cobra.Command{
	Use:   "process <source-id>",
	Short: "Fetch a source and enqueue its records for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sourceID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var records []model.Record
		if processFile != "" {
			raw, err := os.ReadFile(processFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", processFile)
			}
			if err := json.Unmarshal(raw, &records); err != nil {
				return eris.Wrapf(err, "parse %s", processFile)
			}
			for i := range records {
				records[i].SourceID = sourceID
			}
		}

		run, err := env.Ingest.Ingest(ctx, sourceID, records)
		if err != nil {
			return err
		}

		cmd.Printf("run %s created: %d chunks queued\n", run.ID, run.TotalChunks)

		if !processDrain {
			return nil
		}

		// Drain the queue in-process until no pending jobs remain.
		for {
			summary, err := env.Worker.Tick(ctx, 0)
			if err != nil {
				return err
			}
			if summary.Processed == 0 && summary.Failed == 0 && summary.Retried == 0 {
				break
			}
			zap.L().Info("drain pass",
				zap.Int("processed", summary.Processed),
				zap.Int("failed", summary.Failed),
				zap.Int("retried", summary.Retried),
			)
		}

		final, err := env.Store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		cmd.Printf("run %s finished: %s\n", final.ID, final.Status)
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processFile, "file", "", "read records from a JSON file instead of fetching the source")
	processCmd.Flags().BoolVar(&processDrain, "drain", false, "process queued jobs in this process until the queue is empty")
	rootCmd.AddCommand(processCmd)
}
