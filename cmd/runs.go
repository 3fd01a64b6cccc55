package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion runs",
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run, its stages, and chunk progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		out := map[string]any{"run": run}

		if run.IsMaster() {
			if progress, err := env.Store.GetMasterRunProgress(ctx, runID); err == nil {
				out["progress"] = progress
			}
		}
		if stages, err := env.Store.ListStagesByRun(ctx, runID); err == nil && len(stages) > 0 {
			out["stages"] = stages
		}

		raw, _ := json.MarshalIndent(out, "", "  ")
		cmd.Println(string(raw))
		return nil
	},
}

func init() {
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
