package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var jobsMaxJobs int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and drive the job queue",
}

var jobsTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one queue tick: recover stuck jobs, retry failures, process pending jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Worker.Tick(ctx, jobsMaxJobs)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(summary, "", "  ")
		cmd.Println(string(out))
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Coordinator.Status(ctx)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(status, "", "  ")
		cmd.Println(string(out))
		return nil
	},
}

func init() {
	jobsTickCmd.Flags().IntVar(&jobsMaxJobs, "max-jobs", 1, "maximum jobs to process this tick (0 = until empty)")
	jobsCmd.AddCommand(jobsTickCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	rootCmd.AddCommand(jobsCmd)
}
