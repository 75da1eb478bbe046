package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/store"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(jobsStatus),
			Limit:  jobsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENTITY\tSTATUS\tPROGRESS\tATTEMPTS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%s\n",
				j.ID, j.EntityRef, j.Status, j.Progress, j.AttemptCount,
				j.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get job")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		dead, err := env.Queue.DeadLetters(ctx, jobsLimit)
		if err != nil {
			return eris.Wrap(err, "list dead letters")
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tATTEMPTS\tPARKED\tLAST ERROR")
		for _, d := range dead {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
				d.JobID, d.Attempts, d.ParkedAt.Format("2006-01-02 15:04:05"), d.LastError)
		}
		return tw.Flush()
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Move a dead-lettered job back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Requeue(ctx, args[0]); err != nil {
			return eris.Wrap(err, "requeue")
		}
		// The job record must leave its failed state to run again.
		if err := env.Store.ResetForRetry(ctx, args[0]); err != nil && !eris.Is(err, store.ErrJobNotFound) {
			zap.L().Warn("resetting job record failed", zap.Error(err))
		}
		fmt.Printf("job %s requeued\n", args[0])
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Queue.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}
		fmt.Printf("ready: %d\nleased: %d\ndead: %d\n", stats.Ready, stats.Leased, stats.Dead)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows")
	jobsDeadCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows")

	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsDeadCmd, jobsRequeueCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}
