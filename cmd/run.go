package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <entity>",
	Short: "Run one intelligence job synchronously and print the record",
	Long:  "Submits a job for the given company name or URL, processes it in-process, and prints the unified record as JSON. Useful for smoke tests and ad-hoc lookups.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityRef := args[0]

		if err := model.ValidateEntityRef(entityRef); err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job := &model.Job{
			ID:          uuid.New().String(),
			EntityRef:   entityRef,
			RequesterID: "cli",
			Fingerprint: model.Fingerprint(entityRef),
		}
		if err := env.Store.CreateJob(ctx, job); err != nil {
			return eris.Wrap(err, "create job")
		}
		if err := env.Queue.Enqueue(ctx, job.ID, time.Now().UTC()); err != nil {
			return eris.Wrap(err, "enqueue job")
		}

		delivery, err := env.Queue.Dequeue(ctx, "cli")
		if err != nil {
			return eris.Wrap(err, "dequeue job")
		}

		w := worker.New(env.Queue, env.Store, env.Coordinator, env.Notifier, worker.Config{
			ID:                "cli",
			HeartbeatInterval: cfg.Queue.VisibilityTimeout() / 3,
		})
		w.Process(ctx, delivery)

		record, err := env.Store.GetResult(ctx, job.ID)
		if err != nil {
			// Surface the stored failure rather than the raw lookup error.
			if got, gerr := env.Store.GetJob(ctx, job.ID); gerr == nil && got.Error != nil {
				return eris.Errorf("job %s: %s (%s)", string(got.Status), got.Error.Message, string(got.Error.Category))
			}
			return eris.Wrap(err, "load result")
		}

		zap.L().Info("job complete",
			zap.String("job_id", job.ID),
			zap.Float64("quality_score", record.QualityScore),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
