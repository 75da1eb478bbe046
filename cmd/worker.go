package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krawlr/intel-engine/internal/worker"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool without the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		count := workerCount
		if count == 0 {
			count = cfg.Worker.Count
		}

		g, gCtx := errgroup.WithContext(ctx)
		for i := 1; i <= count; i++ {
			w := worker.New(env.Queue, env.Store, env.Coordinator, env.Notifier, workerConfig(i))
			g.Go(func() error {
				if err := w.Run(gCtx); err != nil && gCtx.Err() == nil {
					return err
				}
				return nil
			})
		}

		zap.L().Info("worker pool started", zap.Int("workers", count))
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "worker pool")
		}
		return nil
	},
}

// workerConfig derives one worker's settings from the shared config. The
// heartbeat runs at a third of the visibility timeout so two beats can
// fail before a lease lapses.
func workerConfig(n int) worker.Config {
	return worker.Config{
		ID:                fmt.Sprintf("worker-%d", n),
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMillis) * time.Millisecond,
		HeartbeatInterval: cfg.Queue.VisibilityTimeout() / 3,
	}
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "count", 0, "number of workers (default from config)")
	rootCmd.AddCommand(workerCmd)
}
