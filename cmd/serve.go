package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krawlr/intel-engine/internal/worker"
)

var (
	servePort    int
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		api := newAPIServer(env.Store, env.Queue, cfg.Queue.DedupWindow())
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		g, gCtx := errgroup.WithContext(ctx)

		workers := serveWorkers
		if workers == 0 {
			workers = cfg.Worker.Count
		}
		for i := 1; i <= workers; i++ {
			w := worker.New(env.Queue, env.Store, env.Coordinator, env.Notifier, workerConfig(i))
			g.Go(func() error {
				if err := w.Run(gCtx); err != nil && gCtx.Err() == nil {
					return err
				}
				return nil
			})
		}

		g.Go(func() error {
			<-gCtx.Done()
			zap.L().Info("shutting down server")
			return srv.Shutdown(ctx)
		})

		zap.L().Info("starting server", zap.Int("port", port), zap.Int("workers", workers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			_ = g.Wait()
			return eris.Wrap(err, "server listen")
		}

		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "worker pool")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "worker pool size (default from config)")
	rootCmd.AddCommand(serveCmd)
}
