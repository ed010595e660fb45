package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/MediaGate/internal/queue"
	"github.com/dharsanguruparan/MediaGate/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume moderation tasks and run the recovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig("mediagate-worker")
			if err != nil {
				return err
			}
			repo, dbPool, err := connectRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer dbPool.Close()

			m := newMetrics()
			orchestrator, err := buildOrchestrator(ctx, cfg, repo, m, logger)
			if err != nil {
				return err
			}
			client := asynq.NewClient(redisOpt(cfg))
			defer client.Close()
			inspector := asynq.NewInspector(redisOpt(cfg))
			defer inspector.Close()
			dispatcher := queue.NewClient(client, inspector, cfg.MaxAttempts, cfg.InvocationBudget())
			sweeper := buildSweeper(cfg, repo, orchestrator, dispatcher, m, logger)
			handlers := worker.NewHandlers(orchestrator, sweeper, logger)

			server := asynq.NewServer(redisOpt(cfg), asynq.Config{
				Concurrency: cfg.ProcessingPool,
				Queues:      map[string]int{queue.Name: 1},
				Logger:      logger,
			})
			scheduler := asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{Logger: logger})
			if _, err := queue.RegisterSweep(scheduler, cfg.SweepInterval); err != nil {
				return err
			}
			metricsServer := &http.Server{
				Addr:              cfg.MetricsAddress,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := server.Start(handlers.Mux()); err != nil {
					return err
				}
				<-ctx.Done()
				server.Shutdown()
				return nil
			})
			g.Go(func() error {
				if err := scheduler.Start(); err != nil {
					return err
				}
				<-ctx.Done()
				scheduler.Shutdown()
				return nil
			})
			g.Go(func() error {
				err := metricsServer.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return metricsServer.Shutdown(shutdownCtx)
			})
			logger.WithField("concurrency", cfg.ProcessingPool).Info("worker started")
			return g.Wait()
		},
	}
	return cmd
}
