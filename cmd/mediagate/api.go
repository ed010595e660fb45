package main

import (
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/MediaGate/internal/api"
	"github.com/dharsanguruparan/MediaGate/internal/intake"
	"github.com/dharsanguruparan/MediaGate/internal/processing"
	"github.com/dharsanguruparan/MediaGate/internal/queue"
	"github.com/dharsanguruparan/MediaGate/internal/signing"
	"github.com/dharsanguruparan/MediaGate/internal/storage"
)

func newAPICmd() *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the upload and status API",
		Long: `Serve the HTTP front door. Uploads are recorded in Postgres and queued on Redis
for the worker. With --standalone the store is in memory and moderation runs
in-process, which needs neither Postgres nor Redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig("mediagate-api")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("standalone") {
				cfg.Standalone = standalone
			}
			m := newMetrics()
			g, ctx := errgroup.WithContext(ctx)

			var (
				store      pipelineStore
				dispatcher intake.Dispatcher
			)
			if cfg.Standalone {
				mem := storage.NewMemoryStore()
				orchestrator, err := buildOrchestrator(ctx, cfg, mem, m, logger)
				if err != nil {
					return err
				}
				pool := processing.New(orchestrator, cfg.ProcessingPool, logger)
				pool.Start(ctx)
				sweeper := buildSweeper(cfg, mem, orchestrator, pool, m, logger)
				g.Go(func() error {
					sweeper.Run(ctx)
					return nil
				})
				store, dispatcher = mem, pool
				logger.Info("running standalone with in-memory store")
			} else {
				repo, dbPool, err := connectRepository(ctx, cfg)
				if err != nil {
					return err
				}
				defer dbPool.Close()
				client := asynq.NewClient(redisOpt(cfg))
				defer client.Close()
				inspector := asynq.NewInspector(redisOpt(cfg))
				defer inspector.Close()
				store = repo
				dispatcher = queue.NewClient(client, inspector, cfg.MaxAttempts, cfg.InvocationBudget())
			}

			signer := signing.NewSigner(cfg.SigningSecret)
			svc := intake.NewService(store, dispatcher, signer, intake.Options{
				PlaybackBase: cfg.PlaybackBase,
				SignedURLTTL: cfg.SignedURLTTL,
			}, m, logger)
			srv := api.New(cfg, api.Deps{
				Intake:   svc,
				Audit:    store,
				Screener: newScreener(cfg),
				Signer:   signer,
				Metrics:  m,
				Logger:   logger,
			})
			g.Go(func() error { return srv.Run(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "Use the in-memory store and in-process workers")
	return cmd
}
