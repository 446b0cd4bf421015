package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsledger/forecast-sync/internal/monitoring"
	"github.com/opsledger/forecast-sync/internal/retention"
	"github.com/opsledger/forecast-sync/internal/scheduler"
	"github.com/opsledger/forecast-sync/internal/server"
	"github.com/opsledger/forecast-sync/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine as a long-lived service",
	Long: `Starts the write-back worker and retention manager on their
configured intervals and serves the ops HTTP endpoints (health, status,
conflict resolution) until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := zap.L().With(zap.String("command", "serve"))

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		client, err := newRemoteClient()
		if err != nil {
			return err
		}
		worker := newSyncWorker(st, client)

		collector := monitoring.NewCollector(st)

		var archiver retention.Archiver
		if cfg.Retention.ArchivalEnabled {
			if archiver, err = retention.NewFileArchiver(cfg.Retention.ArchiveDir); err != nil {
				return err
			}
		}
		retMgr := retention.NewManager(st, archiver, retention.Config{
			Window:          cfg.Retention.Window(),
			BatchSize:       cfg.Retention.BatchSize,
			ArchivalEnabled: cfg.Retention.ArchivalEnabled,
			DryRun:          cfg.Retention.DryRun,
		})

		syncJob := scheduler.NewJob("sync", cfg.Sync.Interval(), func(ctx context.Context) error {
			res, err := worker.RunCycle(ctx)
			if err != nil {
				return err
			}
			collector.RecordCycle(res)
			return nil
		})
		retentionJob := scheduler.NewJob("retention", cfg.Retention.Interval(), func(ctx context.Context) error {
			_, err := retMgr.Run(ctx)
			return err
		})

		syncJob.Start(ctx)
		retentionJob.Start(ctx)
		defer func() {
			syncJob.Stop()
			retentionJob.Stop()
		}()

		srv := server.New(cfg.Server, st, collector, syncer.NewResolver(st, client))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		log.Info("service running",
			zap.Duration("sync_interval", cfg.Sync.Interval()),
			zap.Duration("retention_interval", cfg.Retention.Interval()),
			zap.Int("port", cfg.Server.Port),
		)

		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
