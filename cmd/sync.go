package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/monitoring"
	"github.com/opsledger/forecast-sync/internal/remote"
	"github.com/opsledger/forecast-sync/internal/store"
	"github.com/opsledger/forecast-sync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one write-back cycle",
	Long: `Claims committed modifications and reconciles each against the
system of record: version check, push, conflict recording, retry
scheduling. One invocation runs exactly one cycle; use 'serve' for
continuous operation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		client, err := newRemoteClient()
		if err != nil {
			return err
		}
		worker := newSyncWorker(st, client)

		log.Info("starting write-back cycle",
			zap.Int("batch_size", cfg.Sync.BatchSize),
			zap.Float64("rate_limit_rps", cfg.Sync.RateLimitRPS),
		)

		res, err := worker.RunCycle(ctx)
		if err != nil {
			return eris.Wrap(err, "sync")
		}

		fmt.Printf("Cycle complete: claimed=%d synced=%d conflicts=%d requeued=%d errors=%d in %s\n",
			res.Claimed, res.Synced, res.Conflicts, res.Requeued, res.Errors,
			res.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// newRemoteClient builds the system-of-record client from config.
func newRemoteClient() (remote.Client, error) {
	return remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: time.Duration(cfg.Remote.TimeoutSecs) * time.Second,
	})
}

// newSyncWorker wires the alerter and worker from config.
func newSyncWorker(st store.Store, client remote.Client) *syncer.Worker {
	alerter := monitoring.NewAlerter(cfg.Alert)

	return syncer.NewWorker(st, client, syncer.Config{
		BatchSize:    cfg.Sync.BatchSize,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		BackoffBase:  cfg.Sync.BackoffBase(),
		RateLimitRPS: cfg.Sync.RateLimitRPS,
		Concurrency:  cfg.Sync.Concurrency,
	}, alerter)
}
