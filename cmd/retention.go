package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/retention"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run one retention pass over raw intake",
	Long: `Archives and deletes raw intake rows older than the retention
window in fixed-size batches. Rows are only deleted after their batch
archives successfully. Use --dry-run to count without touching data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var archiver retention.Archiver
		if cfg.Retention.ArchivalEnabled && !dryRun {
			if archiver, err = retention.NewFileArchiver(cfg.Retention.ArchiveDir); err != nil {
				return err
			}
		}

		mgr := retention.NewManager(st, archiver, retention.Config{
			Window:          cfg.Retention.Window(),
			BatchSize:       cfg.Retention.BatchSize,
			ArchivalEnabled: cfg.Retention.ArchivalEnabled,
			DryRun:          dryRun || cfg.Retention.DryRun,
		})

		zap.L().Info("starting retention pass",
			zap.Int("window_days", cfg.Retention.WindowDays),
			zap.Bool("dry_run", dryRun || cfg.Retention.DryRun),
		)

		res, err := mgr.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "retention")
		}

		fmt.Printf("Retention complete: eligible=%d archived=%d deleted=%d batches=%d errors=%d in %s\n",
			res.Eligible, res.Archived, res.Deleted, res.Batches, res.Errors,
			res.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	retentionCmd.Flags().Bool("dry-run", false, "count eligible rows without archiving or deleting")
	rootCmd.AddCommand(retentionCmd)
}
