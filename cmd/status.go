package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opsledger/forecast-sync/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a pipeline health snapshot",
	Long:  "Prints modification counts by sync state, open conflicts, mirror and intake sizes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return eris.Wrap(enc.Encode(snap), "status: encode json")
		case "yaml":
			return eris.Wrap(yaml.NewEncoder(os.Stdout).Encode(snap), "status: encode yaml")
		default:
			printSnapshot(snap)
			return nil
		}
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "output format: text, json, yaml")
	rootCmd.AddCommand(statusCmd)
}

func printSnapshot(snap *monitoring.Snapshot) {
	fmt.Printf("Modifications: draft=%d committed=%d syncing=%d synced=%d sync_error=%d conflict=%d\n",
		snap.Drafts, snap.Committed, snap.Syncing, snap.Synced, snap.SyncErrors, snap.Conflicted)
	fmt.Printf("Open conflicts: %d\n", snap.OpenConflicts)
	fmt.Printf("Mirrors: %d\n", snap.Mirrors)
	if snap.OldestIntakeAge != nil {
		fmt.Printf("Raw intake: %d record(s), oldest %.1fh\n", snap.IntakeRecords, *snap.OldestIntakeAge)
	} else {
		fmt.Printf("Raw intake: %d record(s)\n", snap.IntakeRecords)
	}
	if snap.LastCycle != nil {
		fmt.Printf("Last cycle (%s): claimed=%d synced=%d conflicts=%d requeued=%d errors=%d\n",
			snap.LastCycleAt.Local().Format("15:04:05"),
			snap.LastCycle.Claimed, snap.LastCycle.Synced, snap.LastCycle.Conflicts,
			snap.LastCycle.Requeued, snap.LastCycle.Errors)
	}
}
