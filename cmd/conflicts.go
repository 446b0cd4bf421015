package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/syncer"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list <modification-id>",
	Short: "Show the conflicting fields of a modification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		conflicts, err := st.ListConflicts(ctx, orgID, args[0])
		if err != nil {
			return eris.Wrap(err, "conflicts list")
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts found")
			return nil
		}

		formatConflicts(os.Stdout, conflicts)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <modification-id>",
	Short: "Resolve a conflicted modification field by field",
	Long: `Applies per-field decisions to a conflicted modification. Fields
resolved keep-local resubmit the user's value; keep-remote accepts the
remote value; --manual supplies replacement values as a JSON object.
The resolved delta re-enters the write-back pipeline as a committed
draft rebased on the remote's current version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		keepLocal, _ := cmd.Flags().GetString("keep-local")
		keepRemote, _ := cmd.Flags().GetString("keep-remote")
		manualJSON, _ := cmd.Flags().GetString("manual")

		resolutions, err := buildResolutions(keepLocal, keepRemote, manualJSON)
		if err != nil {
			return err
		}
		if len(resolutions) == 0 {
			return eris.New("conflicts resolve: no decisions given")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		client, err := newRemoteClient()
		if err != nil {
			return err
		}

		mod, err := syncer.NewResolver(st, client).Resolve(ctx, orgID, args[0], resolutions)
		if err != nil {
			return eris.Wrap(err, "conflicts resolve")
		}

		if mod == nil {
			fmt.Println("Resolved: all fields kept the remote values, nothing to resync")
			return nil
		}
		fmt.Printf("Resolved: modification %s recommitted with %d field(s) (base version %d)\n",
			mod.ID, len(mod.ChangedFields), mod.BaseVersion)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{conflictsListCmd, conflictsResolveCmd} {
		c.Flags().String("org", "", "organization id")
		_ = c.MarkFlagRequired("org")
	}
	conflictsResolveCmd.Flags().String("keep-local", "", "comma-separated fields to resubmit with the user's value")
	conflictsResolveCmd.Flags().String("keep-remote", "", "comma-separated fields to accept the remote value for")
	conflictsResolveCmd.Flags().String("manual", "", "JSON object of field replacement values")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

// buildResolutions converts the flag inputs into per-field decisions.
func buildResolutions(keepLocal, keepRemote, manualJSON string) ([]syncer.FieldResolution, error) {
	var resolutions []syncer.FieldResolution
	for _, f := range splitFields(keepLocal) {
		resolutions = append(resolutions, syncer.FieldResolution{Field: f, Decision: syncer.KeepLocal})
	}
	for _, f := range splitFields(keepRemote) {
		resolutions = append(resolutions, syncer.FieldResolution{Field: f, Decision: syncer.KeepRemote})
	}
	if manualJSON != "" {
		doc, err := model.DecodeDocument([]byte(manualJSON))
		if err != nil {
			return nil, eris.Wrap(err, "conflicts resolve: parse manual values")
		}
		for _, f := range doc.Keys() {
			v := doc[f]
			resolutions = append(resolutions, syncer.FieldResolution{
				Field:       f,
				Decision:    syncer.Manual,
				ManualValue: &v,
			})
		}
	}
	return resolutions, nil
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// formatConflicts writes a tabular view of conflict entries to w.
func formatConflicts(out io.Writer, conflicts []model.SyncConflict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tLOCAL\tREMOTE\tLOCAL VER\tREMOTE VER\tDETECTED")
	_, _ = fmt.Fprintln(w, "-----\t-----\t------\t---------\t----------\t--------")

	for _, c := range conflicts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			c.Field, formatValue(c.LocalValue), formatValue(c.RemoteValue),
			c.LocalVersion, c.RemoteVersion,
			c.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatValue(v model.Value) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}
