package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opsledger/forecast-sync/internal/delta"
	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/store"
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Manage per-user draft modifications",
}

var draftSaveCmd = &cobra.Command{
	Use:   "save <entity-id>",
	Short: "Create or update a draft for an entity",
	Long: `Saves a draft delta for one entity. The delta is a JSON object of
field values, e.g. '{"amount": 150, "stage": "quoted"}'. Saving again
merges into the existing draft; a draft whose delta is currently being
synced cannot be edited.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")
		deltaJSON, _ := cmd.Flags().GetString("delta")
		sessionID, _ := cmd.Flags().GetString("session")
		reason, _ := cmd.Flags().GetString("reason")

		doc, err := model.DecodeDocument([]byte(deltaJSON))
		if err != nil {
			return eris.Wrap(err, "draft save: parse delta")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr, err := newDeltaManager(st)
		if err != nil {
			return err
		}

		mod, err := mgr.SaveDraft(ctx, delta.SaveDraftParams{
			OrgID:       orgID,
			UserID:      userID,
			EntityID:    args[0],
			DeltaFields: doc,
			SessionID:   sessionID,
			Reason:      reason,
		})
		if err != nil {
			return eris.Wrap(err, "draft save")
		}

		fmt.Printf("Draft %s saved (base version %d, %d field(s), edit %d)\n",
			mod.ID, mod.BaseVersion, len(mod.ChangedFields), mod.EditCount)
		return nil
	},
}

var draftCommitCmd = &cobra.Command{
	Use:   "commit [entity-id...]",
	Short: "Commit drafts for write-back",
	Long:  "Marks the user's drafts committed so the next sync cycle picks them up. With no entity ids, commits all of the user's drafts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr, err := newDeltaManager(st)
		if err != nil {
			return err
		}

		n, err := mgr.CommitDrafts(ctx, orgID, userID, args)
		if err != nil {
			return eris.Wrap(err, "draft commit")
		}

		fmt.Printf("Committed %d draft(s)\n", n)
		return nil
	},
}

var draftDiscardCmd = &cobra.Command{
	Use:   "discard [entity-id...]",
	Short: "Discard drafts",
	Long:  "Deletes the user's drafts without syncing. With no entity ids, discards all of the user's drafts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr, err := newDeltaManager(st)
		if err != nil {
			return err
		}

		n, err := mgr.DiscardDrafts(ctx, orgID, userID, args)
		if err != nil {
			return eris.Wrap(err, "draft discard")
		}

		fmt.Printf("Discarded %d draft(s)\n", n)
		return nil
	},
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List modifications and their sync states",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")
		stateStr, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f := store.ModFilter{UserID: userID, Limit: limit}
		if stateStr != "" {
			for _, s := range strings.Split(stateStr, ",") {
				f.States = append(f.States, model.SyncState(strings.TrimSpace(s)))
			}
		}

		mods, err := st.ListModifications(ctx, orgID, f)
		if err != nil {
			return eris.Wrap(err, "draft list")
		}
		if len(mods) == 0 {
			fmt.Println("No modifications found")
			return nil
		}

		formatModifications(os.Stdout, mods)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{draftSaveCmd, draftCommitCmd, draftDiscardCmd, draftListCmd} {
		c.Flags().String("org", "", "organization id")
		c.Flags().String("user", "", "user id")
		_ = c.MarkFlagRequired("org")
		_ = c.MarkFlagRequired("user")
	}
	draftSaveCmd.Flags().String("delta", "", "JSON object of field values")
	draftSaveCmd.Flags().String("session", "", "editing session id")
	draftSaveCmd.Flags().String("reason", "", "free-text reason for the change")
	_ = draftSaveCmd.MarkFlagRequired("delta")
	draftListCmd.Flags().String("state", "", "comma-separated sync states to filter by")
	draftListCmd.Flags().Int("limit", 50, "maximum rows to list")

	draftCmd.AddCommand(draftSaveCmd, draftCommitCmd, draftDiscardCmd, draftListCmd)
	rootCmd.AddCommand(draftCmd)
}

// newDeltaManager builds the delta manager with the configured validation
// gate (schema-backed when a schema path is set, accept-all otherwise).
func newDeltaManager(st store.Store) (*delta.Manager, error) {
	var gate delta.Gate = delta.AcceptAll{}
	if cfg.Validate.SchemaPath != "" {
		g, err := delta.NewSchemaGate(cfg.Validate.SchemaPath)
		if err != nil {
			return nil, err
		}
		gate = g
	}
	return delta.NewManager(st, gate), nil
}

// formatModifications writes a tabular view of modifications to w.
func formatModifications(out io.Writer, mods []model.Modification) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUSER\tSTATE\tFIELDS\tBASE VER\tATTEMPTS\tUPDATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------\t--------\t--------\t-------\t-----")

	for _, m := range mods {
		errStr := "-"
		if m.LastError != "" {
			errStr = m.LastError
			if len(errStr) > 40 {
				errStr = errStr[:37] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			m.ID, m.UserID, m.State,
			strings.Join(m.ChangedFields, ","),
			m.BaseVersion, m.Attempts,
			m.UpdatedAt.Local().Format(time.RFC3339),
			errStr,
		)
	}
	_ = w.Flush()
}
