package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opsledger/forecast-sync/internal/mirror"
	"github.com/opsledger/forecast-sync/internal/store"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Read merged forecast views",
	Long: `Lists mirror records with the user's active delta layered on top.
The merge happens at read time; stored mirror documents are never
patched by user edits. Without --user, any user's active delta is
merged in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")
		entities, _ := cmd.Flags().GetStringSlice("entity")
		fieldEq, _ := cmd.Flags().GetStringSlice("field")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		countOnly, _ := cmd.Flags().GetBool("count")

		f := store.MirrorFilter{
			EntityIDs: entities,
			Search:    search,
			UserID:    userID,
			Limit:     limit,
			Offset:    offset,
		}
		if len(fieldEq) > 0 {
			f.Fields = make(map[string]string, len(fieldEq))
			for _, kv := range fieldEq {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return eris.Errorf("view: --field wants key=value, got %q", kv)
				}
				f.Fields[k] = v
			}
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc := mirror.NewService(st)

		if countOnly {
			n, err := svc.GetCount(ctx, orgID, f)
			if err != nil {
				return eris.Wrap(err, "view: count")
			}
			fmt.Println(n)
			return nil
		}

		views, err := svc.GetMergedViews(ctx, orgID, f)
		if err != nil {
			return eris.Wrap(err, "view")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(views), "view: encode")
	},
}

func init() {
	viewCmd.Flags().String("org", "", "organization id")
	viewCmd.Flags().String("user", "", "user whose active delta to merge")
	viewCmd.Flags().StringSlice("entity", nil, "restrict to entity id(s)")
	viewCmd.Flags().StringSlice("field", nil, "exact field match, key=value (repeatable)")
	viewCmd.Flags().String("search", "", "substring search across name, model, serial_number, site")
	viewCmd.Flags().Int("limit", 50, "maximum rows")
	viewCmd.Flags().Int("offset", 0, "pagination offset")
	viewCmd.Flags().Bool("count", false, "print the matching row count only")
	_ = viewCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(viewCmd)
}
