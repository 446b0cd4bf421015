package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/mirror"
	"github.com/opsledger/forecast-sync/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Append raw forecast records to the intake log",
	Long: `Reads newline-delimited JSON payloads from a file (or stdin with
"-") and appends them to the immutable raw intake log. Payloads are
stored verbatim; nothing is parsed at ingest time. Use --promote to
also create mirrors for entities that do not have one yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orgID, _ := cmd.Flags().GetString("org")
		promote, _ := cmd.Flags().GetBool("promote")
		log := zap.L().With(zap.String("command", "ingest"))

		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrapf(err, "ingest: open %s", args[0])
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		recs, err := readIntake(in, orgID)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No records to ingest")
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.AppendIntake(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "ingest: append")
		}
		log.Info("intake appended", zap.Int64("records", n))
		fmt.Printf("Ingested %d record(s)\n", n)

		if promote {
			created, err := mirror.NewService(st).PromoteFromIntake(ctx)
			if err != nil {
				return eris.Wrap(err, "ingest: promote")
			}
			fmt.Printf("Promoted %d new mirror(s)\n", created)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("org", "", "organization id")
	ingestCmd.Flags().Bool("promote", false, "create mirrors for entities new to the system")
	_ = ingestCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(ingestCmd)
}

// readIntake parses one JSON payload per line into intake records. Each
// line must at least be valid JSON; content is otherwise opaque.
func readIntake(f *os.File, orgID string) ([]model.RawIntakeRecord, error) {
	now := time.Now().UTC()
	var recs []model.RawIntakeRecord

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return nil, eris.Errorf("ingest: line %d is not valid JSON", line)
		}
		payload := make([]byte, len(raw))
		copy(payload, raw)
		recs = append(recs, model.RawIntakeRecord{
			ID:         uuid.NewString(),
			OrgID:      orgID,
			IngestedAt: now,
			Payload:    payload,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "ingest: read input")
	}
	return recs, nil
}
