package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <events.jsonl | ->",
	Short: "Process activity events from a JSON-lines file or stdin",
	Long: `Process activity events one line at a time, in file order.

Each line is one JSON activity event:

  {"user_id":"u1","type":"lesson_completed","subject":"math","occurred_at":"2024-03-04T10:00:00Z"}

Events already in the ledger are reported as duplicates and change
nothing, so a file can safely be ingested twice.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		a, err := bootstrap(cmd, bootstrapOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		pipeline := a.recordHandler(nil, nil)
		out := cmd.OutOrStdout()

		var processed, duplicates, failed, line int
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}

			var evt activity.Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				failed++
				fmt.Fprintf(out, "line %d: invalid JSON: %v\n", line, err)
				continue
			}

			result, err := pipeline.Handle(cmd.Context(), evt)
			switch {
			case err != nil:
				failed++
				fmt.Fprintf(out, "line %d: %v\n", line, err)
			case result.Duplicate:
				duplicates++
			default:
				processed++
				if verbose {
					fmt.Fprintf(out, "line %d: %s +%d points, streak %d, %d achievement(s), %d celebration(s)\n",
						line, evt.UserID, result.Points.Total, result.Streak.Current,
						len(result.CompletedAchievements), len(result.Celebrations))
				}
				for _, f := range result.Failures {
					a.log.Warn("partial failure", logger.Int("line", line), logger.Err(f))
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		fmt.Fprintf(out, "Processed %d, duplicates %d, failed %d\n", processed, duplicates, failed)
		if failed > 0 {
			return fmt.Errorf("%d event(s) failed", failed)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolP("verbose", "v", false, "Print a line per processed event")
}
