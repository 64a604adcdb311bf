package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/infrastructure/spool"
)

var spoolCmd = &cobra.Command{
	Use:   "spool",
	Short: "Inspect and requeue spooled activity events",
	Long: `Inspect the local spool of events that failed with transient errors.

The spool file is locked while a worker runs, so stop the worker first
or these commands time out opening it.`,
}

var spoolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count pending and dead entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpool(func(sp *spool.Spool) error {
			pending, dead, err := sp.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pending: %d\nDead:    %d\n", pending, dead)
			return nil
		})
	},
}

var spoolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List spooled entries, oldest failure first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dead, _ := cmd.Flags().GetBool("dead")

		return withSpool(func(sp *spool.Spool) error {
			list := sp.Pending
			if dead {
				list = sp.Dead
			}
			entries, err := list(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entries")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tUSER\tTYPE\tATTEMPTS\tLAST FAILED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.Key, e.Event.UserID, e.Event.Type, e.Attempts,
					e.LastFailedAt.Format(time.RFC3339), e.LastError)
			}
			return w.Flush()
		})
	},
}

var spoolRequeueCmd = &cobra.Command{
	Use:   "requeue <key>...",
	Short: "Move dead entries back to pending with a fresh attempt count",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpool(func(sp *spool.Spool) error {
			for _, key := range args {
				if err := sp.Requeue(cmd.Context(), key); err != nil {
					return fmt.Errorf("requeue %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Requeued %s\n", key)
			}
			return nil
		})
	},
}

func init() {
	spoolListCmd.Flags().Int("limit", 50, "Maximum entries to list")
	spoolListCmd.Flags().Bool("dead", false, "List dead entries instead of pending ones")

	spoolCmd.AddCommand(spoolStatsCmd)
	spoolCmd.AddCommand(spoolListCmd)
	spoolCmd.AddCommand(spoolRequeueCmd)
}

// withSpool opens only the spool file; no store or cache is needed.
func withSpool(fn func(*spool.Spool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sp, err := spool.Open(spool.Config{
		Path:        cfg.Spool.Path,
		MaxAttempts: cfg.Spool.MaxAttempts,
		OpenTimeout: 2 * time.Second,
	})
	if err != nil {
		return err
	}
	defer sp.Close()
	return fn(sp)
}
