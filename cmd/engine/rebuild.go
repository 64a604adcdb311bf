package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-leaderboards [definition-id...]",
	Short: "Aggregate the ledger into fresh leaderboard snapshots",
	Long: `Rebuild leaderboard snapshots now instead of waiting for the worker.

Without arguments every active, auto-updating definition that is due is
rebuilt. Name definitions to limit the run; --force ignores the update
frequency and the auto-update switch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := bootstrap(cmd, bootstrapOptions{needRedis: true})
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.rebuildJob(nil).Rebuild(cmd.Context(), force, args...)
		if stats != nil {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Considered %d definition(s) in %s\n", stats.Considered, stats.Duration)
			for _, id := range stats.Rebuilt {
				fmt.Fprintf(out, "  ✓ %s\n", id)
			}
			for _, id := range stats.Skipped {
				fmt.Fprintf(out, "  - %s (not due)\n", id)
			}
			for _, e := range stats.Errors {
				fmt.Fprintf(out, "  ✗ %v\n", e)
			}
		}
		return err
	},
}

func init() {
	rebuildCmd.Flags().Bool("force", false, "Rebuild even when a snapshot is not due")
}
