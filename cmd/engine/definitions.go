package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/internal/infrastructure/definitions"
)

var definitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   "Load achievement and leaderboard definitions",
}

var definitionsLoadCmd = &cobra.Command{
	Use:   "load <file.yaml>",
	Short: "Validate a definitions file and upsert it into the store",
	Long: `Validate a definitions file and upsert it into the store.

Achievement prerequisites are checked against the union of stored and
loaded definitions; an unknown prerequisite or a cycle rejects the whole
file and nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd, bootstrapOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		set, err := syncDefinitions(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Loaded %d achievement(s) and %d leaderboard(s)\n",
			len(set.Achievements), len(set.Leaderboards))
		return nil
	},
}

var definitionsValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml>",
	Short: "Check a definitions file without touching the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := definitions.ParseFile(args[0], time.Now().UTC())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ %s is valid\n", args[0])
		for _, d := range set.Achievements {
			fmt.Fprintf(out, "  achievement %-24s %s/%s threshold=%d\n", d.ID, d.Category, d.Tier, d.Criteria.Threshold)
		}
		for _, d := range set.Leaderboards {
			fmt.Fprintf(out, "  leaderboard %-24s %s %s\n", d.ID, d.Metric, d.Timeframe)
		}
		return nil
	},
}

func init() {
	definitionsCmd.AddCommand(definitionsLoadCmd)
	definitionsCmd.AddCommand(definitionsValidateCmd)
}

func syncDefinitions(ctx context.Context, a *app, path string) (*definitions.Set, error) {
	set, err := definitions.ParseFile(path, a.clock.Now())
	if err != nil {
		return nil, err
	}
	syncer := definitions.NewSyncer(a.store.Achievements(), a.store.Leaderboards(), a.log)
	if err := syncer.Sync(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return set, nil
}
