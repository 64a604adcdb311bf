// Command engine runs and operates the progress engine: the long-running
// worker, on-demand leaderboard aggregation, schema migrations,
// definition loading and a read-only view of engine state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Achievement, progress and leaderboard engine",
	Long: `engine turns learning-activity events into points, levels, streaks,
achievement unlocks, goal milestones and ranked leaderboards.

Configuration is read from the environment (and a .env file when
present). Run "engine worker" for the long-running process.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"engine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("memory", false, "Use the in-process store instead of Postgres")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(definitionsCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(goalCmd)
	rootCmd.AddCommand(compensateCmd)
	rootCmd.AddCommand(celebrationCmd)
	rootCmd.AddCommand(spoolCmd)
}
