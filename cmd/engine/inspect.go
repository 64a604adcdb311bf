package main

import (
	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print engine state as JSON",
}

var inspectProfileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user's level, points, streaks and statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			dto, err := query.NewGetProfileHandler(a.store.Profiles(), a.clock, a.calendar).Handle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto)
		})
	},
}

var inspectAchievementsCmd = &cobra.Command{
	Use:   "achievements <user-id>",
	Short: "Show a user's achievements and their progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withApp(cmd, false, func(a *app) error {
			dtos, err := query.NewGetAchievementsHandler(a.store.Achievements()).Handle(cmd.Context(), query.GetAchievementsQuery{
				UserID: args[0],
				Status: achievement.Status(status),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dtos)
		})
	},
}

var inspectGoalsCmd = &cobra.Command{
	Use:   "goals <user-id>",
	Short: "Show a user's active goals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			dtos, err := query.NewGetActiveGoalsHandler(a.store.Goals(), a.clock).Handle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dtos)
		})
	},
}

var inspectCelebrationsCmd = &cobra.Command{
	Use:   "celebrations <user-id>",
	Short: "Show a user's pending celebrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			dtos, err := query.NewGetPendingCelebrationsHandler(a.store.Celebrations(), a.clock).Handle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dtos)
		})
	},
}

var inspectLeaderboardCmd = &cobra.Command{
	Use:   "leaderboard <definition-id>",
	Short: "Show the latest leaderboard snapshot, or one user's rank with --user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		userID, _ := cmd.Flags().GetString("user")
		return withApp(cmd, true, func(a *app) error {
			h := query.NewGetLeaderboardHandler(a.store.Leaderboards(), a.snapshotCache(), a.log)
			if userID != "" {
				rank, err := h.UserRank(cmd.Context(), args[0], userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rank)
			}
			result, err := h.Handle(cmd.Context(), query.GetLeaderboardQuery{DefinitionID: args[0], Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

func init() {
	inspectAchievementsCmd.Flags().String("status", "", "Filter by not_started, in_progress or completed")
	inspectLeaderboardCmd.Flags().Int("limit", 20, "Entries to show (max 100)")
	inspectLeaderboardCmd.Flags().String("user", "", "Show this user's rank instead of the table")

	inspectCmd.AddCommand(inspectProfileCmd)
	inspectCmd.AddCommand(inspectAchievementsCmd)
	inspectCmd.AddCommand(inspectGoalsCmd)
	inspectCmd.AddCommand(inspectCelebrationsCmd)
	inspectCmd.AddCommand(inspectLeaderboardCmd)
}

// withApp bootstraps, runs fn and releases everything.
func withApp(cmd *cobra.Command, needRedis bool, fn func(*app) error) error {
	a, err := bootstrap(cmd, bootstrapOptions{needRedis: needRedis})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
