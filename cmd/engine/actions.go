package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
)

// ════ goals ════

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Create goals and move them through their lifecycle",
}

var goalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active goal for a user",
	Example: `  engine goal create --user u1 --category lessons_completed --target 20 \
    --ends-in 720h --milestone 50:25 --milestone 100:100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		userID, _ := flags.GetString("user")
		category, _ := flags.GetString("category")
		title, _ := flags.GetString("title")
		subject, _ := flags.GetString("subject")
		unit, _ := flags.GetString("unit")
		target, _ := flags.GetFloat64("target")
		reward, _ := flags.GetInt("reward")
		endsIn, _ := flags.GetDuration("ends-in")
		rawMilestones, _ := flags.GetStringArray("milestone")

		milestones, err := parseMilestones(rawMilestones)
		if err != nil {
			return err
		}

		return withApp(cmd, false, func(a *app) error {
			now := a.clock.Now()
			g, err := command.NewGoalHandler(a.store.Goals(), a.clock, a.log).Create(cmd.Context(), command.CreateGoalCommand{
				UserID:     userID,
				Title:      title,
				Category:   goal.Category(category),
				Subject:    subject,
				Target:     target,
				Unit:       unit,
				Start:      now,
				End:        now.Add(endsIn),
				Milestones: milestones,
				Reward:     reward,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		})
	},
}

// goalTransition builds pause, resume and cancel, which share a shape.
func goalTransition(use, short string, do func(h *command.GoalHandler, ctx context.Context, userID, goalID string) (*goal.Goal, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id> <goal-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				h := command.NewGoalHandler(a.store.Goals(), a.clock, a.log)
				g, err := do(h, cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Goal %s is now %s\n", g.ID, g.Status)
				return nil
			})
		},
	}
}

func parseMilestones(raw []string) ([]command.MilestoneInput, error) {
	out := make([]command.MilestoneInput, 0, len(raw))
	for _, r := range raw {
		pct, reward, ok := strings.Cut(r, ":")
		p, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %q: percentage must be a number", r)
		}
		m := command.MilestoneInput{Percentage: p}
		if ok {
			if m.Reward, err = strconv.Atoi(strings.TrimSpace(reward)); err != nil {
				return nil, fmt.Errorf("milestone %q: reward must be an integer", r)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// ════ compensation ════

var compensateCmd = &cobra.Command{
	Use:   "compensate <record-id>",
	Short: "Append a negating ledger record for a wrongly awarded activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withApp(cmd, false, func(a *app) error {
			h := command.NewCompensateHandler(a.store.Ledger(), a.store.Profiles(), a.clock, a.log)
			rec, err := h.Handle(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Compensated %s with record %s (%d points)\n", args[0], rec.ID, rec.Points.Total)
			return nil
		})
	},
}

// ════ celebrations ════

var celebrationCmd = &cobra.Command{
	Use:   "celebration",
	Short: "Manage celebration records",
}

var celebrationShownCmd = &cobra.Command{
	Use:   "mark-shown <user-id> <celebration-id>",
	Short: "Mark a celebration as displayed to its user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			if err := command.NewMarkShownHandler(a.store.Celebrations(), a.clock).Handle(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Celebration %s marked shown\n", args[1])
			return nil
		})
	},
}

func init() {
	f := goalCreateCmd.Flags()
	f.String("user", "", "Owner of the goal (required)")
	f.String("category", "", "study_time, lessons_completed, quiz_score or streak_maintenance (required)")
	f.String("title", "", "Display title")
	f.String("subject", "", "Only count activities in this subject")
	f.String("unit", "", "Unit of the target, for display")
	f.Float64("target", 0, "Target value (required)")
	f.Int("reward", 0, "Points granted on completion")
	f.Duration("ends-in", 30*24*time.Hour, "Goal length from now")
	f.StringArray("milestone", nil, "Milestone as percentage[:reward], repeatable")
	_ = goalCreateCmd.MarkFlagRequired("user")
	_ = goalCreateCmd.MarkFlagRequired("category")
	_ = goalCreateCmd.MarkFlagRequired("target")

	goalCmd.AddCommand(goalCreateCmd)
	goalCmd.AddCommand(goalTransition("pause", "Pause an active goal", (*command.GoalHandler).Pause))
	goalCmd.AddCommand(goalTransition("resume", "Resume a paused goal whose timeframe has not ended", (*command.GoalHandler).Resume))
	goalCmd.AddCommand(goalTransition("cancel", "Cancel a goal", (*command.GoalHandler).Cancel))

	compensateCmd.Flags().String("reason", "", "Why the record is being compensated (required)")
	_ = compensateCmd.MarkFlagRequired("reason")

	celebrationCmd.AddCommand(celebrationShownCmd)
}
