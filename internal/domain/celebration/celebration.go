// Package celebration contains the user-facing records created when
// something worth celebrating happens. Delivery is somebody else's job;
// the engine only guarantees one record per triggering transition.
package celebration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPE & PRIORITY
// ══════════════════════════════════════════════════════════════════════════════

// Type is the kind of transition being celebrated.
type Type string

const (
	TypeAchievementEarned Type = "achievement_earned"
	TypeGoalCompleted     Type = "goal_completed"
	TypeMilestoneReached  Type = "milestone_reached"
	TypeLevelUp           Type = "level_up"
	TypeStreakMilestone   Type = "streak_milestone"
)

// Priority orders celebrations for display.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// DefaultPriority returns the priority used when the emitter gives none.
func (t Type) DefaultPriority() Priority {
	switch t {
	case TypeAchievementEarned, TypeGoalCompleted, TypeLevelUp:
		return PriorityHigh
	case TypeStreakMilestone:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// DefaultIcon returns a short icon name for the type.
func (t Type) DefaultIcon() string {
	switch t {
	case TypeAchievementEarned:
		return "trophy"
	case TypeGoalCompleted:
		return "target"
	case TypeMilestoneReached:
		return "flag"
	case TypeLevelUp:
		return "arrow-up"
	case TypeStreakMilestone:
		return "flame"
	default:
		return "star"
	}
}

// DefaultTTL is how long an unshown celebration stays relevant.
const DefaultTTL = 7 * 24 * time.Hour

// ══════════════════════════════════════════════════════════════════════════════
// CELEBRATION
// ══════════════════════════════════════════════════════════════════════════════

// Celebration is one record for the delivery layer.
type Celebration struct {
	ID       string
	UserID   string
	Type     Type
	Title    string
	Message  string
	Icon     string
	Priority Priority
	// SourceKey identifies the triggering transition, e.g.
	// "achievement:first_lesson". (UserID, SourceKey) is unique.
	SourceKey string
	Data      map[string]any
	IsShown   bool
	ShownAt   *time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the celebration is past its expiry.
func (c *Celebration) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// MarkShown flags the celebration as displayed. It is idempotent.
func (c *Celebration) MarkShown(now time.Time) bool {
	if c.IsShown {
		return false
	}
	c.IsShown = true
	c.ShownAt = &now
	return true
}

// Repository persists celebrations.
type Repository interface {
	// Create stores c and returns shared.ErrDuplicateCelebration when the
	// (UserID, SourceKey) pair already exists.
	Create(ctx context.Context, c *Celebration) error
	Get(ctx context.Context, id string) (*Celebration, error)
	// ListPending returns unshown, unexpired celebrations, highest priority first.
	ListPending(ctx context.Context, userID string, now time.Time) ([]*Celebration, error)
	MarkShown(ctx context.Context, id string, at time.Time) error
	// DeleteExpired removes celebrations that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Publisher pushes freshly created celebrations to the delivery layer.
type Publisher interface {
	Publish(ctx context.Context, c *Celebration) error
}

// ══════════════════════════════════════════════════════════════════════════════
// CONSTRUCTORS
// ══════════════════════════════════════════════════════════════════════════════

func newCelebration(userID string, t Type, key, title, message string, now time.Time) *Celebration {
	return &Celebration{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      t,
		Title:     title,
		Message:   message,
		Icon:      t.DefaultIcon(),
		Priority:  t.DefaultPriority(),
		SourceKey: key,
		Data:      map[string]any{},
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultTTL),
	}
}

// AchievementEarned celebrates a completed achievement.
func AchievementEarned(userID, achievementID, name string, rewardPoints int, now time.Time) *Celebration {
	if name == "" {
		name = achievementID
	}
	c := newCelebration(userID, TypeAchievementEarned, "achievement:"+achievementID,
		"Achievement unlocked: "+name,
		fmt.Sprintf("You earned %q and %d bonus points.", name, rewardPoints), now)
	c.Data["achievement_id"] = achievementID
	c.Data["reward_points"] = rewardPoints
	return c
}

// GoalCompleted celebrates a finished goal.
func GoalCompleted(userID, goalID, title string, rewardPoints int, now time.Time) *Celebration {
	if title == "" {
		title = "your goal"
	}
	c := newCelebration(userID, TypeGoalCompleted, "goal:"+goalID,
		"Goal completed!",
		fmt.Sprintf("You reached %s.", title), now)
	c.Data["goal_id"] = goalID
	c.Data["reward_points"] = rewardPoints
	return c
}

// MilestoneReached celebrates a goal milestone.
func MilestoneReached(userID, goalID string, percentage float64, rewardPoints int, now time.Time) *Celebration {
	c := newCelebration(userID, TypeMilestoneReached,
		fmt.Sprintf("goal:%s:milestone:%g", goalID, percentage),
		fmt.Sprintf("%g%% of the way there", percentage),
		"Keep going, you passed a milestone on your goal.", now)
	c.Data["goal_id"] = goalID
	c.Data["percentage"] = percentage
	c.Data["reward_points"] = rewardPoints
	return c
}

// LevelUp celebrates reaching level.
func LevelUp(userID string, level int, now time.Time) *Celebration {
	c := newCelebration(userID, TypeLevelUp, fmt.Sprintf("level:%d", level),
		fmt.Sprintf("Level %d!", level),
		fmt.Sprintf("You reached level %d.", level), now)
	c.Data["level"] = level
	return c
}

// StreakMilestone celebrates a streak length. The key includes the day
// the streak started so a later streak of the same length celebrates again.
func StreakMilestone(userID string, days int, streakStart time.Time, now time.Time) *Celebration {
	c := newCelebration(userID, TypeStreakMilestone,
		fmt.Sprintf("streak:%s:%d", streakStart.Format("2006-01-02"), days),
		fmt.Sprintf("%d day streak!", days),
		fmt.Sprintf("You studied %d days in a row.", days), now)
	c.Data["days"] = days
	return c
}
