// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROFILE QUERY
// ══════════════════════════════════════════════════════════════════════════════

// ProfileDTO is the read model of a gamification profile.
type ProfileDTO struct {
	UserID string `json:"user_id"`

	Level      int `json:"level"`
	XPCurrent  int `json:"xp_current"`
	XPRequired int `json:"xp_required"`
	XPTotal    int `json:"xp_total"`
	// LevelProgress is XPCurrent/XPRequired as a percentage.
	LevelProgress float64 `json:"level_progress"`

	Points profile.Points `json:"points"`

	// CurrentStreak is zero once a day has been missed, even though the
	// stored counter only resets on the next activity.
	CurrentStreak    int        `json:"current_streak"`
	LongestStreak    int        `json:"longest_streak"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`
	StreakAtRisk     bool       `json:"streak_at_risk"`

	Stats  StatisticsDTO `json:"statistics"`
	Badges []string      `json:"badges"`
	Titles []string      `json:"titles"`

	// Exists is false for a user who has never been processed.
	Exists    bool      `json:"exists"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatisticsDTO flattens profile statistics.
type StatisticsDTO struct {
	TotalActivities    int                   `json:"total_activities"`
	ByType             map[activity.Type]int `json:"by_type"`
	StudyMinutes       int                   `json:"study_minutes"`
	LessonsCompleted   int                   `json:"lessons_completed"`
	QuizzesTaken       int                   `json:"quizzes_taken"`
	AverageScore       float64               `json:"average_score"`
	AchievementsEarned int                   `json:"achievements_earned"`
	GoalsCompleted     int                   `json:"goals_completed"`
}

// GetProfileHandler serves GetProfile.
type GetProfileHandler struct {
	profiles profile.Repository
	clock    shared.Clock
	calendar timeutil.Calendar
}

// NewGetProfileHandler creates a new GetProfileHandler.
func NewGetProfileHandler(profiles profile.Repository, clock shared.Clock, cal timeutil.Calendar) *GetProfileHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &GetProfileHandler{profiles: profiles, clock: clock, calendar: cal}
}

// Handle returns the profile of userID. A user without a profile gets
// the level 1 starting view rather than an error.
func (h *GetProfileHandler) Handle(ctx context.Context, userID string) (*ProfileDTO, error) {
	userID, err := shared.ValidateID("query", "user id", userID)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	p, err := h.profiles.Get(ctx, userID)
	switch {
	case errors.Is(err, shared.ErrProfileNotFound):
		return toProfileDTO(profile.New(userID, now), false, now, h.calendar), nil
	case err != nil:
		return nil, shared.WrapError("query", "GetProfile", shared.ErrServiceUnavailable, "failed to load profile", err)
	}
	return toProfileDTO(p, true, now, h.calendar), nil
}

func toProfileDTO(p *profile.Profile, exists bool, now time.Time, cal timeutil.Calendar) *ProfileDTO {
	dto := &ProfileDTO{
		UserID:        p.UserID,
		Level:         p.Level.Current,
		XPCurrent:     p.Level.XPCurrent,
		XPRequired:    p.Level.XPRequired,
		XPTotal:       p.Level.XPTotal,
		Points:        p.Points,
		LongestStreak: p.Streaks.Longest,
		StreakAtRisk:  p.Streaks.IsAtRisk(now, cal),
		Stats: StatisticsDTO{
			TotalActivities:    p.Stats.TotalActivities,
			ByType:             p.Stats.ByType,
			StudyMinutes:       int(p.Stats.StudyTime.Minutes()),
			LessonsCompleted:   p.Stats.LessonsCompleted,
			QuizzesTaken:       p.Stats.QuizzesTaken,
			AverageScore:       p.Stats.AverageScore,
			AchievementsEarned: p.Stats.AchievementsEarned,
			GoalsCompleted:     p.Stats.GoalsCompleted,
		},
		Badges:    p.Badges,
		Titles:    p.Titles,
		Exists:    exists,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Level.XPRequired > 0 {
		dto.LevelProgress = float64(p.Level.XPCurrent) / float64(p.Level.XPRequired) * 100
	}
	if !p.Streaks.LastActivityDate.IsZero() {
		last := p.Streaks.LastActivityDate
		dto.LastActivityDate = &last
		if cal.DaysBetween(last, now) <= 1 {
			dto.CurrentStreak = p.Streaks.Current
		}
	}
	return dto
}
