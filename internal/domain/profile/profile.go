// Package profile contains the per-user gamification aggregate: points,
// experience and levels, streaks, statistics, badges and titles.
package profile

import (
	"context"
	"slices"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVELS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// InitialXPRequired is the experience needed to leave level 1.
	InitialXPRequired = 100
	// Each level needs floor(previous * 12/10) experience.
	levelGrowthNum = 12
	levelGrowthDen = 10
)

// xpTable is the experience granted per activity type.
var xpTable = map[activity.Type]int{
	activity.TypeLessonCompleted:     20,
	activity.TypeQuizTaken:           25,
	activity.TypeAssignmentSubmitted: 30,
	activity.TypeVideoWatched:        10,
	activity.TypeBookRead:            40,
	activity.TypePracticeSession:     15,
	activity.TypeHelpGiven:           20,
	activity.TypeQuestionAnswered:    5,
	activity.TypeResourceShared:      10,
}

// XPFor returns the experience granted for t. Unknown types grant zero.
func XPFor(t activity.Type) int {
	return xpTable[t]
}

// Level is the experience progression of a user.
type Level struct {
	Current    int `json:"current"`
	XPCurrent  int `json:"xp_current"`
	XPRequired int `json:"xp_required"`
	XPTotal    int `json:"xp_total"`
}

// LevelUp is emitted once per level gained.
type LevelUp struct {
	From int
	To   int
}

// AddXP grants experience and resolves every level-up it causes.
func (l *Level) AddXP(xp int) []LevelUp {
	if xp <= 0 {
		return nil
	}
	if l.XPRequired <= 0 {
		l.XPRequired = InitialXPRequired
	}
	l.XPCurrent += xp
	l.XPTotal += xp

	var ups []LevelUp
	for l.XPCurrent >= l.XPRequired {
		l.XPCurrent -= l.XPRequired
		ups = append(ups, LevelUp{From: l.Current, To: l.Current + 1})
		l.Current++
		l.XPRequired = l.XPRequired * levelGrowthNum / levelGrowthDen
	}
	return ups
}

// ══════════════════════════════════════════════════════════════════════════════
// POINTS & STATISTICS
// ══════════════════════════════════════════════════════════════════════════════

// Points is the user's points balance.
type Points struct {
	// Total and Lifetime never decrease.
	Total     int `json:"total"`
	Available int `json:"available"`
	Spent     int `json:"spent"`
	Lifetime  int `json:"lifetime"`
}

// Statistics are running counters derived from processed activities.
type Statistics struct {
	TotalActivities    int                   `json:"total_activities"`
	ByType             map[activity.Type]int `json:"by_type"`
	StudyTime          time.Duration         `json:"study_time"`
	LessonsCompleted   int                   `json:"lessons_completed"`
	QuizzesTaken       int                   `json:"quizzes_taken"`
	ScoredActivities   int                   `json:"scored_activities"`
	AverageScore       float64               `json:"average_score"`
	AchievementsEarned int                   `json:"achievements_earned"`
	GoalsCompleted     int                   `json:"goals_completed"`
}

func (s *Statistics) record(evt *activity.Event) {
	if s.ByType == nil {
		s.ByType = make(map[activity.Type]int)
	}
	s.TotalActivities++
	s.ByType[evt.Type]++
	s.StudyTime += evt.Perf.TimeSpent
	switch evt.Type {
	case activity.TypeLessonCompleted:
		s.LessonsCompleted++
	case activity.TypeQuizTaken:
		s.QuizzesTaken++
	}
	if evt.Perf.HasScore() {
		s.ScoredActivities++
		s.AverageScore += (evt.Perf.ScoreValue() - s.AverageScore) / float64(s.ScoredActivities)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// Profile is the gamification aggregate of one user. Version is bumped by
// the store on every successful save.
type Profile struct {
	UserID    string     `json:"user_id"`
	Level     Level      `json:"level"`
	Points    Points     `json:"points"`
	Streaks   Streaks    `json:"streaks"`
	Stats     Statistics `json:"statistics"`
	Badges    []string   `json:"badges"`
	Titles    []string   `json:"titles"`
	// Applied lists the fingerprints of the latest events saved into
	// this profile.
	Applied   shared.AppliedEvents `json:"applied_events"`
	Version   int64                `json:"version"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// New returns a level 1 profile with nothing earned.
func New(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:    userID,
		Level:     Level{Current: 1, XPRequired: InitialXPRequired},
		Stats:     Statistics{ByType: make(map[activity.Type]int)},
		Badges:    []string{},
		Titles:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyActivity credits points, experience and statistics for one event.
func (p *Profile) ApplyActivity(evt *activity.Event, bd points.Breakdown) []LevelUp {
	p.credit(bd.Total)
	p.Stats.record(evt)
	return p.Level.AddXP(XPFor(evt.Type))
}

// GrantPoints credits reward points from an achievement or goal.
func (p *Profile) GrantPoints(amount int) {
	p.credit(amount)
}

func (p *Profile) credit(amount int) {
	if amount <= 0 {
		return
	}
	p.Points.Total += amount
	p.Points.Available += amount
	p.Points.Lifetime += amount
}

// Debit removes points from the spendable balance after a compensating
// ledger entry. Total and Lifetime are left untouched.
func (p *Profile) Debit(amount int) {
	if amount <= 0 {
		return
	}
	p.Points.Available = max(p.Points.Available-amount, 0)
}

// AddBadge adds badge if it is not already held.
func (p *Profile) AddBadge(badge string) bool {
	if badge == "" || slices.Contains(p.Badges, badge) {
		return false
	}
	p.Badges = append(p.Badges, badge)
	return true
}

// AddTitle adds title if it is not already held.
func (p *Profile) AddTitle(title string) bool {
	if title == "" || slices.Contains(p.Titles, title) {
		return false
	}
	p.Titles = append(p.Titles, title)
	return true
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Badges = slices.Clone(p.Badges)
	c.Titles = slices.Clone(p.Titles)
	c.Stats.ByType = make(map[activity.Type]int, len(p.Stats.ByType))
	for k, v := range p.Stats.ByType {
		c.Stats.ByType[k] = v
	}
	return &c
}

// Repository persists profiles with optimistic concurrency.
type Repository interface {
	// Get returns shared.ErrProfileNotFound when the user has no profile.
	Get(ctx context.Context, userID string) (*Profile, error)

	// Save inserts when p.Version is 0, otherwise updates only if the
	// stored version equals p.Version. On success p.Version is bumped.
	// A lost race returns an error matching shared.ErrConcurrentModification.
	Save(ctx context.Context, p *Profile) error

	// List returns profiles ordered by user id.
	List(ctx context.Context, offset, limit int) ([]*Profile, error)
}
