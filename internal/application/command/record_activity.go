// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Turns one learning activity into points, experience, streak, achievement
// and goal progress, and the celebrations those transitions earn.
// ══════════════════════════════════════════════════════════════════════════════

// Outcome labels used for metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	// Record is the ledger entry; nil for a duplicate.
	Record *progress.Record

	// Duplicate is true when the event was already processed. Nothing
	// else was touched.
	Duplicate bool

	Points   points.Breakdown
	Streak   profile.StreakChange
	LevelUps []profile.LevelUp

	// CompletedAchievements lists achievement ids completed by this event.
	CompletedAchievements []string

	// UpdatedGoals and CompletedGoals list goal ids.
	UpdatedGoals   []string
	CompletedGoals []string

	// Celebrations are the records created (duplicates excluded).
	Celebrations []*celebration.Celebration

	// Profile is the saved profile after the event.
	Profile *profile.Profile

	// Failures collects isolated sub-computation errors. They did not
	// stop the rest of the pipeline.
	Failures []error
}

// Metrics receives pipeline observations. Implemented by the prometheus
// collectors in infrastructure.
type Metrics interface {
	EventProcessed(activityType, outcome string, latency time.Duration)
	ConflictRetried(record string)
	AchievementCompleted(achievementID string)
	GoalCompleted(category string)
	CelebrationEmitted(celebrationType string)
	PointsAwarded(activityType string, total int)
}

type nopMetrics struct{}

func (nopMetrics) EventProcessed(string, string, time.Duration) {}
func (nopMetrics) ConflictRetried(string)                       {}
func (nopMetrics) AchievementCompleted(string)                  {}
func (nopMetrics) GoalCompleted(string)                         {}
func (nopMetrics) CelebrationEmitted(string)                    {}
func (nopMetrics) PointsAwarded(string, int)                    {}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandler handles activity events for one user at a time.
// Callers serialize events per user (see messaging.Dispatcher); versioned
// saves catch anyone who does not.
type RecordActivityHandler struct {
	ledger       progress.Ledger
	profiles     profile.Repository
	achievements achievement.Repository
	goals        goal.Repository
	celebrations celebration.Repository
	publisher    celebration.Publisher

	clock     shared.Clock
	calendar  timeutil.Calendar
	conflicts *retry.Retrier
	validate  *validator.Validate
	metrics   Metrics
	log       *logger.Logger
}

// RecordActivityHandlerConfig contains configuration for the handler.
type RecordActivityHandlerConfig struct {
	Clock    shared.Clock
	Calendar timeutil.Calendar
	// MaxConflictRetries bounds compare-and-swap attempts per record.
	MaxConflictRetries int
	Publisher          celebration.Publisher
	Metrics            Metrics
	Logger             *logger.Logger
}

// DefaultRecordActivityHandlerConfig returns default configuration.
func DefaultRecordActivityHandlerConfig() RecordActivityHandlerConfig {
	return RecordActivityHandlerConfig{
		Clock:              shared.SystemClock{},
		Calendar:           timeutil.UTC,
		MaxConflictRetries: 5,
	}
}

// Repositories groups the stores the handler writes to.
type Repositories struct {
	Ledger       progress.Ledger
	Profiles     profile.Repository
	Achievements achievement.Repository
	Goals        goal.Repository
	Celebrations celebration.Repository
}

// NewRecordActivityHandler creates a new RecordActivityHandler.
func NewRecordActivityHandler(repos Repositories, config RecordActivityHandlerConfig) *RecordActivityHandler {
	defaults := DefaultRecordActivityHandlerConfig()
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = defaults.MaxConflictRetries
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	return &RecordActivityHandler{
		ledger:       repos.Ledger,
		profiles:     repos.Profiles,
		achievements: repos.Achievements,
		goals:        repos.Goals,
		celebrations: repos.Celebrations,
		publisher:    config.Publisher,
		clock:        config.Clock,
		calendar:     config.Calendar,
		conflicts:    retry.ConflictRetrier(config.MaxConflictRetries, shared.IsConflict),
		validate:     validator.New(),
		metrics:      config.Metrics,
		log:          config.Logger.Named("record_activity"),
	}
}

// Handle executes the pipeline for one event. The ledger record is written
// last: an event already in the ledger returns Duplicate and changes
// nothing, while an event that failed part way is redelivered and resumes.
// Profiles, achievement progress and goals remember the fingerprints they
// absorbed, so the resumed pass grants what the failed one computed
// without counting the event twice. Achievement and goal failures are
// isolated and reported in Result.Failures; a profile save that keeps
// losing its compare-and-swap is returned as an error matching
// shared.ErrConcurrentModification.
func (h *RecordActivityHandler) Handle(ctx context.Context, evt activity.Event) (*RecordActivityResult, error) {
	start := time.Now()
	now := h.clock.Now()

	evt.Normalize()
	if err := h.validateEvent(&evt, now); err != nil {
		h.metrics.EventProcessed(evt.Type.String(), OutcomeInvalid, time.Since(start))
		return nil, err
	}

	log := h.log.With(logger.UserID(evt.UserID), logger.ActivityType(evt.Type.String()))
	if !evt.Type.IsKnown() {
		log.Warn("unknown activity type, recording with zero points")
	}

	result, err := h.handle(ctx, &evt, now, log)
	outcome := OutcomeProcessed
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case result.Duplicate:
		outcome = OutcomeDuplicate
	}
	h.metrics.EventProcessed(evt.Type.String(), outcome, time.Since(start))
	if err != nil {
		log.Error("activity processing failed", logger.Err(err), logger.Latency(time.Since(start)))
		return nil, err
	}

	log.Debug("activity processed",
		logger.Bool("duplicate", result.Duplicate),
		logger.PointsAmount(result.Points.Total),
		logger.Int("streak", result.Streak.Current),
		logger.Int("celebrations", len(result.Celebrations)),
		logger.Latency(time.Since(start)),
	)
	return result, nil
}

func (h *RecordActivityHandler) validateEvent(evt *activity.Event, now time.Time) error {
	if err := h.validate.Struct(evt); err != nil {
		return shared.WrapError("activity", "Validate", shared.ErrValidation, "invalid activity event", err)
	}
	return evt.Validate(now)
}

func (h *RecordActivityHandler) handle(ctx context.Context, evt *activity.Event, now time.Time, log *logger.Logger) (*RecordActivityResult, error) {
	bd := points.Calculate(evt.Type, evt.Perf)
	result := &RecordActivityResult{Points: bd}
	fingerprint := progress.Fingerprint(evt)

	seen, err := h.ledger.HasFingerprint(ctx, evt.UserID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("record_activity: look up ledger: %w", err)
	}
	if seen {
		log.Info("duplicate activity skipped", logger.String("fingerprint", fingerprint))
		result.Duplicate = true
		return result, nil
	}

	current, err := h.loadProfile(ctx, evt.UserID, now)
	if err != nil {
		return nil, err
	}
	resumed := current.Applied.Contains(fingerprint)
	if resumed {
		log.Info("resuming partially applied activity", logger.String("fingerprint", fingerprint))
	}

	// Streak after this event, as the evaluators see it. A profile that
	// already absorbed the event holds it.
	streaks := current.Streaks
	if !resumed {
		streaks.Record(evt.OccurredAt, h.calendar)
	}

	var rw rewards
	h.evaluateAchievements(ctx, evt, fingerprint, streaks.Current, now, &rw, result, log)
	h.trackGoals(ctx, evt, fingerprint, streaks.Current, now, &rw, result, log)

	// Profile aggregator: one compare-and-swap with every delta.
	saved, err := h.saveProfile(ctx, evt, fingerprint, bd, rw, now, result)
	if err != nil {
		return nil, err
	}
	result.Profile = saved
	if !resumed {
		h.metrics.PointsAwarded(evt.Type.String(), bd.Total)
	}

	// Celebrations for transitions the profile save made.
	for _, up := range result.LevelUps {
		rw.celebrations = append(rw.celebrations, celebration.LevelUp(evt.UserID, up.To, now))
	}
	if days, ok := result.Streak.CrossedMilestone(); ok {
		startDay := saved.Streaks.LastActivityDate.AddDate(0, 0, -(saved.Streaks.Current - 1))
		rw.celebrations = append(rw.celebrations, celebration.StreakMilestone(evt.UserID, days, startDay, now))
	}
	h.emit(ctx, rw.celebrations, result, log)

	// Ledger last: from here on a redelivery is a duplicate.
	record := progress.NewRecord(evt, bd, current.Streaks.Current, now)
	if err := h.ledger.Append(ctx, record); err != nil {
		if errors.Is(err, shared.ErrDuplicateEvent) {
			log.Info("activity recorded concurrently", logger.String("fingerprint", fingerprint))
			return result, nil
		}
		return nil, fmt.Errorf("record_activity: append ledger: %w", err)
	}
	result.Record = record
	return result, nil
}

func (h *RecordActivityHandler) loadProfile(ctx context.Context, userID string, now time.Time) (*profile.Profile, error) {
	p, err := h.profiles.Get(ctx, userID)
	if errors.Is(err, shared.ErrProfileNotFound) {
		return profile.New(userID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("record_activity: load profile: %w", err)
	}
	return p, nil
}

// rewards accumulates profile deltas earned by achievements and goals.
type rewards struct {
	points       int
	badges       []string
	titles       []string
	achievements int
	goals        int
	celebrations []*celebration.Celebration
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

func (h *RecordActivityHandler) evaluateAchievements(
	ctx context.Context,
	evt *activity.Event,
	fingerprint string,
	streak int,
	now time.Time,
	rw *rewards,
	result *RecordActivityResult,
	log *logger.Logger,
) {
	defs, err := h.achievements.ListDefinitions(ctx, false)
	if err != nil {
		log.Error("list achievement definitions", logger.Err(err))
		result.Failures = append(result.Failures, fmt.Errorf("achievements: %w", err))
		return
	}
	ordered, err := achievement.Order(defs)
	if err != nil {
		// Definitions are validated on load; fall back to id order.
		log.Error("achievement definitions are inconsistent", logger.Err(err))
		ordered = defs
	}

	existing, err := h.achievements.ListProgress(ctx, evt.UserID)
	if err != nil {
		log.Error("list achievement progress", logger.Err(err))
		result.Failures = append(result.Failures, fmt.Errorf("achievements: %w", err))
		return
	}
	byID := make(map[string]*achievement.Progress, len(existing))
	for _, p := range existing {
		byID[p.AchievementID] = p
	}
	completed := func(id string) bool {
		p, ok := byID[id]
		return ok && p.Completed
	}

	sig := achievement.Signal{Event: evt, Streak: streak, Fingerprint: fingerprint}
	for _, def := range ordered {
		done, replayed, err := h.evaluateOne(ctx, def, byID, sig, completed, now)
		if err != nil {
			log.Error("achievement evaluation failed", logger.AchievementID(def.ID), logger.Err(err))
			result.Failures = append(result.Failures, fmt.Errorf("achievement %s: %w", def.ID, err))
			continue
		}
		if !done {
			continue
		}

		// The counter was bumped by the pass that saved the completion.
		if !replayed {
			if _, err := h.achievements.IncrementEarned(ctx, def.ID); err != nil {
				log.Error("increment total earned", logger.AchievementID(def.ID), logger.Err(err))
				result.Failures = append(result.Failures, fmt.Errorf("achievement %s earned counter: %w", def.ID, err))
			}
			h.metrics.AchievementCompleted(def.ID)
		}
		rw.points += def.Rewards.Points
		if def.Rewards.Badge != "" {
			rw.badges = append(rw.badges, def.Rewards.Badge)
		}
		if def.Rewards.Title != "" {
			rw.titles = append(rw.titles, def.Rewards.Title)
		}
		rw.achievements++
		rw.celebrations = append(rw.celebrations,
			celebration.AchievementEarned(evt.UserID, def.ID, def.Name, def.Rewards.Points, now))
		result.CompletedAchievements = append(result.CompletedAchievements, def.ID)
		log.Info("achievement completed", logger.AchievementID(def.ID), logger.Bool("replayed", replayed))
	}
}

// evaluateOne runs a compare-and-swap loop for one definition and reports
// whether the event completed it, and whether that happened on an earlier
// pass. byID is refreshed with what was saved.
func (h *RecordActivityHandler) evaluateOne(
	ctx context.Context,
	def *achievement.Definition,
	byID map[string]*achievement.Progress,
	sig achievement.Signal,
	completed func(string) bool,
	now time.Time,
) (justCompleted, replayed bool, err error) {
	defer recoverInto(&err)

	attempt := 0
	err = h.conflicts.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			h.metrics.ConflictRetried("achievement_progress")
			fresh, err := h.achievements.GetProgress(ctx, sig.Event.UserID, def.ID)
			switch {
			case err == nil:
				byID[def.ID] = fresh
			case shared.IsNotFound(err):
				delete(byID, def.ID)
			default:
				return err
			}
		}

		out := achievement.Evaluate(def, byID[def.ID], sig, completed, now)
		if !out.Changed {
			justCompleted, replayed = out.JustCompleted, out.Replayed
			return nil
		}
		if err := h.achievements.SaveProgress(ctx, out.Progress); err != nil {
			return err
		}
		byID[def.ID] = out.Progress
		justCompleted, replayed = out.JustCompleted, false
		return nil
	})
	return justCompleted, replayed, err
}

// ══════════════════════════════════════════════════════════════════════════════
// GOALS
// ══════════════════════════════════════════════════════════════════════════════

func (h *RecordActivityHandler) trackGoals(
	ctx context.Context,
	evt *activity.Event,
	fingerprint string,
	streak int,
	now time.Time,
	rw *rewards,
	result *RecordActivityResult,
	log *logger.Logger,
) {
	// Completed goals are listed too: a redelivered event may be the one
	// that completed them.
	candidates, err := h.goals.ListByUser(ctx, evt.UserID, goal.StatusActive, goal.StatusCompleted)
	if err != nil {
		log.Error("list active goals", logger.Err(err))
		result.Failures = append(result.Failures, fmt.Errorf("goals: %w", err))
		return
	}

	for _, g := range candidates {
		if g.Status == goal.StatusCompleted && !g.Applied.Contains(fingerprint) {
			continue
		}
		saved, upd, err := h.trackOne(ctx, g, evt, fingerprint, streak, now)
		if err != nil {
			log.Error("goal tracking failed", logger.GoalID(g.ID), logger.Err(err))
			result.Failures = append(result.Failures, fmt.Errorf("goal %s: %w", g.ID, err))
			continue
		}
		if !upd.Changed && !upd.Replayed {
			continue
		}
		result.UpdatedGoals = append(result.UpdatedGoals, saved.ID)

		for _, m := range upd.Milestones {
			rw.celebrations = append(rw.celebrations,
				celebration.MilestoneReached(evt.UserID, saved.ID, m.Percentage, m.Reward, now))
		}
		rw.points += upd.RewardPoints(saved)

		switch {
		case upd.Completed:
			rw.goals++
			rw.celebrations = append(rw.celebrations,
				celebration.GoalCompleted(evt.UserID, saved.ID, saved.Title, saved.Reward, now))
			result.CompletedGoals = append(result.CompletedGoals, saved.ID)
			if !upd.Replayed {
				h.metrics.GoalCompleted(string(saved.Category))
			}
			log.Info("goal completed", logger.GoalID(saved.ID), logger.Bool("replayed", upd.Replayed))
		case upd.Failed:
			log.Info("goal failed", logger.GoalID(saved.ID))
		}
	}
}

func (h *RecordActivityHandler) trackOne(
	ctx context.Context,
	g *goal.Goal,
	evt *activity.Event,
	fingerprint string,
	streak int,
	now time.Time,
) (saved *goal.Goal, upd goal.Update, err error) {
	defer recoverInto(&err)

	attempt := 0
	err = h.conflicts.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			h.metrics.ConflictRetried("goal")
			fresh, err := h.goals.Get(ctx, g.ID)
			if err != nil {
				return err
			}
			g = fresh
		}

		working := g.Clone()
		u := working.Absorb(fingerprint, evt, streak, now)
		if !u.Changed {
			saved, upd = working, u
			return nil
		}
		if err := h.goals.Save(ctx, working); err != nil {
			return err
		}
		saved, upd = working, u
		return nil
	})
	return saved, upd, err
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// saveProfile re-reads and re-applies every delta on each attempt, so a
// lost compare-and-swap never drops an update. A profile that already
// lists fingerprint is returned as stored.
func (h *RecordActivityHandler) saveProfile(
	ctx context.Context,
	evt *activity.Event,
	fingerprint string,
	bd points.Breakdown,
	rw rewards,
	now time.Time,
	result *RecordActivityResult,
) (*profile.Profile, error) {
	var saved *profile.Profile
	attempt := 0
	err := h.conflicts.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			h.metrics.ConflictRetried("profile")
		}
		p, err := h.loadProfile(ctx, evt.UserID, now)
		if err != nil {
			return err
		}
		if p.Applied.Contains(fingerprint) {
			saved = p
			return nil
		}

		ups := p.ApplyActivity(evt, bd)
		change := p.Streaks.Record(evt.OccurredAt, h.calendar)
		p.GrantPoints(rw.points)
		for _, b := range rw.badges {
			p.AddBadge(b)
		}
		for _, t := range rw.titles {
			p.AddTitle(t)
		}
		p.Stats.AchievementsEarned += rw.achievements
		p.Stats.GoalsCompleted += rw.goals
		p.Applied = p.Applied.Add(fingerprint)
		p.UpdatedAt = now

		if err := h.profiles.Save(ctx, p); err != nil {
			return err
		}
		saved = p
		result.LevelUps = ups
		result.Streak = change
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record_activity: save profile: %w", err)
	}
	return saved, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CELEBRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// emit creates each celebration once; the store rejects a second record
// for the same transition, which is not an error here.
func (h *RecordActivityHandler) emit(ctx context.Context, cs []*celebration.Celebration, result *RecordActivityResult, log *logger.Logger) {
	for _, c := range cs {
		if err := h.celebrations.Create(ctx, c); err != nil {
			if errors.Is(err, shared.ErrDuplicateCelebration) {
				log.Debug("celebration already emitted", logger.String("source_key", c.SourceKey))
				continue
			}
			log.Error("create celebration", logger.String("source_key", c.SourceKey), logger.Err(err))
			result.Failures = append(result.Failures, fmt.Errorf("celebration %s: %w", c.SourceKey, err))
			continue
		}
		result.Celebrations = append(result.Celebrations, c)
		h.metrics.CelebrationEmitted(string(c.Type))

		if h.publisher == nil {
			continue
		}
		if err := h.publisher.Publish(ctx, c); err != nil {
			// The record is stored; delivery can pick it up from the pending list.
			log.Warn("publish celebration", logger.String("celebration_id", c.ID), logger.Err(err))
		}
	}
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
	}
}
