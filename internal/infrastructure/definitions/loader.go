// Package definitions loads achievement and leaderboard definitions from
// YAML files and syncs them into the stores.
package definitions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FILE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

// File is the root of a definitions document.
//
//	achievements:
//	  - id: first_lesson
//	    name: First Lesson
//	    category: learning
//	    tier: bronze
//	    criteria: {action: lesson_completed, threshold: 1}
//	    rewards: {points: 50, badge: starter}
//	leaderboards:
//	  - id: weekly_points
//	    metric: total_points
//	    timeframe: weekly
//	    settings: {auto_update: true, update_frequency: hourly}
type File struct {
	Achievements []AchievementDoc `yaml:"achievements" validate:"dive"`
	Leaderboards []LeaderboardDoc `yaml:"leaderboards" validate:"dive"`
}

// AchievementDoc is one achievement in a definitions file.
type AchievementDoc struct {
	ID           string               `yaml:"id" validate:"required,max=128"`
	Name         string               `yaml:"name" validate:"required"`
	Description  string               `yaml:"description"`
	Icon         string               `yaml:"icon"`
	Category     achievement.Category `yaml:"category" validate:"required"`
	Tier         achievement.Tier     `yaml:"tier" validate:"omitempty,oneof=bronze silver gold platinum diamond"`
	Criteria     CriteriaDoc          `yaml:"criteria"`
	Rewards      achievement.Rewards  `yaml:"rewards"`
	Prerequisite string               `yaml:"prerequisite"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

// CriteriaDoc mirrors achievement.Criteria with an optional window.
type CriteriaDoc struct {
	Action    achievement.Action `yaml:"action" validate:"required"`
	Threshold int                `yaml:"threshold" validate:"gt=0"`
	Subject   string             `yaml:"subject"`
	Grade     string             `yaml:"grade"`
	Window    *WindowDoc         `yaml:"window"`
}

// WindowDoc bounds qualifying events. Either side may be omitted.
type WindowDoc struct {
	From time.Time `yaml:"from"`
	To   time.Time `yaml:"to"`
}

// LeaderboardDoc is one leaderboard in a definitions file.
type LeaderboardDoc struct {
	ID          string                `yaml:"id" validate:"required,max=128"`
	Name        string                `yaml:"name" validate:"required"`
	Description string                `yaml:"description"`
	Metric      leaderboard.Metric    `yaml:"metric" validate:"required"`
	Timeframe   leaderboard.Timeframe `yaml:"timeframe" validate:"required"`
	Filters     leaderboard.Filters   `yaml:"filters"`
	Settings    SettingsDoc           `yaml:"settings"`
}

// SettingsDoc mirrors leaderboard.Settings with defaults for omitted keys.
type SettingsDoc struct {
	MaxParticipants int                         `yaml:"max_participants" validate:"gte=0"`
	IsActive        *bool                       `yaml:"is_active"`
	AutoUpdate      *bool                       `yaml:"auto_update"`
	UpdateFrequency leaderboard.UpdateFrequency `yaml:"update_frequency" validate:"omitempty,oneof=realtime hourly daily weekly"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PARSING
// ══════════════════════════════════════════════════════════════════════════════

// Set is a validated batch of definitions. Prerequisites may point at
// definitions already stored, so graph checks happen in Syncer.Sync.
type Set struct {
	Achievements []*achievement.Definition
	Leaderboards []*leaderboard.Definition
}

var validate = validator.New()

// Parse decodes and validates a definitions document. Unknown keys are
// rejected so a typo never silently drops a setting.
func Parse(r io.Reader, now time.Time) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, shared.WrapError("definitions", "Parse", shared.ErrValidation, "invalid definitions file", err)
	}

	set := &Set{}
	ids := make(map[string]struct{}, len(f.Achievements))
	for _, doc := range f.Achievements {
		def := doc.toDomain(now)
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ids[def.ID]; dup {
			return nil, shared.WrapError("definitions", "Parse", shared.ErrAlreadyExists,
				fmt.Sprintf("duplicate achievement id %q", def.ID), shared.ErrDuplicateAchievement)
		}
		ids[def.ID] = struct{}{}
		set.Achievements = append(set.Achievements, def)
	}

	seen := make(map[string]struct{}, len(f.Leaderboards))
	for _, doc := range f.Leaderboards {
		def := doc.toDomain(now)
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[def.ID]; dup {
			return nil, shared.NewDomainError("definitions", "Parse", shared.ErrAlreadyExists,
				fmt.Sprintf("duplicate leaderboard id %q", def.ID))
		}
		seen[def.ID] = struct{}{}
		set.Leaderboards = append(set.Leaderboards, def)
	}
	return set, nil
}

// ParseFile reads and parses the file at path.
func ParseFile(path string, now time.Time) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	return Parse(bytes.NewReader(data), now)
}

func (d AchievementDoc) toDomain(now time.Time) *achievement.Definition {
	def := &achievement.Definition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Icon:        d.Icon,
		Category:    d.Category,
		Tier:        d.Tier,
		Criteria: achievement.Criteria{
			Action:    d.Criteria.Action,
			Threshold: d.Criteria.Threshold,
			Subject:   d.Criteria.Subject,
			Grade:     d.Criteria.Grade,
		},
		Rewards:      d.Rewards,
		Prerequisite: d.Prerequisite,
		Active:       d.Active == nil || *d.Active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if def.Tier == "" {
		def.Tier = achievement.TierBronze
	}
	if w := d.Criteria.Window; w != nil {
		def.Criteria.Window = shared.TimeRange{From: w.From, To: w.To}
	}
	return def
}

func (d LeaderboardDoc) toDomain(now time.Time) *leaderboard.Definition {
	freq := d.Settings.UpdateFrequency
	if freq == "" {
		freq = leaderboard.FrequencyHourly
	}
	return &leaderboard.Definition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Metric:      d.Metric,
		Timeframe:   d.Timeframe,
		Filters:     d.Filters,
		Settings: leaderboard.Settings{
			MaxParticipants: d.Settings.MaxParticipants,
			IsActive:        d.Settings.IsActive == nil || *d.Settings.IsActive,
			AutoUpdate:      d.Settings.AutoUpdate == nil || *d.Settings.AutoUpdate,
			UpdateFrequency: freq,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC
// ══════════════════════════════════════════════════════════════════════════════

// Syncer upserts parsed definitions into the stores.
type Syncer struct {
	achievements achievement.Repository
	boards       leaderboard.Repository
	logger       *logger.Logger
}

// NewSyncer creates a new Syncer.
func NewSyncer(achievements achievement.Repository, boards leaderboard.Repository, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Syncer{achievements: achievements, boards: boards, logger: log.Named("definitions")}
}

// Sync validates the union of stored and new achievement definitions
// before writing anything: unknown prerequisites and cycles reject the
// whole set. Achievements are written in prerequisite order.
func (s *Syncer) Sync(ctx context.Context, set *Set) error {
	if len(set.Achievements) > 0 {
		existing, err := s.achievements.ListDefinitions(ctx, false)
		if err != nil {
			return fmt.Errorf("failed to list achievements: %w", err)
		}
		merged := make(map[string]*achievement.Definition, len(existing)+len(set.Achievements))
		for _, d := range existing {
			merged[d.ID] = d
		}
		fromSet := make(map[string]struct{}, len(set.Achievements))
		for _, d := range set.Achievements {
			merged[d.ID] = d
			fromSet[d.ID] = struct{}{}
		}
		all := make([]*achievement.Definition, 0, len(merged))
		for _, d := range merged {
			all = append(all, d)
		}
		ordered, err := achievement.Order(all)
		if err != nil {
			return err
		}
		incoming := make([]*achievement.Definition, 0, len(set.Achievements))
		for _, d := range ordered {
			if _, ok := fromSet[d.ID]; ok {
				incoming = append(incoming, d)
			}
		}
		if err := s.achievements.UpsertDefinitions(ctx, incoming); err != nil {
			return fmt.Errorf("failed to upsert achievements: %w", err)
		}
	}

	if len(set.Leaderboards) > 0 {
		if err := s.boards.UpsertDefinitions(ctx, set.Leaderboards); err != nil {
			return fmt.Errorf("failed to upsert leaderboards: %w", err)
		}
	}

	s.logger.Info("definitions synced",
		logger.Int("achievements", len(set.Achievements)),
		logger.Int("leaderboards", len(set.Leaderboards)),
	)
	return nil
}
