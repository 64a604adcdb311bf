// Package achievement contains achievement definitions, the per-user
// progress state machine and the criteria evaluation rules.
package achievement

import (
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Category groups achievements for presentation.
type Category string

const (
	CategoryLearning    Category = "learning"
	CategoryQuiz        Category = "quiz"
	CategoryConsistency Category = "consistency"
	CategorySocial      Category = "social"
	CategoryMastery     Category = "mastery"
	CategoryMilestone   Category = "milestone"
)

// Tier is the rarity of an achievement.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// Action is the closed set of things an achievement can count.
// Every activity type is an action of the same name.
type Action string

const (
	// ActionAnyActivity counts every processed activity.
	ActionAnyActivity Action = "any"
	// ActionStudyStreak tracks the longest streak observed, not a count.
	ActionStudyStreak Action = "study_streak"
)

// ActionFor returns the counting action for an activity type.
func ActionFor(t activity.Type) Action {
	return Action(t)
}

// IsKnown reports whether a rule exists for a.
func (a Action) IsKnown() bool {
	_, ok := rules[a]
	return ok
}

// Criteria describes what qualifies an event and how many are needed.
type Criteria struct {
	Action    Action `json:"action" yaml:"action"`
	Threshold int    `json:"threshold" yaml:"threshold"`
	// Window restricts qualifying events by occurrence time.
	Window  shared.TimeRange `json:"window" yaml:"-"`
	Subject string           `json:"subject,omitempty" yaml:"subject,omitempty"`
	Grade   string           `json:"grade,omitempty" yaml:"grade,omitempty"`
}

// Rewards are granted exactly once on completion.
type Rewards struct {
	Points int    `json:"points" yaml:"points"`
	Badge  string `json:"badge,omitempty" yaml:"badge,omitempty"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Definition is an achievement authored outside the engine.
type Definition struct {
	ID           string
	Name         string
	Description  string
	Icon         string
	Category     Category
	Tier         Tier
	Criteria     Criteria
	Rewards      Rewards
	Prerequisite string
	Active       bool
	// TotalEarned is a shared counter maintained by the store with an
	// atomic increment. It is read-only here.
	TotalEarned int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks a definition in isolation. Cross-definition checks
// (prerequisite existence and cycles) live in Order.
func (d *Definition) Validate() error {
	if _, err := shared.ValidateID("achievement", "achievement id", d.ID); err != nil {
		return err
	}
	if !d.Criteria.Action.IsKnown() {
		return shared.WrapError("achievement", "Validate", shared.ErrInvalidInput,
			fmt.Sprintf("%s: unknown action %q", d.ID, d.Criteria.Action), shared.ErrInvalidCriteria)
	}
	if d.Criteria.Threshold <= 0 {
		return shared.WrapError("achievement", "Validate", shared.ErrValueOutOfRange,
			fmt.Sprintf("%s: threshold must be positive", d.ID), shared.ErrInvalidCriteria)
	}
	if !d.Criteria.Window.IsValid() {
		return shared.WrapError("achievement", "Validate", shared.ErrInvalidInput,
			fmt.Sprintf("%s: window start must precede end", d.ID), shared.ErrInvalidCriteria)
	}
	if d.Rewards.Points < 0 {
		return shared.NewDomainError("achievement", "Validate", shared.ErrNegativeValue,
			fmt.Sprintf("%s: reward points cannot be negative", d.ID))
	}
	if d.Prerequisite == d.ID {
		return shared.WrapError("achievement", "Validate", shared.ErrInvalidInput,
			fmt.Sprintf("%s: achievement cannot require itself", d.ID), shared.ErrPrerequisiteCycle)
	}
	return nil
}
