// Package points converts an activity and its performance into a points
// breakdown. Calculation is pure and deterministic.
package points

import (
	"math"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
)

// Breakdown is the points awarded for one activity.
type Breakdown struct {
	Base  int `json:"base"`
	Bonus int `json:"bonus"`
	Total int `json:"total"`
}

// baseTable is the base award per activity type.
var baseTable = map[activity.Type]int{
	activity.TypeLessonCompleted:     10,
	activity.TypeQuizTaken:           15,
	activity.TypeAssignmentSubmitted: 20,
	activity.TypeVideoWatched:        5,
	activity.TypeBookRead:            25,
	activity.TypePracticeSession:     8,
	activity.TypeHelpGiven:           12,
	activity.TypeQuestionAnswered:    3,
	activity.TypeResourceShared:      6,
}

// Score tiers, highest first. Only the first matching tier applies.
var scoreTiers = []struct {
	minScore float64
	rate     float64
}{
	{90, 0.5},
	{80, 0.3},
	{70, 0.1},
}

const (
	speedRate      = 0.2
	speedThreshold = 0.8
	firstTryRate   = 0.1
)

// Base returns the base award for t. Unknown types earn zero.
func Base(t activity.Type) int {
	return baseTable[t]
}

// Calculate applies the base table and the performance bonuses.
// Bonus parts are summed as fractions of base and truncated once.
func Calculate(t activity.Type, perf activity.Performance) Breakdown {
	base := Base(t)
	if base == 0 {
		return Breakdown{}
	}

	var bonus float64
	if perf.HasScore() {
		score := perf.ScoreValue()
		for _, tier := range scoreTiers {
			if score >= tier.minScore {
				bonus += float64(base) * tier.rate
				break
			}
		}
	}
	if perf.ExpectedTime > 0 && float64(perf.TimeSpent) <= speedThreshold*float64(perf.ExpectedTime) {
		bonus += float64(base) * speedRate
	}
	if perf.Attempts == 1 {
		bonus += float64(base) * firstTryRate
	}

	b := int(math.Floor(bonus))
	return Breakdown{Base: base, Bonus: b, Total: base + b}
}
