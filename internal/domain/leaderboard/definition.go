// Package leaderboard contains leaderboard definitions, the batch
// aggregation that ranks users from the progress ledger, and the
// immutable snapshots it produces.
package leaderboard

import (
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Metric is what a leaderboard ranks by.
type Metric string

const (
	MetricTotalPoints      Metric = "total_points"
	MetricStudyTime        Metric = "study_time"
	MetricLessonsCompleted Metric = "lessons_completed"
	MetricQuizzesTaken     Metric = "quizzes_taken"
	MetricActivitiesCount  Metric = "activities_count"
	MetricAverageScore     Metric = "average_score"
)

// IsKnown reports whether a reducer exists for m.
func (m Metric) IsKnown() bool {
	_, ok := reducers[m]
	return ok
}

// Timeframe selects the ledger window relative to the run time.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeYearly  Timeframe = "yearly"
	TimeframeAllTime Timeframe = "all_time"
)

// Window returns the period containing now.
func (tf Timeframe) Window(now time.Time, cal timeutil.Calendar) (shared.TimeRange, error) {
	switch tf {
	case TimeframeDaily:
		start := cal.StartOfDay(now)
		return shared.TimeRange{From: start, To: start.AddDate(0, 0, 1)}, nil
	case TimeframeWeekly:
		start := cal.StartOfWeek(now)
		return shared.TimeRange{From: start, To: start.AddDate(0, 0, 7)}, nil
	case TimeframeMonthly:
		start := cal.StartOfMonth(now)
		return shared.TimeRange{From: start, To: start.AddDate(0, 1, 0)}, nil
	case TimeframeYearly:
		start := cal.StartOfYear(now)
		return shared.TimeRange{From: start, To: start.AddDate(1, 0, 0)}, nil
	case TimeframeAllTime:
		return shared.TimeRange{}, nil
	default:
		return shared.TimeRange{}, shared.WrapError("leaderboard", "Window", shared.ErrInvalidInput,
			fmt.Sprintf("timeframe %q", tf), shared.ErrUnknownTimeframe)
	}
}

// UpdateFrequency controls how often the scheduler rebuilds a board.
type UpdateFrequency string

const (
	FrequencyRealtime UpdateFrequency = "realtime"
	FrequencyHourly   UpdateFrequency = "hourly"
	FrequencyDaily    UpdateFrequency = "daily"
	FrequencyWeekly   UpdateFrequency = "weekly"
)

// Interval converts the frequency into a rebuild period.
// "realtime" is approximated by a one-minute rebuild.
func (f UpdateFrequency) Interval() time.Duration {
	switch f {
	case FrequencyRealtime:
		return time.Minute
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Filters restrict which ledger records count.
type Filters struct {
	Subject string `json:"subject,omitempty"`
	Grade   string `json:"grade,omitempty"`
}

// Settings are operational knobs.
type Settings struct {
	MaxParticipants int             `json:"max_participants"`
	IsActive        bool            `json:"is_active"`
	AutoUpdate      bool            `json:"auto_update"`
	UpdateFrequency UpdateFrequency `json:"update_frequency"`
}

// DefaultMaxParticipants caps a board when the definition leaves it at zero.
const DefaultMaxParticipants = 100

// Definition is a leaderboard authored outside the engine.
type Definition struct {
	ID          string
	Name        string
	Description string
	Metric      Metric
	Timeframe   Timeframe
	Filters     Filters
	Settings    Settings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the definition.
func (d *Definition) Validate() error {
	if _, err := shared.ValidateID("leaderboard", "leaderboard id", d.ID); err != nil {
		return err
	}
	if !d.Metric.IsKnown() {
		return shared.WrapError("leaderboard", "Validate", shared.ErrInvalidInput,
			fmt.Sprintf("%s: metric %q", d.ID, d.Metric), shared.ErrUnknownMetric)
	}
	if _, err := d.Timeframe.Window(time.Time{}, timeutil.UTC); err != nil {
		return err
	}
	if d.Settings.MaxParticipants < 0 {
		return shared.NewDomainError("leaderboard", "Validate", shared.ErrNegativeValue,
			fmt.Sprintf("%s: max participants cannot be negative", d.ID))
	}
	return nil
}

// Limit returns the effective participant cap.
func (d *Definition) Limit() int {
	if d.Settings.MaxParticipants <= 0 {
		return DefaultMaxParticipants
	}
	return d.Settings.MaxParticipants
}
