package leaderboard

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// accumulator holds one user's running reduction.
type accumulator struct {
	sum   float64
	count int
}

// reducer folds one record into acc. It reports whether the record
// contributed, so users with nothing relevant are left off the board.
type reducer struct {
	fold     func(acc *accumulator, r *progress.Record) bool
	finalize func(acc *accumulator) float64
}

func sum(acc *accumulator) float64 { return acc.sum }

func countOf(t activity.Type) func(*accumulator, *progress.Record) bool {
	return func(acc *accumulator, r *progress.Record) bool {
		if r.Kind != progress.KindActivity || r.ActivityType != t {
			return false
		}
		acc.sum++
		acc.count++
		return true
	}
}

var reducers = map[Metric]reducer{
	MetricTotalPoints: {
		fold: func(acc *accumulator, r *progress.Record) bool {
			acc.sum += float64(r.Points.Total)
			acc.count++
			return true
		},
		finalize: sum,
	},
	MetricStudyTime: {
		fold: func(acc *accumulator, r *progress.Record) bool {
			if r.Kind != progress.KindActivity || r.Performance.TimeSpent <= 0 {
				return false
			}
			acc.sum += r.Performance.TimeSpent.Minutes()
			acc.count++
			return true
		},
		finalize: sum,
	},
	MetricLessonsCompleted: {fold: countOf(activity.TypeLessonCompleted), finalize: sum},
	MetricQuizzesTaken:     {fold: countOf(activity.TypeQuizTaken), finalize: sum},
	MetricActivitiesCount: {
		fold: func(acc *accumulator, r *progress.Record) bool {
			if r.Kind != progress.KindActivity {
				return false
			}
			acc.sum++
			acc.count++
			return true
		},
		finalize: sum,
	},
	MetricAverageScore: {
		fold: func(acc *accumulator, r *progress.Record) bool {
			if r.Kind != progress.KindActivity || !r.Performance.HasScore() {
				return false
			}
			acc.sum += r.Performance.ScoreValue()
			acc.count++
			return true
		},
		finalize: func(acc *accumulator) float64 {
			if acc.count == 0 {
				return 0
			}
			return acc.sum / float64(acc.count)
		},
	},
}

// Aggregation ranks users for one definition. Feed it every ledger
// record that passes Filter, then call Build.
type Aggregation struct {
	def     *Definition
	window  shared.TimeRange
	reducer reducer
	users   map[string]*accumulator
}

// NewAggregation prepares a run for def at time now.
func NewAggregation(def *Definition, now time.Time, cal timeutil.Calendar) (*Aggregation, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	window, err := def.Timeframe.Window(now, cal)
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		def:     def,
		window:  window,
		reducer: reducers[def.Metric],
		users:   make(map[string]*accumulator),
	}, nil
}

// Window is the time range being aggregated.
func (a *Aggregation) Window() shared.TimeRange { return a.window }

// Filter is the ledger scan filter for this run.
func (a *Aggregation) Filter() progress.Filter {
	return progress.Filter{
		Subject: a.def.Filters.Subject,
		Grade:   a.def.Filters.Grade,
		Window:  a.window,
	}
}

// Add folds one record. Records outside the filter are ignored, so a
// caller may also feed an unfiltered stream.
func (a *Aggregation) Add(r *progress.Record) {
	if !a.Filter().Matches(r) {
		return
	}
	acc, ok := a.users[r.UserID]
	if !ok {
		acc = &accumulator{}
	}
	if a.reducer.fold(acc, r) && !ok {
		a.users[r.UserID] = acc
	}
}

// Build sorts by score descending with user id ascending as the tie
// break, truncates to the definition's limit and computes trends
// against previous (which may be nil).
func (a *Aggregation) Build(previous *Snapshot, now time.Time) *Snapshot {
	entries := make([]*Entry, 0, len(a.users))
	for userID, acc := range a.users {
		entries = append(entries, &Entry{UserID: userID, Score: a.reducer.finalize(acc)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})

	total := len(entries)
	if limit := a.def.Limit(); len(entries) > limit {
		entries = entries[:limit]
	}
	for i, e := range entries {
		e.Rank = i + 1
	}
	applyTrends(previous, entries)

	s := &Snapshot{
		ID:                uuid.NewString(),
		DefinitionID:      a.def.ID,
		Metric:            a.def.Metric,
		Window:            a.window,
		TotalParticipants: total,
		Entries:           entries,
		GeneratedAt:       now,
	}
	s.RebuildIndex()
	return s
}

// Aggregate runs a whole aggregation over an in-memory record set.
func Aggregate(def *Definition, records []*progress.Record, previous *Snapshot, now time.Time, cal timeutil.Calendar) (*Snapshot, error) {
	agg, err := NewAggregation(def, now, cal)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		agg.Add(r)
	}
	return agg.Build(previous, now), nil
}
