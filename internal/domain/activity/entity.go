// Package activity contains the learning-activity event consumed by the
// engine. This is a pure domain layer with zero external dependencies.
package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Type is the closed set of activity kinds the engine understands.
type Type string

const (
	TypeLessonCompleted     Type = "lesson_completed"
	TypeQuizTaken           Type = "quiz_taken"
	TypeAssignmentSubmitted Type = "assignment_submitted"
	TypeVideoWatched        Type = "video_watched"
	TypeBookRead            Type = "book_read"
	TypePracticeSession     Type = "practice_session"
	TypeHelpGiven           Type = "help_given"
	TypeQuestionAnswered    Type = "question_answered"
	TypeResourceShared      Type = "resource_shared"
)

// AllTypes lists every known activity type in a stable order.
var AllTypes = []Type{
	TypeLessonCompleted,
	TypeQuizTaken,
	TypeAssignmentSubmitted,
	TypeVideoWatched,
	TypeBookRead,
	TypePracticeSession,
	TypeHelpGiven,
	TypeQuestionAnswered,
	TypeResourceShared,
}

// IsKnown reports whether t is part of the closed enum.
// Unknown types are still recorded; they just earn nothing.
func (t Type) IsKnown() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String returns the string representation of Type.
func (t Type) String() string {
	return string(t)
}

// Performance is the optional measurement attached to an activity.
type Performance struct {
	// Score is a percentage in [0,100]; nil when the activity is unscored.
	Score        *float64      `json:"score,omitempty" validate:"omitempty,gte=0,lte=100"`
	Accuracy     float64       `json:"accuracy,omitempty" validate:"gte=0,lte=100"`
	TimeSpent    time.Duration `json:"time_spent" validate:"gte=0"`
	ExpectedTime time.Duration `json:"expected_time,omitempty" validate:"gte=0"`
	Attempts     int           `json:"attempts,omitempty" validate:"gte=0"`
}

// HasScore reports whether a score was supplied.
func (p Performance) HasScore() bool {
	return p.Score != nil
}

// ScoreValue returns the score or 0 when absent.
func (p Performance) ScoreValue() float64 {
	if p.Score == nil {
		return 0
	}
	return *p.Score
}

// Score is a convenience constructor for Performance.Score.
func Score(v float64) *float64 {
	return &v
}

// Event is a single learning activity reported by an upstream system.
type Event struct {
	// ID is an optional upstream identifier used for idempotency when present.
	ID         string      `json:"id,omitempty" validate:"omitempty,max=128"`
	UserID     string      `json:"user_id" validate:"required,max=128"`
	Type       Type        `json:"type" validate:"required"`
	Subject    string      `json:"subject,omitempty" validate:"max=64"`
	Topic      string      `json:"topic,omitempty" validate:"max=128"`
	Grade      string      `json:"grade,omitempty" validate:"max=32"`
	Perf       Performance `json:"performance"`
	OccurredAt time.Time   `json:"occurred_at" validate:"required"`
}

// Normalize trims identifiers and lowercases enum-like fields.
func (e *Event) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.Type = Type(strings.ToLower(strings.TrimSpace(string(e.Type))))
	e.Subject = strings.ToLower(strings.TrimSpace(e.Subject))
	e.Topic = strings.TrimSpace(e.Topic)
	e.Grade = strings.TrimSpace(e.Grade)
}

// Validate checks the invariants the struct tags cannot express.
func (e *Event) Validate(now time.Time) error {
	if _, err := shared.ValidateID("activity", "user id", e.UserID); err != nil {
		return err
	}
	if e.Type == "" {
		return shared.WrapError("activity", "Validate", shared.ErrValidation, "activity type is required", nil)
	}
	if e.OccurredAt.IsZero() {
		return shared.WrapError("activity", "Validate", shared.ErrValidation, "occurred_at is required", nil)
	}
	// A little clock skew between producers is tolerated.
	if e.OccurredAt.After(now.Add(5 * time.Minute)) {
		return shared.NewDomainError("activity", "Validate", shared.ErrValueOutOfRange,
			fmt.Sprintf("occurred_at %s is in the future", e.OccurredAt.Format(time.RFC3339)))
	}
	return nil
}

// IsLesson reports whether the event completes a lesson.
func (e *Event) IsLesson() bool { return e.Type == TypeLessonCompleted }

// IsQuiz reports whether the event is a quiz attempt.
func (e *Event) IsQuiz() bool { return e.Type == TypeQuizTaken }
