// Package progress defines the append-only ledger of processed activities.
// Records are immutable once written; corrections are new records.
package progress

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Kind separates regular activity records from corrections.
type Kind string

const (
	KindActivity     Kind = "activity"
	KindCompensation Kind = "compensation"
)

// Record is one immutable ledger entry.
type Record struct {
	ID           string
	UserID       string
	Kind         Kind
	Fingerprint  string
	ActivityType activity.Type
	Subject      string
	Topic        string
	Grade        string
	Performance  activity.Performance
	Points       points.Breakdown
	// StreakAtWrite is the streak value before this activity was applied.
	StreakAtWrite int
	// CompensatesID links a compensation to the record it corrects.
	CompensatesID string
	Reason        string
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// NewRecord builds the ledger entry for a processed activity.
func NewRecord(evt *activity.Event, bd points.Breakdown, streakBefore int, recordedAt time.Time) *Record {
	return &Record{
		ID:            uuid.NewString(),
		UserID:        evt.UserID,
		Kind:          KindActivity,
		Fingerprint:   Fingerprint(evt),
		ActivityType:  evt.Type,
		Subject:       evt.Subject,
		Topic:         evt.Topic,
		Grade:         evt.Grade,
		Performance:   evt.Perf,
		Points:        bd,
		StreakAtWrite: streakBefore,
		OccurredAt:    evt.OccurredAt,
		RecordedAt:    recordedAt,
	}
}

// NewCompensation appends a negating entry for original. Fingerprint is
// derived from the original id so the same correction cannot be applied twice.
func NewCompensation(original *Record, reason string, recordedAt time.Time) (*Record, error) {
	if original == nil || original.Kind != KindActivity {
		return nil, shared.NewDomainError("progress", "Compensate", shared.ErrInvalidInput, "only activity records can be compensated")
	}
	sum := blake2b.Sum256([]byte("compensation|" + original.ID))
	return &Record{
		ID:           uuid.NewString(),
		UserID:       original.UserID,
		Kind:         KindCompensation,
		Fingerprint:  hex.EncodeToString(sum[:]),
		ActivityType: original.ActivityType,
		Subject:      original.Subject,
		Topic:        original.Topic,
		Grade:        original.Grade,
		Points: points.Breakdown{
			Base:  -original.Points.Base,
			Bonus: -original.Points.Bonus,
			Total: -original.Points.Total,
		},
		StreakAtWrite: original.StreakAtWrite,
		CompensatesID: original.ID,
		Reason:        reason,
		OccurredAt:    original.OccurredAt,
		RecordedAt:    recordedAt,
	}, nil
}

// Fingerprint identifies an activity event for deduplication. An upstream
// event id wins when present; otherwise the event content is hashed.
func Fingerprint(evt *activity.Event) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(evt.UserID)
	if evt.ID != "" {
		write("id")
		write(evt.ID)
	} else {
		write(string(evt.Type))
		write(strconv.FormatInt(evt.OccurredAt.UnixNano(), 10))
		write(evt.Subject)
		write(evt.Topic)
		write(evt.Grade)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Filter narrows a ledger scan. Zero fields match everything.
type Filter struct {
	UserID  string
	Subject string
	Grade   string
	Window  shared.TimeRange
	Kinds   []Kind
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *Record) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Grade != "" && r.Grade != f.Grade {
		return false
	}
	if !f.Window.Contains(r.OccurredAt) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if r.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Ledger is the append-only progress store. There is intentionally no
// update or delete.
type Ledger interface {
	// Append stores r. It returns shared.ErrDuplicateEvent when a record
	// with the same fingerprint already exists.
	Append(ctx context.Context, r *Record) error

	// Get returns a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// HasFingerprint reports whether a record for the user's event exists.
	HasFingerprint(ctx context.Context, userID, fingerprint string) (bool, error)

	// Scan streams records matching f in occurrence order. Returning a
	// non-nil error from fn stops the scan and is returned.
	Scan(ctx context.Context, f Filter, fn func(*Record) error) error
}
