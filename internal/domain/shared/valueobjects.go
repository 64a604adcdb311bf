package shared

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Clock
// ═══════════════════════════════════════════════════════════════════════════

// Clock abstracts time.Now so state machines can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant until advanced.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a FixedClock set to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// ValidateID trims and checks an identifier supplied by a caller.
func ValidateID(domain, field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewDomainError(domain, "Validate", ErrInvalidID, field+" is required")
	}
	if len(id) > 128 {
		return "", NewDomainError(domain, "Validate", ErrInvalidID, field+" is too long")
	}
	return id, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// TimeRange Value Object
// ═══════════════════════════════════════════════════════════════════════════

// TimeRange is a half-open interval [From, To). A zero bound is unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// IsValid checks that From is not after To when both are set.
func (t TimeRange) IsValid() bool {
	if t.From.IsZero() || t.To.IsZero() {
		return true
	}
	return t.From.Before(t.To)
}

// Contains checks if a time is within the range.
func (t TimeRange) Contains(tm time.Time) bool {
	if !t.From.IsZero() && tm.Before(t.From) {
		return false
	}
	if !t.To.IsZero() && !tm.Before(t.To) {
		return false
	}
	return true
}

// Covers checks if a time is within the closed range [From, To].
func (t TimeRange) Covers(tm time.Time) bool {
	if !t.From.IsZero() && tm.Before(t.From) {
		return false
	}
	if !t.To.IsZero() && tm.After(t.To) {
		return false
	}
	return true
}

// IsUnbounded reports whether neither bound is set.
func (t TimeRange) IsUnbounded() bool {
	return t.From.IsZero() && t.To.IsZero()
}

// NewTimeRange creates a new TimeRange with validation.
func NewTimeRange(from, to time.Time) (TimeRange, error) {
	tr := TimeRange{From: from, To: to}
	if !tr.IsValid() {
		return TimeRange{}, NewDomainError("shared", "NewTimeRange", ErrInvalidInput, "'from' must be before 'to'")
	}
	return tr, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// AppliedEvents Value Object
// ═══════════════════════════════════════════════════════════════════════════

// AppliedEventsLimit bounds how many fingerprints an aggregate remembers.
const AppliedEventsLimit = 32

// AppliedEvents holds the fingerprints of the latest events an aggregate
// absorbed, oldest first. A redelivered event that is still listed has
// already been applied to that aggregate.
type AppliedEvents []string

// Contains reports whether fingerprint was applied.
func (a AppliedEvents) Contains(fingerprint string) bool {
	return fingerprint != "" && slices.Contains(a, fingerprint)
}

// Add returns a copy with fingerprint appended, dropping the oldest
// entries past AppliedEventsLimit.
func (a AppliedEvents) Add(fingerprint string) AppliedEvents {
	if fingerprint == "" || a.Contains(fingerprint) {
		return a
	}
	out := append(slices.Clone(a), fingerprint)
	if len(out) > AppliedEventsLimit {
		out = out[len(out)-AppliedEventsLimit:]
	}
	return out
}
