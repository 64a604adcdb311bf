// Package memory is an in-process implementation of every engine
// repository. It honours the same compare-and-swap and uniqueness
// contracts as the Postgres store and backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Store holds all engine state behind a single RWMutex.
type Store struct {
	mu sync.RWMutex

	records       []*progress.Record
	recordByID    map[string]*progress.Record
	fingerprints  map[string]struct{}
	profiles      map[string]*profile.Profile
	achDefs       map[string]*achievement.Definition
	achProgress   map[string]map[string]*achievement.Progress
	goals         map[string]*goal.Goal
	boardDefs     map[string]*leaderboard.Definition
	snapshots     map[string]*leaderboard.Snapshot
	celebrations  map[string]*celebration.Celebration
	celebrationBy map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		recordByID:    make(map[string]*progress.Record),
		fingerprints:  make(map[string]struct{}),
		profiles:      make(map[string]*profile.Profile),
		achDefs:       make(map[string]*achievement.Definition),
		achProgress:   make(map[string]map[string]*achievement.Progress),
		goals:         make(map[string]*goal.Goal),
		boardDefs:     make(map[string]*leaderboard.Definition),
		snapshots:     make(map[string]*leaderboard.Snapshot),
		celebrations:  make(map[string]*celebration.Celebration),
		celebrationBy: make(map[string]string),
	}
}

// Ledger, Profiles, ... expose the store through the domain interfaces.
func (s *Store) Ledger() progress.Ledger              { return ledger{s} }
func (s *Store) Profiles() profile.Repository         { return profiles{s} }
func (s *Store) Achievements() achievement.Repository { return achievements{s} }
func (s *Store) Goals() goal.Repository               { return goals{s} }
func (s *Store) Leaderboards() leaderboard.Repository { return boards{s} }
func (s *Store) Celebrations() celebration.Repository { return celebrations{s} }

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

type ledger struct{ s *Store }

func (l ledger) Append(ctx context.Context, r *progress.Record) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if _, dup := l.s.fingerprints[r.UserID+"|"+r.Fingerprint]; dup {
		return shared.ErrDuplicateEvent
	}
	cp := *r
	l.s.records = append(l.s.records, &cp)
	l.s.recordByID[cp.ID] = &cp
	l.s.fingerprints[r.UserID+"|"+r.Fingerprint] = struct{}{}
	return nil
}

func (l ledger) Get(ctx context.Context, id string) (*progress.Record, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	r, ok := l.s.recordByID[id]
	if !ok {
		return nil, shared.NewDomainError("progress", "Get", shared.ErrNotFound, "record "+id+" not found")
	}
	cp := *r
	return &cp, nil
}

func (l ledger) HasFingerprint(ctx context.Context, userID, fingerprint string) (bool, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	_, ok := l.s.fingerprints[userID+"|"+fingerprint]
	return ok, nil
}

func (l ledger) Scan(ctx context.Context, f progress.Filter, fn func(*progress.Record) error) error {
	l.s.mu.RLock()
	matched := make([]*progress.Record, 0)
	for _, r := range l.s.records {
		if f.Matches(r) {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	l.s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].OccurredAt.Before(matched[j].OccurredAt) })
	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILES
// ══════════════════════════════════════════════════════════════════════════════

type profiles struct{ s *Store }

func (p profiles) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	stored, ok := p.s.profiles[userID]
	if !ok {
		return nil, shared.ErrProfileNotFound
	}
	return stored.Clone(), nil
}

func (p profiles) Save(ctx context.Context, prof *profile.Profile) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	stored, exists := p.s.profiles[prof.UserID]
	switch {
	case prof.Version == 0 && exists:
		return shared.ConflictError("profile", prof.UserID, prof.Version)
	case prof.Version != 0 && (!exists || stored.Version != prof.Version):
		return shared.ConflictError("profile", prof.UserID, prof.Version)
	}
	prof.Version++
	p.s.profiles[prof.UserID] = prof.Clone()
	return nil
}

func (p profiles) List(ctx context.Context, offset, limit int) ([]*profile.Profile, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	ids := make([]string, 0, len(p.s.profiles))
	for id := range p.s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*profile.Profile, 0)
	for _, id := range page(ids, offset, limit) {
		out = append(out, p.s.profiles[id].Clone())
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

type achievements struct{ s *Store }

func cloneDef(d *achievement.Definition) *achievement.Definition {
	cp := *d
	return &cp
}

func (a achievements) ListDefinitions(ctx context.Context, activeOnly bool) ([]*achievement.Definition, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	out := make([]*achievement.Definition, 0, len(a.s.achDefs))
	for _, d := range a.s.achDefs {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, cloneDef(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a achievements) GetDefinition(ctx context.Context, id string) (*achievement.Definition, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	d, ok := a.s.achDefs[id]
	if !ok {
		return nil, shared.ErrAchievementNotFound
	}
	return cloneDef(d), nil
}

func (a achievements) UpsertDefinitions(ctx context.Context, defs []*achievement.Definition) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	now := time.Now().UTC()
	for _, d := range defs {
		cp := cloneDef(d)
		if existing, ok := a.s.achDefs[d.ID]; ok {
			cp.TotalEarned = existing.TotalEarned
			cp.CreatedAt = existing.CreatedAt
		} else {
			cp.TotalEarned = 0
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		a.s.achDefs[d.ID] = cp
	}
	return nil
}

func (a achievements) IncrementEarned(ctx context.Context, id string) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	d, ok := a.s.achDefs[id]
	if !ok {
		return 0, shared.ErrAchievementNotFound
	}
	d.TotalEarned++
	return d.TotalEarned, nil
}

func (a achievements) GetProgress(ctx context.Context, userID, id string) (*achievement.Progress, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	p, ok := a.s.achProgress[userID][id]
	if !ok {
		return nil, shared.NewDomainError("achievement", "GetProgress", shared.ErrNotFound,
			fmt.Sprintf("no progress for %s/%s", userID, id))
	}
	return p.Clone(), nil
}

func (a achievements) ListProgress(ctx context.Context, userID string) ([]*achievement.Progress, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	out := make([]*achievement.Progress, 0, len(a.s.achProgress[userID]))
	for _, p := range a.s.achProgress[userID] {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

func (a achievements) SaveProgress(ctx context.Context, p *achievement.Progress) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	byAch, ok := a.s.achProgress[p.UserID]
	if !ok {
		byAch = make(map[string]*achievement.Progress)
		a.s.achProgress[p.UserID] = byAch
	}
	stored, exists := byAch[p.AchievementID]
	switch {
	case p.Version == 0 && exists:
		return shared.ConflictError("achievement progress", p.UserID+"/"+p.AchievementID, p.Version)
	case p.Version != 0 && (!exists || stored.Version != p.Version):
		return shared.ConflictError("achievement progress", p.UserID+"/"+p.AchievementID, p.Version)
	}
	p.Version++
	byAch[p.AchievementID] = p.Clone()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GOALS
// ══════════════════════════════════════════════════════════════════════════════

type goals struct{ s *Store }

func (g goals) Get(ctx context.Context, id string) (*goal.Goal, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	stored, ok := g.s.goals[id]
	if !ok {
		return nil, shared.ErrGoalNotFound
	}
	return stored.Clone(), nil
}

func (g goals) ListByUser(ctx context.Context, userID string, statuses ...goal.Status) ([]*goal.Goal, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	out := make([]*goal.Goal, 0)
	for _, stored := range g.s.goals {
		if stored.UserID != userID || !statusIn(stored.Status, statuses) {
			continue
		}
		out = append(out, stored.Clone())
	}
	sortGoals(out)
	return out, nil
}

func (g goals) ListActiveEndingBefore(ctx context.Context, t time.Time, limit int) ([]*goal.Goal, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	out := make([]*goal.Goal, 0)
	for _, stored := range g.s.goals {
		if stored.Status == goal.StatusActive && !stored.Timeframe.To.IsZero() && stored.Timeframe.To.Before(t) {
			out = append(out, stored.Clone())
		}
	}
	sortGoals(out)
	return page(out, 0, limit), nil
}

func (g goals) Save(ctx context.Context, gl *goal.Goal) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	stored, exists := g.s.goals[gl.ID]
	switch {
	case gl.Version == 0 && exists:
		return shared.ConflictError("goal", gl.ID, gl.Version)
	case gl.Version != 0 && (!exists || stored.Version != gl.Version):
		return shared.ConflictError("goal", gl.ID, gl.Version)
	}
	gl.Version++
	g.s.goals[gl.ID] = gl.Clone()
	return nil
}

func statusIn(s goal.Status, statuses []goal.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func sortGoals(gs []*goal.Goal) {
	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.Before(gs[j].CreatedAt)
		}
		return gs[i].ID < gs[j].ID
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARDS
// ══════════════════════════════════════════════════════════════════════════════

type boards struct{ s *Store }

func (b boards) ListDefinitions(ctx context.Context, activeOnly bool) ([]*leaderboard.Definition, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	out := make([]*leaderboard.Definition, 0, len(b.s.boardDefs))
	for _, d := range b.s.boardDefs {
		if activeOnly && !d.Settings.IsActive {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b boards) GetDefinition(ctx context.Context, id string) (*leaderboard.Definition, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	d, ok := b.s.boardDefs[id]
	if !ok {
		return nil, shared.ErrLeaderboardNotFound
	}
	cp := *d
	return &cp, nil
}

func (b boards) UpsertDefinitions(ctx context.Context, defs []*leaderboard.Definition) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	for _, d := range defs {
		cp := *d
		b.s.boardDefs[d.ID] = &cp
	}
	return nil
}

func (b boards) LatestSnapshot(ctx context.Context, definitionID string) (*leaderboard.Snapshot, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	snap, ok := b.s.snapshots[definitionID]
	if !ok {
		return nil, shared.ErrSnapshotNotFound
	}
	return snap, nil
}

// ReplaceSnapshot swaps the pointer; snapshots are never mutated after
// Build, so readers holding the old one keep a consistent list.
func (b boards) ReplaceSnapshot(ctx context.Context, snap *leaderboard.Snapshot) error {
	snap.RebuildIndex()

	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.snapshots[snap.DefinitionID] = snap
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CELEBRATIONS
// ══════════════════════════════════════════════════════════════════════════════

type celebrations struct{ s *Store }

func cloneCelebration(c *celebration.Celebration) *celebration.Celebration {
	cp := *c
	cp.Data = make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		cp.Data[k] = v
	}
	return &cp
}

func (c celebrations) Create(ctx context.Context, cel *celebration.Celebration) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	key := cel.UserID + "|" + cel.SourceKey
	if _, dup := c.s.celebrationBy[key]; dup {
		return shared.ErrDuplicateCelebration
	}
	c.s.celebrations[cel.ID] = cloneCelebration(cel)
	c.s.celebrationBy[key] = cel.ID
	return nil
}

func (c celebrations) Get(ctx context.Context, id string) (*celebration.Celebration, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	cel, ok := c.s.celebrations[id]
	if !ok {
		return nil, shared.ErrCelebrationNotFound
	}
	return cloneCelebration(cel), nil
}

func (c celebrations) ListPending(ctx context.Context, userID string, now time.Time) ([]*celebration.Celebration, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	out := make([]*celebration.Celebration, 0)
	for _, cel := range c.s.celebrations {
		if cel.UserID == userID && !cel.IsShown && !cel.IsExpired(now) {
			out = append(out, cloneCelebration(cel))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c celebrations) MarkShown(ctx context.Context, id string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cel, ok := c.s.celebrations[id]
	if !ok {
		return shared.ErrCelebrationNotFound
	}
	cel.MarkShown(at)
	return nil
}

func (c celebrations) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	n := 0
	for id, cel := range c.s.celebrations {
		if cel.IsExpired(now) {
			delete(c.s.celebrations, id)
			delete(c.s.celebrationBy, cel.UserID+"|"+cel.SourceKey)
			n++
		}
	}
	return n, nil
}
