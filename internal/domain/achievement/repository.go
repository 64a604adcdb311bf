package achievement

import "context"

// Repository stores definitions and per-user progress.
type Repository interface {
	// ListDefinitions returns definitions ordered by id.
	ListDefinitions(ctx context.Context, activeOnly bool) ([]*Definition, error)
	GetDefinition(ctx context.Context, id string) (*Definition, error)

	// UpsertDefinitions replaces authored fields and keeps TotalEarned.
	UpsertDefinitions(ctx context.Context, defs []*Definition) error

	// IncrementEarned atomically adds one to TotalEarned and returns the
	// new value. Concurrent calls must never lose an increment.
	IncrementEarned(ctx context.Context, id string) (int64, error)

	// GetProgress returns shared.ErrNotFound when the user never touched id.
	GetProgress(ctx context.Context, userID, id string) (*Progress, error)
	ListProgress(ctx context.Context, userID string) ([]*Progress, error)

	// SaveProgress is a compare-and-swap on Version, like profile.Repository.Save.
	SaveProgress(ctx context.Context, p *Progress) error
}
