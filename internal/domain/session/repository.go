package session

import "context"

// Repository persists the single local session snapshot. Save replaces the
// previous snapshot atomically; Load returns nil when nothing is stored.
type Repository interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Clear(ctx context.Context) error
}
