package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipstake/clipstake/internal/domain/session"
)

// SessionRepository implements session.Repository. Each participant address
// owns one row, so several daemons can share a database.
type SessionRepository struct {
	pool  *pgxpool.Pool
	owner string
}

func NewSessionRepository(pool *pgxpool.Pool, owner string) *SessionRepository {
	return &SessionRepository{pool: pool, owner: strings.ToLower(owner)}
}

func (r *SessionRepository) Save(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO session_snapshots (owner, session_id, state_hash, snapshot, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (owner) DO UPDATE SET
			session_id=EXCLUDED.session_id,
			state_hash=EXCLUDED.state_hash,
			snapshot=EXCLUDED.snapshot,
			updated_at=EXCLUDED.updated_at
	`, r.owner, snap.SessionID, snap.StateHash, data)
	return err
}

func (r *SessionRepository) Load(ctx context.Context) (*session.Snapshot, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT snapshot FROM session_snapshots WHERE owner=$1`, r.owner).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

func (r *SessionRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM session_snapshots WHERE owner=$1`, r.owner)
	return err
}

var _ session.Repository = (*SessionRepository)(nil)
