package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipstake/clipstake/internal/domain/settlement"
)

// SettlementRepository implements settlement.Ledger as an outbox table read
// by the on-chain submitter.
type SettlementRepository struct {
	pool *pgxpool.Pool
}

func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

var _ settlement.Ledger = (*SettlementRepository)(nil)

// Submit stores the record, replacing an earlier one for the same contest.
func (r *SettlementRepository) Submit(ctx context.Context, rec settlement.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO settlements
			(id, contest_id, winning_item_id, state_hash, issuer_payout, platform_payout, undistributed, record, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (contest_id) DO UPDATE
			SET winning_item_id=EXCLUDED.winning_item_id,
				state_hash=EXCLUDED.state_hash,
				issuer_payout=EXCLUDED.issuer_payout,
				platform_payout=EXCLUDED.platform_payout,
				undistributed=EXCLUDED.undistributed,
				record=EXCLUDED.record,
				created_at=EXCLUDED.created_at,
				submitted_at=now()
			RETURNING id
		`, uuid.New(), rec.ContestID, rec.WinningItemID, rec.StateHash,
			rec.IssuerPayout.String(), rec.PlatformPayout.String(), rec.Undistributed.String(),
			body, rec.CreatedAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_payouts WHERE settlement_id=$1`, id); err != nil {
			return err
		}
		for i, participant := range rec.Participants {
			if _, err := tx.Exec(ctx, `
				INSERT INTO settlement_payouts (settlement_id, position, participant, amount)
				VALUES ($1,$2,$3,$4)
			`, id, i, participant, rec.Payouts[i].String()); err != nil {
				return fmt.Errorf("insert payout: %w", err)
			}
		}
		return nil
	})
}

// Get returns the stored record for a contest, or nil when none exists.
func (r *SettlementRepository) Get(ctx context.Context, contestID string) (*settlement.Record, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM settlements WHERE contest_id=$1`, contestID).Scan(&body)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var rec settlement.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PayoutsFor sums every payout recorded for a participant.
func (r *SettlementRepository) PayoutsFor(ctx context.Context, participant string) (string, error) {
	var total string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM settlement_payouts WHERE participant=$1
	`, participant).Scan(&total)
	return total, err
}
