package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/clipstake/clipstake/internal/domain/settlement"
)

// Ledger is an embedded settlement outbox for single-node deployments.
type Ledger struct {
	db *sql.DB
}

var _ settlement.Ledger = (*Ledger)(nil)

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			contest_id TEXT PRIMARY KEY,
			winning_item_id TEXT NOT NULL,
			state_hash TEXT NOT NULL,
			issuer_payout TEXT NOT NULL,
			platform_payout TEXT NOT NULL,
			record BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_payouts (
			contest_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			participant TEXT NOT NULL,
			amount TEXT NOT NULL,
			PRIMARY KEY (contest_id, position)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// Submit stores the record, replacing an earlier one for the same contest.
func (l *Ledger) Submit(ctx context.Context, rec settlement.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO settlements (contest_id, winning_item_id, state_hash, issuer_payout, platform_payout, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ContestID, rec.WinningItemID, rec.StateHash, rec.IssuerPayout.String(), rec.PlatformPayout.String(), body, rec.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM settlement_payouts WHERE contest_id = ?`, rec.ContestID); err != nil {
		return err
	}
	for i, participant := range rec.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settlement_payouts (contest_id, position, participant, amount) VALUES (?, ?, ?, ?)`,
			rec.ContestID, i, participant, rec.Payouts[i].String(),
		); err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns the stored record for a contest, or nil when none exists.
func (l *Ledger) Get(ctx context.Context, contestID string) (*settlement.Record, error) {
	var body []byte
	err := l.db.QueryRowContext(ctx, `SELECT record FROM settlements WHERE contest_id = ?`, contestID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec settlement.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Participants lists the addresses paid for a contest in record order.
func (l *Ledger) Participants(ctx context.Context, contestID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT participant FROM settlement_payouts WHERE contest_id = ? ORDER BY position`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
