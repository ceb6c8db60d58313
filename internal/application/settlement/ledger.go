package settlement

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/clipstake/clipstake/internal/domain/settlement"
)

// LogLedger writes records to the log. Used when no database is configured.
type LogLedger struct {
	logger zerolog.Logger
}

func NewLogLedger(logger zerolog.Logger) *LogLedger {
	return &LogLedger{logger: logger.With().Str("component", "log_ledger").Logger()}
}

func (l *LogLedger) Submit(_ context.Context, rec settlement.Record) error {
	l.logger.Info().
		Str("contest_id", rec.ContestID).
		Str("winning_item_id", rec.WinningItemID).
		Str("state_hash", rec.StateHash).
		Strs("participants", rec.Participants).
		Str("issuer_payout", rec.IssuerPayout.String()).
		Str("platform_payout", rec.PlatformPayout.String()).
		Str("undistributed", rec.Undistributed.String()).
		Msg("settlement record")
	return nil
}
