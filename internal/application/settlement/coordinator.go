package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipstake/clipstake/internal/domain/payout"
	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
)

// Sessions is the part of the session service the coordinator needs.
type Sessions interface {
	Session() (session.AppSession, bool)
	RequestSettlement(ctx context.Context) (session.AppSession, error)
}

// Result is everything computed when a contest closes.
type Result struct {
	Record    settlement.Record      `json:"record"`
	Breakdown payout.Breakdown       `json:"breakdown"`
	Ranking   []settlement.ItemScore `json:"ranking,omitempty"`
	Session   *session.AppSession    `json:"session,omitempty"`
}

type Options struct {
	Fees       payout.Fees
	Attributor settlement.Attributor
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Coordinator closes contests: it settles our session, picks the winner
// when none was declared, computes payouts and builds the ledger record.
type Coordinator struct {
	sessions Sessions
	book     *Book
	ranker   *settlement.Ranker
	ledger   settlement.Ledger
	opts     Options
	logger   zerolog.Logger
}

func NewCoordinator(sessions Sessions, book *Book, ranker *settlement.Ranker, ledger settlement.Ledger, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.Attributor == nil {
		opts.Attributor = settlement.OwnerAttributor{}
	}
	if opts.Fees == (payout.Fees{}) {
		opts.Fees = payout.DefaultFees()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		sessions: sessions,
		book:     book,
		ranker:   ranker,
		ledger:   ledger,
		opts:     opts,
		logger:   logger.With().Str("service", "settlement").Logger(),
	}
}

// Close settles a contest and returns the record without submitting it.
func (c *Coordinator) Close(ctx context.Context, contest settlement.Contest) (Result, error) {
	res, err := c.close(ctx, contest)
	c.opts.Metrics.ObserveSettlement("close", err)
	return res, err
}

func (c *Coordinator) close(ctx context.Context, contest settlement.Contest) (Result, error) {
	contest.ID = strings.TrimSpace(contest.ID)
	if contest.ID == "" {
		return Result{}, settlement.ErrNoContest
	}
	log := c.logger.With().Str("contest_id", contest.ID).Logger()

	var res Result
	var stateHash string
	var signatures []string
	if sess, ok := c.sessions.Session(); ok && (sess.ContestID == "" || sess.ContestID == contest.ID) {
		settled, err := c.sessions.RequestSettlement(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("%w: settle session: %v", settlement.ErrSettlement, err)
		}
		res.Session = &settled
		stateHash = settled.State.StateHash
		if settled.Settlement != nil {
			signatures = settled.Settlement.Signatures
		}
	} else {
		log.Warn().Msg("no local session for contest, closing without state evidence")
	}

	entries := c.book.Entries(contest.ID)
	ranking, err := c.ranker.Rank(entries)
	if err != nil && !errors.Is(err, settlement.ErrNoItems) {
		return Result{}, fmt.Errorf("%w: %v", settlement.ErrSettlement, err)
	}
	res.Ranking = ranking

	winner := contest.WinningItemID
	if winner == "" {
		if len(ranking) == 0 {
			return Result{}, fmt.Errorf("%w: %v", settlement.ErrSettlement, settlement.ErrNoItems)
		}
		winner = ranking[0].ItemID
	}

	res.Breakdown = payout.Compute(settlement.Predictions(entries), winner, contest.Start, contest.End, c.opts.Fees)
	if len(res.Breakdown.Shares) == 0 && res.Breakdown.DistributablePool.IsPositive() {
		log.Warn().
			Str("winning_item_id", winner).
			Str("undistributed", res.Breakdown.DistributablePool.String()).
			Msg("no stakes on the winning item, distributable pool left unassigned")
	}

	rec, err := settlement.BuildRecord(ctx, contest, res.Breakdown, entries, c.opts.Attributor, stateHash, signatures, c.opts.Now())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", settlement.ErrSettlement, err)
	}
	res.Record = rec
	log.Info().
		Str("winning_item_id", winner).
		Str("total_pool", res.Breakdown.TotalPool.String()).
		Int("participants", len(rec.Participants)).
		Msg("contest closed")
	return res, nil
}

// Submit hands a record to the ledger.
func (c *Coordinator) Submit(ctx context.Context, rec settlement.Record) error {
	err := c.ledger.Submit(ctx, rec)
	c.opts.Metrics.ObserveSettlement("submit", err)
	if err != nil {
		c.logger.Error().Err(err).Str("contest_id", rec.ContestID).Msg("ledger submission failed")
		return fmt.Errorf("%w: submit %s: %v", settlement.ErrSettlement, rec.ContestID, err)
	}
	return nil
}

// Entries exposes the contest book.
func (c *Coordinator) Entries(contestID string) []settlement.Entry {
	return c.book.Entries(contestID)
}
