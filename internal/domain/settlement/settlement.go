package settlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSettlement   = errors.New("settlement failed")
	ErrNoItems      = errors.New("contest has no items to rank")
	ErrUnattributed = errors.New("prediction has no attributable participant")
	ErrNoContest    = errors.New("contest id required")
)

// Contest is a closed, time-boxed contest ready to settle. WinningItemID is
// empty when no winner was declared externally.
type Contest struct {
	ID            string    `json:"id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	WinningItemID string    `json:"winningItemId,omitempty"`
}

// EntryKind distinguishes stakes from votes.
type EntryKind string

const (
	KindPrediction EntryKind = "prediction"
	KindVote       EntryKind = "vote"
)

// Entry is one prediction or vote seen for a contest, ours or another
// participant's.
type Entry struct {
	Kind      EntryKind       `json:"kind"`
	ID        string          `json:"id"`
	ContestID string          `json:"contestId"`
	ItemID    string          `json:"itemId"`
	Owner     string          `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is the hand-off consumed by the external ledger. Participants and
// Payouts are parallel arrays. PredictionPayouts is authoritative; the
// participant view is derived from it through an Attributor.
type Record struct {
	ContestID         string                     `json:"contestId"`
	WinningItemID     string                     `json:"winningItemId"`
	StateHash         string                     `json:"stateHash"`
	Signatures        []string                   `json:"signatures"`
	Participants      []string                   `json:"participants"`
	Payouts           []decimal.Decimal          `json:"payouts"`
	IssuerPayout      decimal.Decimal            `json:"issuerPayout"`
	PlatformPayout    decimal.Decimal            `json:"platformPayout"`
	PredictionPayouts map[string]decimal.Decimal `json:"predictionPayouts"`
	Undistributed     decimal.Decimal            `json:"undistributed"`
	CreatedAt         time.Time                  `json:"createdAt"`
}

// Total returns fees plus participant payouts.
func (r Record) Total() decimal.Decimal {
	sum := r.IssuerPayout.Add(r.PlatformPayout)
	for _, p := range r.Payouts {
		sum = sum.Add(p)
	}
	return sum
}
