package payout

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for fee rates.
const BasisPoints = 10000

const (
	DefaultIssuerFeeBps   = 500
	DefaultPlatformFeeBps = 250
)

// Fees holds the fee carve-outs taken from the total pool, in basis points.
type Fees struct {
	IssuerBps   int64 `json:"issuerBps"`
	PlatformBps int64 `json:"platformBps"`
}

// DefaultFees returns the 5% issuer / 2.5% platform split.
func DefaultFees() Fees {
	return Fees{IssuerBps: DefaultIssuerFeeBps, PlatformBps: DefaultPlatformFeeBps}
}

// Prediction is one timestamped stake on a contest item.
type Prediction struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"itemId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Share is the computed weight and payout of one winning prediction.
type Share struct {
	PredictionID     string          `json:"predictionId"`
	ScaledMultiplier int64           `json:"scaledMultiplier"`
	Weight           decimal.Decimal `json:"weight"`
	Payout           decimal.Decimal `json:"payout"`
}

// Breakdown is the full result of distributing one closed contest.
type Breakdown struct {
	PredictorPayouts  map[string]decimal.Decimal `json:"predictorPayouts"`
	Shares            []Share                    `json:"shares"`
	IssuerFee         decimal.Decimal            `json:"issuerFee"`
	PlatformFee       decimal.Decimal            `json:"platformFee"`
	DistributablePool decimal.Decimal            `json:"distributablePool"`
	TotalPool         decimal.Decimal            `json:"totalPool"`
	TotalWeight       decimal.Decimal            `json:"totalWeight"`
	WinningItemID     string                     `json:"winningItemId"`
}

// Distributed returns the sum of all predictor payouts.
func (b Breakdown) Distributed() decimal.Decimal {
	sum := decimal.Zero
	for _, s := range b.Shares {
		sum = sum.Add(s.Payout)
	}
	return sum
}

// Undistributed returns the part of the distributable pool that no winner
// received. It is non-zero only when the winning item has no stakes.
func (b Breakdown) Undistributed() decimal.Decimal {
	return b.DistributablePool.Sub(b.Distributed())
}

// Compute distributes the pool of a closed contest. Every prediction funds
// the pool; only predictions on winningItemID share the distributable part,
// weighted by amount times the time-decay multiplier. Winners are ordered by
// timestamp then id and the last one absorbs the rounding remainder, so
// fees plus payouts always equal the total pool when a winner exists.
func Compute(predictions []Prediction, winningItemID string, start, end time.Time, fees Fees) Breakdown {
	out := Breakdown{
		PredictorPayouts:  map[string]decimal.Decimal{},
		Shares:            []Share{},
		IssuerFee:         decimal.Zero,
		PlatformFee:       decimal.Zero,
		DistributablePool: decimal.Zero,
		TotalPool:         decimal.Zero,
		TotalWeight:       decimal.Zero,
		WinningItemID:     winningItemID,
	}

	for _, p := range predictions {
		out.TotalPool = out.TotalPool.Add(nonNegative(p.Amount))
	}
	out.IssuerFee = bps(out.TotalPool, fees.IssuerBps)
	out.PlatformFee = bps(out.TotalPool, fees.PlatformBps)
	out.DistributablePool = out.TotalPool.Sub(out.IssuerFee).Sub(out.PlatformFee)

	winners := make([]Prediction, 0, len(predictions))
	for _, p := range predictions {
		if p.ItemID == winningItemID {
			winners = append(winners, p)
		}
	}
	if len(winners) == 0 {
		return out
	}
	sort.SliceStable(winners, func(i, j int) bool {
		if !winners[i].Timestamp.Equal(winners[j].Timestamp) {
			return winners[i].Timestamp.Before(winners[j].Timestamp)
		}
		return winners[i].ID < winners[j].ID
	})

	scale := decimal.NewFromInt(MultiplierScale)
	shares := make([]Share, len(winners))
	for i, p := range winners {
		scaled := ScaledMultiplier(p.Timestamp, start, end)
		weight := floorDiv(nonNegative(p.Amount).Mul(decimal.NewFromInt(scaled)), scale)
		shares[i] = Share{PredictionID: p.ID, ScaledMultiplier: scaled, Weight: weight, Payout: decimal.Zero}
		out.TotalWeight = out.TotalWeight.Add(weight)
	}
	if !out.TotalWeight.IsPositive() {
		return out
	}

	paid := decimal.Zero
	last := len(shares) - 1
	for i := range shares {
		if i == last {
			shares[i].Payout = out.DistributablePool.Sub(paid)
		} else {
			shares[i].Payout = floorDiv(shares[i].Weight.Mul(out.DistributablePool), out.TotalWeight)
			paid = paid.Add(shares[i].Payout)
		}
		out.PredictorPayouts[shares[i].PredictionID] = out.PredictorPayouts[shares[i].PredictionID].Add(shares[i].Payout)
	}
	out.Shares = shares
	return out
}

func bps(amount decimal.Decimal, rate int64) decimal.Decimal {
	if rate <= 0 {
		return decimal.Zero
	}
	return floorDiv(amount.Mul(decimal.NewFromInt(rate)), decimal.NewFromInt(BasisPoints))
}

// floorDiv divides two non-negative values and drops the fraction.
func floorDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, 0)
	return q
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
