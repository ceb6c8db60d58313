package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/clipstake/clipstake/internal/domain/payout"
)

// Predictions converts the stake entries of a contest into payout inputs.
func Predictions(entries []Entry) []payout.Prediction {
	out := make([]payout.Prediction, 0, len(entries))
	for _, e := range entries {
		if e.Kind != KindPrediction {
			continue
		}
		out = append(out, payout.Prediction{ID: e.ID, ItemID: e.ItemID, Amount: e.Amount, Timestamp: e.Timestamp})
	}
	return out
}

// BuildRecord maps a payout breakdown onto participants. Payouts of the same
// participant are summed; participants are listed by address.
func BuildRecord(ctx context.Context, contest Contest, b payout.Breakdown, entries []Entry, attr Attributor, stateHash string, signatures []string, at time.Time) (Record, error) {
	if attr == nil {
		attr = OwnerAttributor{}
	}
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Kind == KindPrediction {
			byID[e.ID] = e
		}
	}

	perParticipant := map[string]decimal.Decimal{}
	predictionPayouts := make(map[string]decimal.Decimal, len(b.PredictorPayouts))
	for _, share := range b.Shares {
		predictionPayouts[share.PredictionID] = share.Payout
		e, ok := byID[share.PredictionID]
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnattributed, share.PredictionID)
		}
		addr, err := attr.Attribute(ctx, e)
		if err != nil {
			return Record{}, fmt.Errorf("attribute %s: %w", share.PredictionID, err)
		}
		addr = normalizeAddress(addr)
		perParticipant[addr] = perParticipant[addr].Add(share.Payout)
	}

	participants := make([]string, 0, len(perParticipant))
	for addr := range perParticipant {
		participants = append(participants, addr)
	}
	sort.Strings(participants)
	payouts := make([]decimal.Decimal, len(participants))
	for i, addr := range participants {
		payouts[i] = perParticipant[addr]
	}

	return Record{
		ContestID:         contest.ID,
		WinningItemID:     b.WinningItemID,
		StateHash:         stateHash,
		Signatures:        append([]string{}, signatures...),
		Participants:      participants,
		Payouts:           payouts,
		IssuerPayout:      b.IssuerFee,
		PlatformPayout:    b.PlatformFee,
		PredictionPayouts: predictionPayouts,
		Undistributed:     b.Undistributed(),
		CreatedAt:         at,
	}, nil
}

func normalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}
