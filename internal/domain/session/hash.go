package session

import (
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

type hashPrediction struct {
	ID        string `json:"id"`
	ContestID string `json:"contestId"`
	ItemID    string `json:"itemId"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
}

type hashVote struct {
	ID        string `json:"id"`
	ContestID string `json:"contestId"`
	ItemID    string `json:"itemId"`
	Timestamp int64  `json:"timestamp"`
}

type hashable struct {
	Balance      string           `json:"balance"`
	LockedAmount string           `json:"lockedAmount"`
	Nonce        uint64           `json:"nonce"`
	Predictions  []hashPrediction `json:"predictions"`
	Votes        []hashVote       `json:"votes"`
}

// CanonicalBytes returns the deterministic encoding the state hash is taken
// over. Entry statuses are local bookkeeping and are not part of it.
func CanonicalBytes(st SessionState) ([]byte, error) {
	h := hashable{
		Balance:      st.Balance.String(),
		LockedAmount: st.LockedAmount.String(),
		Nonce:        st.Nonce,
		Predictions:  make([]hashPrediction, 0, len(st.Predictions)),
		Votes:        make([]hashVote, 0, len(st.Votes)),
	}
	for _, p := range st.Predictions {
		h.Predictions = append(h.Predictions, hashPrediction{
			ID:        p.ID,
			ContestID: p.ContestID,
			ItemID:    p.ItemID,
			Amount:    p.Amount.String(),
			Timestamp: p.Timestamp.UnixMilli(),
			Nonce:     p.Nonce,
		})
	}
	sort.Slice(h.Predictions, func(i, j int) bool { return h.Predictions[i].ID < h.Predictions[j].ID })
	for _, v := range st.Votes {
		h.Votes = append(h.Votes, hashVote{
			ID:        v.ID,
			ContestID: v.ContestID,
			ItemID:    v.ItemID,
			Timestamp: v.Timestamp.UnixMilli(),
		})
	}
	sort.Slice(h.Votes, func(i, j int) bool { return h.Votes[i].ID < h.Votes[j].ID })
	return json.Marshal(h)
}

// ComputeStateHash returns the 0x-prefixed keccak256 digest of the state.
func ComputeStateHash(st SessionState) (string, error) {
	data, err := CanonicalBytes(st)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(data).Hex(), nil
}
