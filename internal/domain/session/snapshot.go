package session

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotPrediction is the persisted form of a PredictionState. Timestamps
// are unix milliseconds.
type SnapshotPrediction struct {
	ID        string          `json:"id"`
	ContestID string          `json:"contestId"`
	ItemID    string          `json:"itemId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
	Nonce     uint64          `json:"nonce"`
	Status    EntryStatus     `json:"status,omitempty"`
}

// Snapshot is the durable form of an AppSession. Votes are not part of it.
type Snapshot struct {
	SessionID    string               `json:"sessionId"`
	AppID        string               `json:"appId"`
	ChannelID    string               `json:"channelId"`
	ContestID    string               `json:"contestId,omitempty"`
	Participants []string             `json:"participants"`
	CreatedAt    time.Time            `json:"createdAt"`
	ExpiresAt    time.Time            `json:"expiresAt"`
	Status       Status               `json:"status"`
	Balance      decimal.Decimal      `json:"balance"`
	LockedAmount decimal.Decimal      `json:"lockedAmount"`
	Nonce        uint64               `json:"nonce"`
	StateHash    string               `json:"stateHash"`
	Predictions  []SnapshotPrediction `json:"predictions"`
	Settlement   *Settlement          `json:"settlement,omitempty"`
}

// NewSnapshot converts a session to its persisted form.
func NewSnapshot(s AppSession) Snapshot {
	out := Snapshot{
		SessionID:    s.SessionID,
		AppID:        s.AppID,
		ChannelID:    s.ChannelID,
		ContestID:    s.ContestID,
		Participants: append([]string(nil), s.Participants...),
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		Status:       s.Status,
		Balance:      s.State.Balance,
		LockedAmount: s.State.LockedAmount,
		Nonce:        s.State.Nonce,
		StateHash:    s.State.StateHash,
		Predictions:  make([]SnapshotPrediction, 0, len(s.State.Predictions)),
	}
	for _, p := range s.State.Predictions {
		out.Predictions = append(out.Predictions, SnapshotPrediction{
			ID:        p.ID,
			ContestID: p.ContestID,
			ItemID:    p.ItemID,
			Amount:    p.Amount,
			Timestamp: p.Timestamp.UnixMilli(),
			Nonce:     p.Nonce,
			Status:    p.Status,
		})
	}
	sort.Slice(out.Predictions, func(i, j int) bool { return out.Predictions[i].ID < out.Predictions[j].ID })
	if s.Settlement != nil {
		st := *s.Settlement
		st.Signatures = append([]string(nil), s.Settlement.Signatures...)
		out.Settlement = &st
	}
	return out
}

// Session rebuilds an AppSession from the snapshot. The vote map is empty.
func (s Snapshot) Session() AppSession {
	out := AppSession{
		SessionID:    s.SessionID,
		AppID:        s.AppID,
		ChannelID:    s.ChannelID,
		ContestID:    s.ContestID,
		Participants: append([]string(nil), s.Participants...),
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		Status:       s.Status,
		State: SessionState{
			Balance:      s.Balance,
			LockedAmount: s.LockedAmount,
			Predictions:  make(map[string]PredictionState, len(s.Predictions)),
			Votes:        map[string]VoteState{},
			Nonce:        s.Nonce,
			StateHash:    s.StateHash,
		},
	}
	for _, p := range s.Predictions {
		status := p.Status
		if status == "" {
			status = EntryPending
		}
		out.State.Predictions[p.ID] = PredictionState{
			ID:        p.ID,
			ContestID: p.ContestID,
			ItemID:    p.ItemID,
			Amount:    p.Amount,
			Timestamp: time.UnixMilli(p.Timestamp).UTC(),
			Nonce:     p.Nonce,
			Status:    status,
		}
	}
	if s.Settlement != nil {
		st := *s.Settlement
		st.Signatures = append([]string(nil), s.Settlement.Signatures...)
		out.Settlement = &st
	}
	return out
}
