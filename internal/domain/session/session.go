package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an AppSession.
type Status string

const (
	StatusActive      Status = "active"
	StatusChallenging Status = "challenging"
	StatusSettling    Status = "settling"
	StatusSettled     Status = "settled"
	StatusExpired     Status = "expired"
)

// EntryStatus tracks whether the coordinator has acknowledged a locally
// applied prediction or vote.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
	EntryRejected  EntryStatus = "rejected"
)

// PredictionState is one active stake held by the session.
type PredictionState struct {
	ID        string          `json:"id"`
	ContestID string          `json:"contestId"`
	ItemID    string          `json:"itemId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     uint64          `json:"nonce"`
	Status    EntryStatus     `json:"status"`
}

// VoteState is an informational signal used for winner ranking.
type VoteState struct {
	ID        string      `json:"id"`
	ContestID string      `json:"contestId"`
	ItemID    string      `json:"itemId"`
	Timestamp time.Time   `json:"timestamp"`
	Status    EntryStatus `json:"status"`
}

// SessionState is the off-chain ledger of one participant.
type SessionState struct {
	Balance      decimal.Decimal            `json:"balance"`
	LockedAmount decimal.Decimal            `json:"lockedAmount"`
	Predictions  map[string]PredictionState `json:"predictions"`
	Votes        map[string]VoteState       `json:"votes"`
	Nonce        uint64                     `json:"nonce"`
	StateHash    string                     `json:"stateHash"`
}

// Available returns the unlocked part of the balance.
func (s SessionState) Available() decimal.Decimal {
	return s.Balance.Sub(s.LockedAmount)
}

// Settlement is the evidence recorded when a session closes.
type Settlement struct {
	ContestID  string    `json:"contestId"`
	StateHash  string    `json:"stateHash"`
	Signatures []string  `json:"signatures"`
	SettledAt  time.Time `json:"settledAt"`
}

// Challenge describes an open dispute raised by the coordinator.
type Challenge struct {
	Reason   string    `json:"reason"`
	Nonce    uint64    `json:"nonce"`
	RaisedAt time.Time `json:"raisedAt"`
}

// AppSession is a participant's session with the coordinator.
type AppSession struct {
	SessionID    string       `json:"sessionId"`
	AppID        string       `json:"appId"`
	ChannelID    string       `json:"channelId"`
	ContestID    string       `json:"contestId"`
	Participants []string     `json:"participants"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	Status       Status       `json:"status"`
	Settlement   *Settlement  `json:"settlement,omitempty"`
	Challenge    *Challenge   `json:"challenge,omitempty"`
}

// IsExpired reports whether the session outlived its expiry at now.
func (s *AppSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s AppSession) Clone() AppSession {
	out := s
	out.Participants = append([]string(nil), s.Participants...)
	out.State.Predictions = make(map[string]PredictionState, len(s.State.Predictions))
	for k, v := range s.State.Predictions {
		out.State.Predictions[k] = v
	}
	out.State.Votes = make(map[string]VoteState, len(s.State.Votes))
	for k, v := range s.State.Votes {
		out.State.Votes[k] = v
	}
	if s.Settlement != nil {
		st := *s.Settlement
		st.Signatures = append([]string(nil), s.Settlement.Signatures...)
		out.Settlement = &st
	}
	if s.Challenge != nil {
		ch := *s.Challenge
		out.Challenge = &ch
	}
	return out
}
