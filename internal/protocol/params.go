package protocol

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Action is the kind of change carried by app_state_update.
type Action string

const (
	ActionPredict Action = "predict"
	ActionUpdate  Action = "update"
	ActionCancel  Action = "cancel"
	ActionVote    Action = "vote"
)

type AuthRequestParams struct {
	Address     string `json:"address"`
	Application string `json:"application"`
	Scope       string `json:"scope"`
	Expire      int64  `json:"expire"`
}

type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

type AuthVerifyParams struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	Scheme    string `json:"scheme"`
}

type AuthVerifyResult struct {
	Success  bool   `json:"success"`
	Address  string `json:"address"`
	JWTToken string `json:"jwt_token,omitempty"`
}

type NetworkConfig struct {
	ChainID            int64  `json:"chain_id"`
	Name               string `json:"name,omitempty"`
	CustodyAddress     string `json:"custody_address,omitempty"`
	AdjudicatorAddress string `json:"adjudicator_address,omitempty"`
}

// ConfigParams is the coordinator's network configuration. It is treated as
// opaque; Raw keeps the original payload.
type ConfigParams struct {
	BrokerAddress string          `json:"broker_address,omitempty"`
	Networks      []NetworkConfig `json:"networks,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

type AppSessionCreateParams struct {
	SessionID    string          `json:"session_id"`
	AppID        string          `json:"app_id"`
	ContestID    string          `json:"contest_id,omitempty"`
	Participants []string        `json:"participants"`
	Deposit      decimal.Decimal `json:"deposit"`
	Asset        string          `json:"asset,omitempty"`
	ChainID      int64           `json:"chain_id,omitempty"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	StateHash    string          `json:"state_hash"`
}

type AppSessionCreateResult struct {
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id"`
	Status    string `json:"status,omitempty"`
}

// StateUpdateParams is sent for each local mutation and pushed by the
// coordinator for every participant's mutation in the contest.
type StateUpdateParams struct {
	SessionID    string          `json:"session_id"`
	Participant  string          `json:"participant"`
	Action       Action          `json:"action"`
	ContestID    string          `json:"contest_id"`
	ItemID       string          `json:"item_id,omitempty"`
	PredictionID string          `json:"prediction_id,omitempty"`
	VoteID       string          `json:"vote_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Timestamp    int64           `json:"timestamp"`
	Nonce        uint64          `json:"nonce"`
	StateHash    string          `json:"state_hash"`
}

type StateUpdateResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Nonce    uint64 `json:"nonce,omitempty"`
}

type SettleParams struct {
	SessionID    string          `json:"session_id"`
	ContestID    string          `json:"contest_id"`
	StateHash    string          `json:"state_hash"`
	Nonce        uint64          `json:"nonce"`
	Balance      decimal.Decimal `json:"balance"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
}

// SettlementParams is the coordinator's settlement notice, either as a reply
// to app_session_settle or pushed on its own.
type SettlementParams struct {
	SessionID  string   `json:"session_id"`
	ContestID  string   `json:"contest_id"`
	StateHash  string   `json:"state_hash"`
	Signatures []string `json:"signatures"`
	Status     string   `json:"status,omitempty"`
}

type ChallengeParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Nonce     uint64 `json:"nonce"`
	StateHash string `json:"state_hash,omitempty"`
}

type ChallengeResponseParams struct {
	SessionID string `json:"session_id"`
	Nonce     uint64 `json:"nonce"`
	StateHash string `json:"state_hash"`
}

type PingParams struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}
