package broadcast

import (
	"time"

	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/protocol"
)

// Kind names what happened to the session.
type Kind string

const (
	KindSessionCreated      Kind = "session_created"
	KindSessionRestored     Kind = "session_restored"
	KindChannelOpened       Kind = "channel_opened"
	KindPredictionPlaced    Kind = "prediction_placed"
	KindPredictionUpdated   Kind = "prediction_updated"
	KindPredictionCancelled Kind = "prediction_cancelled"
	KindVoteCast            Kind = "vote_cast"
	KindEntryStatus         Kind = "entry_status"
	KindSettlementStarted   Kind = "settlement_started"
	KindSessionSettled      Kind = "session_settled"
	KindSessionExpired      Kind = "session_expired"
	KindChallengeRaised     Kind = "challenge_raised"
	KindChallengeResolved   Kind = "challenge_resolved"
	KindRemoteUpdate        Kind = "remote_update"
)

// Change is one applied state change. Session is a copy taken right after
// the change; Remote is set for updates pushed by the coordinator.
type Change struct {
	Seq        uint64                      `json:"seq"`
	Kind       Kind                        `json:"kind"`
	At         time.Time                   `json:"at"`
	Session    *session.AppSession         `json:"session,omitempty"`
	Prediction *session.PredictionState    `json:"prediction,omitempty"`
	Vote       *session.VoteState          `json:"vote,omitempty"`
	Remote     *protocol.StateUpdateParams `json:"remote,omitempty"`
}
