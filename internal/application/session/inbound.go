package session

import (
	"context"
	"errors"
	"strings"

	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/protocol"
)

// HandleInbound applies a coordinator push. Updates from other participants
// are published as remote changes and never touch the local ledger.
func (s *Service) HandleInbound(ctx context.Context, in protocol.Inbound) error {
	if err := guard(ctx); err != nil {
		return err
	}
	switch m := in.(type) {
	case protocol.StateUpdateInbound:
		return s.handleStateUpdate(ctx, m.Params)
	case protocol.SettlementInbound:
		return s.handleSettlement(ctx, m.Params)
	case protocol.ChallengeInbound:
		return s.handleChallenge(ctx, m.Params)
	case protocol.ConfigInbound:
		s.mu.Lock()
		cfg := m.Params
		s.netConfig = &cfg
		s.mu.Unlock()
		s.logger.Info().Int("networks", len(cfg.Networks)).Msg("coordinator config received")
	case protocol.ErrorInbound:
		s.logger.Warn().Int("code", m.Params.Code).Str("message", m.Params.Message).Msg("coordinator error")
	case protocol.UnrecognizedInbound:
		s.logger.Warn().Str("method", string(m.Envelope().Method)).Str("reason", m.Reason).Msg("unrecognized coordinator message")
	case protocol.PingInbound, protocol.PongInbound:
	}
	return nil
}

func (s *Service) handleStateUpdate(ctx context.Context, p protocol.StateUpdateParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.machine.Session()
	if ok && p.SessionID == cur.SessionID && strings.EqualFold(p.Participant, s.id.Address()) {
		s.applyEntryStatus(ctx, p, session.EntryConfirmed)
		return nil
	}
	remote := p
	s.publish(ctx, broadcast.Change{Kind: broadcast.KindRemoteUpdate, Remote: &remote})
	return nil
}

func (s *Service) handleSettlement(ctx context.Context, p protocol.SettlementParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.machine.Session()
	if !ok || cur.SessionID != p.SessionID {
		s.logger.Debug().Str("session_id", p.SessionID).Msg("settlement notice for unknown session")
		return nil
	}
	if p.StateHash != "" && !strings.EqualFold(p.StateHash, cur.State.StateHash) {
		s.logger.Warn().
			Str("local_hash", cur.State.StateHash).
			Str("remote_hash", p.StateHash).
			Msg("coordinator settled a different state")
		s.opts.Metrics.ObserveSettlement("remote", errStateDiverged)
		return nil
	}

	changed := false
	if cur.Status != session.StatusSettled {
		now := s.opts.Now()
		if _, _, err := s.machine.BeginSettlement(now); err != nil {
			return err
		}
		if _, err := s.machine.CompleteSettlement(p.ContestID, p.Signatures, now); err != nil {
			return err
		}
		changed = true
	} else {
		for _, sig := range p.Signatures {
			_, added, err := s.machine.AddSettlementSignature(sig)
			if err != nil {
				return err
			}
			changed = changed || added
		}
	}
	s.opts.Metrics.ObserveSettlement("remote", nil)
	if changed {
		s.commit(ctx, broadcast.Change{Kind: broadcast.KindSessionSettled})
	}
	return nil
}

func (s *Service) handleChallenge(ctx context.Context, p protocol.ChallengeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.machine.Session()
	if !ok || cur.SessionID != p.SessionID {
		return nil
	}
	if _, err := s.machine.BeginChallenge(p.Reason, p.Nonce, s.opts.Now()); err != nil {
		s.logger.Warn().Err(err).Str("reason", p.Reason).Msg("cannot accept challenge")
		return err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindChallengeRaised})
	s.logger.Warn().Str("reason", p.Reason).Uint64("nonce", p.Nonce).Msg("session challenged")
	if s.opts.AutoRespond {
		if _, err := s.respondLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

var errStateDiverged = errors.New("state hash diverged")

func (s *Service) onCreateReply(sessionID string, reply protocol.Message, err error) {
	if err != nil {
		return
	}
	res, derr := protocol.DecodeParams[protocol.AppSessionCreateResult](reply.Params)
	if derr != nil || res.ChannelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.machine.SetChannelID(sessionID, res.ChannelID); err != nil {
		return
	}
	s.commit(s.bg, broadcast.Change{Kind: broadcast.KindChannelOpened})
}

func (s *Service) onUpdateReply(p protocol.StateUpdateParams, reply protocol.Message, err error) {
	var status session.EntryStatus
	switch {
	case reply.Method == protocol.MethodError:
		status = session.EntryRejected
	case err != nil:
		return
	default:
		res, derr := protocol.DecodeParams[protocol.StateUpdateResult](reply.Params)
		if derr != nil {
			s.logger.Warn().Err(derr).Msg("malformed state update reply")
			return
		}
		status = session.EntryConfirmed
		if !res.Accepted {
			status = session.EntryRejected
			s.logger.Warn().Str("action", string(p.Action)).Str("reason", res.Reason).Msg("coordinator rejected update")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyEntryStatus(s.bg, p, status)
}

func (s *Service) onSettleReply(reply protocol.Message, err error) {
	if err != nil {
		s.opts.Metrics.ObserveSettlement("remote", err)
		return
	}
	res, derr := protocol.DecodeParams[protocol.SettlementParams](reply.Params)
	if derr != nil {
		s.opts.Metrics.ObserveSettlement("remote", derr)
		return
	}
	if err := s.handleSettlement(s.bg, res); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record settlement countersignature")
	}
}

// applyEntryStatus marks the entry named by an update. Cancelled entries are
// gone from the ledger and need no status. Callers hold s.mu.
func (s *Service) applyEntryStatus(ctx context.Context, p protocol.StateUpdateParams, status session.EntryStatus) {
	cur, ok := s.machine.Session()
	if !ok || cur.SessionID != p.SessionID {
		return
	}
	change := broadcast.Change{Kind: broadcast.KindEntryStatus}
	switch p.Action {
	case protocol.ActionPredict, protocol.ActionUpdate:
		pred, err := s.machine.SetPredictionStatus(p.PredictionID, status)
		if err != nil {
			s.logger.Debug().Err(err).Str("prediction_id", p.PredictionID).Msg("status not applied")
			return
		}
		change.Prediction = &pred
	case protocol.ActionVote:
		v, err := s.machine.SetVoteStatus(p.VoteID, status)
		if err != nil {
			s.logger.Debug().Err(err).Str("vote_id", p.VoteID).Msg("status not applied")
			return
		}
		change.Vote = &v
	default:
		return
	}
	s.commit(ctx, change)
}
