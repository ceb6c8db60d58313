package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
	"github.com/clipstake/clipstake/internal/protocol"
)

const (
	DefaultAuthWait   = 10 * time.Second
	DefaultSessionTTL = 24 * time.Hour
)

// Channel is the coordinator connection. A nil Channel runs the service in
// local simulation mode.
type Channel interface {
	EnsureAuthenticated(ctx context.Context) error
	Authenticated() bool
	Request(ctx context.Context, method protocol.Method, params any) (protocol.Message, error)
	Notify(method protocol.Method, params any) error
	Reply(id string, method protocol.Method, params any) error
}

// Identity is the local participant.
type Identity interface {
	Address() string
	Sign(payload []byte) (string, error)
}

type Options struct {
	AppID      string
	Asset      string
	ChainID    int64
	SessionTTL time.Duration
	AuthWait   time.Duration
	// Production makes a failed coordinator handshake fatal.
	Production bool
	// AutoRespond answers coordinator challenges with the current state.
	AutoRespond bool
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.AuthWait <= 0 {
		o.AuthWait = DefaultAuthWait
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Service owns the session machine and is the only writer to it. Every
// applied change is persisted, published on the hub and, when a channel is
// attached, forwarded to the coordinator without waiting for the reply.
type Service struct {
	mu      sync.Mutex
	machine *session.Machine
	ch      Channel
	hub     *broadcast.Hub
	repo    session.Repository
	id      Identity
	opts    Options
	logger  zerolog.Logger

	authWaited bool
	netConfig  *protocol.ConfigParams
	expiredFor string

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(ch Channel, hub *broadcast.Hub, repo session.Repository, id Identity, opts Options, logger zerolog.Logger) *Service {
	opts.defaults()
	bg, cancel := context.WithCancel(context.Background())
	return &Service{
		machine: session.NewMachine(),
		ch:      ch,
		hub:     hub,
		repo:    repo,
		id:      id,
		opts:    opts,
		logger:  logger.With().Str("service", "session").Logger(),
		bg:      bg,
		cancel:  cancel,
	}
}

// Local reports whether the service runs without a coordinator.
func (s *Service) Local() bool {
	return s.ch == nil
}

func (s *Service) Address() string {
	return s.id.Address()
}

// CreateSessionInput funds a new session.
type CreateSessionInput struct {
	ContestID    string
	Deposit      decimal.Decimal
	Participants []string
}

// CreateSession replaces the current session. The first call waits for the
// coordinator handshake, bounded by AuthWait; on timeout the service keeps
// going locally.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (session.AppSession, error) {
	if err := guard(ctx); err != nil {
		return session.AppSession{}, err
	}
	if err := s.waitForAuth(ctx); err != nil {
		s.opts.Metrics.ObserveOp("create", err)
		return session.AppSession{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	participants := in.Participants
	if len(participants) == 0 {
		participants = []string{s.id.Address()}
	}
	now := s.opts.Now()
	sess, err := s.machine.Create(session.CreateParams{
		SessionID:    uuid.NewString(),
		AppID:        s.opts.AppID,
		ContestID:    strings.TrimSpace(in.ContestID),
		Participants: participants,
		Deposit:      in.Deposit,
		TTL:          s.opts.SessionTTL,
	}, now)
	s.opts.Metrics.ObserveOp("create", err)
	if err != nil {
		return session.AppSession{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindSessionCreated})
	s.logger.Info().Str("session_id", sess.SessionID).Str("deposit", sess.State.Balance.String()).Msg("session created")

	var expires int64
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt.UnixMilli()
	}
	s.forward(protocol.MethodAppSessionCreate, protocol.AppSessionCreateParams{
		SessionID:    sess.SessionID,
		AppID:        sess.AppID,
		ContestID:    sess.ContestID,
		Participants: sess.Participants,
		Deposit:      sess.State.Balance,
		Asset:        s.opts.Asset,
		ChainID:      s.opts.ChainID,
		ExpiresAt:    expires,
		StateHash:    sess.State.StateHash,
	}, func(reply protocol.Message, err error) {
		s.onCreateReply(sess.SessionID, reply, err)
	})
	return sess, nil
}

// PredictInput stakes Amount on an item.
type PredictInput struct {
	ContestID string
	ItemID    string
	Amount    decimal.Decimal
}

func (s *Service) Predict(ctx context.Context, in PredictInput) (session.PredictionState, error) {
	if err := guard(ctx); err != nil {
		return session.PredictionState{}, err
	}
	if strings.TrimSpace(in.ItemID) == "" {
		return session.PredictionState{}, fmt.Errorf("item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.machine.Predict(uuid.NewString(), in.ContestID, in.ItemID, in.Amount, s.opts.Now())
	s.opts.Metrics.ObserveOp("predict", err)
	if err != nil {
		s.noteExpiry(ctx, err)
		return session.PredictionState{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindPredictionPlaced, Prediction: &p})
	s.forwardUpdate(protocol.ActionPredict, p.ContestID, p.ItemID, p.ID, "", p.Amount, p.Timestamp)
	return p, nil
}

// UpdatePrediction changes the stake of an existing prediction.
func (s *Service) UpdatePrediction(ctx context.Context, id string, amount decimal.Decimal) (session.PredictionState, error) {
	if err := guard(ctx); err != nil {
		return session.PredictionState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.machine.UpdatePrediction(id, amount, s.opts.Now())
	s.opts.Metrics.ObserveOp("update", err)
	if err != nil {
		s.noteExpiry(ctx, err)
		return session.PredictionState{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindPredictionUpdated, Prediction: &p})
	s.forwardUpdate(protocol.ActionUpdate, p.ContestID, p.ItemID, p.ID, "", p.Amount, p.Timestamp)
	return p, nil
}

// CancelPrediction releases the stake of a prediction.
func (s *Service) CancelPrediction(ctx context.Context, id string) (session.PredictionState, error) {
	if err := guard(ctx); err != nil {
		return session.PredictionState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	p, err := s.machine.CancelPrediction(id, now)
	s.opts.Metrics.ObserveOp("cancel", err)
	if err != nil {
		s.noteExpiry(ctx, err)
		return session.PredictionState{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindPredictionCancelled, Prediction: &p})
	s.forwardUpdate(protocol.ActionCancel, p.ContestID, p.ItemID, p.ID, "", p.Amount, now)
	return p, nil
}

// Vote records a ranking signal. Votes lock nothing.
func (s *Service) Vote(ctx context.Context, contestID, itemID string) (session.VoteState, error) {
	if err := guard(ctx); err != nil {
		return session.VoteState{}, err
	}
	if strings.TrimSpace(itemID) == "" {
		return session.VoteState{}, fmt.Errorf("item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.machine.Vote(uuid.NewString(), contestID, itemID, s.opts.Now())
	s.opts.Metrics.ObserveOp("vote", err)
	if err != nil {
		s.noteExpiry(ctx, err)
		return session.VoteState{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindVoteCast, Vote: &v})
	s.forwardUpdate(protocol.ActionVote, v.ContestID, v.ItemID, "", v.ID, decimal.Zero, v.Timestamp)
	return v, nil
}

// RequestSettlement closes the session locally and asks the coordinator to
// countersign. Calling it again on a settled session returns the same
// result. A remote failure does not undo the local settlement.
func (s *Service) RequestSettlement(ctx context.Context) (session.AppSession, error) {
	if err := guard(ctx); err != nil {
		return session.AppSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	sess, done, err := s.machine.BeginSettlement(now)
	if err != nil {
		s.opts.Metrics.ObserveSettlement("local", err)
		return session.AppSession{}, err
	}
	if done {
		return sess, nil
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindSettlementStarted})

	var sigs []string
	if sig, err := s.id.Sign([]byte(sess.State.StateHash)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to sign settlement state")
	} else {
		sigs = append(sigs, sig)
	}
	sess, err = s.machine.CompleteSettlement(sess.ContestID, sigs, now)
	s.opts.Metrics.ObserveSettlement("local", err)
	if err != nil {
		return session.AppSession{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindSessionSettled})
	s.logger.Info().Str("session_id", sess.SessionID).Str("state_hash", sess.State.StateHash).Msg("session settled")

	s.forward(protocol.MethodAppSessionSettle, protocol.SettleParams{
		SessionID:    sess.SessionID,
		ContestID:    sess.ContestID,
		StateHash:    sess.State.StateHash,
		Nonce:        sess.State.Nonce,
		Balance:      sess.State.Balance,
		LockedAmount: sess.State.LockedAmount,
	}, s.onSettleReply)
	return sess, nil
}

// RespondToChallenge answers an open challenge with the current signed
// state and returns the session to active.
func (s *Service) RespondToChallenge(ctx context.Context) (session.AppSession, error) {
	if err := guard(ctx); err != nil {
		return session.AppSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondLocked(ctx)
}

func (s *Service) respondLocked(ctx context.Context) (session.AppSession, error) {
	cur, ok := s.machine.Session()
	if !ok {
		return session.AppSession{}, session.ErrNoSession
	}
	if cur.Status != session.StatusChallenging {
		return session.AppSession{}, fmt.Errorf("%w: no open challenge", session.ErrSessionNotActive)
	}
	if s.ch != nil {
		err := s.ch.Notify(protocol.MethodChallenge, protocol.ChallengeResponseParams{
			SessionID: cur.SessionID,
			Nonce:     cur.State.Nonce,
			StateHash: cur.State.StateHash,
		})
		if err != nil {
			s.opts.Metrics.ObserveOp("challenge_response", err)
			return session.AppSession{}, fmt.Errorf("%w: %v", session.ErrUnhandledChallenge, err)
		}
	}
	sess, err := s.machine.ResolveChallenge(s.opts.Now())
	s.opts.Metrics.ObserveOp("challenge_response", err)
	if err != nil {
		return session.AppSession{}, err
	}
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindChallengeResolved})
	return sess, nil
}

// Session returns a copy of the current session. Safe to call from hub
// subscribers.
func (s *Service) Session() (session.AppSession, bool) {
	return s.machine.Session()
}

func (s *Service) Prediction(id string) (session.PredictionState, error) {
	return s.machine.Prediction(id)
}

// NetworkConfig returns the last configuration pushed by the coordinator.
func (s *Service) NetworkConfig() (protocol.ConfigParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netConfig == nil {
		return protocol.ConfigParams{}, false
	}
	return *s.netConfig, true
}

// Restore reloads the persisted snapshot. It returns false when nothing was
// stored.
func (s *Service) Restore(ctx context.Context) (bool, error) {
	if err := guard(ctx); err != nil {
		return false, err
	}
	if s.repo == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.repo.Load(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	sess, err := s.machine.Restore(*snap)
	if err != nil {
		return false, err
	}
	s.publish(ctx, broadcast.Change{Kind: broadcast.KindSessionRestored})
	s.logger.Info().Str("session_id", sess.SessionID).Str("status", string(sess.Status)).Msg("session restored")
	return true, nil
}

// Wait blocks until every in-flight coordinator send has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close abandons in-flight sends and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func guard(ctx context.Context) error {
	if broadcast.InDispatch(ctx) {
		return broadcast.ErrReentrantMutation
	}
	return nil
}

// waitForAuth blocks the first session creation on the handshake. A
// handshake that fails before the deadline is fatal in production; anything
// else degrades to local operation.
func (s *Service) waitForAuth(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	s.mu.Lock()
	first := !s.authWaited
	s.authWaited = true
	s.mu.Unlock()
	if !first {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.AuthWait)
	defer cancel()
	err := s.ch.EnsureAuthenticated(waitCtx)
	if err == nil {
		return nil
	}
	if s.opts.Production && waitCtx.Err() == nil {
		s.mu.Lock()
		s.authWaited = false
		s.mu.Unlock()
		return err
	}
	s.logger.Warn().Err(err).Msg("coordinator not authenticated, continuing locally")
	return nil
}

// commit persists the current snapshot and publishes the change. Callers
// hold s.mu.
func (s *Service) commit(ctx context.Context, c broadcast.Change) {
	s.persist(ctx)
	s.publish(ctx, c)
}

func (s *Service) publish(ctx context.Context, c broadcast.Change) {
	if s.hub == nil {
		return
	}
	if sess, ok := s.machine.Session(); ok {
		c.Session = &sess
	}
	if c.At.IsZero() {
		c.At = s.opts.Now()
	}
	if _, err := s.hub.Publish(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("kind", string(c.Kind)).Msg("failed to publish change")
	}
}

func (s *Service) persist(ctx context.Context) {
	if s.repo == nil {
		return
	}
	snap, ok := s.machine.Snapshot()
	if !ok {
		return
	}
	if err := s.repo.Save(ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("session_id", snap.SessionID).Msg("failed to persist session snapshot")
	}
}

// noteExpiry publishes the transition when a mutation found the session
// past its expiry.
func (s *Service) noteExpiry(ctx context.Context, err error) {
	if !errors.Is(err, session.ErrSessionExpired) {
		return
	}
	sess, ok := s.machine.Session()
	if !ok || sess.Status != session.StatusExpired || s.expiredFor == sess.SessionID {
		return
	}
	s.expiredFor = sess.SessionID
	s.commit(ctx, broadcast.Change{Kind: broadcast.KindSessionExpired})
}

// forward sends a request in the background. Nothing is sent unless the
// channel is authenticated; the entry then simply stays pending.
func (s *Service) forward(method protocol.Method, params any, onReply func(protocol.Message, error)) {
	if s.ch == nil || !s.ch.Authenticated() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, err := s.ch.Request(s.bg, method, params)
		if err != nil {
			s.logger.Warn().Err(err).Str("method", string(method)).Msg("coordinator request failed")
		}
		if onReply != nil {
			onReply(reply, err)
		}
	}()
}

func (s *Service) forwardUpdate(action protocol.Action, contestID, itemID, predictionID, voteID string, amount decimal.Decimal, at time.Time) {
	sess, ok := s.machine.Session()
	if !ok {
		return
	}
	params := protocol.StateUpdateParams{
		SessionID:    sess.SessionID,
		Participant:  s.id.Address(),
		Action:       action,
		ContestID:    contestID,
		ItemID:       itemID,
		PredictionID: predictionID,
		VoteID:       voteID,
		Amount:       amount,
		Timestamp:    at.UnixMilli(),
		Nonce:        sess.State.Nonce,
		StateHash:    sess.State.StateHash,
	}
	s.forward(protocol.MethodAppStateUpdate, params, func(reply protocol.Message, err error) {
		s.onUpdateReply(params, reply, err)
	})
}
