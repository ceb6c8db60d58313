package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CreateParams describes a new session. IDs and the deposit are supplied by
// the caller; the machine never generates identifiers on its own.
type CreateParams struct {
	SessionID    string
	AppID        string
	ChannelID    string
	ContestID    string
	Participants []string
	Deposit      decimal.Decimal
	TTL          time.Duration
}

// Machine is the deterministic session state machine. It holds at most one
// session and every mutation recomputes the state hash.
type Machine struct {
	mu sync.RWMutex
	s  *AppSession
}

func NewMachine() *Machine {
	return &Machine{}
}

// Create replaces any existing session with a fresh one funded by Deposit.
func (m *Machine) Create(p CreateParams, at time.Time) (AppSession, error) {
	at = stamp(at)
	if err := validateAmount(p.Deposit); err != nil {
		return AppSession{}, err
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return AppSession{}, fmt.Errorf("session id required")
	}
	s := &AppSession{
		SessionID:    p.SessionID,
		AppID:        p.AppID,
		ChannelID:    p.ChannelID,
		ContestID:    p.ContestID,
		Participants: append([]string(nil), p.Participants...),
		State: SessionState{
			Balance:      p.Deposit,
			LockedAmount: decimal.Zero,
			Predictions:  map[string]PredictionState{},
			Votes:        map[string]VoteState{},
		},
		CreatedAt: at,
		Status:    StatusActive,
	}
	if p.TTL > 0 {
		s.ExpiresAt = at.Add(p.TTL)
	}
	if err := rehash(s); err != nil {
		return AppSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return s.Clone(), nil
}

// Predict locks amount against a new prediction.
func (m *Machine) Predict(id, contestID, itemID string, amount decimal.Decimal, at time.Time) (PredictionState, error) {
	at = stamp(at)
	if err := validateAmount(amount); err != nil {
		return PredictionState{}, err
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(itemID) == "" {
		return PredictionState{}, fmt.Errorf("prediction id and item id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(at); err != nil {
		return PredictionState{}, err
	}
	st := &m.s.State
	if _, exists := st.Predictions[id]; exists {
		return PredictionState{}, fmt.Errorf("prediction %s already exists", id)
	}
	if st.Available().LessThan(amount) {
		return PredictionState{}, ErrInsufficientBalance
	}

	st.Nonce++
	p := PredictionState{
		ID:        id,
		ContestID: contestID,
		ItemID:    itemID,
		Amount:    amount,
		Timestamp: at,
		Nonce:     st.Nonce,
		Status:    EntryPending,
	}
	st.Predictions[id] = p
	st.LockedAmount = st.LockedAmount.Add(amount)
	if err := rehash(m.s); err != nil {
		return PredictionState{}, err
	}
	return p, nil
}

// UpdatePrediction changes the stake of an existing prediction. Only an
// increase is checked against the available balance.
func (m *Machine) UpdatePrediction(id string, newAmount decimal.Decimal, at time.Time) (PredictionState, error) {
	at = stamp(at)
	if err := validateAmount(newAmount); err != nil {
		return PredictionState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(at); err != nil {
		return PredictionState{}, err
	}
	st := &m.s.State
	p, ok := st.Predictions[id]
	if !ok {
		return PredictionState{}, ErrPredictionNotFound
	}
	delta := newAmount.Sub(p.Amount)
	if delta.IsPositive() && st.Available().LessThan(delta) {
		return PredictionState{}, ErrInsufficientBalance
	}

	st.Nonce++
	p.Amount = newAmount
	p.Nonce = st.Nonce
	p.Status = EntryPending
	st.Predictions[id] = p
	st.LockedAmount = st.LockedAmount.Add(delta)
	if err := rehash(m.s); err != nil {
		return PredictionState{}, err
	}
	return p, nil
}

// CancelPrediction releases the stake and removes the prediction.
func (m *Machine) CancelPrediction(id string, at time.Time) (PredictionState, error) {
	at = stamp(at)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(at); err != nil {
		return PredictionState{}, err
	}
	st := &m.s.State
	p, ok := st.Predictions[id]
	if !ok {
		return PredictionState{}, ErrPredictionNotFound
	}

	st.Nonce++
	delete(st.Predictions, id)
	st.LockedAmount = st.LockedAmount.Sub(p.Amount)
	if err := rehash(m.s); err != nil {
		return PredictionState{}, err
	}
	return p, nil
}

// Vote records an informational signal for an item. It has no balance effect.
func (m *Machine) Vote(id, contestID, itemID string, at time.Time) (VoteState, error) {
	at = stamp(at)
	if strings.TrimSpace(id) == "" || strings.TrimSpace(itemID) == "" {
		return VoteState{}, fmt.Errorf("vote id and item id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked(at); err != nil {
		return VoteState{}, err
	}
	st := &m.s.State
	if _, exists := st.Votes[id]; exists {
		return VoteState{}, fmt.Errorf("vote %s already exists", id)
	}

	st.Nonce++
	v := VoteState{
		ID:        id,
		ContestID: contestID,
		ItemID:    itemID,
		Timestamp: at,
		Status:    EntryPending,
	}
	st.Votes[id] = v
	if err := rehash(m.s); err != nil {
		return VoteState{}, err
	}
	return v, nil
}

// BeginSettlement moves the session to settling. When the session is
// already settled it returns it unchanged with done set.
func (m *Machine) BeginSettlement(at time.Time) (s AppSession, done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return AppSession{}, false, ErrNoSession
	}
	switch m.s.Status {
	case StatusSettled:
		return m.s.Clone(), true, nil
	case StatusChallenging:
		return AppSession{}, false, fmt.Errorf("%w: challenge pending", ErrSessionNotActive)
	}
	m.s.Status = StatusSettling
	return m.s.Clone(), false, nil
}

// CompleteSettlement seals a settling session. The state itself is not
// touched, so the state hash is the one observed at BeginSettlement.
func (m *Machine) CompleteSettlement(contestID string, signatures []string, at time.Time) (AppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return AppSession{}, ErrNoSession
	}
	if m.s.Status == StatusSettled {
		return m.s.Clone(), nil
	}
	if m.s.Status != StatusSettling {
		return AppSession{}, fmt.Errorf("%w: status %s", ErrSessionNotActive, m.s.Status)
	}
	if contestID == "" {
		contestID = m.s.ContestID
	}
	m.s.Status = StatusSettled
	m.s.Settlement = &Settlement{
		ContestID:  contestID,
		StateHash:  m.s.State.StateHash,
		Signatures: append([]string(nil), signatures...),
		SettledAt:  at,
	}
	return m.s.Clone(), nil
}

// AddSettlementSignature appends a countersignature to a settled session's
// settlement evidence. The session state stays frozen.
func (m *Machine) AddSettlementSignature(sig string) (AppSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return AppSession{}, false, ErrNoSession
	}
	if m.s.Settlement == nil {
		return AppSession{}, false, fmt.Errorf("%w: not settled", ErrSessionNotActive)
	}
	for _, existing := range m.s.Settlement.Signatures {
		if strings.EqualFold(existing, sig) {
			return m.s.Clone(), false, nil
		}
	}
	m.s.Settlement.Signatures = append(m.s.Settlement.Signatures, sig)
	return m.s.Clone(), true, nil
}

// SetPredictionStatus records the coordinator's verdict on a prediction.
// Rejected entries are kept; nothing is rolled back.
func (m *Machine) SetPredictionStatus(id string, status EntryStatus) (PredictionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return PredictionState{}, ErrNoSession
	}
	if m.s.Status == StatusSettled {
		return PredictionState{}, ErrSessionSettled
	}
	p, ok := m.s.State.Predictions[id]
	if !ok {
		return PredictionState{}, ErrPredictionNotFound
	}
	p.Status = status
	m.s.State.Predictions[id] = p
	return p, nil
}

func (m *Machine) SetVoteStatus(id string, status EntryStatus) (VoteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return VoteState{}, ErrNoSession
	}
	if m.s.Status == StatusSettled {
		return VoteState{}, ErrSessionSettled
	}
	v, ok := m.s.State.Votes[id]
	if !ok {
		return VoteState{}, ErrVoteNotFound
	}
	v.Status = status
	m.s.State.Votes[id] = v
	return v, nil
}

// BeginChallenge opens the dispute path. Only an active session can be
// challenged.
func (m *Machine) BeginChallenge(reason string, nonce uint64, at time.Time) (AppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return AppSession{}, ErrNoSession
	}
	switch m.s.Status {
	case StatusSettled:
		return AppSession{}, ErrSessionSettled
	case StatusActive:
	default:
		return AppSession{}, fmt.Errorf("%w: status %s", ErrSessionNotActive, m.s.Status)
	}
	m.s.Status = StatusChallenging
	m.s.Challenge = &Challenge{Reason: reason, Nonce: nonce, RaisedAt: at}
	return m.s.Clone(), nil
}

// ResolveChallenge returns a challenged session to active.
func (m *Machine) ResolveChallenge(at time.Time) (AppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return AppSession{}, ErrNoSession
	}
	if m.s.Status != StatusChallenging {
		return AppSession{}, fmt.Errorf("%w: no open challenge", ErrSessionNotActive)
	}
	m.s.Status = StatusActive
	m.s.Challenge = nil
	return m.s.Clone(), nil
}

// SetChannelID records the channel the coordinator opened for the session.
func (m *Machine) SetChannelID(sessionID, channelID string) (AppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil || m.s.SessionID != sessionID {
		return AppSession{}, ErrNoSession
	}
	m.s.ChannelID = channelID
	return m.s.Clone(), nil
}

// Session returns a copy of the current session.
func (m *Machine) Session() (AppSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s == nil {
		return AppSession{}, false
	}
	return m.s.Clone(), true
}

func (m *Machine) Prediction(id string) (PredictionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s == nil {
		return PredictionState{}, ErrNoSession
	}
	p, ok := m.s.State.Predictions[id]
	if !ok {
		return PredictionState{}, ErrPredictionNotFound
	}
	return p, nil
}

// VoteByID looks up a recorded vote.
func (m *Machine) VoteByID(id string) (VoteState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s == nil {
		return VoteState{}, ErrNoSession
	}
	v, ok := m.s.State.Votes[id]
	if !ok {
		return VoteState{}, ErrVoteNotFound
	}
	return v, nil
}

// Snapshot returns the persisted form of the current session.
func (m *Machine) Snapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s == nil {
		return Snapshot{}, false
	}
	return NewSnapshot(*m.s), true
}

// Restore replaces machine state from a snapshot. The stored state hash is
// kept as is; the ledger invariants are checked before anything changes.
func (m *Machine) Restore(snap Snapshot) (AppSession, error) {
	s := snap.Session()
	if s.SessionID == "" {
		return AppSession{}, fmt.Errorf("%w: missing session id", ErrCorruptSnapshot)
	}
	sum := decimal.Zero
	for _, p := range s.State.Predictions {
		if p.Amount.IsNegative() {
			return AppSession{}, fmt.Errorf("%w: negative amount on %s", ErrCorruptSnapshot, p.ID)
		}
		sum = sum.Add(p.Amount)
	}
	st := s.State
	if !sum.Equal(st.LockedAmount) {
		return AppSession{}, fmt.Errorf("%w: locked %s != predictions %s", ErrCorruptSnapshot, st.LockedAmount, sum)
	}
	if st.LockedAmount.IsNegative() || st.LockedAmount.GreaterThan(st.Balance) {
		return AppSession{}, fmt.Errorf("%w: locked %s exceeds balance %s", ErrCorruptSnapshot, st.LockedAmount, st.Balance)
	}
	switch s.Status {
	case StatusActive, StatusChallenging, StatusSettling, StatusSettled, StatusExpired:
	default:
		return AppSession{}, fmt.Errorf("%w: unknown status %q", ErrCorruptSnapshot, s.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = &s
	return s.Clone(), nil
}

// Reset drops the current session.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
}

// mutableLocked guards every operation that changes the ledger. A session
// found past its expiry is marked expired.
func (m *Machine) mutableLocked(at time.Time) error {
	if m.s == nil {
		return ErrNoSession
	}
	switch m.s.Status {
	case StatusSettled:
		return ErrSessionSettled
	case StatusExpired:
		return ErrSessionExpired
	case StatusActive:
	default:
		return fmt.Errorf("%w: status %s", ErrSessionNotActive, m.s.Status)
	}
	if m.s.IsExpired(at) {
		m.s.Status = StatusExpired
		return ErrSessionExpired
	}
	return nil
}

// stamp brings a mutation time to the millisecond precision used on the
// wire, in the state hash and in snapshots.
func stamp(at time.Time) time.Time {
	return at.UTC().Truncate(time.Millisecond)
}

func rehash(s *AppSession) error {
	h, err := ComputeStateHash(s.State)
	if err != nil {
		return fmt.Errorf("state hash: %w", err)
	}
	s.State.StateHash = h
	return nil
}

func validateAmount(d decimal.Decimal) error {
	if !d.IsPositive() || !d.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}
