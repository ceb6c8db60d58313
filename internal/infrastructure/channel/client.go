package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
	"github.com/clipstake/clipstake/internal/infrastructure/signer"
	"github.com/clipstake/clipstake/internal/protocol"
)

var (
	ErrConnection       = errors.New("coordinator connection failed")
	ErrAuthentication   = errors.New("coordinator authentication failed")
	ErrTimeout          = errors.New("coordinator request timed out")
	ErrRemote           = errors.New("coordinator returned an error")
	ErrNotAuthenticated = errors.New("channel is not authenticated")
	ErrClosed           = errors.New("channel closed")
)

// State is the connection lifecycle of the channel.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
)

type EventType string

const (
	EventConnected           EventType = "connected"
	EventAuthenticated       EventType = "authenticated"
	EventAuthDegraded        EventType = "auth_degraded"
	EventDisconnected        EventType = "disconnected"
	EventReconnectAttempt    EventType = "reconnect_attempt"
	EventReconnectAbandoned  EventType = "reconnect_abandoned"
	EventRequestTimeout      EventType = "request_timeout"
	EventUnrecognizedMessage EventType = "unrecognized_message"
)

// Event reports a lifecycle change of the channel.
type Event struct {
	Type    EventType
	Attempt int
	Delay   time.Duration
	Method  protocol.Method
	Err     error
	At      time.Time
}

// Identity is the local signing identity.
type Identity interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// ChallengeSigner signs auth challenges; *signer.Chain implements it.
type ChallengeSigner interface {
	Sign(ctx context.Context, c signer.Challenge) (sig string, scheme string, err error)
}

// Token is the coordinator-issued session token, parsed without
// verification.
type Token struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

type Options struct {
	URL               string
	AppID             string
	Scope             string
	AuthExpiry        time.Duration
	Production        bool
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	MaxAttempts       int
	Backoff           Backoff
	Dialer            Dialer
	Sleep             Sleeper
	Metrics           *metrics.Metrics
}

func (o *Options) defaults() {
	if o.AuthExpiry <= 0 {
		o.AuthExpiry = time.Hour
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
}

// Client keeps one logical, authenticated connection to the coordinator.
type Client struct {
	opts   Options
	id     Identity
	signer ChallengeSigner
	logger zerolog.Logger

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	state        State
	conn         *peerConn
	connCancel   context.CancelFunc
	pending      map[string]chan protocol.Message
	authDone     chan struct{}
	authResolved bool
	authErr      error
	degraded     bool
	token        *Token
	closed       bool
	abandoned    bool
	reconnecting bool
	handlers     []func(Event)
	dispatch     func(protocol.Inbound)
}

func New(opts Options, id Identity, cs ChallengeSigner, logger zerolog.Logger) *Client {
	opts.defaults()
	root, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		id:         id,
		signer:     cs,
		logger:     logger.With().Str("component", "channel").Str("url", opts.URL).Logger(),
		root:       root,
		rootCancel: cancel,
		state:      StateDisconnected,
		pending:    make(map[string]chan protocol.Message),
		authDone:   make(chan struct{}),
	}
}

// OnEvent registers an event handler. Handlers run synchronously on the
// goroutine that raised the event.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// OnInbound sets the receiver of unsolicited coordinator messages. Messages
// are delivered one at a time in arrival order.
func (c *Client) OnInbound(fn func(protocol.Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = fn
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Degraded reports that authentication failed and the process continues in
// local-simulated mode.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Client) Production() bool {
	return c.opts.Production
}

func (c *Client) Token() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return Token{}, false
	}
	return *c.token, true
}

// Connect opens the transport and starts the handshake in the background.
// When the first dial fails a reconnect is scheduled and ErrConnection is
// returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.abandoned {
		err := c.authErr
		c.mu.Unlock()
		return err
	}
	if c.conn != nil || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx, false); err != nil {
		c.logger.Warn().Err(err).Msg("coordinator unreachable, scheduling reconnect")
		c.startReconnect()
		return err
	}
	return nil
}

// EnsureAuthenticated waits for the current handshake to finish.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.mu.Unlock()
		return nil
	}
	done := c.authDone
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for authentication: %v", ErrTimeout, ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticated {
		return nil
	}
	if c.authErr != nil {
		return c.authErr
	}
	return ErrNotAuthenticated
}

// Request sends a signed request and waits for the reply with the same id.
func (c *Client) Request(ctx context.Context, method protocol.Method, params any) (protocol.Message, error) {
	if !c.Authenticated() {
		return protocol.Message{}, ErrNotAuthenticated
	}
	return c.request(ctx, method, params)
}

// Notify sends a signed message that expects no reply.
func (c *Client) Notify(method protocol.Method, params any) error {
	return c.send(uuid.NewString(), method, params)
}

// Reply answers an inbound message, reusing its id.
func (c *Client) Reply(id string, method protocol.Method, params any) error {
	return c.send(id, method, params)
}

func (c *Client) send(id string, method protocol.Method, params any) error {
	msg, err := protocol.NewMessage(id, method, params)
	if err != nil {
		return err
	}
	if err := msg.Sign(c.id); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnection
	}
	if err := conn.write(msg); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnection, method, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method protocol.Method, params any) (protocol.Message, error) {
	id := uuid.NewString()
	msg, err := protocol.NewMessage(id, method, params)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := msg.Sign(c.id); err != nil {
		return protocol.Message{}, err
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Message{}, ErrConnection
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := conn.write(msg); err != nil {
		c.dropPending(id)
		return protocol.Message{}, fmt.Errorf("%w: write %s: %v", ErrConnection, method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Message{}, fmt.Errorf("%w: closed while waiting for %s", ErrConnection, method)
		}
		if reply.Method == protocol.MethodError {
			p, _ := protocol.DecodeParams[protocol.ErrorParams](reply.Params)
			return reply, fmt.Errorf("%w: %s: %s", ErrRemote, method, p.Message)
		}
		return reply, nil
	case <-timer.C:
		c.dropPending(id)
		c.opts.Metrics.IncTimeout()
		c.emit(Event{Type: EventRequestTimeout, Method: method})
		return protocol.Message{}, fmt.Errorf("%w: %s %s", ErrTimeout, method, id)
	case <-ctx.Done():
		c.dropPending(id)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close stops reconnecting, fails pending requests and waits for the
// background goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.detachLocked(ErrClosed)
	c.mu.Unlock()

	c.rootCancel()
	if conn != nil {
		_ = conn.conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context, fromReconnect bool) error {
	c.setState(StateConnecting)
	raw, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dial: %v", ErrConnection, err)
	}
	conn := &peerConn{conn: raw}
	connCtx, cancel := context.WithCancel(c.root)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = raw.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connCancel = cancel
	c.state = StateConnected
	if c.authResolved {
		c.authDone = make(chan struct{})
		c.authResolved = false
		c.authErr = nil
	}
	if fromReconnect {
		c.reconnecting = false
	}
	c.wg.Add(3)
	c.mu.Unlock()

	c.logger.Info().Msg("connected to coordinator")
	c.emit(Event{Type: EventConnected})

	go c.readLoop(conn)
	go c.heartbeat(connCtx, conn)
	go c.authenticate(connCtx, conn)
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn *peerConn) {
	defer c.wg.Done()
	tok, err := c.handshake(ctx)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.state = StateAuthenticated
		c.degraded = false
		c.token = tok
		c.resolveAuthLocked(nil)
		c.mu.Unlock()
		c.logger.Info().Str("address", c.id.Address()).Msg("authenticated with coordinator")
		c.emit(Event{Type: EventAuthenticated})
		return
	}

	err = fmt.Errorf("%w: %v", ErrAuthentication, err)
	c.resolveAuthLocked(err)
	c.opts.Metrics.IncAuthFailure()
	if c.opts.Production {
		c.abandoned = true
		c.detachLocked(err)
		c.mu.Unlock()
		_ = conn.conn.Close()
		c.logger.Error().Err(err).Msg("authentication failed, giving up on coordinator")
		c.emit(Event{Type: EventReconnectAbandoned, Err: err})
		return
	}
	c.degraded = true
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("authentication failed, continuing in local-simulated mode")
	c.emit(Event{Type: EventAuthDegraded, Err: err})
}

func (c *Client) handshake(ctx context.Context) (*Token, error) {
	address := c.id.Address()
	expire := time.Now().Add(c.opts.AuthExpiry).Unix()

	reply, err := c.request(ctx, protocol.MethodAuthRequest, protocol.AuthRequestParams{
		Address:     address,
		Application: c.opts.AppID,
		Scope:       c.opts.Scope,
		Expire:      expire,
	})
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	if reply.Method != protocol.MethodAuthChallenge {
		return nil, fmt.Errorf("unexpected reply %s to auth request", reply.Method)
	}
	ch, err := protocol.DecodeParams[protocol.AuthChallengeParams](reply.Params)
	if err != nil || ch.ChallengeMessage == "" {
		return nil, fmt.Errorf("malformed challenge: %v", err)
	}

	sig, scheme, err := c.signer.Sign(ctx, signer.Challenge{
		Message:     ch.ChallengeMessage,
		Scope:       c.opts.Scope,
		Wallet:      address,
		Application: c.opts.AppID,
		Expire:      expire,
	})
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	reply, err = c.request(ctx, protocol.MethodAuthVerify, protocol.AuthVerifyParams{
		Address:   address,
		Challenge: ch.ChallengeMessage,
		Signature: sig,
		Scheme:    scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("auth verify: %w", err)
	}
	res, err := protocol.DecodeParams[protocol.AuthVerifyResult](reply.Params)
	if err != nil {
		return nil, fmt.Errorf("malformed verify result: %w", err)
	}
	if !res.Success {
		return nil, errors.New("challenge rejected")
	}
	if !strings.EqualFold(res.Address, address) {
		return nil, fmt.Errorf("verified identity %s does not match %s", res.Address, address)
	}
	return c.parseToken(res.JWTToken), nil
}

func (c *Client) parseToken(raw string) *Token {
	if raw == "" {
		return nil
	}
	tok := &Token{Raw: raw}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		c.logger.Warn().Err(err).Msg("coordinator token is not a readable JWT")
		return tok
	}
	tok.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok
}

func (c *Client) readLoop(conn *peerConn) {
	defer c.wg.Done()
	for {
		var msg protocol.Message
		if err := conn.conn.ReadJSON(&msg); err != nil {
			c.handleClose(conn, err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		dispatch := c.dispatch
		c.mu.Unlock()
		if ok {
			ch <- msg
			continue
		}

		in := protocol.Decode(msg)
		switch v := in.(type) {
		case protocol.PingInbound:
			if err := c.send(msg.ID, protocol.MethodPong, protocol.PingParams{Timestamp: time.Now().UnixMilli()}); err != nil {
				c.logger.Debug().Err(err).Msg("pong failed")
			}
			continue
		case protocol.PongInbound:
			continue
		case protocol.UnrecognizedInbound:
			c.logger.Warn().Str("method", string(msg.Method)).Str("reason", v.Reason).Msg("unrecognized coordinator message")
			c.emit(Event{Type: EventUnrecognizedMessage, Method: msg.Method})
		}
		if dispatch != nil {
			dispatch(in)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *peerConn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, _ := protocol.NewMessage(uuid.NewString(), protocol.MethodPing, protocol.PingParams{Timestamp: time.Now().UnixMilli()})
			if err := conn.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Client) handleClose(conn *peerConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.detachLocked(fmt.Errorf("%w: %v", ErrConnection, cause))
	closed := c.closed
	c.mu.Unlock()

	_ = conn.conn.Close()
	c.logger.Warn().Err(cause).Msg("coordinator connection closed")
	c.emit(Event{Type: EventDisconnected, Err: cause})
	if !closed {
		c.startReconnect()
	}
}

// detachLocked drops the current connection and fails everything waiting
// on it.
func (c *Client) detachLocked(cause error) {
	c.conn = nil
	c.state = StateDisconnected
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.resolveAuthLocked(cause)
}

func (c *Client) resolveAuthLocked(err error) {
	if c.authResolved {
		return
	}
	c.authErr = err
	c.authResolved = true
	close(c.authDone)
}

func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed || c.abandoned {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := c.opts.Backoff.Delay(attempt)
		c.opts.Metrics.IncReconnect()
		c.emit(Event{Type: EventReconnectAttempt, Attempt: attempt, Delay: delay})
		if err := c.opts.Sleep(c.root, delay); err != nil {
			c.stopReconnecting()
			return
		}
		err := c.dial(c.root, true)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			c.stopReconnecting()
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	err := fmt.Errorf("%w: gave up after %d attempts", ErrConnection, c.opts.MaxAttempts)
	c.mu.Lock()
	c.reconnecting = false
	c.resolveAuthLocked(err)
	c.mu.Unlock()
	c.logger.Error().Int("attempts", c.opts.MaxAttempts).Msg("reconnect abandoned")
	c.emit(Event{Type: EventReconnectAbandoned, Attempt: c.opts.MaxAttempts, Err: err})
}

func (c *Client) stopReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
}

func (c *Client) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.mu.Lock()
	handlers := append([]func(Event){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}
