package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipstake/clipstake/internal/infrastructure/keystore"
	"github.com/clipstake/clipstake/internal/infrastructure/signer"
	"github.com/clipstake/clipstake/internal/protocol"
)

// coordinator is a minimal in-process counterparty speaking the envelope
// protocol over websocket.
type coordinator struct {
	t        *testing.T
	srv      *httptest.Server
	reject   bool
	silent   map[protocol.Method]bool
	mu       sync.Mutex
	received []protocol.Message
	conns    []*websocket.Conn
}

func newCoordinator(t *testing.T) *coordinator {
	c := &coordinator{t: t, silent: map[protocol.Method]bool{}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		c.serve(conn)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *coordinator) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

func (c *coordinator) serve(conn *websocket.Conn) {
	var wmu sync.Mutex
	reply := func(id string, method protocol.Method, params any) {
		msg, _ := protocol.NewMessage(id, method, params)
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.WriteJSON(msg)
	}
	var challenge string
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.mu.Lock()
		c.received = append(c.received, msg)
		silent := c.silent[msg.Method]
		c.mu.Unlock()
		if silent {
			continue
		}
		switch msg.Method {
		case protocol.MethodAuthRequest:
			challenge = "challenge-" + msg.ID[:8]
			reply(msg.ID, protocol.MethodAuthChallenge, protocol.AuthChallengeParams{ChallengeMessage: challenge})
		case protocol.MethodAuthVerify:
			p, _ := protocol.DecodeParams[protocol.AuthVerifyParams](msg.Params)
			addr, err := protocol.RecoverHash(signer.RawMessageStrategy{}.Hash(signer.Challenge{Message: challenge}), p.Signature)
			ok := err == nil && strings.EqualFold(addr.Hex(), p.Address) && !c.reject
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   p.Address,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}).SignedString([]byte("coordinator-secret"))
			reply(msg.ID, protocol.MethodAuthVerify, protocol.AuthVerifyResult{Success: ok, Address: p.Address, JWTToken: tok})
		case protocol.MethodAppStateUpdate:
			reply(msg.ID, protocol.MethodAppStateUpdate, protocol.StateUpdateResult{Accepted: true})
		case protocol.MethodGetConfig:
			reply(msg.ID, protocol.MethodError, protocol.ErrorParams{Code: 404, Message: "no config"})
		}
	}
}

func (c *coordinator) push(t *testing.T, method protocol.Method, params any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.conns)
	msg, err := protocol.NewMessage("push-1", method, params)
	require.NoError(t, err)
	require.NoError(t, c.conns[len(c.conns)-1].WriteJSON(msg))
}

func (c *coordinator) methods() []protocol.Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Method, 0, len(c.received))
	for _, m := range c.received {
		out = append(out, m.Method)
	}
	return out
}

func newClient(t *testing.T, url string, mutate func(*Options)) (*Client, *keystore.Store) {
	t.Helper()
	ks, err := keystore.Open(keystore.Options{DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	opts := Options{
		URL:            url,
		AppID:          "clipstake",
		Scope:          "app.clipstake",
		RequestTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts, ks, signer.Default(ks, "clipstake", 0, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c, ks
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshakeAuthenticates(t *testing.T) {
	coord := newCoordinator(t)
	c, ks := newClient(t, coord.url(), nil)

	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	assert.Equal(t, StateAuthenticated, c.State())
	assert.False(t, c.Degraded())
	tok, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, ks.Address(), tok.Subject)
	assert.True(t, tok.ExpiresAt.After(time.Now()))
	assert.Equal(t, []protocol.Method{protocol.MethodAuthRequest, protocol.MethodAuthVerify}, coord.methods()[:2])
}

func TestRequestMatchesReplyAndSignsParams(t *testing.T) {
	coord := newCoordinator(t)
	c, ks := newClient(t, coord.url(), nil)
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	reply, err := c.Request(waitCtx(t), protocol.MethodAppStateUpdate, protocol.StateUpdateParams{SessionID: "s", Action: protocol.ActionVote})
	require.NoError(t, err)
	res, err := protocol.DecodeParams[protocol.StateUpdateResult](reply.Params)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	coord.mu.Lock()
	sent := coord.received[len(coord.received)-1]
	coord.mu.Unlock()
	assert.NoError(t, sent.VerifyFrom(ks.Address()))
}

func TestRemoteErrorReply(t *testing.T) {
	coord := newCoordinator(t)
	c, _ := newClient(t, coord.url(), nil)
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	_, err := c.Request(waitCtx(t), protocol.MethodGetConfig, nil)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestRequestTimesOut(t *testing.T) {
	coord := newCoordinator(t)
	coord.silent[protocol.MethodAppStateUpdate] = true
	c, _ := newClient(t, coord.url(), func(o *Options) { o.RequestTimeout = 150 * time.Millisecond })
	var timeouts int
	var mu sync.Mutex
	c.OnEvent(func(e Event) {
		if e.Type == EventRequestTimeout {
			mu.Lock()
			timeouts++
			mu.Unlock()
		}
	})
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	_, err := c.Request(waitCtx(t), protocol.MethodAppStateUpdate, protocol.StateUpdateParams{})
	assert.ErrorIs(t, err, ErrTimeout)
	mu.Lock()
	assert.Equal(t, 1, timeouts)
	mu.Unlock()
}

func TestRequestBeforeAuthentication(t *testing.T) {
	c, _ := newClient(t, "ws://127.0.0.1:1", func(o *Options) {
		o.MaxAttempts = 1
		o.Sleep = func(context.Context, time.Duration) error { return nil }
	})
	_, err := c.Request(context.Background(), protocol.MethodAppStateUpdate, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAuthFailureDegradesOutsideProduction(t *testing.T) {
	coord := newCoordinator(t)
	coord.reject = true
	c, _ := newClient(t, coord.url(), nil)
	degraded := make(chan Event, 1)
	c.OnEvent(func(e Event) {
		if e.Type == EventAuthDegraded {
			degraded <- e
		}
	})

	require.NoError(t, c.Connect(waitCtx(t)))
	err := c.EnsureAuthenticated(waitCtx(t))
	assert.ErrorIs(t, err, ErrAuthentication)

	select {
	case e := <-degraded:
		assert.ErrorIs(t, e.Err, ErrAuthentication)
	case <-time.After(2 * time.Second):
		t.Fatal("no auth_degraded event")
	}
	assert.True(t, c.Degraded())
	assert.Equal(t, StateConnected, c.State())
}

func TestAuthFailureIsFatalInProduction(t *testing.T) {
	coord := newCoordinator(t)
	coord.reject = true
	c, _ := newClient(t, coord.url(), func(o *Options) { o.Production = true })
	abandoned := make(chan Event, 1)
	c.OnEvent(func(e Event) {
		if e.Type == EventReconnectAbandoned {
			abandoned <- e
		}
	})

	require.NoError(t, c.Connect(waitCtx(t)))
	assert.ErrorIs(t, c.EnsureAuthenticated(waitCtx(t)), ErrAuthentication)
	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect_abandoned event")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(waitCtx(t)), ErrAuthentication)
}

func TestInboundPushesAreDispatched(t *testing.T) {
	coord := newCoordinator(t)
	c, _ := newClient(t, coord.url(), nil)
	got := make(chan protocol.Inbound, 4)
	c.OnInbound(func(in protocol.Inbound) { got <- in })
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	coord.push(t, protocol.MethodChallenge, protocol.ChallengeParams{SessionID: "s", Reason: "stale", Nonce: 2})
	select {
	case in := <-got:
		ch, ok := in.(protocol.ChallengeInbound)
		require.True(t, ok, "got %T", in)
		assert.Equal(t, uint64(2), ch.Params.Nonce)
	case <-time.After(2 * time.Second):
		t.Fatal("push not dispatched")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	coord := newCoordinator(t)
	c, _ := newClient(t, coord.url(), func(o *Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	require.NoError(t, c.Connect(waitCtx(t)))

	require.Eventually(t, func() bool {
		for _, m := range coord.methods() {
			if m == protocol.MethodPing {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("connection refused")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &failingDialer{}
	var mu sync.Mutex
	var slept []time.Duration
	c, _ := newClient(t, "ws://coordinator.invalid", func(o *Options) {
		o.MaxAttempts = 5
		o.Dialer = dialer
		o.Sleep = func(_ context.Context, d time.Duration) error {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
			return nil
		}
	})
	abandoned := make(chan Event, 1)
	var attempts []int
	c.OnEvent(func(e Event) {
		switch e.Type {
		case EventReconnectAttempt:
			mu.Lock()
			attempts = append(attempts, e.Attempt)
			mu.Unlock()
		case EventReconnectAbandoned:
			abandoned <- e
		}
	})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)

	select {
	case e := <-abandoned:
		assert.Equal(t, 5, e.Attempt)
		assert.ErrorIs(t, e.Err, ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never abandoned")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, slept)
	for i := 1; i < len(slept); i++ {
		assert.Greater(t, slept[i], slept[i-1])
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	dialer.mu.Lock()
	assert.Equal(t, 6, dialer.calls)
	dialer.mu.Unlock()
	assert.ErrorIs(t, c.EnsureAuthenticated(context.Background()), ErrConnection)
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	coord := newCoordinator(t)
	c, _ := newClient(t, coord.url(), func(o *Options) {
		o.Sleep = func(context.Context, time.Duration) error { return nil }
	})
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	coord.mu.Lock()
	_ = coord.conns[0].Close()
	coord.mu.Unlock()

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.conns) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.Authenticated, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 16*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(6))
	assert.Equal(t, 30*time.Second, b.Delay(200))
}

func TestCloseFailsPendingAndStops(t *testing.T) {
	coord := newCoordinator(t)
	coord.silent[protocol.MethodAppStateUpdate] = true
	c, _ := newClient(t, coord.url(), nil)
	require.NoError(t, c.Connect(waitCtx(t)))
	require.NoError(t, c.EnsureAuthenticated(waitCtx(t)))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), protocol.MethodAppStateUpdate, protocol.StateUpdateParams{})
		errc <- err
	}()
	require.Eventually(t, func() bool {
		for _, m := range coord.methods() {
			if m == protocol.MethodAppStateUpdate {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on close")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
