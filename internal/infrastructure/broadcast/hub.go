package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrReentrantMutation is returned when a subscriber tries to change session
// state from inside its own notification.
var ErrReentrantMutation = errors.New("state mutation from inside a change notification")

type dispatchKey struct{}

// InDispatch reports whether ctx belongs to a subscriber notification.
func InDispatch(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchKey{}).(bool)
	return v
}

// Subscriber receives every change in publish order. It must not mutate
// session state; the ctx it gets is marked so that such calls fail with
// ErrReentrantMutation. A mutation made with any other context blocks
// forever on the publisher's lock.
type Subscriber func(ctx context.Context, c Change)

type subscription struct {
	id uint64
	fn Subscriber
}

// Client is a buffered stream consumer such as an SSE connection.
type Client struct {
	ID string
	C  chan Change

	once sync.Once
	done chan struct{}
}

// Done is closed when the client is unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

type Option func(*Hub)

// WithDropHook is called each time a stream client misses a change.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// Hub fans session changes out to subscribers and stream clients.
type Hub struct {
	pubMu sync.Mutex
	seq   uint64

	mu      sync.RWMutex
	nextID  uint64
	subs    []subscription
	clients map[string]*Client

	dropped atomic.Uint64
	onDrop  func()
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "broadcast").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish assigns the next sequence number and notifies every subscriber
// synchronously, in subscription order, before feeding stream clients.
func (h *Hub) Publish(ctx context.Context, c Change) (Change, error) {
	if InDispatch(ctx) {
		return Change{}, ErrReentrantMutation
	}
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.seq++
	c.Seq = h.seq

	h.mu.RLock()
	subs := append([]subscription(nil), h.subs...)
	h.mu.RUnlock()

	dctx := context.WithValue(ctx, dispatchKey{}, true)
	for _, s := range subs {
		s.fn(dctx, c)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.clients {
		if !trySend(cl, c) {
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
			h.logger.Warn().Str("client_id", cl.ID).Uint64("seq", c.Seq).Msg("stream client lagging, change dropped")
		}
	}
	return c, nil
}

// Register adds a stream client with the given buffer size.
func (h *Hub) Register(buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		ID:   uuid.NewString(),
		C:    make(chan Change, buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	return c
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many client deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Seq returns the sequence number of the last published change.
func (h *Hub) Seq() uint64 {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	return h.seq
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg Change) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.C <- msg:
		return true
	default:
		return false
	}
}
