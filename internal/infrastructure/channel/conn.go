package channel

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const readLimit = 1 << 20

// Conn is a JSON message connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to the coordinator.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the coordinator over gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// peerConn serializes writes; gorilla connections allow one concurrent
// writer only.
type peerConn struct {
	conn Conn
	wmu  sync.Mutex
}

func (p *peerConn) write(v any) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(v)
}
