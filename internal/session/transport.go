package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one framed transport connection. Reads are single-goroutine;
// writes may come from many and are serialized by the implementation.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections. Tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the venue over websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewWebsocketDialer creates a dialer with the given handshake and write
// timeouts.
func NewWebsocketDialer(handshake, write time.Duration) *WebsocketDialer {
	return &WebsocketDialer{HandshakeTimeout: handshake, WriteTimeout: write}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.writeTimeout > 0 {
		_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }
