// Package transport connects the session to the backend over WebSocket.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"aeternum/internal/session"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 4 << 20 // audio clips arrive as base64 frames
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithAuthToken sends Authorization: Bearer <token> on the handshake.
func WithAuthToken(token string) Option {
	return func(d *Dialer) { d.authToken = token }
}

// WithHandshakeTimeout bounds the HTTP upgrade.
func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.ws.HandshakeTimeout = t
		}
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// WithReadLimit caps the size of one inbound frame.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// Dialer opens gorilla/websocket connections.
type Dialer struct {
	ws           *websocket.Dialer
	authToken    string
	writeTimeout time.Duration
	readLimit    int64
}

// NewDialer returns a Dialer with proxy support from the environment.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial performs the WebSocket handshake with url.
func (d *Dialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	header := http.Header{}
	if d.authToken != "" {
		header.Set("Authorization", "Bearer "+d.authToken)
	}
	ws, resp, err := d.ws.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("transport: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(d.readLimit)
	return &Conn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

// Conn is a text-frame connection.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// ReadMessage returns the next data frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage sends data as one text frame.
func (c *Conn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure frame and closes the socket.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

var _ session.Dialer = (*Dialer)(nil)
