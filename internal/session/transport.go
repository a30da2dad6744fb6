package session

import "context"

// Conn is one duplex message connection. ReadMessage is called from a single
// reader goroutine and WriteMessage only from the session loop, so
// implementations need not serialize them against each other.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to url. The session cancels ctx on teardown and when
// the dial timeout elapses.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }
