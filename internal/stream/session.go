// Package stream keeps a market-data streaming connection alive and turns its events into
// cache writes and bus publications.
package stream

import (
	"context"
	"fmt"
)

// Session is a bidirectional text-message connection. Receive returns io.EOF on a clean
// end of stream; any other error is a transport fault. Send must be safe to call while
// Receive is blocked in another goroutine. Close must be idempotent.
type Session interface {
	Send(ctx context.Context, text string) error
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context, credential string) (Session, error)
}

// ConnectionError reports a failed transport handshake.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
