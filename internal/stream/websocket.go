package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/tickwatch/internal/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// WSConnector dials a websocket endpoint authenticated with a bearer token.
type WSConnector struct {
	url         string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	log         *logger.Logger
}

// NewWSConnector creates a connector for url. A zero readTimeout disables read deadlines.
func NewWSConnector(url string, readTimeout time.Duration, log *logger.Logger) *WSConnector {
	return &WSConnector{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		readTimeout: readTimeout,
		log:         log,
	}
}

func (c *WSConnector) Connect(ctx context.Context, credential string) (Session, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	c.log.Debug("ws connect start: %s", c.url)
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, &ConnectionError{URL: c.url, Err: err}
	}
	conn.SetReadLimit(defaultReadLimit)
	c.log.Info("ws connected: %s", c.url)

	return &wsSession{conn: conn, readTimeout: c.readTimeout}, nil
}

// wsSession adapts a gorilla connection to Session. Gorilla supports one concurrent
// writer, so writes are serialized here rather than by the ingester.
type wsSession struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *wsSession) Send(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *wsSession) Receive(_ context.Context) (string, error) {
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// WriteControl may run concurrently with a pending Send.
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}
