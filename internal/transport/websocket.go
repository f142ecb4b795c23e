package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nfrund/chatsync/internal/domain"
)

// Conn is an established real-time connection.
type Conn interface {
	// Read blocks until the next event arrives.
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	// Close releases the connection. Only the first call has an effect.
	Close() error
}

// Dialer opens connections authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// DefaultReadLimit bounds the size of a single inbound frame.
const DefaultReadLimit = 1 << 20

// WebSocketDialer dials the real-time endpoint over WebSocket.
type WebSocketDialer struct {
	HTTPClient   *http.Client
	ReadLimit    int64
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewWebSocketDialer creates a dialer with default limits.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		ReadLimit:    DefaultReadLimit,
		WriteTimeout: 5 * time.Second,
		Logger:       slog.Default().With("component", "transport"),
	}
}

// Dial connects to rawURL. The token travels both as a bearer header and as a
// query parameter. A 401 during the upgrade is reported as
// domain.ErrAuthExpired.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewTransportError("dial", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket upgrade rejected: %w", domain.ErrAuthExpired)
		}
		return nil, domain.NewTransportError("dial", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	return &wsConn{conn: c, writeTimeout: d.WriteTimeout, logger: logger}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		if errors.Is(err, context.Canceled) {
			return Envelope{}, err
		}
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return Envelope{}, domain.NewTransportError("read", fmt.Errorf("closed by peer (%d)", status))
		}
		return Envelope{}, domain.NewTransportError("read", err)
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		return domain.NewTransportError("write "+env.Event, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		if c.closeErr != nil {
			c.logger.Debug("Close handshake did not complete", "error", c.closeErr)
		}
	})
	return c.closeErr
}
