package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultPongWait         = 30 * time.Second
	defaultWriteWait        = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1 MB per event frame
)

// WSTransport opens change feeds over WebSocket. One connection per canvas;
// the server pushes JSON-encoded Events until either side closes.
type WSTransport struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger

	pongWait  time.Duration
	readLimit int64
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithWSLogger sets a custom logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(t *WSTransport) { t.logger = l }
}

// WithPongWait sets how long the reader waits for a pong before declaring
// the connection dead. Pings go out at half this interval. Default: 30s.
func WithPongWait(d time.Duration) WSOption {
	return func(t *WSTransport) { t.pongWait = d }
}

// NewWSTransport creates a transport for the feed endpoints under baseURL
// (e.g. "http://localhost:8090"; the scheme is rewritten to ws/wss).
func NewWSTransport(baseURL string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:    slog.Default(),
		pongWait:  defaultPongWait,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open dials the feed endpoint for canvasID and streams events until ctx is
// cancelled or the connection drops. No reconnection is attempted.
func (t *WSTransport) Open(ctx context.Context, canvasID string) (<-chan Event, error) {
	endpoint := fmt.Sprintf("%s/api/canvases/%s/feed", wsScheme(t.baseURL), url.PathEscape(canvasID))

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", endpoint, err)
	}

	events := make(chan Event, 64)

	// Close the connection when ctx ends; this unblocks the read loop.
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWriteWait))
		conn.Close()
	}()

	// Keepalive pings at half the pong wait.
	go func() {
		ticker := time.NewTicker(t.pongWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(defaultWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(events)
		defer conn.Close()

		conn.SetReadLimit(t.readLimit)
		conn.SetReadDeadline(time.Now().Add(t.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.pongWait))
		})

		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Warn("feed: stream read failed", "canvas", canvasID, "error", err)
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// wsScheme rewrites http/https base URLs to their WebSocket counterparts.
func wsScheme(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
