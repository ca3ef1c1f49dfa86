package presence

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 5 * time.Second
	wsWriteWait        = 5 * time.Second
)

// WSBroadcaster bridges the presence channel to a server over WebSocket.
// One connection per canvas, shared by every local publisher and subscriber;
// the server echoes each position to all connected peers of the canvas.
//
// Everything is best-effort: a write failure drops the connection and the
// message; the next Publish or Subscribe dials fresh.
type WSBroadcaster struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*canvasConn
}

type canvasConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  []*subscriber
}

// WSBroadcasterOption configures a WSBroadcaster.
type WSBroadcasterOption func(*WSBroadcaster)

// WithWSBroadcasterLogger sets a custom logger.
func WithWSBroadcasterLogger(l *slog.Logger) WSBroadcasterOption {
	return func(b *WSBroadcaster) { b.logger = l }
}

// NewWSBroadcaster creates a broadcaster for the presence endpoints under
// baseURL (http/https scheme, rewritten to ws/wss).
func NewWSBroadcaster(baseURL string, opts ...WSBroadcasterOption) *WSBroadcaster {
	b := &WSBroadcaster{
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		logger:  slog.Default(),
		conns:   make(map[string]*canvasConn),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends pos over the canvas's shared connection.
func (b *WSBroadcaster) Publish(canvasID, userID string, pos Position) error {
	pos.UserID = userID
	cc, err := b.connFor(canvasID)
	if err != nil {
		return err
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := cc.conn.WriteJSON(pos); err != nil {
		b.dropConn(canvasID, cc)
		return fmt.Errorf("presence: publish to %s: %w", canvasID, err)
	}
	return nil
}

// Subscribe attaches fn to the canvas's shared connection.
func (b *WSBroadcaster) Subscribe(canvasID, selfUserID string, fn func(Position)) (func(), error) {
	cc, err := b.connFor(canvasID)
	if err != nil {
		return nil, err
	}
	sub := &subscriber{selfID: selfUserID, fn: fn}
	cc.subMu.Lock()
	cc.subs = append(cc.subs, sub)
	cc.subMu.Unlock()

	return func() {
		cc.subMu.Lock()
		defer cc.subMu.Unlock()
		for i, s := range cc.subs {
			if s == sub {
				cc.subs = append(cc.subs[:i], cc.subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Close tears down all connections.
func (b *WSBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cc := range b.conns {
		cc.conn.Close()
		delete(b.conns, id)
	}
	return nil
}

// connFor returns the shared connection for canvasID, dialing if needed.
func (b *WSBroadcaster) connFor(canvasID string) (*canvasConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cc, ok := b.conns[canvasID]; ok {
		return cc, nil
	}

	endpoint := fmt.Sprintf("%s/api/canvases/%s/presence",
		presenceScheme(b.baseURL), url.PathEscape(canvasID))
	conn, _, err := b.dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("presence: dial %s: %w", endpoint, err)
	}

	cc := &canvasConn{conn: conn}
	b.conns[canvasID] = cc
	go b.readLoop(canvasID, cc)
	return cc, nil
}

// readLoop dispatches incoming positions to the canvas's subscribers with
// the self-filter applied. A read error retires the connection.
func (b *WSBroadcaster) readLoop(canvasID string, cc *canvasConn) {
	defer b.dropConn(canvasID, cc)
	for {
		var pos Position
		if err := cc.conn.ReadJSON(&pos); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("presence: connection ended", "canvas", canvasID, "error", err)
			}
			return
		}
		cc.subMu.Lock()
		subs := make([]*subscriber, len(cc.subs))
		copy(subs, cc.subs)
		cc.subMu.Unlock()
		for _, s := range subs {
			if s.selfID == pos.UserID {
				continue
			}
			s.fn(pos)
		}
	}
}

func (b *WSBroadcaster) dropConn(canvasID string, cc *canvasConn) {
	b.mu.Lock()
	if b.conns[canvasID] == cc {
		delete(b.conns, canvasID)
	}
	b.mu.Unlock()
	cc.conn.Close()
}

func presenceScheme(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
