package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// wsPeer adapts websocket.Conn to the Sender/Subscriber transport contract.
// Writes use context.Background() since the library tracks its own connection
// state; the request context only gates whether a write should be attempted.
type wsPeer struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

func newWSPeer(conn *websocket.Conn, ctx context.Context) *wsPeer {
	return &wsPeer{conn: conn, ctx: ctx}
}

// Send writes one text frame. It reports failure instead of blocking on a
// dead connection.
func (p *wsPeer) Send(data []byte) error {
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return context.Canceled
	}
	if err := p.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		if p.ctx.Err() != nil {
			return p.ctx.Err()
		}
		slog.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}

// Close shuts the connection with a normal-closure frame. Safe to call twice.
func (p *wsPeer) Close(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if err := p.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("Failed to close websocket", "error", err)
	}
}

// checkOrigin mirrors the browser-origin policy: anything goes in dev, exact
// match otherwise.
func checkOrigin(r *http.Request, allowedOrigin string, isDev bool) bool {
	if isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || allowedOrigin == "*" {
		return true
	}
	if origin == allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", allowedOrigin)
	return false
}
