package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/brkalow/openctl/internal/protocol"
)

// BrowserSocketHandler accepts browser websocket connections and feeds their
// commands through the router. Malformed messages get an explicit error reply
// rather than a dropped frame.
type BrowserSocketHandler struct {
	router        *Router
	allowedOrigin string
	isDev         bool
}

// NewBrowserSocketHandler creates a browser socket handler.
func NewBrowserSocketHandler(router *Router, allowedOrigin string, isDev bool) *BrowserSocketHandler {
	return &BrowserSocketHandler{router: router, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for the browser WebSocket upgrade.
func (h *BrowserSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !checkOrigin(r, h.allowedOrigin, h.isDev) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept browser WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := newWSPeer(ws, ctx)
	defer peer.Close("connection closed")

	conn := NewBrowserConn(peer, r.RemoteAddr)
	defer h.router.HandleBrowserClose(conn)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Browser disconnected", "ip", r.RemoteAddr)
			} else {
				slog.Debug("Browser read error", "error", err, "ip", r.RemoteAddr)
			}
			return
		}

		cmd, err := protocol.ParseBrowserCommand(data)
		if err != nil {
			reply, encErr := protocol.EncodeBrowserEvent(protocol.ErrorReply{
				Code:    "invalid_message",
				Message: "unrecognized or malformed command",
			})
			if encErr == nil {
				if sendErr := peer.Send(reply); sendErr != nil {
					return
				}
			}
			continue
		}
		h.router.HandleBrowserCommand(conn, cmd)
	}
}
