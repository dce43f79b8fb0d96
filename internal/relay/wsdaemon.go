package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/brkalow/openctl/internal/protocol"
)

// DaemonSocketHandler accepts daemon websocket connections. The first message
// must be the daemon_connected identity announcement; everything after it is
// dispatched as daemon events.
type DaemonSocketHandler struct {
	router        *Router
	allowedOrigin string
	isDev         bool
}

// NewDaemonSocketHandler creates a daemon socket handler.
func NewDaemonSocketHandler(router *Router, allowedOrigin string, isDev bool) *DaemonSocketHandler {
	return &DaemonSocketHandler{router: router, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for the daemon WebSocket upgrade.
func (h *DaemonSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !checkOrigin(r, h.allowedOrigin, h.isDev) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept daemon WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := newWSPeer(ws, ctx)
	defer peer.Close("connection closed")

	clientID, ok := h.handshake(ctx, ws, peer, r.RemoteAddr)
	if !ok {
		return
	}
	defer h.router.Daemons().UnregisterIfCurrent(clientID, peer)

	h.readLoop(ctx, ws, clientID)
}

// handshake reads the identity announcement and registers the peer. Any other
// first message closes the socket.
func (h *DaemonSocketHandler) handshake(ctx context.Context, ws *websocket.Conn, peer *wsPeer, remote string) (string, bool) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		slog.Warn("Daemon handshake read failed", "error", err, "ip", remote)
		return "", false
	}

	ev, err := protocol.ParseDaemonEvent(data)
	if err != nil {
		slog.Warn("Daemon handshake parse failed", "error", err, "ip", remote)
		return "", false
	}
	hello, ok := ev.(protocol.DaemonConnected)
	if !ok || hello.ClientID == "" {
		slog.Warn("Daemon socket did not announce identity first", "ip", remote)
		return "", false
	}

	h.router.Daemons().Register(hello.ClientID, peer, hello.Capabilities)
	return hello.ClientID, true
}

func (h *DaemonSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, clientID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Info("Daemon disconnected", "client_id", clientID)
			} else {
				slog.Warn("Daemon read error", "error", err, "client_id", clientID)
			}
			return
		}

		ev, err := protocol.ParseDaemonEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) {
				slog.Warn("Unknown daemon message dropped", "client_id", clientID)
				continue
			}
			slog.Warn("Malformed daemon message dropped", "client_id", clientID, "error", err)
			continue
		}
		h.router.HandleDaemonEvent(clientID, ev)
	}
}
