package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brkalow/openctl/internal/domain"
	"github.com/brkalow/openctl/internal/protocol"
)

var (
	// ErrDaemonNotFound means the client id references no connected peer.
	ErrDaemonNotFound = errors.New("daemon not connected")
	// ErrDaemonAtCapacity means the per-daemon session budget is exhausted.
	ErrDaemonAtCapacity = errors.New("daemon at session capacity")
)

// Sender is the transport handle for one daemon socket. Send is
// fire-and-forget: it reports failure instead of waiting for acknowledgement.
type Sender interface {
	Send(data []byte) error
	Close(reason string)
}

// DisconnectNotifier receives the per-session fallout of a daemon disconnect.
// The registry invokes it synchronously inside the disconnect cascade.
type DisconnectNotifier interface {
	NotifyDaemonDisconnected(sessionID string, canResume bool, claudeSessionID string)
}

type daemonPeer struct {
	clientID     string
	sender       Sender
	connectedAt  time.Time
	capabilities domain.DaemonCapabilities
	sessions     map[string]struct{}
}

// DaemonRegistry tracks connected daemon peers, their capabilities, and the
// per-daemon concurrency budget. At most one live peer exists per client id.
type DaemonRegistry struct {
	mu          sync.Mutex
	peers       map[string]*daemonPeer
	sessions    *SessionRegistry
	notifier    DisconnectNotifier
	maxSessions int
}

// NewDaemonRegistry creates a registry enforcing maxSessions concurrent
// sessions per daemon. The session registry and notifier are wired in so the
// disconnect cascade is owned here, in one place.
func NewDaemonRegistry(sessions *SessionRegistry, notifier DisconnectNotifier, maxSessions int) *DaemonRegistry {
	return &DaemonRegistry{
		peers:       make(map[string]*daemonPeer),
		sessions:    sessions,
		notifier:    notifier,
		maxSessions: maxSessions,
	}
}

// Register stores a new peer under clientID, replacing and closing any
// existing connection with the same identity. Session attribution carries
// over to the new connection: the daemon is the same machine, and its
// sessions are still its own.
func (r *DaemonRegistry) Register(clientID string, sender Sender, caps domain.DaemonCapabilities) {
	r.mu.Lock()
	existing := r.peers[clientID]
	peer := &daemonPeer{
		clientID:     clientID,
		sender:       sender,
		connectedAt:  time.Now(),
		capabilities: caps,
		sessions:     make(map[string]struct{}),
	}
	if existing != nil {
		for id := range existing.sessions {
			peer.sessions[id] = struct{}{}
		}
	}
	r.peers[clientID] = peer
	r.mu.Unlock()

	if existing != nil {
		slog.Info("Daemon reconnected, closing previous connection", "client_id", clientID)
		existing.sender.Close("replaced by new connection")
	} else {
		slog.Info("Daemon registered", "client_id", clientID, "can_spawn", caps.CanSpawn)
	}
}

// Unregister removes the peer and runs the full disconnect cascade before
// returning: every non-terminal session attributed to the peer is marked
// disconnected (with recovery info when an execution id was resolved) and the
// notifier is told about each one.
func (r *DaemonRegistry) Unregister(clientID string) {
	r.mu.Lock()
	_, ok := r.peers[clientID]
	if ok {
		delete(r.peers, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	affected := r.sessions.ActiveForDaemon(clientID)
	slog.Info("Daemon unregistered", "client_id", clientID, "active_sessions", len(affected))

	for _, rec := range affected {
		canResume, claudeSessionID, err := r.sessions.MarkForRecovery(rec.ID)
		if err != nil {
			slog.Warn("Failed to mark session for recovery",
				"session_id", rec.ID, "client_id", clientID, "error", err)
			continue
		}
		r.notifier.NotifyDaemonDisconnected(rec.ID, canResume, claudeSessionID)
	}
}

// UnregisterIfCurrent removes the peer only if sender is still its live
// connection. A replaced connection's close must not tear down the
// replacement's state.
func (r *DaemonRegistry) UnregisterIfCurrent(clientID string, sender Sender) {
	r.mu.Lock()
	peer, ok := r.peers[clientID]
	current := ok && peer.sender == sender
	r.mu.Unlock()
	if current {
		r.Unregister(clientID)
	}
}

// SendCommand encodes and sends a command to the daemon, returning whether
// the send succeeded. Unknown peers and transport errors both report false.
func (r *DaemonRegistry) SendCommand(clientID string, cmd protocol.DaemonCommand) bool {
	r.mu.Lock()
	peer, ok := r.peers[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	data, err := protocol.EncodeDaemonCommand(cmd)
	if err != nil {
		slog.Error("Failed to encode daemon command", "client_id", clientID, "error", err)
		return false
	}
	if err := peer.sender.Send(data); err != nil {
		slog.Warn("Daemon send failed", "client_id", clientID, "error", err)
		return false
	}
	return true
}

// CanAcceptSession reports whether the daemon has budget for one more session.
func (r *DaemonRegistry) CanAcceptSession(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[clientID]
	return ok && len(peer.sessions) < r.maxSessions
}

// Reserve claims a concurrency slot for sessionID. It fails closed: callers
// must not proceed when the budget is exhausted, and a failed reservation
// mutates nothing.
func (r *DaemonRegistry) Reserve(clientID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[clientID]
	if !ok {
		return ErrDaemonNotFound
	}
	if _, held := peer.sessions[sessionID]; held {
		return nil
	}
	if len(peer.sessions) >= r.maxSessions {
		return ErrDaemonAtCapacity
	}
	peer.sessions[sessionID] = struct{}{}
	return nil
}

// Release returns sessionID's concurrency slot. Safe for unknown peers or
// sessions.
func (r *DaemonRegistry) Release(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[clientID]; ok {
		delete(peer.sessions, sessionID)
	}
}

// AnyConnected returns an arbitrary connected peer able to spawn sessions.
// Single-daemon deployments have exactly one candidate; multi-tenant routing
// would select by ownership instead.
func (r *DaemonRegistry) AnyConnected() (domain.DaemonInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.peers {
		if peer.capabilities.CanSpawn {
			return snapshotPeer(peer), true
		}
	}
	return domain.DaemonInfo{}, false
}

// Get returns a snapshot of the named peer.
func (r *DaemonRegistry) Get(clientID string) (domain.DaemonInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[clientID]
	if !ok {
		return domain.DaemonInfo{}, false
	}
	return snapshotPeer(peer), true
}

// List returns snapshots of every connected peer, sorted by client id.
func (r *DaemonRegistry) List() []domain.DaemonInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DaemonInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, snapshotPeer(peer))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Count returns the number of connected peers.
func (r *DaemonRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// SessionIDs returns the ids reserved against the peer, sorted for
// deterministic listings.
func (r *DaemonRegistry) SessionIDs(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[clientID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(peer.sessions))
	for id := range peer.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func snapshotPeer(peer *daemonPeer) domain.DaemonInfo {
	ids := make([]string, 0, len(peer.sessions))
	for id := range peer.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return domain.DaemonInfo{
		ClientID:     peer.clientID,
		ConnectedAt:  peer.connectedAt,
		Capabilities: peer.capabilities,
		SessionIDs:   ids,
	}
}
