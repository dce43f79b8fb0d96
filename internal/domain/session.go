// Package domain contains core domain types for the openctl relay.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a spawned session.
type SessionStatus string

const (
	// StatusStarting is the sole initial state, assigned when a spawn or
	// resume request is accepted and before the daemon has confirmed anything.
	StatusStarting SessionStatus = "starting"
	// StatusRunning means the daemon's execution engine is processing a turn.
	StatusRunning SessionStatus = "running"
	// StatusWaiting means the engine finished a turn and is waiting for input.
	StatusWaiting SessionStatus = "waiting"
	// StatusDisconnected means the owning daemon vanished mid-session.
	StatusDisconnected SessionStatus = "disconnected"
	// StatusEnding means an end command has been issued but the daemon has
	// not yet reported termination.
	StatusEnding SessionStatus = "ending"
	// StatusEnded is terminal: the session finished cleanly.
	StatusEnded SessionStatus = "ended"
	// StatusFailed is terminal: the session ended with an error or breach.
	StatusFailed SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// IsActive reports whether the session counts against a daemon's
// concurrency budget and appears in active listings.
func (s SessionStatus) IsActive() bool {
	return !s.IsTerminal()
}

// validTransitions encodes the session state machine. A missing entry means
// the transition is rejected.
var validTransitions = map[SessionStatus]map[SessionStatus]bool{
	StatusStarting: {
		StatusRunning:      true,
		StatusDisconnected: true,
		StatusEnding:       true,
		StatusEnded:        true,
		StatusFailed:       true,
	},
	StatusRunning: {
		StatusWaiting:      true,
		StatusDisconnected: true,
		StatusEnding:       true,
		StatusEnded:        true,
		StatusFailed:       true,
	},
	StatusWaiting: {
		StatusRunning:      true,
		StatusDisconnected: true,
		StatusEnding:       true,
		StatusEnded:        true,
		StatusFailed:       true,
	},
	StatusDisconnected: {
		StatusStarting: true,
		StatusEnding:   true,
		StatusEnded:    true,
		StatusFailed:   true,
	},
	StatusEnding: {
		StatusDisconnected: true,
		StatusEnded:        true,
		StatusFailed:       true,
	},
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return validTransitions[s][next]
}

// PermissionDecision records one resolved permission or control request.
// Append-only per session.
type PermissionDecision struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description"`
	Allowed     bool      `json:"allowed"`
	Timestamp   time.Time `json:"timestamp"`
}

// PendingRequestKind distinguishes the two one-shot request flavors.
type PendingRequestKind string

const (
	// PendingPermission is a plain allow/deny permission prompt.
	PendingPermission PendingRequestKind = "permission"
	// PendingControl is a structured control-protocol request that may carry
	// updated tool input on approval.
	PendingControl PendingRequestKind = "control"
)

// PendingRequest is the single outstanding permission or control request for
// a session. A decision must name its ID; anything else is rejected.
type PendingRequest struct {
	ID          string             `json:"id"`
	Kind        PendingRequestKind `json:"kind"`
	Tool        string             `json:"tool"`
	Description string             `json:"description"`
	ToolUseID   string             `json:"tool_use_id,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
}

// RecoveryInfo is the minimal state needed to resume a session after its
// owning daemon reconnects. Written only at disconnect time and only when the
// session had already resolved an execution id; cleared on successful resume.
type RecoveryInfo struct {
	ClaudeSessionID string    `json:"claude_session_id"`
	Cwd             string    `json:"cwd"`
	CanResume       bool      `json:"can_resume"`
	DisconnectedAt  time.Time `json:"disconnected_at"`
}

// SessionRecord is the ephemeral in-flight record of one spawned session.
// It is rebuilt from the durable store plus reconnection after a relay
// restart, never persisted by the relay itself.
type SessionRecord struct {
	ID             string        `json:"id"`
	DaemonClientID string        `json:"daemon_client_id"`
	Cwd            string        `json:"cwd"`
	Harness        string        `json:"harness"`
	Model          string        `json:"model,omitempty"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`

	// AgentSessionID is the daemon-side resumable execution id, assigned once
	// the execution engine initializes. Empty until then.
	AgentSessionID string `json:"agent_session_id,omitempty"`
	RepoURL        string `json:"repo_url,omitempty"`
	Branch         string `json:"branch,omitempty"`

	LastActivityAt time.Time `json:"last_activity_at"`

	// MessageCount and LastIndex track what the relay has fanned out so a
	// reconnecting browser can resynchronize against the durable store.
	MessageCount int `json:"message_count"`
	LastIndex    int `json:"last_index"`

	EndedAt  *time.Time `json:"ended_at,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Error    string     `json:"error,omitempty"`

	Permissions []PermissionDecision `json:"permissions,omitempty"`
	Pending     *PendingRequest      `json:"pending,omitempty"`
	Recovery    *RecoveryInfo        `json:"recovery,omitempty"`
}

// Resumable reports whether the session disconnected with enough state to be
// resumed. A disconnected session without recovery info is permanently
// resume-ineligible and must be treated as terminal by callers.
func (r *SessionRecord) Resumable() bool {
	return r.Status == StatusDisconnected && r.Recovery != nil && r.Recovery.CanResume
}
