// Package registry holds the relay's two pieces of shared mutable state: the
// connected-daemon registry and the ephemeral session registry. All mutation
// goes through their methods; callers never touch fields directly.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brkalow/openctl/internal/domain"
)

var (
	// ErrSessionNotFound means the id references no known session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists means a record with the same id already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidTransition means the state machine rejects the status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoPendingRequest means a decision arrived with nothing outstanding.
	ErrNoPendingRequest = errors.New("no pending request")
	// ErrRequestMismatch means a decision named a request id other than the
	// single outstanding one.
	ErrRequestMismatch = errors.New("pending request id mismatch")
	// ErrNotResumable means the session has no consumable recovery info.
	ErrNotResumable = errors.New("session is not resumable")
)

// SessionRegistry is the ephemeral record of every in-flight session. It is
// rebuilt after a relay restart; nothing here is persisted.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionRecord
	now      func() time.Time
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*domain.SessionRecord),
		now:      time.Now,
	}
}

// Create stores a new record. The record's status must be the initial
// starting state.
func (r *SessionRegistry) Create(rec domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[rec.ID]; exists {
		return ErrSessionExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.Status = domain.StatusStarting
	rec.LastActivityAt = rec.CreatedAt
	r.sessions[rec.ID] = &rec
	return nil
}

// Get returns a copy of the record, or false if unknown.
func (r *SessionRegistry) Get(id string) (domain.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return domain.SessionRecord{}, false
	}
	return cloneRecord(rec), true
}

// Update applies mutate to the record under the registry lock and stamps
// LastActivityAt. Status changes must go through Transition instead.
func (r *SessionRegistry) Update(id string, mutate func(*domain.SessionRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	mutate(rec)
	rec.LastActivityAt = r.now()
	return nil
}

// Delete removes the record entirely. Used only to roll back failed spawns;
// terminal sessions are otherwise retained for inspection.
func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ListActive returns copies of all records whose status is not terminal.
func (r *SessionRegistry) ListActive() []domain.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionRecord
	for _, rec := range r.sessions {
		if rec.Status.IsActive() {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// List returns copies of every record, terminal included.
func (r *SessionRegistry) List() []domain.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// ActiveForDaemon returns copies of non-terminal records owned by clientID.
func (r *SessionRegistry) ActiveForDaemon(clientID string) []domain.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionRecord
	for _, rec := range r.sessions {
		if rec.DaemonClientID == clientID && rec.Status.IsActive() {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Transition moves the session's status through the state machine, rejecting
// moves the machine does not permit.
func (r *SessionRegistry) Transition(id string, next domain.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !rec.Status.CanTransition(next) {
		slog.Warn("Rejected session status transition",
			"session_id", id, "from", rec.Status, "to", next)
		return ErrInvalidTransition
	}
	rec.Status = next
	rec.LastActivityAt = r.now()
	return nil
}

// SetPendingRequest installs the single outstanding permission/control
// request. An existing pending request is replaced: the daemon re-asking
// supersedes a prompt nobody answered.
func (r *SessionRegistry) SetPendingRequest(id string, req domain.PendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Pending != nil && rec.Pending.ID != req.ID {
		slog.Warn("Replacing unanswered pending request",
			"session_id", id, "old_request_id", rec.Pending.ID, "new_request_id", req.ID)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.now()
	}
	rec.Pending = &req
	rec.LastActivityAt = r.now()
	return nil
}

// ResolvePendingRequest matches requestID against the outstanding request,
// clears it, and appends the decision to the session's permission history.
// It returns the cleared request so the caller can build the daemon reply.
func (r *SessionRegistry) ResolvePendingRequest(id, requestID string, allow bool) (domain.PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return domain.PendingRequest{}, ErrSessionNotFound
	}
	if rec.Pending == nil {
		return domain.PendingRequest{}, ErrNoPendingRequest
	}
	if rec.Pending.ID != requestID {
		return domain.PendingRequest{}, ErrRequestMismatch
	}

	pending := *rec.Pending
	rec.Pending = nil
	rec.Permissions = append(rec.Permissions, domain.PermissionDecision{
		ID:          pending.ID,
		Tool:        pending.Tool,
		Description: pending.Description,
		Allowed:     allow,
		Timestamp:   r.now(),
	})
	rec.LastActivityAt = r.now()
	return pending, nil
}

// MarkForRecovery transitions the session to disconnected and, when the
// execution id has been resolved, writes recovery info. Returns the recovery
// state so the disconnect cascade can notify subscribers.
func (r *SessionRegistry) MarkForRecovery(id string) (canResume bool, claudeSessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return false, "", ErrSessionNotFound
	}
	if !rec.Status.CanTransition(domain.StatusDisconnected) {
		return false, "", ErrInvalidTransition
	}

	rec.Status = domain.StatusDisconnected
	rec.LastActivityAt = r.now()
	// A pending request against a vanished daemon can never be answered.
	rec.Pending = nil

	if rec.AgentSessionID == "" {
		// Never resolved an execution id: permanently resume-ineligible.
		return false, "", nil
	}
	rec.Recovery = &domain.RecoveryInfo{
		ClaudeSessionID: rec.AgentSessionID,
		Cwd:             rec.Cwd,
		CanResume:       true,
		DisconnectedAt:  r.now(),
	}
	return true, rec.AgentSessionID, nil
}

// ConsumeRecovery validates and clears the session's recovery info as part of
// an accepted resume, transitioning the record back to starting under the new
// owning daemon. Recovery info is single-use: a second resume attempt without
// a new disconnect fails.
func (r *SessionRegistry) ConsumeRecovery(id, daemonClientID string) (domain.RecoveryInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return domain.RecoveryInfo{}, ErrSessionNotFound
	}
	if rec.Status != domain.StatusDisconnected || rec.Recovery == nil || !rec.Recovery.CanResume {
		return domain.RecoveryInfo{}, ErrNotResumable
	}

	info := *rec.Recovery
	rec.Recovery = nil
	rec.Status = domain.StatusStarting
	rec.DaemonClientID = daemonClientID
	rec.LastActivityAt = r.now()
	return info, nil
}

// RestoreRecovery undoes ConsumeRecovery after a failed resume handoff so the
// session remains resumable.
func (r *SessionRegistry) RestoreRecovery(id string, info domain.RecoveryInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return
	}
	rec.Recovery = &info
	rec.Status = domain.StatusDisconnected
	rec.LastActivityAt = r.now()
}

// RecoveryInfo returns a copy of the session's recovery info, if any.
func (r *SessionRegistry) RecoveryInfo(id string) (domain.RecoveryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok || rec.Recovery == nil {
		return domain.RecoveryInfo{}, false
	}
	return *rec.Recovery, true
}

func cloneRecord(rec *domain.SessionRecord) domain.SessionRecord {
	out := *rec
	if rec.Permissions != nil {
		out.Permissions = append([]domain.PermissionDecision(nil), rec.Permissions...)
	}
	if rec.Pending != nil {
		pending := *rec.Pending
		out.Pending = &pending
	}
	if rec.Recovery != nil {
		recovery := *rec.Recovery
		out.Recovery = &recovery
	}
	if rec.EndedAt != nil {
		endedAt := *rec.EndedAt
		out.EndedAt = &endedAt
	}
	if rec.ExitCode != nil {
		exitCode := *rec.ExitCode
		out.ExitCode = &exitCode
	}
	return out
}
