// Package relay implements the protocol layer between daemons, browsers, and
// the session-lifecycle registries.
package relay

import (
	"fmt"
	"log/slog"

	"github.com/brkalow/openctl/internal/audit"
	"github.com/brkalow/openctl/internal/config"
	"github.com/brkalow/openctl/internal/domain"
	"github.com/brkalow/openctl/internal/fanout"
	"github.com/brkalow/openctl/internal/governor"
	"github.com/brkalow/openctl/internal/protocol"
	"github.com/brkalow/openctl/internal/ratelimit"
	"github.com/brkalow/openctl/internal/registry"
)

// Router validates and dispatches inbound daemon and browser messages, and
// routes outbound control messages to the owning daemon or subscriber set.
// Each socket event is handled to completion, including all cascading
// registry and governor mutations, before the next event for that connection.
type Router struct {
	cfg      *config.Config
	sessions *registry.SessionRegistry
	daemons  *registry.DaemonRegistry
	subs     *fanout.Fanout
	gov      *governor.Governor
	spawnRL  *ratelimit.Limiter
	inputRL  *ratelimit.Limiter
	auditLog *audit.Log
}

// New wires a router against explicitly-constructed registries. The daemon
// registry is created here so its disconnect cascade can call back into the
// router's fan-out and governor teardown.
func New(cfg *config.Config, auditLog *audit.Log) *Router {
	rt := &Router{
		cfg:      cfg,
		sessions: registry.NewSessionRegistry(),
		subs:     fanout.New(),
		gov: governor.New(governor.Limits{
			MaxRuntime:  cfg.MaxSessionRuntime,
			MaxOutput:   cfg.MaxSessionOutput,
			IdleTimeout: cfg.SessionIdleTimeout,
		}),
		spawnRL:  ratelimit.New(cfg.SpawnRateLimit, cfg.SpawnRateWindow),
		inputRL:  ratelimit.New(cfg.InputRateLimit, cfg.InputRateWindow),
		auditLog: auditLog,
	}
	rt.daemons = registry.NewDaemonRegistry(rt.sessions, rt, cfg.MaxSessionsPerDaemon)
	return rt
}

// Start launches the background sweeps: idle-timeout detection and rate
// limiter memory reclamation.
func (rt *Router) Start() {
	rt.gov.StartIdleSweep(rt.cfg.IdleSweepInterval, rt.handleBreach)
	rt.spawnRL.StartCleanupSweep(rt.cfg.RateCleanupInterval)
	rt.inputRL.StartCleanupSweep(rt.cfg.RateCleanupInterval)
}

// Stop halts the background sweeps. Safe to call twice.
func (rt *Router) Stop() {
	rt.gov.StopIdleSweep()
	rt.spawnRL.StopCleanupSweep()
	rt.inputRL.StopCleanupSweep()
}

// Sessions exposes the session registry for read-only API handlers.
func (rt *Router) Sessions() *registry.SessionRegistry { return rt.sessions }

// Daemons exposes the daemon registry for read-only API handlers.
func (rt *Router) Daemons() *registry.DaemonRegistry { return rt.daemons }

// NotifyDaemonDisconnected is invoked synchronously by the daemon registry's
// disconnect cascade, once per affected session.
func (rt *Router) NotifyDaemonDisconnected(sessionID string, canResume bool, claudeSessionID string) {
	rt.gov.StopTracking(sessionID)

	msg := "daemon disconnected; session cannot be resumed"
	if canResume {
		msg = "daemon disconnected; session can be resumed once it reconnects"
	}
	rt.broadcast(sessionID, protocol.DaemonDisconnected{
		SessionID:       sessionID,
		Message:         msg,
		CanResume:       canResume,
		ClaudeSessionID: claudeSessionID,
	})
}

// HandleDaemonEvent processes one parsed daemon message. Events naming a
// session the sender does not own are dropped with a log line: a daemon can
// only speak for its own sessions.
func (rt *Router) HandleDaemonEvent(clientID string, ev protocol.DaemonEvent) {
	switch ev := ev.(type) {
	case protocol.DaemonConnected:
		// Identity is announced once, at socket accept time.
		slog.Warn("Duplicate daemon_connected ignored", "client_id", clientID)
	case protocol.SessionOutput:
		rt.handleSessionOutput(clientID, ev)
	case protocol.SessionMetadata:
		rt.handleSessionMetadata(clientID, ev)
	case protocol.SessionEnded:
		rt.handleSessionEnded(clientID, ev)
	case protocol.QuestionPrompt:
		if _, ok := rt.ownedActiveSession(clientID, ev.SessionID); !ok {
			return
		}
		rt.broadcast(ev.SessionID, protocol.BrowserQuestionPrompt{
			SessionID: ev.SessionID,
			ToolUseID: ev.ToolUseID,
			Question:  ev.Question,
			Options:   ev.Options,
		})
	case protocol.PermissionPrompt:
		rt.handlePermissionPrompt(clientID, ev)
	case protocol.ControlRequest:
		rt.handleControlRequest(clientID, ev)
	case protocol.SessionDiff:
		if _, ok := rt.ownedActiveSession(clientID, ev.SessionID); !ok {
			return
		}
		rt.broadcast(ev.SessionID, protocol.DiffUpdate{Diffs: []protocol.SessionDiff{ev}})
	}
}

func (rt *Router) handleSessionOutput(clientID string, ev protocol.SessionOutput) {
	rec, ok := rt.ownedActiveSession(clientID, ev.SessionID)
	if !ok {
		return
	}

	// Governor first: breach handling pre-empts normal relay.
	var total int64
	for _, m := range ev.Messages {
		total += int64(len(m))
	}
	if limit := rt.gov.RecordOutput(ev.SessionID, total); limit != governor.LimitNone {
		rt.handleBreach(ev.SessionID, limit)
		return
	}

	turnEnded := false
	for _, m := range ev.Messages {
		if rawMessageType(m) == "result" {
			turnEnded = true
		}
	}

	if err := rt.sessions.Update(ev.SessionID, func(r *domain.SessionRecord) {
		r.MessageCount += len(ev.Messages)
		r.LastIndex += len(ev.Messages)
	}); err != nil {
		return
	}
	if turnEnded && rec.Status == domain.StatusRunning {
		if err := rt.sessions.Transition(ev.SessionID, domain.StatusWaiting); err != nil {
			slog.Debug("Turn-result transition skipped", "session_id", ev.SessionID, "error", err)
		}
	}

	rt.broadcast(ev.SessionID, protocol.MessageBatch{Messages: ev.Messages})
}

func (rt *Router) handleSessionMetadata(clientID string, ev protocol.SessionMetadata) {
	rec, ok := rt.ownedActiveSession(clientID, ev.SessionID)
	if !ok {
		return
	}

	engineInit := ev.AgentSessionID != "" && rec.AgentSessionID == ""

	if err := rt.sessions.Update(ev.SessionID, func(r *domain.SessionRecord) {
		if ev.AgentSessionID != "" {
			r.AgentSessionID = ev.AgentSessionID
		}
		if ev.RepoURL != "" {
			r.RepoURL = ev.RepoURL
		}
		if ev.Branch != "" {
			r.Branch = ev.Branch
		}
	}); err != nil {
		return
	}

	if !engineInit {
		return
	}

	// Engine init: the one place the resumable execution id is persisted and
	// resource tracking begins.
	slog.Info("Session engine initialized",
		"session_id", ev.SessionID, "agent_session_id", ev.AgentSessionID)
	if err := rt.sessions.Transition(ev.SessionID, domain.StatusRunning); err != nil {
		slog.Warn("Engine-init transition rejected", "session_id", ev.SessionID, "error", err)
	}
	rt.gov.StartTracking(ev.SessionID)
}

func (rt *Router) handleSessionEnded(clientID string, ev protocol.SessionEnded) {
	rec, ok := rt.sessions.Get(ev.SessionID)
	if !ok || rec.DaemonClientID != clientID {
		slog.Warn("session_ended for unknown or foreign session",
			"session_id", ev.SessionID, "client_id", clientID)
		return
	}
	if rec.Status.IsTerminal() {
		return
	}

	status := domain.StatusEnded
	if ev.Error != "" {
		status = domain.StatusFailed
	}
	rt.finalizeSession(rec, status, ev.ExitCode, ev.Reason, ev.Error, audit.ActorDaemon)
}

func (rt *Router) handlePermissionPrompt(clientID string, ev protocol.PermissionPrompt) {
	if _, ok := rt.ownedActiveSession(clientID, ev.SessionID); !ok {
		return
	}
	if err := rt.sessions.SetPendingRequest(ev.SessionID, domain.PendingRequest{
		ID:          ev.RequestID,
		Kind:        domain.PendingPermission,
		Tool:        ev.Tool,
		Description: ev.Description,
	}); err != nil {
		slog.Warn("Failed to set pending permission", "session_id", ev.SessionID, "error", err)
		return
	}
	rt.broadcast(ev.SessionID, protocol.BrowserPermissionPrompt{
		SessionID:   ev.SessionID,
		RequestID:   ev.RequestID,
		Tool:        ev.Tool,
		Description: ev.Description,
		Details:     ev.Details,
	})
}

func (rt *Router) handleControlRequest(clientID string, ev protocol.ControlRequest) {
	if _, ok := rt.ownedActiveSession(clientID, ev.SessionID); !ok {
		return
	}
	if err := rt.sessions.SetPendingRequest(ev.SessionID, domain.PendingRequest{
		ID:          ev.RequestID,
		Kind:        domain.PendingControl,
		Tool:        ev.Request.ToolName,
		Description: ev.Request.DecisionReason,
		ToolUseID:   ev.Request.ToolUseID,
	}); err != nil {
		slog.Warn("Failed to set pending control request", "session_id", ev.SessionID, "error", err)
		return
	}
	rt.broadcast(ev.SessionID, protocol.BrowserControlRequest{
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Request:   ev.Request,
	})
}

// handleBreach is the one path where the relay initiates termination rather
// than responding to one: end the session at the daemon, tell subscribers,
// and write the audit entry. Invoked from output accounting and from the
// idle sweep.
func (rt *Router) handleBreach(sessionID string, limit governor.Limit) {
	rec, ok := rt.sessions.Get(sessionID)
	if !ok {
		rt.gov.StopTracking(sessionID)
		return
	}

	// The idle sweep and a socket handler can both reach here for the same
	// session; whoever stops tracking first owns the termination.
	if !rt.gov.StopTracking(sessionID) {
		return
	}

	slog.Warn("Resource limit breached",
		"session_id", sessionID, "limit", limit, "daemon", rec.DaemonClientID)

	sent := rt.daemons.SendCommand(rec.DaemonClientID, protocol.EndSession{SessionID: sessionID})

	rt.broadcast(sessionID, protocol.LimitExceeded{
		Limit:   string(limit),
		Message: limit.Message(),
	})
	rt.auditLog.Record(audit.Event{
		Kind:      audit.KindLimitBreach,
		SessionID: sessionID,
		ClientID:  rec.DaemonClientID,
		Actor:     audit.ActorSystem,
		LimitType: string(limit),
	})

	if sent {
		if err := rt.sessions.Transition(sessionID, domain.StatusEnding); err != nil {
			slog.Debug("Breach transition skipped", "session_id", sessionID, "error", err)
		}
		return
	}

	// Daemon unreachable: settle the record ourselves.
	rt.finalizeSession(rec, domain.StatusFailed, -1, "limit_exceeded",
		fmt.Sprintf("resource limit breached: %s", limit), audit.ActorSystem)
}

// ownedActiveSession fetches the session and verifies the sender owns it and
// it has not already reached a terminal status. Any accepted daemon event is
// session activity, so the idle clock is refreshed here: prompts, diffs, and
// metadata keep a session alive the same way text output does.
func (rt *Router) ownedActiveSession(clientID, sessionID string) (domain.SessionRecord, bool) {
	rec, ok := rt.sessions.Get(sessionID)
	if !ok {
		slog.Warn("Event for unknown session", "session_id", sessionID, "client_id", clientID)
		return domain.SessionRecord{}, false
	}
	if rec.DaemonClientID != clientID {
		slog.Warn("Event for session owned by another daemon",
			"session_id", sessionID, "client_id", clientID, "owner", rec.DaemonClientID)
		return domain.SessionRecord{}, false
	}
	if rec.Status.IsTerminal() {
		slog.Debug("Event for terminal session dropped", "session_id", sessionID, "status", rec.Status)
		return domain.SessionRecord{}, false
	}
	rt.gov.Touch(sessionID)
	return rec, true
}

func (rt *Router) broadcast(sessionID string, ev protocol.BrowserEvent) {
	data, err := protocol.EncodeBrowserEvent(ev)
	if err != nil {
		slog.Error("Failed to encode browser event", "session_id", sessionID, "error", err)
		return
	}
	rt.subs.Broadcast(sessionID, data)
}
