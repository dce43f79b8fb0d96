package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brkalow/openctl/internal/audit"
	"github.com/brkalow/openctl/internal/domain"
	"github.com/brkalow/openctl/internal/fanout"
	"github.com/brkalow/openctl/internal/protocol"
	"github.com/brkalow/openctl/internal/registry"
)

// BrowserConn is one browser socket's relay-side state: its transport handle,
// the session it is attached to (once attached), and the identity used for
// spawn rate limiting.
type BrowserConn struct {
	sub       fanout.Subscriber
	remote    string
	userID    string
	sessionID string
}

// NewBrowserConn wraps a subscriber transport for routing. remote is used as
// the rate-limit identity until a command supplies a user id.
func NewBrowserConn(sub fanout.Subscriber, remote string) *BrowserConn {
	return &BrowserConn{sub: sub, remote: remote}
}

// SessionID returns the session this connection is attached to, if any.
func (c *BrowserConn) SessionID() string { return c.sessionID }

func (c *BrowserConn) identity() string {
	if c.userID != "" {
		return c.userID
	}
	return c.remote
}

// HandleBrowserCommand processes one parsed browser message. Invalid or stale
// commands always produce an explicit error reply so the browser stops
// waiting; nothing is silently dropped.
func (rt *Router) HandleBrowserCommand(c *BrowserConn, cmd protocol.BrowserCommand) {
	switch cmd := cmd.(type) {
	case protocol.SpawnSession:
		if cmd.UserID != "" {
			c.userID = cmd.UserID
		}
		rt.handleSpawn(c, cmd)
	case protocol.ResumeSession:
		if cmd.UserID != "" {
			c.userID = cmd.UserID
		}
		rt.handleResume(c, cmd)
	case protocol.Subscribe:
		rt.handleSubscribe(c, cmd.SessionID)
	case protocol.UserMessage:
		if cmd.UserID != "" {
			c.userID = cmd.UserID
		}
		rt.handleUserMessage(c, cmd)
	case protocol.Interrupt:
		if rec, ok := rt.attachedSession(c); ok {
			rt.forwardOrReply(c, rec, protocol.InterruptSession{SessionID: rec.ID})
			rt.gov.Touch(rec.ID)
		}
	case protocol.EndSessionRequest:
		rt.handleEndRequest(c)
	case protocol.BrowserQuestionResponse:
		if rec, ok := rt.attachedSession(c); ok {
			rt.forwardOrReply(c, rec, protocol.QuestionResponse{
				SessionID: rec.ID,
				ToolUseID: cmd.ToolUseID,
				Answer:    cmd.Answer,
			})
			rt.gov.Touch(rec.ID)
		}
	case protocol.BrowserPermissionResponse:
		rt.handleDecision(c, cmd.RequestID, cmd.Allow, nil, "")
	case protocol.BrowserControlResponse:
		rt.handleDecision(c, cmd.RequestID, cmd.Allow, cmd.UpdatedInput, cmd.Message)
	}
}

// HandleBrowserClose detaches the connection from its session's fan-out set.
func (rt *Router) HandleBrowserClose(c *BrowserConn) {
	if c.sessionID != "" {
		rt.subs.Unsubscribe(c.sessionID, c.sub)
	}
}

func (rt *Router) handleSpawn(c *BrowserConn, cmd protocol.SpawnSession) {
	if res := rt.spawnRL.Check("spawn:user:" + c.identity()); !res.Allowed {
		rt.reply(c, protocol.ErrorReply{
			Code:       "rate_limited",
			Message:    "too many spawn requests",
			RetryAfter: int(res.ResetIn.Seconds()) + 1,
		})
		return
	}

	daemon, ok := rt.pickDaemon(cmd.ClientID)
	if !ok {
		rt.reply(c, protocol.ErrorReply{Code: "no_daemon", Message: "no daemon connected; retry later"})
		return
	}
	if !daemon.Capabilities.CanSpawn || !daemon.Capabilities.SupportsHarness(cmd.Harness) {
		rt.reply(c, protocol.ErrorReply{Code: "harness_unavailable",
			Message: "daemon cannot run the requested harness"})
		return
	}
	if !rt.daemons.CanAcceptSession(daemon.ClientID) {
		rt.reply(c, protocol.ErrorReply{Code: "daemon_at_capacity",
			Message: "daemon is at its concurrent session limit; retry later"})
		return
	}

	rec := domain.SessionRecord{
		ID:             uuid.NewString(),
		DaemonClientID: daemon.ClientID,
		Cwd:            cmd.Cwd,
		Harness:        cmd.Harness,
		Model:          cmd.Model,
	}
	if err := rt.sessions.Create(rec); err != nil {
		rt.reply(c, protocol.ErrorReply{Code: "internal", Message: "failed to create session"})
		return
	}
	if err := rt.daemons.Reserve(daemon.ClientID, rec.ID); err != nil {
		rt.sessions.Delete(rec.ID)
		rt.reply(c, protocol.ErrorReply{Code: "daemon_at_capacity",
			Message: "daemon is at its concurrent session limit; retry later"})
		return
	}

	sent := rt.daemons.SendCommand(daemon.ClientID, protocol.StartSession{
		SessionID:      rec.ID,
		Prompt:         cmd.Prompt,
		Cwd:            cmd.Cwd,
		Harness:        cmd.Harness,
		Model:          cmd.Model,
		PermissionMode: cmd.PermissionMode,
	})
	if !sent {
		// Roll back entirely: the daemon never saw the request.
		rt.daemons.Release(daemon.ClientID, rec.ID)
		rt.sessions.Delete(rec.ID)
		rt.reply(c, protocol.ErrorReply{Code: "daemon_unreachable",
			Message: "failed to reach daemon; retry later"})
		return
	}

	slog.Info("Session spawned",
		"session_id", rec.ID, "client_id", daemon.ClientID, "harness", cmd.Harness)
	rt.auditLog.Record(audit.Event{
		Kind:      audit.KindSessionStart,
		SessionID: rec.ID,
		ClientID:  daemon.ClientID,
		Actor:     audit.ActorBrowser,
		Detail:    "spawn",
	})

	rt.attach(c, rec.ID)
}

func (rt *Router) handleResume(c *BrowserConn, cmd protocol.ResumeSession) {
	if res := rt.spawnRL.Check("spawn:user:" + c.identity()); !res.Allowed {
		rt.reply(c, protocol.ErrorReply{
			Code:       "rate_limited",
			Message:    "too many resume requests",
			RetryAfter: int(res.ResetIn.Seconds()) + 1,
		})
		return
	}

	rec, ok := rt.sessions.Get(cmd.SessionID)
	if !ok {
		rt.reply(c, protocol.ErrorReply{Code: "session_not_found", Message: "unknown session"})
		return
	}

	daemon, connected := rt.pickDaemon("")
	if !connected {
		rt.reply(c, protocol.ErrorReply{Code: "no_daemon", Message: "no daemon connected; retry later"})
		return
	}
	if !rt.daemons.CanAcceptSession(daemon.ClientID) {
		rt.reply(c, protocol.ErrorReply{Code: "daemon_at_capacity",
			Message: "daemon is at its concurrent session limit; retry later"})
		return
	}

	// Recovery info is single-use: consumed here, restored only if the
	// handoff to the daemon fails.
	info, err := rt.sessions.ConsumeRecovery(cmd.SessionID, daemon.ClientID)
	if err != nil {
		rt.reply(c, protocol.ErrorReply{Code: "resume_ineligible",
			Message: "session cannot be resumed"})
		return
	}
	if err := rt.daemons.Reserve(daemon.ClientID, cmd.SessionID); err != nil {
		rt.sessions.RestoreRecovery(cmd.SessionID, info)
		rt.reply(c, protocol.ErrorReply{Code: "daemon_at_capacity",
			Message: "daemon is at its concurrent session limit; retry later"})
		return
	}

	sent := rt.daemons.SendCommand(daemon.ClientID, protocol.StartSession{
		SessionID:       cmd.SessionID,
		Cwd:             info.Cwd,
		Harness:         rec.Harness,
		Model:           rec.Model,
		ResumeSessionID: info.ClaudeSessionID,
	})
	if !sent {
		rt.daemons.Release(daemon.ClientID, cmd.SessionID)
		rt.sessions.RestoreRecovery(cmd.SessionID, info)
		rt.reply(c, protocol.ErrorReply{Code: "daemon_unreachable",
			Message: "failed to reach daemon; retry later"})
		return
	}

	slog.Info("Session resume accepted",
		"session_id", cmd.SessionID, "client_id", daemon.ClientID,
		"agent_session_id", info.ClaudeSessionID)
	rt.auditLog.Record(audit.Event{
		Kind:      audit.KindSessionStart,
		SessionID: cmd.SessionID,
		ClientID:  daemon.ClientID,
		Actor:     audit.ActorBrowser,
		Detail:    "resume",
	})

	rt.attach(c, cmd.SessionID)
}

func (rt *Router) handleSubscribe(c *BrowserConn, sessionID string) {
	if _, ok := rt.sessions.Get(sessionID); !ok {
		rt.reply(c, protocol.ErrorReply{Code: "session_not_found", Message: "unknown session"})
		return
	}
	rt.attach(c, sessionID)
}

// attach subscribes the connection and sends the resynchronization snapshot.
func (rt *Router) attach(c *BrowserConn, sessionID string) {
	if c.sessionID != "" && c.sessionID != sessionID {
		rt.subs.Unsubscribe(c.sessionID, c.sub)
	}
	c.sessionID = sessionID
	rt.subs.Subscribe(sessionID, c.sub)

	rec, ok := rt.sessions.Get(sessionID)
	if !ok {
		return
	}
	rt.reply(c, protocol.Connected{
		SessionID:       rec.ID,
		Status:          rec.Status,
		MessageCount:    rec.MessageCount,
		LastIndex:       rec.LastIndex,
		Interactive:     true,
		ClaudeState:     claudeState(rec.Status),
		IsSpawned:       true,
		ClaudeSessionID: rec.AgentSessionID,
	})
}

func (rt *Router) handleUserMessage(c *BrowserConn, cmd protocol.UserMessage) {
	rec, ok := rt.attachedSession(c)
	if !ok {
		return
	}
	if res := rt.inputRL.Check("input:session:" + rec.ID); !res.Allowed {
		rt.reply(c, protocol.ErrorReply{
			Code:       "rate_limited",
			Message:    "too many messages",
			RetryAfter: int(res.ResetIn.Seconds()) + 1,
		})
		return
	}

	if !rt.forwardOrReply(c, rec, protocol.SendInput{
		SessionID: rec.ID,
		Content:   cmd.Content,
		UserID:    cmd.UserID,
	}) {
		return
	}

	rt.gov.Touch(rec.ID)
	if rec.Status == domain.StatusWaiting {
		if err := rt.sessions.Transition(rec.ID, domain.StatusRunning); err != nil {
			slog.Debug("Input transition skipped", "session_id", rec.ID, "error", err)
		}
	}
}

func (rt *Router) handleEndRequest(c *BrowserConn) {
	rec, ok := rt.attachedRecord(c)
	if !ok {
		return
	}
	if rec.Status.IsTerminal() {
		rt.reply(c, protocol.ErrorReply{Code: "session_ended", Message: "session already ended"})
		return
	}

	if rec.Status == domain.StatusDisconnected {
		// No daemon to ask; settle the record directly.
		rt.finalizeSession(rec, domain.StatusEnded, 0, "ended_by_user", "", audit.ActorBrowser)
		return
	}

	if !rt.daemons.SendCommand(rec.DaemonClientID, protocol.EndSession{SessionID: rec.ID}) {
		rt.finalizeSession(rec, domain.StatusFailed, -1, "ended_by_user",
			"daemon unreachable during end request", audit.ActorBrowser)
		return
	}
	if err := rt.sessions.Transition(rec.ID, domain.StatusEnding); err != nil {
		slog.Debug("End transition skipped", "session_id", rec.ID, "error", err)
	}
}

// handleDecision resolves the single pending permission or control request.
// The daemon reply shape follows the pending request's kind, so a permission
// answer to a control request still produces a well-formed control response.
func (rt *Router) handleDecision(c *BrowserConn, requestID string, allow bool, updatedInput json.RawMessage, denyMessage string) {
	rec, ok := rt.attachedSession(c)
	if !ok {
		return
	}

	pending, err := rt.sessions.ResolvePendingRequest(rec.ID, requestID, allow)
	switch {
	case errors.Is(err, registry.ErrNoPendingRequest):
		rt.reply(c, protocol.ErrorReply{Code: "no_pending_request",
			Message: "no permission request is outstanding"})
		return
	case errors.Is(err, registry.ErrRequestMismatch):
		rt.reply(c, protocol.ErrorReply{Code: "request_mismatch",
			Message: "decision does not match the outstanding request"})
		return
	case err != nil:
		rt.reply(c, protocol.ErrorReply{Code: "session_not_found", Message: "unknown session"})
		return
	}

	allowed := allow
	rt.auditLog.Record(audit.Event{
		Kind:      audit.KindPermissionDecision,
		SessionID: rec.ID,
		ClientID:  rec.DaemonClientID,
		Actor:     audit.ActorBrowser,
		Detail:    pending.Tool,
		Allowed:   &allowed,
	})

	switch pending.Kind {
	case domain.PendingControl:
		decision := protocol.ControlDecision{Behavior: "deny", Message: denyMessage}
		if allow {
			decision = protocol.ControlDecision{Behavior: "allow", UpdatedInput: updatedInput}
		}
		if decision.Message == "" && !allow {
			decision.Message = "denied by user"
		}
		rt.forwardOrReply(c, rec, protocol.ControlResponse{
			SessionID: rec.ID,
			RequestID: requestID,
			Response: protocol.ControlResponseBody{
				Subtype:   "success",
				RequestID: requestID,
				Response:  decision,
			},
		})
	default:
		rt.forwardOrReply(c, rec, protocol.PermissionResponse{
			SessionID: rec.ID,
			RequestID: requestID,
			Allow:     allow,
		})
	}
	rt.gov.Touch(rec.ID)
}

// finalizeSession settles a record into a terminal status: stops governor
// tracking, releases the daemon reservation, stamps terminal fields, tells
// subscribers, and writes the audit entry.
func (rt *Router) finalizeSession(rec domain.SessionRecord, status domain.SessionStatus, exitCode int, reason, errMsg string, actor audit.Actor) {
	rt.gov.StopTracking(rec.ID)
	rt.daemons.Release(rec.DaemonClientID, rec.ID)

	if err := rt.sessions.Transition(rec.ID, status); err != nil {
		slog.Warn("Terminal transition rejected",
			"session_id", rec.ID, "to", status, "error", err)
	}
	now := time.Now()
	_ = rt.sessions.Update(rec.ID, func(r *domain.SessionRecord) {
		r.EndedAt = &now
		r.ExitCode = &exitCode
		r.Error = errMsg
	})

	rt.broadcast(rec.ID, protocol.Complete{ExitCode: exitCode, Reason: reason, Error: errMsg})
	rt.auditLog.Record(audit.Event{
		Kind:      audit.KindSessionEnd,
		SessionID: rec.ID,
		ClientID:  rec.DaemonClientID,
		Actor:     actor,
		Detail:    reason,
	})

	slog.Info("Session finished",
		"session_id", rec.ID, "status", status, "exit_code", exitCode, "reason", reason)
}

// attachedSession returns the connection's session when it is attached and
// the session is still routable (not terminal, daemon still present).
func (rt *Router) attachedSession(c *BrowserConn) (domain.SessionRecord, bool) {
	rec, ok := rt.attachedRecord(c)
	if !ok {
		return domain.SessionRecord{}, false
	}
	if rec.Status.IsTerminal() {
		rt.reply(c, protocol.ErrorReply{Code: "session_ended", Message: "session already ended"})
		return domain.SessionRecord{}, false
	}
	if rec.Status == domain.StatusDisconnected {
		rt.reply(c, protocol.ErrorReply{Code: "daemon_disconnected",
			Message: "daemon is disconnected; resume the session first"})
		return domain.SessionRecord{}, false
	}
	return rec, true
}

// attachedRecord returns the raw record for the attached session, replying
// with an error when the connection is not attached or the session vanished.
func (rt *Router) attachedRecord(c *BrowserConn) (domain.SessionRecord, bool) {
	if c.sessionID == "" {
		rt.reply(c, protocol.ErrorReply{Code: "not_attached",
			Message: "spawn, resume, or subscribe to a session first"})
		return domain.SessionRecord{}, false
	}
	rec, ok := rt.sessions.Get(c.sessionID)
	if !ok {
		rt.reply(c, protocol.ErrorReply{Code: "session_not_found", Message: "unknown session"})
		return domain.SessionRecord{}, false
	}
	return rec, true
}

// forwardOrReply sends a command to the session's daemon, replying with a
// transport error when the send fails. Returns whether the send succeeded.
func (rt *Router) forwardOrReply(c *BrowserConn, rec domain.SessionRecord, cmd protocol.DaemonCommand) bool {
	if !rt.daemons.SendCommand(rec.DaemonClientID, cmd) {
		rt.reply(c, protocol.ErrorReply{Code: "daemon_unreachable",
			Message: "failed to reach daemon"})
		return false
	}
	return true
}

func (rt *Router) pickDaemon(clientID string) (domain.DaemonInfo, bool) {
	if clientID != "" {
		return rt.daemons.Get(clientID)
	}
	return rt.daemons.AnyConnected()
}

func (rt *Router) reply(c *BrowserConn, ev protocol.BrowserEvent) {
	data, err := protocol.EncodeBrowserEvent(ev)
	if err != nil {
		slog.Error("Failed to encode browser reply", "error", err)
		return
	}
	if err := c.sub.Send(data); err != nil {
		slog.Debug("Browser reply failed", "error", err)
	}
}

func claudeState(status domain.SessionStatus) string {
	switch status {
	case domain.StatusRunning:
		return "working"
	case domain.StatusWaiting:
		return "awaiting_input"
	default:
		return string(status)
	}
}

// rawMessageType peeks at the "type" field of an opaque agent message. Turn
// results are detected this way to drive the running→waiting transition.
func rawMessageType(raw json.RawMessage) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Type
}
