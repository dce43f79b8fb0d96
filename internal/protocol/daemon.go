package protocol

import (
	"encoding/json"

	"github.com/brkalow/openctl/internal/domain"
)

// DaemonEvent is a message received from a daemon.
type DaemonEvent interface {
	// daemonEventType returns the wire tag.
	daemonEventType() string
}

// DaemonConnected is the identity announcement; it must be the first message
// on a daemon socket.
type DaemonConnected struct {
	ClientID     string                    `json:"client_id"`
	Capabilities domain.DaemonCapabilities `json:"capabilities"`
}

// SessionOutput carries a batch of opaque agent messages produced by a session.
type SessionOutput struct {
	SessionID string            `json:"session_id"`
	Messages  []json.RawMessage `json:"messages"`
}

// SessionEnded reports session termination from the daemon side.
type SessionEnded struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// QuestionPrompt asks the user to answer a free-form question from a tool.
type QuestionPrompt struct {
	SessionID string   `json:"session_id"`
	ToolUseID string   `json:"tool_use_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// PermissionPrompt asks for a one-shot allow/deny decision on a tool use.
type PermissionPrompt struct {
	SessionID   string          `json:"session_id"`
	RequestID   string          `json:"request_id"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// ControlRequestBody is the structured payload of a control-protocol request.
type ControlRequestBody struct {
	ToolName       string          `json:"tool_name"`
	ToolUseID      string          `json:"tool_use_id"`
	Input          json.RawMessage `json:"input,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	BlockedPath    string          `json:"blocked_path,omitempty"`
}

// ControlRequest is a one-shot control-protocol request that may carry
// updated tool input on approval.
type ControlRequest struct {
	SessionID string             `json:"session_id"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// SessionDiff carries the working-tree diff for a session.
type SessionDiff struct {
	SessionID     string   `json:"session_id"`
	Diff          string   `json:"diff"`
	ModifiedFiles []string `json:"modified_files"`
}

// SessionMetadata reports engine-level metadata. The first message carrying a
// non-empty AgentSessionID is the engine-init event: it resolves the
// resumable execution id and starts resource tracking.
type SessionMetadata struct {
	SessionID      string `json:"session_id"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	RepoURL        string `json:"repo_url,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

func (DaemonConnected) daemonEventType() string  { return "daemon_connected" }
func (SessionOutput) daemonEventType() string    { return "session_output" }
func (SessionEnded) daemonEventType() string     { return "session_ended" }
func (QuestionPrompt) daemonEventType() string   { return "question_prompt" }
func (PermissionPrompt) daemonEventType() string { return "permission_prompt" }
func (ControlRequest) daemonEventType() string   { return "control_request" }
func (SessionDiff) daemonEventType() string      { return "session_diff" }
func (SessionMetadata) daemonEventType() string  { return "session_metadata" }

// ParseDaemonEvent decodes one daemon message, dispatching on its type tag.
func ParseDaemonEvent(data []byte) (DaemonEvent, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "daemon_connected":
		return decodeAs[DaemonConnected](tag, data)
	case "session_output":
		return decodeAs[SessionOutput](tag, data)
	case "session_ended":
		return decodeAs[SessionEnded](tag, data)
	case "question_prompt":
		return decodeAs[QuestionPrompt](tag, data)
	case "permission_prompt":
		return decodeAs[PermissionPrompt](tag, data)
	case "control_request":
		return decodeAs[ControlRequest](tag, data)
	case "session_diff":
		return decodeAs[SessionDiff](tag, data)
	case "session_metadata":
		return decodeAs[SessionMetadata](tag, data)
	default:
		return nil, ErrUnknownMessage
	}
}

// DaemonCommand is a message the relay sends to a daemon.
type DaemonCommand interface {
	daemonCommandType() string
}

// StartSession instructs the daemon to launch (or resume) a session.
type StartSession struct {
	SessionID       string `json:"session_id"`
	Prompt          string `json:"prompt"`
	Cwd             string `json:"cwd"`
	Harness         string `json:"harness"`
	Model           string `json:"model,omitempty"`
	PermissionMode  string `json:"permission_mode,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// SendInput forwards user input into a running session.
type SendInput struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	UserID    string `json:"user_id,omitempty"`
}

// InterruptSession interrupts the current turn.
type InterruptSession struct {
	SessionID string `json:"session_id"`
}

// EndSession terminates a session.
type EndSession struct {
	SessionID string `json:"session_id"`
}

// QuestionResponse answers a QuestionPrompt.
type QuestionResponse struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Answer    string `json:"answer"`
}

// PermissionResponse resolves a PermissionPrompt.
type PermissionResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// ControlDecision is the inner behavior payload of a control response.
// Exactly one of UpdatedInput (allow) or Message (deny) is meaningful.
type ControlDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ControlResponseBody wraps a control decision with the protocol framing the
// daemon-side engine expects.
type ControlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  ControlDecision `json:"response"`
}

// ControlResponse resolves a ControlRequest.
type ControlResponse struct {
	SessionID string              `json:"session_id"`
	RequestID string              `json:"request_id"`
	Response  ControlResponseBody `json:"response"`
}

func (StartSession) daemonCommandType() string       { return "start_session" }
func (SendInput) daemonCommandType() string          { return "send_input" }
func (InterruptSession) daemonCommandType() string   { return "interrupt_session" }
func (EndSession) daemonCommandType() string         { return "end_session" }
func (QuestionResponse) daemonCommandType() string   { return "question_response" }
func (PermissionResponse) daemonCommandType() string { return "permission_response" }
func (ControlResponse) daemonCommandType() string    { return "control_response" }

// EncodeDaemonCommand serializes a command with its type tag.
func EncodeDaemonCommand(cmd DaemonCommand) ([]byte, error) {
	return encode(cmd.daemonCommandType(), cmd)
}
