package protocol

import (
	"encoding/json"

	"github.com/brkalow/openctl/internal/domain"
)

// BrowserCommand is a message received from a browser client.
type BrowserCommand interface {
	browserCommandType() string
}

// SpawnSession asks the relay to launch a new session. ClientID optionally
// pins the daemon; when empty the relay picks any connected daemon.
type SpawnSession struct {
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd"`
	Harness        string `json:"harness"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// ResumeSession asks the relay to resume a disconnected session.
type ResumeSession struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// Subscribe attaches the browser socket to an existing session's event stream.
type Subscribe struct {
	SessionID string `json:"session_id"`
}

// UserMessage is raw user input for the attached session.
type UserMessage struct {
	Content string `json:"content"`
	UserID  string `json:"user_id,omitempty"`
}

// Interrupt interrupts the attached session's current turn.
type Interrupt struct{}

// EndSessionRequest asks the relay to terminate the attached session.
type EndSessionRequest struct{}

// BrowserQuestionResponse answers a question prompt on the attached session.
type BrowserQuestionResponse struct {
	ToolUseID string `json:"tool_use_id"`
	Answer    string `json:"answer"`
}

// BrowserPermissionResponse resolves the pending permission request.
type BrowserPermissionResponse struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// BrowserControlResponse resolves the pending control request.
type BrowserControlResponse struct {
	RequestID    string          `json:"request_id"`
	Allow        bool            `json:"allow"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (SpawnSession) browserCommandType() string              { return "spawn_session" }
func (ResumeSession) browserCommandType() string             { return "resume_session" }
func (Subscribe) browserCommandType() string                 { return "subscribe" }
func (UserMessage) browserCommandType() string               { return "user_message" }
func (Interrupt) browserCommandType() string                 { return "interrupt" }
func (EndSessionRequest) browserCommandType() string         { return "end_session" }
func (BrowserQuestionResponse) browserCommandType() string   { return "question_response" }
func (BrowserPermissionResponse) browserCommandType() string { return "permission_response" }
func (BrowserControlResponse) browserCommandType() string    { return "control_response" }

// ParseBrowserCommand decodes one browser message, dispatching on its type tag.
func ParseBrowserCommand(data []byte) (BrowserCommand, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "spawn_session":
		return decodeAs[SpawnSession](tag, data)
	case "resume_session":
		return decodeAs[ResumeSession](tag, data)
	case "subscribe":
		return decodeAs[Subscribe](tag, data)
	case "user_message":
		return decodeAs[UserMessage](tag, data)
	case "interrupt":
		return decodeAs[Interrupt](tag, data)
	case "end_session":
		return decodeAs[EndSessionRequest](tag, data)
	case "question_response":
		return decodeAs[BrowserQuestionResponse](tag, data)
	case "permission_response":
		return decodeAs[BrowserPermissionResponse](tag, data)
	case "control_response":
		return decodeAs[BrowserControlResponse](tag, data)
	default:
		return nil, ErrUnknownMessage
	}
}

// BrowserEvent is a message the relay sends to a browser subscriber.
type BrowserEvent interface {
	browserEventType() string
}

// Connected is the subscription snapshot sent when a browser attaches,
// letting a reconnecting client resynchronize without waiting for events.
type Connected struct {
	SessionID       string               `json:"session_id"`
	Status          domain.SessionStatus `json:"status"`
	MessageCount    int                  `json:"message_count"`
	LastIndex       int                  `json:"last_index"`
	Interactive     bool                 `json:"interactive"`
	ClaudeState     string               `json:"claude_state"`
	IsSpawned       bool                 `json:"is_spawned"`
	ClaudeSessionID string               `json:"claude_session_id,omitempty"`
}

// MessageBatch fans out session output to subscribers.
type MessageBatch struct {
	Messages []json.RawMessage `json:"messages"`
}

// Complete reports session termination.
type Complete struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// DaemonDisconnected tells subscribers the owning daemon vanished and whether
// the session can later be resumed.
type DaemonDisconnected struct {
	SessionID       string `json:"session_id"`
	Message         string `json:"message"`
	CanResume       bool   `json:"can_resume"`
	ClaudeSessionID string `json:"claude_session_id,omitempty"`
}

// BrowserQuestionPrompt forwards a daemon question prompt to subscribers.
type BrowserQuestionPrompt struct {
	SessionID string   `json:"session_id"`
	ToolUseID string   `json:"tool_use_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// BrowserPermissionPrompt forwards a daemon permission prompt to subscribers.
type BrowserPermissionPrompt struct {
	SessionID   string          `json:"session_id"`
	RequestID   string          `json:"request_id"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// BrowserControlRequest forwards a daemon control request to subscribers.
type BrowserControlRequest struct {
	SessionID string             `json:"session_id"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// DiffUpdate fans out working-tree diffs to subscribers.
type DiffUpdate struct {
	Diffs []SessionDiff `json:"diffs"`
}

// LimitExceeded tells subscribers the relay ended the session for crossing a
// resource ceiling.
type LimitExceeded struct {
	Limit   string `json:"limit"`
	Message string `json:"message"`
}

// ErrorReply is an explicit error sent back to a browser so it can stop
// waiting; stale or invalid commands are never silently dropped.
type ErrorReply struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (Connected) browserEventType() string               { return "connected" }
func (MessageBatch) browserEventType() string            { return "message" }
func (Complete) browserEventType() string                { return "complete" }
func (DaemonDisconnected) browserEventType() string      { return "daemon_disconnected" }
func (BrowserQuestionPrompt) browserEventType() string   { return "question_prompt" }
func (BrowserPermissionPrompt) browserEventType() string { return "permission_prompt" }
func (BrowserControlRequest) browserEventType() string   { return "control_request" }
func (DiffUpdate) browserEventType() string              { return "diff_update" }
func (LimitExceeded) browserEventType() string           { return "limit_exceeded" }
func (ErrorReply) browserEventType() string              { return "error" }

// EncodeBrowserEvent serializes an event with its type tag.
func EncodeBrowserEvent(ev BrowserEvent) ([]byte, error) {
	return encode(ev.browserEventType(), ev)
}
