// Package api provides the relay's read-only HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brkalow/openctl/internal/domain"
	"github.com/brkalow/openctl/internal/relay"
)

// AuditPinger reports whether the audit sink is reachable.
type AuditPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves session listings and health checks off the relay's
// in-memory registries.
type Handler struct {
	router *relay.Router
	audit  AuditPinger
}

// NewHandler creates a new Handler.
func NewHandler(router *relay.Router, audit AuditPinger) *Handler {
	return &Handler{router: router, audit: audit}
}

// RegisterRoutes mounts the API endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/sessions", h.ListSessions)
	r.Get("/api/sessions/{sessionID}", h.GetSession)
	r.Get("/api/daemons", h.ListDaemons)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports relay liveness, connected daemon count, and audit sink
// reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	auditOK := true
	if h.audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		auditOK = h.audit.Ping(ctx) == nil
	}

	status := http.StatusOK
	if !auditOK {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]interface{}{
		"status":   statusWord(auditOK),
		"daemons":  h.router.Daemons().Count(),
		"sessions": len(h.router.Sessions().ListActive()),
		"audit_ok": auditOK,
	})
}

// ListSessions returns every known session record, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.router.Sessions().List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	out := make([]sessionView, 0, len(sessions))
	for _, rec := range sessions {
		out = append(out, viewOf(rec))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// GetSession returns one session record.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rec, ok := h.router.Sessions().Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, viewOf(rec))
}

// ListDaemons returns the connected daemon peers and their session load.
func (h *Handler) ListDaemons(w http.ResponseWriter, _ *http.Request) {
	daemons := h.router.Daemons().List()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(daemons),
		"daemons": daemons,
	})
}

// sessionView is the wire shape of a session listing entry. Opaque message
// payloads and permission details stay internal.
type sessionView struct {
	ID             string               `json:"id"`
	DaemonClientID string               `json:"daemon_client_id"`
	Status         domain.SessionStatus `json:"status"`
	Harness        string               `json:"harness"`
	Model          string               `json:"model,omitempty"`
	Cwd            string               `json:"cwd"`
	RepoURL        string               `json:"repo_url,omitempty"`
	Branch         string               `json:"branch,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	MessageCount   int                  `json:"message_count"`
	CanResume      bool                 `json:"can_resume"`
	EndedAt        *time.Time           `json:"ended_at,omitempty"`
	ExitCode       *int                 `json:"exit_code,omitempty"`
	Error          string               `json:"error,omitempty"`
}

func viewOf(rec domain.SessionRecord) sessionView {
	return sessionView{
		ID:             rec.ID,
		DaemonClientID: rec.DaemonClientID,
		Status:         rec.Status,
		Harness:        rec.Harness,
		Model:          rec.Model,
		Cwd:            rec.Cwd,
		RepoURL:        rec.RepoURL,
		Branch:         rec.Branch,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		MessageCount:   rec.MessageCount,
		CanResume:      rec.Resumable(),
		EndedAt:        rec.EndedAt,
		ExitCode:       rec.ExitCode,
		Error:          rec.Error,
	}
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
