package registry

import (
	"errors"
	"testing"

	"github.com/brkalow/openctl/internal/domain"
)

func newTestSession(t *testing.T, r *SessionRegistry, id, daemonID string) {
	t.Helper()
	if err := r.Create(domain.SessionRecord{ID: id, DaemonClientID: daemonID, Cwd: "/repo"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestSessionRegistry_CreateForcesStartingStatus(t *testing.T) {
	r := NewSessionRegistry()
	if err := r.Create(domain.SessionRecord{ID: "s1", Status: domain.StatusRunning}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	rec, _ := r.Get("s1")
	if rec.Status != domain.StatusStarting {
		t.Errorf("Expected starting, got %s", rec.Status)
	}
	if err := r.Create(domain.SessionRecord{ID: "s1"}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Duplicate create should fail with ErrSessionExists, got %v", err)
	}
}

func TestSessionRegistry_TransitionRejectsInvalidMoves(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")

	// starting -> waiting is not a legal move.
	if err := r.Transition("s1", domain.StatusWaiting); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	rec, _ := r.Get("s1")
	if rec.Status != domain.StatusStarting {
		t.Errorf("Rejected transition must not mutate status, got %s", rec.Status)
	}

	if err := r.Transition("s1", domain.StatusRunning); err != nil {
		t.Fatalf("starting -> running should succeed: %v", err)
	}
	if err := r.Transition("s1", domain.StatusWaiting); err != nil {
		t.Fatalf("running -> waiting should succeed: %v", err)
	}
	if err := r.Transition("s1", domain.StatusEnded); err != nil {
		t.Fatalf("waiting -> ended should succeed: %v", err)
	}
	if err := r.Transition("s1", domain.StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Terminal status must reject all transitions, got %v", err)
	}
}

func TestSessionRegistry_PendingRequestLifecycle(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")

	if _, err := r.ResolvePendingRequest("s1", "r1", true); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("Resolve with nothing pending should fail, got %v", err)
	}

	if err := r.SetPendingRequest("s1", domain.PendingRequest{ID: "r1", Kind: domain.PendingPermission, Tool: "Bash"}); err != nil {
		t.Fatalf("SetPendingRequest failed: %v", err)
	}

	if _, err := r.ResolvePendingRequest("s1", "wrong-id", true); !errors.Is(err, ErrRequestMismatch) {
		t.Errorf("Mismatched request id should fail, got %v", err)
	}
	rec, _ := r.Get("s1")
	if rec.Pending == nil || len(rec.Permissions) != 0 {
		t.Error("Failed resolve must leave pending and history untouched")
	}

	pending, err := r.ResolvePendingRequest("s1", "r1", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if pending.Tool != "Bash" {
		t.Errorf("Resolve should return the cleared request, got %+v", pending)
	}
	rec, _ = r.Get("s1")
	if rec.Pending != nil {
		t.Error("Pending should be cleared after resolve")
	}
	if len(rec.Permissions) != 1 || rec.Permissions[0].Allowed {
		t.Errorf("Decision should be appended to history, got %+v", rec.Permissions)
	}

	if _, err := r.ResolvePendingRequest("s1", "r1", true); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("Second resolve of the same request should fail, got %v", err)
	}
}

func TestSessionRegistry_PendingRequestReplaced(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")

	if err := r.SetPendingRequest("s1", domain.PendingRequest{ID: "r1", Kind: domain.PendingPermission}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPendingRequest("s1", domain.PendingRequest{ID: "r2", Kind: domain.PendingControl}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ResolvePendingRequest("s1", "r1", true); !errors.Is(err, ErrRequestMismatch) {
		t.Errorf("Superseded request id should mismatch, got %v", err)
	}
	if _, err := r.ResolvePendingRequest("s1", "r2", true); err != nil {
		t.Errorf("Latest request should resolve, got %v", err)
	}
}

func TestSessionRegistry_RecoveryRoundTrip(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")
	if err := r.Transition("s1", domain.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := r.Update("s1", func(rec *domain.SessionRecord) { rec.AgentSessionID = "claude-abc" }); err != nil {
		t.Fatal(err)
	}

	canResume, claudeID, err := r.MarkForRecovery("s1")
	if err != nil || !canResume || claudeID != "claude-abc" {
		t.Fatalf("MarkForRecovery = (%v, %q, %v), want (true, claude-abc, nil)", canResume, claudeID, err)
	}
	rec, _ := r.Get("s1")
	if rec.Status != domain.StatusDisconnected || !rec.Resumable() {
		t.Errorf("Session should be disconnected and resumable, got %+v", rec)
	}

	info, err := r.ConsumeRecovery("s1", "d2")
	if err != nil {
		t.Fatalf("ConsumeRecovery failed: %v", err)
	}
	if info.ClaudeSessionID != "claude-abc" || info.Cwd != "/repo" {
		t.Errorf("Unexpected recovery info: %+v", info)
	}
	rec, _ = r.Get("s1")
	if rec.Status != domain.StatusStarting || rec.DaemonClientID != "d2" {
		t.Errorf("Consume should restart under the new daemon, got %+v", rec)
	}

	// Recovery info is single-use.
	if _, err := r.ConsumeRecovery("s1", "d2"); !errors.Is(err, ErrNotResumable) {
		t.Errorf("Second consume should fail, got %v", err)
	}
}

func TestSessionRegistry_RestoreRecoveryAfterFailedHandoff(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")
	if err := r.Transition("s1", domain.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := r.Update("s1", func(rec *domain.SessionRecord) { rec.AgentSessionID = "claude-abc" }); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.MarkForRecovery("s1"); err != nil {
		t.Fatal(err)
	}

	info, err := r.ConsumeRecovery("s1", "d2")
	if err != nil {
		t.Fatal(err)
	}
	r.RestoreRecovery("s1", info)

	rec, _ := r.Get("s1")
	if !rec.Resumable() {
		t.Error("Restored session should be resumable again")
	}
}

func TestSessionRegistry_DisconnectWithoutExecutionID(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")

	canResume, _, err := r.MarkForRecovery("s1")
	if err != nil {
		t.Fatalf("MarkForRecovery failed: %v", err)
	}
	if canResume {
		t.Error("Session without an execution id must not be resumable")
	}
	if _, err := r.ConsumeRecovery("s1", "d2"); !errors.Is(err, ErrNotResumable) {
		t.Errorf("Expected ErrNotResumable, got %v", err)
	}
}

func TestSessionRegistry_MarkForRecoveryClearsPending(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")
	if err := r.Transition("s1", domain.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPendingRequest("s1", domain.PendingRequest{ID: "r1", Kind: domain.PendingPermission}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := r.MarkForRecovery("s1"); err != nil {
		t.Fatal(err)
	}
	rec, _ := r.Get("s1")
	if rec.Pending != nil {
		t.Error("Disconnect must clear the pending request")
	}
}

func TestSessionRegistry_ActiveForDaemon(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")
	newTestSession(t, r, "s2", "d1")
	newTestSession(t, r, "s3", "d2")
	if err := r.Transition("s2", domain.StatusEnded); err != nil {
		t.Fatal(err)
	}

	active := r.ActiveForDaemon("d1")
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("Expected only s1 active for d1, got %+v", active)
	}
}

func TestSessionRegistry_GetReturnsCopy(t *testing.T) {
	r := NewSessionRegistry()
	newTestSession(t, r, "s1", "d1")
	if err := r.SetPendingRequest("s1", domain.PendingRequest{ID: "r1"}); err != nil {
		t.Fatal(err)
	}

	rec, _ := r.Get("s1")
	rec.Pending.ID = "tampered"
	rec.Cwd = "/elsewhere"

	fresh, _ := r.Get("s1")
	if fresh.Pending.ID != "r1" || fresh.Cwd != "/repo" {
		t.Error("Mutating a returned record must not affect registry state")
	}
}
