package registry

import (
	"errors"
	"testing"

	"github.com/brkalow/openctl/internal/domain"
	"github.com/brkalow/openctl/internal/protocol"
)

type fakeSender struct {
	sent     [][]byte
	sendErr  error
	closed   bool
	closeMsg string
}

func (s *fakeSender) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSender) Close(reason string) {
	s.closed = true
	s.closeMsg = reason
}

type disconnectRecorder struct {
	notified []string
	resume   map[string]bool
}

func (d *disconnectRecorder) NotifyDaemonDisconnected(sessionID string, canResume bool, claudeSessionID string) {
	d.notified = append(d.notified, sessionID)
	if d.resume == nil {
		d.resume = make(map[string]bool)
	}
	d.resume[sessionID] = canResume
}

func newTestRegistries(maxSessions int) (*SessionRegistry, *DaemonRegistry, *disconnectRecorder) {
	sessions := NewSessionRegistry()
	rec := &disconnectRecorder{}
	daemons := NewDaemonRegistry(sessions, rec, maxSessions)
	return sessions, daemons, rec
}

func TestDaemonRegistry_ReserveFailsClosedAtCapacity(t *testing.T) {
	_, daemons, _ := newTestRegistries(2)
	daemons.Register("d1", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: true})

	if err := daemons.Reserve("d1", "s1"); err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}
	if err := daemons.Reserve("d1", "s2"); err != nil {
		t.Fatalf("Second reserve failed: %v", err)
	}
	if err := daemons.Reserve("d1", "s3"); !errors.Is(err, ErrDaemonAtCapacity) {
		t.Errorf("Expected ErrDaemonAtCapacity, got %v", err)
	}
	if got := daemons.SessionIDs("d1"); len(got) != 2 {
		t.Errorf("Failed reserve must not mutate the session set, got %v", got)
	}

	// Re-reserving a held slot is idempotent, not a second claim.
	if err := daemons.Reserve("d1", "s1"); err != nil {
		t.Errorf("Idempotent reserve failed: %v", err)
	}

	daemons.Release("d1", "s1")
	if err := daemons.Reserve("d1", "s3"); err != nil {
		t.Errorf("Reserve after release should succeed: %v", err)
	}
}

func TestDaemonRegistry_ReserveUnknownDaemon(t *testing.T) {
	_, daemons, _ := newTestRegistries(3)
	if err := daemons.Reserve("ghost", "s1"); !errors.Is(err, ErrDaemonNotFound) {
		t.Errorf("Expected ErrDaemonNotFound, got %v", err)
	}
}

func TestDaemonRegistry_RegisterReplacesAndClosesOld(t *testing.T) {
	_, daemons, _ := newTestRegistries(3)
	old := &fakeSender{}
	daemons.Register("d1", old, domain.DaemonCapabilities{CanSpawn: true})
	if err := daemons.Reserve("d1", "s1"); err != nil {
		t.Fatal(err)
	}

	daemons.Register("d1", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: true})
	if !old.closed {
		t.Error("Old connection should be closed on replacement")
	}
	if got := daemons.SessionIDs("d1"); len(got) != 1 || got[0] != "s1" {
		t.Errorf("Session attribution should carry over, got %v", got)
	}
	if daemons.Count() != 1 {
		t.Errorf("Replacement must not add a peer, count is %d", daemons.Count())
	}
}

func TestDaemonRegistry_UnregisterIfCurrentIgnoresStaleConnection(t *testing.T) {
	sessions, daemons, rec := newTestRegistries(3)
	old := &fakeSender{}
	daemons.Register("d1", old, domain.DaemonCapabilities{CanSpawn: true})
	if err := sessions.Create(domain.SessionRecord{ID: "s1", DaemonClientID: "d1"}); err != nil {
		t.Fatal(err)
	}

	daemons.Register("d1", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: true})

	// The replaced connection's close handler fires after the replacement.
	daemons.UnregisterIfCurrent("d1", old)
	if daemons.Count() != 1 {
		t.Error("Stale close must not tear down the replacement's registration")
	}
	if len(rec.notified) != 0 {
		t.Errorf("No disconnect cascade expected, got %v", rec.notified)
	}
}

func TestDaemonRegistry_DisconnectCascade(t *testing.T) {
	sessions, daemons, rec := newTestRegistries(3)
	daemons.Register("d1", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: true})

	// One session with a resolved execution id, one without, one terminal.
	if err := sessions.Create(domain.SessionRecord{ID: "resumable", DaemonClientID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Transition("resumable", domain.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Update("resumable", func(r *domain.SessionRecord) { r.AgentSessionID = "claude-1" }); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Create(domain.SessionRecord{ID: "fresh", DaemonClientID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Create(domain.SessionRecord{ID: "done", DaemonClientID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Transition("done", domain.StatusEnded); err != nil {
		t.Fatal(err)
	}

	daemons.Unregister("d1")

	if daemons.Count() != 0 {
		t.Error("Peer should be removed")
	}
	if len(rec.notified) != 2 {
		t.Fatalf("Expected 2 notifications, got %v", rec.notified)
	}
	if !rec.resume["resumable"] {
		t.Error("Session with execution id should be reported resumable")
	}
	if rec.resume["fresh"] {
		t.Error("Session without execution id should not be resumable")
	}

	for _, id := range []string{"resumable", "fresh"} {
		got, _ := sessions.Get(id)
		if got.Status != domain.StatusDisconnected {
			t.Errorf("Session %s should be disconnected, got %s", id, got.Status)
		}
	}
	done, _ := sessions.Get("done")
	if done.Status != domain.StatusEnded {
		t.Errorf("Terminal session must stay terminal, got %s", done.Status)
	}
}

func TestDaemonRegistry_SendCommand(t *testing.T) {
	_, daemons, _ := newTestRegistries(3)
	sender := &fakeSender{}
	daemons.Register("d1", sender, domain.DaemonCapabilities{CanSpawn: true})

	if !daemons.SendCommand("d1", protocol.EndSession{SessionID: "s1"}) {
		t.Error("Send to connected daemon should succeed")
	}
	if len(sender.sent) != 1 {
		t.Errorf("Expected 1 frame sent, got %d", len(sender.sent))
	}
	if daemons.SendCommand("ghost", protocol.EndSession{SessionID: "s1"}) {
		t.Error("Send to unknown daemon should report failure")
	}

	sender.sendErr = errors.New("broken pipe")
	if daemons.SendCommand("d1", protocol.EndSession{SessionID: "s2"}) {
		t.Error("Transport failure should report false")
	}
}

func TestDaemonRegistry_AnyConnectedSkipsNonSpawning(t *testing.T) {
	_, daemons, _ := newTestRegistries(3)
	daemons.Register("observer", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: false})

	if _, ok := daemons.AnyConnected(); ok {
		t.Error("Non-spawning peer should not be offered for spawns")
	}

	daemons.Register("worker", &fakeSender{}, domain.DaemonCapabilities{CanSpawn: true})
	info, ok := daemons.AnyConnected()
	if !ok || info.ClientID != "worker" {
		t.Errorf("Expected worker, got %+v ok=%v", info, ok)
	}
}
