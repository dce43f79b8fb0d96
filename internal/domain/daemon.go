package domain

import "time"

// HarnessAvailability describes one execution backend a daemon can run.
type HarnessAvailability struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

// DaemonCapabilities is announced by a daemon when it connects.
type DaemonCapabilities struct {
	CanSpawn  bool                  `json:"can_spawn"`
	Harnesses []HarnessAvailability `json:"harnesses,omitempty"`
}

// SupportsHarness reports whether the daemon announced the harness as
// available. An empty harness id matches any available harness; a daemon
// that announced no harness list is treated as unrestricted.
func (c DaemonCapabilities) SupportsHarness(id string) bool {
	if len(c.Harnesses) == 0 {
		return true
	}
	for _, h := range c.Harnesses {
		if !h.Available {
			continue
		}
		if id == "" || h.ID == id {
			return true
		}
	}
	return false
}

// DaemonInfo is a read-only snapshot of a connected daemon peer.
type DaemonInfo struct {
	ClientID     string             `json:"client_id"`
	ConnectedAt  time.Time          `json:"connected_at"`
	Capabilities DaemonCapabilities `json:"capabilities"`
	SessionIDs   []string           `json:"session_ids,omitempty"`
}
