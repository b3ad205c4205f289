package agents

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/store"
)

// Autorun is one task to queue automatically when an agent activates.
type Autorun struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// AutorunProvider supplies per-language autorun lists maintained outside
// the core (operator resource files and the like).
type AutorunProvider interface {
	Autoruns(language string) []Autorun
}

const globalAutorunKey = "autorun"

// SetGlobalAutorun stores the single server-wide autorun task.
func (m *Manager) SetGlobalAutorun(name, data string) error {
	raw, err := json.Marshal(Autorun{Name: name, Data: data})
	if err != nil {
		return err
	}
	return m.store.PutConfig(globalAutorunKey, raw)
}

// GlobalAutorun returns the configured server-wide autorun, if any.
func (m *Manager) GlobalAutorun() (Autorun, bool, error) {
	raw, err := m.store.GetConfig(globalAutorunKey)
	if errors.Is(err, store.ErrNotFound) {
		return Autorun{}, false, nil
	}
	if err != nil {
		return Autorun{}, false, err
	}
	var a Autorun
	if err := json.Unmarshal(raw, &a); err != nil {
		return Autorun{}, false, err
	}
	return a, a.Name != "" && a.Data != "", nil
}

// ClearGlobalAutorun removes the server-wide autorun.
func (m *Manager) ClearGlobalAutorun() error {
	return m.store.PutConfig(globalAutorunKey, []byte("{}"))
}

// runAutorunsLocked queues the global autorun and any per-language list for
// a freshly activated agent. Callers hold m.mu.
func (m *Manager) runAutorunsLocked(sessionID, language string) {
	if a, ok, err := m.GlobalAutorun(); err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), false,
			"WARNING: could not read global autorun: %v", err)
	} else if ok {
		if _, err := m.queueTaskLocked(sessionID, a.Name, a.Data, "", 0); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), true,
				"WARNING: global autorun failed for %s: %v", sessionID, err)
		}
	}
	if m.autoruns == nil {
		return
	}
	for _, a := range m.autoruns.Autoruns(strings.ToLower(language)) {
		if _, err := m.queueTaskLocked(sessionID, a.Name, a.Data, "", 0); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), true,
				"WARNING: autorun failed for %s: %v", sessionID, err)
		}
	}
}
