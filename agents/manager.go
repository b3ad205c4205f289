// Package agents is the session manager at the center of the server: it
// owns the live agent table, runs the staging handshake, queues and drains
// taskings, and dispatches the tagged result packets agents post back.
//
// One coarse mutex guards the table and every derived mutation. Store
// writes happen inside the same critical section as the in-memory update,
// so the table and the persisted rows never diverge; CPU-bound crypto runs
// before the lock is taken.
package agents

import (
	"encoding/base64"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/corvusc2/corvus/c2errors"
	"github.com/corvusc2/corvus/credparse"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/filesink"
	"github.com/corvusc2/corvus/observability"
	"github.com/corvusc2/corvus/store"
)

var (
	// ErrAgentUnknown reports an operation on a session id or name with no
	// live agent behind it.
	ErrAgentUnknown = c2errors.New(c2errors.StageTasking, c2errors.CodeAgentUnknown)
	// ErrNameTaken reports a rename collision.
	ErrNameTaken = errors.New("agents: name already in use")
	// ErrBadName reports a rename to a non-alphanumeric name.
	ErrBadName = errors.New("agents: name must be alphanumeric")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RemoveAll is the wildcard accepted by RemoveAgent to wipe every session.
const RemoveAll = "%"

// session is one live agent: the persisted row plus hot fields kept in
// decoded form.
type session struct {
	row        *store.AgentRow
	sessionKey []byte
	lastTaskID int
}

// Config wires the manager's collaborators. Store is required; every other
// field falls back to a no-op implementation.
type Config struct {
	Store       store.Store
	Events      events.Sink
	Files       *filesink.Sink
	Credentials credparse.Store
	Observer    observability.AgentObserver
	Autoruns    AutorunProvider
	Webhook     *events.Webhook
}

// Manager is the agent session manager.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	store    store.Store
	events   events.Sink
	files    *filesink.Sink
	creds    credparse.Store
	obs      observability.AgentObserver
	autoruns AutorunProvider
	webhook  *events.Webhook
}

// NewManager builds a manager and rehydrates the live table from the store,
// so a restart resumes with every persisted agent present.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("agents: store is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.NopSink{}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = credparse.NopStore{}
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopAgentObserver
	}
	m := &Manager{
		sessions: make(map[string]*session),
		store:    cfg.Store,
		events:   cfg.Events,
		files:    cfg.Files,
		creds:    cfg.Credentials,
		obs:      cfg.Observer,
		autoruns: cfg.Autoruns,
		webhook:  cfg.Webhook,
	}
	rows, err := cfg.Store.ListAgents()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		key, err := base64.StdEncoding.DecodeString(row.SessionKey)
		if err != nil {
			events.Logf(m.events, events.GlobalSender, true,
				"WARNING: dropping agent %s with undecodable session key", row.SessionID)
			continue
		}
		last, err := cfg.Store.MaxTaskID(row.SessionID)
		if err != nil {
			return nil, err
		}
		m.sessions[row.SessionID] = &session{row: row, sessionKey: key, lastTaskID: last}
	}
	m.obs.AgentCount(len(m.sessions))
	return m, nil
}

// resolve looks a session up by id or by operator-assigned name. Callers
// hold m.mu.
func (m *Manager) resolve(nameOrID string) *session {
	if s, ok := m.sessions[nameOrID]; ok {
		return s
	}
	for _, s := range m.sessions {
		if s.row.Name == nameOrID {
			return s
		}
	}
	return nil
}

// addAgent inserts the fresh row minted at STAGE1. Callers hold m.mu.
func (m *Manager) addAgent(row *store.AgentRow, sessionKey []byte) error {
	now := time.Now().UTC()
	row.CheckinTime = now
	row.LastseenTime = now
	if row.Name == "" {
		row.Name = row.SessionID
	}
	row.SessionKey = base64.StdEncoding.EncodeToString(sessionKey)
	if err := m.store.PutAgent(row); err != nil {
		return err
	}
	m.sessions[row.SessionID] = &session{row: row, sessionKey: sessionKey}
	m.obs.AgentCount(len(m.sessions))
	m.events.Publish(events.Event{
		Type:    events.TypeCheckin,
		Sender:  events.AgentSender(row.SessionID),
		Message: "Agent " + row.SessionID + " checked in from " + row.ExternalIP,
	})
	return nil
}

// RemoveAgent destroys a session and its persisted state. The wildcard "%"
// removes every agent (the operator kill switch). Pending tasks are
// discarded; already-delivered ones are not recalled.
func (m *Manager) RemoveAgent(nameOrID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nameOrID == RemoveAll {
		for id := range m.sessions {
			if err := m.removeLocked(id); err != nil {
				return err
			}
		}
		return nil
	}
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	return m.removeLocked(s.row.SessionID)
}

func (m *Manager) removeLocked(sessionID string) error {
	if err := m.store.DeleteAgent(sessionID); err != nil {
		return err
	}
	delete(m.sessions, sessionID)
	m.obs.AgentCount(len(m.sessions))
	events.Logf(m.events, events.GlobalSender, true, "Agent %s removed", sessionID)
	return nil
}

// RenameAgent changes the operator-visible alias and moves the agent's
// artifact directory to match. The session id is unchanged.
func (m *Manager) RenameAgent(oldName, newName string) error {
	if !nameRe.MatchString(newName) {
		return ErrBadName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(oldName)
	if s == nil {
		return ErrAgentUnknown
	}
	if other := m.resolve(newName); other != nil && other != s {
		return ErrNameTaken
	}
	prev := s.row.Name
	s.row.Name = newName
	if err := m.store.PutAgent(s.row); err != nil {
		s.row.Name = prev
		return err
	}
	if m.files != nil {
		if err := m.files.RenameAgentDir(prev, newName); err != nil {
			events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
				"WARNING: could not move artifact directory for %s: %v", prev, err)
		}
	}
	events.Logf(m.events, events.GlobalSender, true, "Agent %s renamed to %s", prev, newName)
	return nil
}

// Agent returns a copy of the agent's persisted row.
func (m *Manager) Agent(nameOrID string) (store.AgentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return store.AgentRow{}, ErrAgentUnknown
	}
	return *s.row, nil
}

// Agents returns copies of every live agent row.
func (m *Manager) Agents() []store.AgentRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AgentRow, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.row)
	}
	return out
}

// IsAgentPresent reports whether a live session exists for the id or name.
func (m *Manager) IsAgentPresent(nameOrID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(nameOrID) != nil
}

// UpdateLastseen stamps the agent's poll time.
func (m *Manager) UpdateLastseen(nameOrID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLastseenLocked(nameOrID)
}

func (m *Manager) updateLastseenLocked(nameOrID string) error {
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	s.row.LastseenTime = time.Now().UTC()
	return m.store.PutAgent(s.row)
}

// UpdateListener records which listener now carries the agent.
func (m *Manager) UpdateListener(nameOrID, listenerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	s.row.Listener = listenerName
	return m.store.PutAgent(s.row)
}

// SetAgentFunctions replaces the advertised callable list used for operator
// tab completion.
func (m *Manager) SetAgentFunctions(nameOrID string, functions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	s.row.Functions = functions
	return m.store.PutAgent(s.row)
}

// SetAgentNotes replaces the operator notes on an agent.
func (m *Manager) SetAgentNotes(nameOrID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	s.row.Notes = notes
	return m.store.PutAgent(s.row)
}

// Sysinfo carries the fields an agent reports at STAGE2 and on
// TASK_SYSINFO refreshes.
type Sysinfo struct {
	Listener        string
	InternalIP      string
	Username        string
	Hostname        string
	OSDetails       string
	HighIntegrity   bool
	ProcessName     string
	ProcessID       string
	Language        string
	LanguageVersion string
}

// UpdateSysinfo persists a sysinfo report.
func (m *Manager) UpdateSysinfo(nameOrID string, info Sysinfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSysinfoLocked(nameOrID, info)
}

func (m *Manager) updateSysinfoLocked(nameOrID string, info Sysinfo) error {
	s := m.resolve(nameOrID)
	if s == nil {
		return ErrAgentUnknown
	}
	s.row.Listener = info.Listener
	s.row.InternalIP = info.InternalIP
	s.row.Username = info.Username
	s.row.Hostname = info.Hostname
	s.row.OSDetails = info.OSDetails
	s.row.HighIntegrity = info.HighIntegrity
	s.row.ProcessName = info.ProcessName
	s.row.ProcessID = info.ProcessID
	s.row.Language = info.Language
	s.row.LanguageVersion = info.LanguageVersion
	return m.store.PutAgent(s.row)
}

// appendResults accumulates undrained output on the agent row and mirrors
// it into the result row for the task. Callers hold m.mu.
func (m *Manager) appendResultsLocked(s *session, taskID int, data string) error {
	if s.row.Results != "" {
		s.row.Results += "\n"
	}
	s.row.Results += data
	if err := m.store.PutAgent(s.row); err != nil {
		return err
	}
	if taskID != 0 {
		return m.store.AppendResult(s.row.SessionID, taskID, data)
	}
	return nil
}

// DrainResults returns and clears the accumulated output for an agent.
func (m *Manager) DrainResults(nameOrID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return "", ErrAgentUnknown
	}
	out := s.row.Results
	s.row.Results = ""
	if err := m.store.PutAgent(s.row); err != nil {
		s.row.Results = out
		return "", err
	}
	return out, nil
}

// saveAgentLog appends to the agent's on-disk activity log.
func (m *Manager) saveAgentLog(s *session, entry string) {
	if m.files == nil {
		return
	}
	if err := m.files.AppendAgentLog(s.row.Name, entry); err != nil {
		events.Logf(m.events, events.AgentSender(s.row.SessionID), false,
			"WARNING: could not write agent log: %v", err)
	}
}
