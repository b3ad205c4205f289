package agents

import (
	"sync"
	"time"

	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/store"
)

// memStore is an in-memory store.Store for tests. It clones rows on the way
// in and out so tests observe what was persisted, not shared pointers.
type memStore struct {
	mu       sync.Mutex
	agents   map[string]store.AgentRow
	taskings map[string]map[int]store.TaskingRow
	results  map[string]map[int]store.ResultRow
	dirs     map[string]store.DirEntry
	config   map[string][]byte
	users    map[int]store.UserRow

	failPuts bool
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[string]store.AgentRow),
		taskings: make(map[string]map[int]store.TaskingRow),
		results:  make(map[string]map[int]store.ResultRow),
		dirs:     make(map[string]store.DirEntry),
		config:   make(map[string][]byte),
		users:    make(map[int]store.UserRow),
	}
}

type errStoreDown struct{}

func (errStoreDown) Error() string { return "store down" }

func cloneAgentRow(row *store.AgentRow) store.AgentRow {
	out := *row
	out.Taskings = append([]store.PendingTask(nil), row.Taskings...)
	out.Functions = append([]string(nil), row.Functions...)
	return out
}

func (m *memStore) PutAgent(row *store.AgentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPuts {
		return errStoreDown{}
	}
	m.agents[row.SessionID] = cloneAgentRow(row)
	return nil
}

func (m *memStore) GetAgent(sessionID string) (*store.AgentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.agents[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneAgentRow(&row)
	return &out, nil
}

func (m *memStore) ListAgents() ([]*store.AgentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AgentRow
	for _, row := range m.agents {
		r := cloneAgentRow(&row)
		out = append(out, &r)
	}
	return out, nil
}

func (m *memStore) DeleteAgent(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, sessionID)
	delete(m.taskings, sessionID)
	delete(m.results, sessionID)
	for id, ent := range m.dirs {
		if ent.SessionID == sessionID {
			delete(m.dirs, id)
		}
	}
	return nil
}

func (m *memStore) PutTasking(row *store.TaskingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskings[row.SessionID] == nil {
		m.taskings[row.SessionID] = make(map[int]store.TaskingRow)
	}
	m.taskings[row.SessionID][row.TaskID] = *row
	return nil
}

func (m *memStore) GetTasking(sessionID string, taskID int) (*store.TaskingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.taskings[sessionID][taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memStore) ListTaskings(sessionID string) ([]*store.TaskingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TaskingRow
	for _, row := range m.taskings[sessionID] {
		r := row
		out = append(out, &r)
	}
	return out, nil
}

func (m *memStore) MaxTaskID(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for id := range m.taskings[sessionID] {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (m *memStore) PutResult(row *store.ResultRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[row.SessionID] == nil {
		m.results[row.SessionID] = make(map[int]store.ResultRow)
	}
	m.results[row.SessionID][row.TaskID] = *row
	return nil
}

func (m *memStore) GetResult(sessionID string, taskID int) (*store.ResultRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.results[sessionID][taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memStore) AppendResult(sessionID string, taskID int, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[sessionID] == nil {
		m.results[sessionID] = make(map[int]store.ResultRow)
	}
	row := m.results[sessionID][taskID]
	row.SessionID = sessionID
	row.TaskID = taskID
	row.Data += data
	row.Timestamp = time.Now().UTC()
	m.results[sessionID][taskID] = row
	return nil
}

func (m *memStore) ReplaceDirListing(sessionID string, parent store.DirEntry, children []store.DirEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var staleParents []string
	for id, ent := range m.dirs {
		if ent.SessionID == sessionID && ent.Path == parent.Path && !ent.IsFile {
			staleParents = append(staleParents, ent.ID)
			delete(m.dirs, id)
		}
	}
	for id, ent := range m.dirs {
		for _, pid := range staleParents {
			if ent.ParentID == pid {
				delete(m.dirs, id)
				break
			}
		}
	}
	m.dirs[parent.ID] = parent
	for _, c := range children {
		c.SessionID = sessionID
		c.ParentID = parent.ID
		m.dirs[c.ID] = c
	}
	return nil
}

func (m *memStore) ListDir(sessionID, path string) ([]*store.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parentID string
	for _, ent := range m.dirs {
		if ent.SessionID == sessionID && ent.Path == path && !ent.IsFile {
			parentID = ent.ID
		}
	}
	if parentID == "" {
		return nil, store.ErrNotFound
	}
	var out []*store.DirEntry
	for _, ent := range m.dirs {
		if ent.ParentID == parentID {
			e := ent
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *memStore) PutConfig(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) GetConfig(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.config[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) PutUser(row *store.UserRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[row.ID] = *row
	return nil
}

func (m *memStore) GetUser(id int) (*store.UserRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memStore) TouchUserLogon(id int, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.users[id]; ok {
		row.LastLogon = when
		m.users[id] = row
	}
	return nil
}

func (m *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Message
	}
	return out
}
