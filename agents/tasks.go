package agents

import (
	"time"

	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/store"
)

// taskIDSpace bounds the per-agent task id. Ids wrap and may be reused; the
// task/result rows for a reused id are simply overwritten.
const taskIDSpace = 65536

// taskPreviewLen caps how much of a task body lands in the tasking row.
// Full bodies only travel on the wire.
const taskPreviewLen = 100

// QueueTask appends a task to the agent's pending queue and mints its id as
// the successor of the last issued id, mod 65536. A blank result row is
// created under the same id so every task has exactly one result slot.
// moduleName records which module produced the tasking; plain shell tasks
// pass "".
func (m *Manager) QueueTask(nameOrID, taskName, body, moduleName string, userID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueTaskLocked(nameOrID, taskName, body, moduleName, userID)
}

func (m *Manager) queueTaskLocked(nameOrID, taskName, body, moduleName string, userID int) (int, error) {
	s := m.resolve(nameOrID)
	if s == nil {
		return 0, ErrAgentUnknown
	}
	taskID := (s.lastTaskID + 1) % taskIDSpace
	now := time.Now().UTC()

	preview := body
	if len(preview) > taskPreviewLen {
		preview = preview[:taskPreviewLen]
	}
	if err := m.store.PutTasking(&store.TaskingRow{
		SessionID:  s.row.SessionID,
		TaskID:     taskID,
		Name:       taskName,
		Input:      preview,
		UserID:     userID,
		Timestamp:  now,
		ModuleName: moduleName,
	}); err != nil {
		return 0, err
	}
	if err := m.store.PutResult(&store.ResultRow{
		SessionID: s.row.SessionID,
		TaskID:    taskID,
		UserID:    userID,
		Timestamp: now,
	}); err != nil {
		return 0, err
	}
	s.row.Taskings = append(s.row.Taskings, store.PendingTask{
		Name:   taskName,
		Data:   body,
		TaskID: taskID,
	})
	if err := m.store.PutAgent(s.row); err != nil {
		return 0, err
	}
	s.lastTaskID = taskID

	if userID != 0 {
		if err := m.store.TouchUserLogon(userID, now); err != nil {
			return 0, err
		}
	}
	m.events.Publish(events.Event{
		Type:     events.TypeTask,
		Sender:   events.AgentSender(s.row.SessionID),
		Message:  "Tasked " + s.row.SessionID + " to run " + taskName,
		TaskID:   taskID,
		TaskName: taskName,
		Task:     preview,
	})
	return taskID, nil
}

// DrainTasks atomically returns and clears the agent's pending queue. An
// agent polling concurrently with an enqueue sees either the full batch or
// none of it.
func (m *Manager) DrainTasks(nameOrID string) ([]store.PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drainTasksLocked(nameOrID)
}

func (m *Manager) drainTasksLocked(nameOrID string) ([]store.PendingTask, error) {
	s := m.resolve(nameOrID)
	if s == nil {
		return nil, ErrAgentUnknown
	}
	tasks := s.row.Taskings
	s.row.Taskings = nil
	if err := m.store.PutAgent(s.row); err != nil {
		s.row.Taskings = tasks
		return nil, err
	}
	return tasks, nil
}

// PendingTasks returns the queue without draining it.
func (m *Manager) PendingTasks(nameOrID string) ([]store.PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolve(nameOrID)
	if s == nil {
		return nil, ErrAgentUnknown
	}
	out := make([]store.PendingTask, len(s.row.Taskings))
	copy(out, s.row.Taskings)
	return out, nil
}
