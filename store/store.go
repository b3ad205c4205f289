// Package store persists the agent session manager's durable state. The
// in-memory session table is authoritative for liveness; the store is the
// system of record that survives restarts, and writers keep the two in step
// by updating the store inside the same critical section that mutates the
// table.
package store

import (
	"errors"
	"time"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("store: not found")

// AgentRow is the persisted form of one agent session.
type AgentRow struct {
	SessionID       string    `json:"session_id"`
	Name            string    `json:"name"`
	Listener        string    `json:"listener"`
	Language        string    `json:"language"`
	LanguageVersion string    `json:"language_version"`
	Delay           int       `json:"delay"`
	Jitter          float64   `json:"jitter"`
	ExternalIP      string    `json:"external_ip"`
	InternalIP      string    `json:"internal_ip"`
	Username        string    `json:"username"`
	HighIntegrity   bool      `json:"high_integrity"`
	ProcessName     string    `json:"process_name"`
	ProcessID       string    `json:"process_id"`
	Hostname        string    `json:"hostname"`
	OSDetails       string    `json:"os_details"`
	SessionKey      string    `json:"session_key"`
	Nonce           string    `json:"nonce"`
	Architecture    string    `json:"architecture"`
	CheckinTime     time.Time `json:"checkin_time"`
	LastseenTime    time.Time `json:"lastseen_time"`
	Parent          string    `json:"parent,omitempty"`
	Children        string    `json:"children,omitempty"`
	Servers         string    `json:"servers,omitempty"`
	Profile         string    `json:"profile"`
	Functions       []string  `json:"functions,omitempty"`
	KillDate        string    `json:"kill_date,omitempty"`
	WorkingHours    string    `json:"working_hours,omitempty"`
	LostLimit       int       `json:"lost_limit"`
	Notes           string    `json:"notes,omitempty"`

	// Taskings is the undelivered task queue; it rides in the agent row so
	// pending work survives a restart. Results accumulates output the
	// operator has not drained.
	Taskings []PendingTask `json:"taskings,omitempty"`
	Results  string        `json:"results,omitempty"`
}

// PendingTask is one queued, undelivered task.
type PendingTask struct {
	Name   string `json:"name"`
	Data   string `json:"data"`
	TaskID int    `json:"task_id"`
}

// TaskingRow is one queued task. Input holds a preview of the task body
// capped at 100 bytes; the full body only travels on the wire.
type TaskingRow struct {
	SessionID  string    `json:"session_id"`
	TaskID     int       `json:"task_id"`
	Name       string    `json:"name"`
	Input      string    `json:"input"`
	UserID     int       `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	ModuleName string    `json:"module_name,omitempty"`
}

// ResultRow is the stored output for one task. A blank row is written when
// the task is queued and filled in as results arrive.
type ResultRow struct {
	SessionID string    `json:"session_id"`
	TaskID    int       `json:"task_id"`
	Data      string    `json:"data"`
	UserID    int       `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DirEntry is one cached remote filesystem node from a directory listing.
type DirEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	ParentID  string    `json:"parent_id,omitempty"`
	IsFile    bool      `json:"is_file"`
	RunTime   time.Time `json:"run_time"`
}

// UserRow tracks operator accounts for last-logon bookkeeping.
type UserRow struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	LastLogon time.Time `json:"last_logon"`
}

// Store is the persistence surface the agent core depends on.
type Store interface {
	// Agents.
	PutAgent(row *AgentRow) error
	GetAgent(sessionID string) (*AgentRow, error)
	ListAgents() ([]*AgentRow, error)
	// DeleteAgent removes the agent row and cascades to its taskings,
	// results, and cached directory entries.
	DeleteAgent(sessionID string) error

	// Taskings and results.
	PutTasking(row *TaskingRow) error
	GetTasking(sessionID string, taskID int) (*TaskingRow, error)
	ListTaskings(sessionID string) ([]*TaskingRow, error)
	MaxTaskID(sessionID string) (int, error)
	PutResult(row *ResultRow) error
	GetResult(sessionID string, taskID int) (*ResultRow, error)
	AppendResult(sessionID string, taskID int, data string) error

	// Directory listing cache. ReplaceDirListing removes any prior entry at
	// the listed path together with its children, then writes the fresh
	// snapshot, so repeated listings of the same path do not accumulate.
	ReplaceDirListing(sessionID string, parent DirEntry, children []DirEntry) error
	ListDir(sessionID, path string) ([]*DirEntry, error)

	// Config values (autoruns and similar server-side settings).
	PutConfig(key string, value []byte) error
	GetConfig(key string) ([]byte, error)

	// Users.
	PutUser(row *UserRow) error
	GetUser(id int) (*UserRow, error)
	TouchUserLogon(id int, when time.Time) error

	Close() error
}
