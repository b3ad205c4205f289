package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvusc2/corvus/c2errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents   = []byte("agents")
	bucketTaskings = []byte("taskings")
	bucketResults  = []byte("results")
	bucketDirs     = []byte("file_directory")
	bucketConfig   = []byte("config")
	bucketUsers    = []byte("users")
)

// Bolt is a bbolt-backed Store. A single file holds every bucket; all writes
// go through serialized update transactions, which pairs well with the agent
// manager's coarse lock.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file and ensures every
// bucket exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, c2errors.Wrap(c2errors.StageStore, c2errors.CodeDBError, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketTaskings, bucketResults, bucketDirs, bucketConfig, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, c2errors.Wrap(c2errors.StageStore, c2errors.CodeDBError, err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func storeErr(err error) error {
	if err == nil || err == ErrNotFound {
		return err
	}
	return c2errors.Wrap(c2errors.StageStore, c2errors.CodeDBError, err)
}

// taskKey orders taskings per agent by task id within a shared bucket. The
// id is big-endian in the key so lexicographic order matches numeric order.
func taskKey(sessionID string, taskID int) []byte {
	k := make([]byte, 0, len(sessionID)+3)
	k = append(k, sessionID...)
	k = append(k, '/')
	return append(k, byte(taskID>>8), byte(taskID))
}

func sessionPrefix(sessionID string) []byte {
	return append([]byte(sessionID), '/')
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// PutAgent writes the full agent row, replacing any previous version.
func (s *Bolt) PutAgent(row *AgentRow) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAgents), []byte(row.SessionID), row)
	}))
}

func (s *Bolt) GetAgent(sessionID string) (*AgentRow, error) {
	var row *AgentRow
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgents).Get([]byte(sessionID))
		if raw == nil {
			return ErrNotFound
		}
		row = new(AgentRow)
		return json.Unmarshal(raw, row)
	})
	return row, storeErr(err)
}

func (s *Bolt) ListAgents() ([]*AgentRow, error) {
	var rows []*AgentRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, raw []byte) error {
			row := new(AgentRow)
			if err := json.Unmarshal(raw, row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, storeErr(err)
}

// DeleteAgent removes the agent row plus everything keyed under its session:
// taskings, results, and cached directory entries.
func (s *Bolt) DeleteAgent(sessionID string) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAgents).Delete([]byte(sessionID)); err != nil {
			return err
		}
		prefix := sessionPrefix(sessionID)
		for _, name := range [][]byte{bucketTaskings, bucketResults} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		c := tx.Bucket(bucketDirs).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var ent DirEntry
			if err := json.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if ent.SessionID == sessionID {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	}))
}

func (s *Bolt) PutTasking(row *TaskingRow) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTaskings), taskKey(row.SessionID, row.TaskID), row)
	}))
}

func (s *Bolt) GetTasking(sessionID string, taskID int) (*TaskingRow, error) {
	var row *TaskingRow
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTaskings).Get(taskKey(sessionID, taskID))
		if raw == nil {
			return ErrNotFound
		}
		row = new(TaskingRow)
		return json.Unmarshal(raw, row)
	})
	return row, storeErr(err)
}

func (s *Bolt) ListTaskings(sessionID string) ([]*TaskingRow, error) {
	var rows []*TaskingRow
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := sessionPrefix(sessionID)
		c := tx.Bucket(bucketTaskings).Cursor()
		for k, raw := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, raw = c.Next() {
			row := new(TaskingRow)
			if err := json.Unmarshal(raw, row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, storeErr(err)
}

// MaxTaskID returns the highest task id ever issued to the agent, or 0 when
// none exist.
func (s *Bolt) MaxTaskID(sessionID string) (int, error) {
	max := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := sessionPrefix(sessionID)
		c := tx.Bucket(bucketTaskings).Cursor()
		for k, raw := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, raw = c.Next() {
			row := new(TaskingRow)
			if err := json.Unmarshal(raw, row); err != nil {
				return err
			}
			if row.TaskID > max {
				max = row.TaskID
			}
		}
		return nil
	})
	return max, storeErr(err)
}

func (s *Bolt) PutResult(row *ResultRow) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketResults), taskKey(row.SessionID, row.TaskID), row)
	}))
}

func (s *Bolt) GetResult(sessionID string, taskID int) (*ResultRow, error) {
	var row *ResultRow
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResults).Get(taskKey(sessionID, taskID))
		if raw == nil {
			return ErrNotFound
		}
		row = new(ResultRow)
		return json.Unmarshal(raw, row)
	})
	return row, storeErr(err)
}

// AppendResult concatenates data onto the stored result for a task, creating
// the row if the blank placeholder is missing.
func (s *Bolt) AppendResult(sessionID string, taskID int, data string) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		key := taskKey(sessionID, taskID)
		row := &ResultRow{SessionID: sessionID, TaskID: taskID}
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, row); err != nil {
				return err
			}
		}
		row.Data += data
		row.Timestamp = time.Now().UTC()
		return putJSON(b, key, row)
	}))
}

// ReplaceDirListing swaps the cached snapshot for one listed path. Any prior
// entry at the same path, and entries parented on it, are removed before the
// new snapshot is written so repeat listings stay idempotent.
func (s *Bolt) ReplaceDirListing(sessionID string, parent DirEntry, children []DirEntry) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirs)
		var staleIDs [][]byte
		var staleParents []string
		if err := b.ForEach(func(k, raw []byte) error {
			var ent DirEntry
			if err := json.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if ent.SessionID == sessionID && ent.Path == parent.Path && !ent.IsFile {
				staleIDs = append(staleIDs, append([]byte(nil), k...))
				staleParents = append(staleParents, ent.ID)
			}
			return nil
		}); err != nil {
			return err
		}
		if len(staleParents) > 0 {
			if err := b.ForEach(func(k, raw []byte) error {
				var ent DirEntry
				if err := json.Unmarshal(raw, &ent); err != nil {
					return err
				}
				for _, pid := range staleParents {
					if ent.ParentID == pid {
						staleIDs = append(staleIDs, append([]byte(nil), k...))
						break
					}
				}
				return nil
			}); err != nil {
				return err
			}
		}
		for _, k := range staleIDs {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		if err := putJSON(b, []byte(parent.ID), &parent); err != nil {
			return err
		}
		for i := range children {
			children[i].SessionID = sessionID
			children[i].ParentID = parent.ID
			if err := putJSON(b, []byte(children[i].ID), &children[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

// ListDir returns the cached children of a listed path.
func (s *Bolt) ListDir(sessionID, path string) ([]*DirEntry, error) {
	var parentID string
	var out []*DirEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirs)
		if err := b.ForEach(func(_, raw []byte) error {
			var ent DirEntry
			if err := json.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if ent.SessionID == sessionID && ent.Path == path && !ent.IsFile {
				parentID = ent.ID
			}
			return nil
		}); err != nil {
			return err
		}
		if parentID == "" {
			return ErrNotFound
		}
		return b.ForEach(func(_, raw []byte) error {
			ent := new(DirEntry)
			if err := json.Unmarshal(raw, ent); err != nil {
				return err
			}
			if ent.ParentID == parentID {
				out = append(out, ent)
			}
			return nil
		})
	})
	return out, storeErr(err)
}

func (s *Bolt) PutConfig(key string, value []byte) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(key), value)
	}))
}

func (s *Bolt) GetConfig(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConfig).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, storeErr(err)
}

func userKey(id int) []byte {
	return []byte(fmt.Sprintf("%08d", id))
}

func (s *Bolt) PutUser(row *UserRow) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketUsers), userKey(row.ID), row)
	}))
}

func (s *Bolt) GetUser(id int) (*UserRow, error) {
	var row *UserRow
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get(userKey(id))
		if raw == nil {
			return ErrNotFound
		}
		row = new(UserRow)
		return json.Unmarshal(raw, row)
	})
	return row, storeErr(err)
}

// TouchUserLogon bumps the user's last-logon stamp. Unknown users are a
// no-op so system-initiated taskings (user id 0) need no row.
func (s *Bolt) TouchUserLogon(id int, when time.Time) error {
	return storeErr(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		raw := b.Get(userKey(id))
		if raw == nil {
			return nil
		}
		row := new(UserRow)
		if err := json.Unmarshal(raw, row); err != nil {
			return err
		}
		row.LastLogon = when
		return putJSON(b, userKey(id), row)
	}))
}

var _ Store = (*Bolt)(nil)
