package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Bolt {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "corvus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetAgent("AB12CD34")
	require.ErrorIs(t, err, ErrNotFound)

	row := &AgentRow{
		SessionID:   "AB12CD34",
		Name:        "AB12CD34",
		Language:    "powershell",
		Hostname:    "WIN-DC01",
		Username:    "CORP\\alice",
		Delay:       5,
		CheckinTime: time.Now().UTC(),
	}
	require.NoError(t, s.PutAgent(row))

	got, err := s.GetAgent("AB12CD34")
	require.NoError(t, err)
	require.Equal(t, "WIN-DC01", got.Hostname)
	require.Equal(t, "CORP\\alice", got.Username)

	got.Notes = "dc box"
	require.NoError(t, s.PutAgent(got))
	got, err = s.GetAgent("AB12CD34")
	require.NoError(t, err)
	require.Equal(t, "dc box", got.Notes)

	all, err := s.ListAgents()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteAgent("AB12CD34"))
	_, err = s.GetAgent("AB12CD34")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAgentCascades(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"AB12CD34", "ZZ99XX88"} {
		require.NoError(t, s.PutAgent(&AgentRow{SessionID: id}))
		require.NoError(t, s.PutTasking(&TaskingRow{SessionID: id, TaskID: 1, Name: "TASK_SHELL", Timestamp: now}))
		require.NoError(t, s.PutResult(&ResultRow{SessionID: id, TaskID: 1, Timestamp: now}))
		require.NoError(t, s.ReplaceDirListing(id,
			DirEntry{ID: id + "-root", SessionID: id, Name: "/", Path: "/"},
			[]DirEntry{{ID: id + "-etc", SessionID: id, Name: "etc", Path: "/etc"}}))
	}

	require.NoError(t, s.DeleteAgent("AB12CD34"))

	_, err := s.GetTasking("AB12CD34", 1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetResult("AB12CD34", 1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListDir("AB12CD34", "/")
	require.ErrorIs(t, err, ErrNotFound)

	// The other agent's rows are untouched.
	_, err = s.GetTasking("ZZ99XX88", 1)
	require.NoError(t, err)
	entries, err := s.ListDir("ZZ99XX88", "/")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestTaskingsAndMaxTaskID(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	max, err := s.MaxTaskID("AB12CD34")
	require.NoError(t, err)
	require.Zero(t, max)

	for _, id := range []int{3, 1, 12} {
		require.NoError(t, s.PutTasking(&TaskingRow{
			SessionID: "AB12CD34", TaskID: id, Name: "TASK_SHELL", Input: "whoami", Timestamp: now,
		}))
	}
	// A different session must not bleed into the scan.
	require.NoError(t, s.PutTasking(&TaskingRow{SessionID: "ZZ99XX88", TaskID: 40, Timestamp: now}))

	max, err = s.MaxTaskID("AB12CD34")
	require.NoError(t, err)
	require.Equal(t, 12, max)

	rows, err := s.ListTaskings("AB12CD34")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	got, err := s.GetTasking("AB12CD34", 3)
	require.NoError(t, err)
	require.Equal(t, "whoami", got.Input)
}

func TestAppendResult(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.PutResult(&ResultRow{SessionID: "AB12CD34", TaskID: 5, Timestamp: now}))
	require.NoError(t, s.AppendResult("AB12CD34", 5, "part one\n"))
	require.NoError(t, s.AppendResult("AB12CD34", 5, "part two"))

	got, err := s.GetResult("AB12CD34", 5)
	require.NoError(t, err)
	require.Equal(t, "part one\npart two", got.Data)
}

func TestReplaceDirListingIdempotent(t *testing.T) {
	s := openTestStore(t)
	parent := DirEntry{ID: "p1", SessionID: "AB12CD34", Name: "temp", Path: "C:\\temp"}

	require.NoError(t, s.ReplaceDirListing("AB12CD34", parent, []DirEntry{
		{ID: "c1", SessionID: "AB12CD34", Name: "old.txt", Path: "C:\\temp\\old.txt", IsFile: true},
	}))
	require.NoError(t, s.ReplaceDirListing("AB12CD34", parent, []DirEntry{
		{ID: "c2", SessionID: "AB12CD34", Name: "new.txt", Path: "C:\\temp\\new.txt", IsFile: true},
		{ID: "c3", SessionID: "AB12CD34", Name: "sub", Path: "C:\\temp\\sub"},
	}))

	entries, err := s.ListDir("AB12CD34", "C:\\temp")
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	require.False(t, names["old.txt"], "stale child survived relisting")
	require.True(t, names["new.txt"])
	require.True(t, names["sub"])
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetConfig("autorun")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutConfig("autorun", []byte(`{"name":"TASK_SHELL"}`)))
	v, err := s.GetConfig("autorun")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"TASK_SHELL"}`, string(v))
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.PutUser(&UserRow{ID: 1, Username: "operator"}))
	require.NoError(t, s.TouchUserLogon(1, now))

	u, err := s.GetUser(1)
	require.NoError(t, err)
	require.Equal(t, "operator", u.Username)
	require.True(t, u.LastLogon.Equal(now))

	// Logons for unknown accounts are dropped, not errors; the tasking path
	// records them best-effort.
	require.NoError(t, s.TouchUserLogon(99, now))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corvus.db")

	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.PutAgent(&AgentRow{SessionID: "AB12CD34", Hostname: "WIN-DC01"}))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetAgent("AB12CD34")
	require.NoError(t, err)
	require.Equal(t, "WIN-DC01", got.Hostname)
}
