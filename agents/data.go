package agents

import (
	"fmt"

	"github.com/corvusc2/corvus/crypto/agentcrypt"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/observability"
	"github.com/corvusc2/corvus/packets"
)

// ListenerOptions is the per-listener policy handed in with every inbound
// body. Fields mirror the options a listener exposes to the operator.
type ListenerOptions struct {
	Name             string
	DefaultDelay     int
	DefaultJitter    float64
	DefaultProfile   string
	KillDate         string
	WorkingHours     string
	DefaultLostLimit int
	SlackURL         string
}

// Reply is one outbound response produced from a transport body. Language
// tells the listener which agent variant the bytes target; an empty
// language marks a relayable error string.
type Reply struct {
	Language packets.Language
	Data     []byte
}

// HandleAgentData is the single entry point listeners call with raw inbound
// bytes. The body may multiplex several agents; one Reply is produced per
// frame that warrants a response. The core never errors across this
// boundary for protocol-level failures: bad frames produce error-string
// replies or nothing at all.
func (m *Manager) HandleAgentData(stagingKey, body []byte, opts ListenerOptions, clientIP string, updateLastseen bool) []Reply {
	if len(body) < packets.RoutingMinLen {
		m.obs.Drop(observability.DropReasonShortPacket)
		events.Logf(m.events, events.GlobalSender, false,
			"handle_agent_data: routing packet wrong length: %d", len(body))
		return nil
	}
	frames, err := packets.ParseRoutingBody(stagingKey, body)
	if err != nil {
		m.obs.Drop(observability.DropReasonMalformedRouting)
		return []Reply{{Data: []byte("ERROR: invalid routing packet")}}
	}

	var replies []Reply
	for sessionID, frame := range frames {
		m.obs.Packet(frame.Meta.String())
		switch frame.Meta {
		case packets.MetaStage0, packets.MetaStage1, packets.MetaStage2:
			events.Logf(m.events, events.AgentSender(sessionID), false,
				"session %s issued a %s request", sessionID, frame.Meta)
			if data := m.handleStaging(sessionID, frame.Language, frame.Meta, frame.Payload, stagingKey, opts, clientIP); data != nil {
				replies = append(replies, Reply{Language: frame.Language, Data: data})
			}
		case packets.MetaTaskingRequest, packets.MetaResultPost:
			if !m.IsAgentPresent(sessionID) {
				m.obs.Drop(observability.DropReasonUnknownSession)
				events.Logf(m.events, events.AgentSender(sessionID), false,
					"handle_agent_data: session %s not present", sessionID)
				replies = append(replies, Reply{Data: []byte(fmt.Sprintf("ERROR: sessionID %s not in cache!", sessionID))})
				continue
			}
			if frame.Meta == packets.MetaTaskingRequest {
				events.Logf(m.events, events.AgentSender(sessionID), false,
					"session %s issued a TASKING_REQUEST", sessionID)
				if data := m.handleTaskingRequest(sessionID, frame.Language, stagingKey, updateLastseen); data != nil {
					replies = append(replies, Reply{Language: frame.Language, Data: data})
				}
			} else {
				events.Logf(m.events, events.AgentSender(sessionID), false,
					"session %s issued a RESULT_POST", sessionID)
				if data := m.handleResultPost(sessionID, frame.Payload, updateLastseen); data != nil {
					replies = append(replies, Reply{Language: frame.Language, Data: data})
				}
			}
		default:
			m.obs.Drop(observability.DropReasonUnknownMeta)
			events.Logf(m.events, events.AgentSender(sessionID), true,
				"session %s gave unhandled meta tag in routing packet: %s", sessionID, frame.Meta)
		}
	}
	return replies
}

// handleTaskingRequest services a poll: stamp lastseen, drain the queue,
// seal the batch under the session key, and frame it for the wire. A poll
// with nothing queued returns nil and the listener answers with its default
// response.
func (m *Manager) handleTaskingRequest(sessionID string, lang packets.Language, stagingKey []byte, updateLastseen bool) []byte {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	if updateLastseen {
		if err := m.updateLastseenLocked(sessionID); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), false,
				"WARNING: lastseen update failed: %v", err)
		}
	}
	tasks, err := m.drainTasksLocked(sessionID)
	sessionKey := s.sessionKey
	m.mu.Unlock()
	if err != nil || len(tasks) == 0 {
		m.obs.TaskBatch(0)
		return nil
	}

	pkts := make([]packets.TaskPacket, len(tasks))
	for i, t := range tasks {
		pkts[i] = packets.TaskPacket{Name: t.Name, TaskID: uint16(t.TaskID), Body: []byte(t.Data)}
	}
	blob, err := packets.BuildTaskPackets(pkts)
	if err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"WARNING: dropping task batch for %s: %v", sessionID, err)
		return nil
	}
	sealed, err := agentcrypt.Seal(sessionKey, blob)
	if err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"WARNING: could not seal task batch for %s: %v", sessionID, err)
		return nil
	}
	out, err := packets.BuildRoutingPacket(stagingKey, sessionID, lang, packets.MetaServerResponse, sealed)
	if err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"WARNING: could not frame task batch for %s: %v", sessionID, err)
		return nil
	}
	m.obs.TaskBatch(len(tasks))
	return out
}

// handleResultPost verifies and decrypts a posted batch, parses it fully,
// then dispatches packet by packet. A batch that fails to verify or parse
// is discarded whole; nothing is partially applied.
func (m *Manager) handleResultPost(sessionID string, encData []byte, updateLastseen bool) []byte {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	sessionKey := s.sessionKey
	if updateLastseen {
		if err := m.updateLastseenLocked(sessionID); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), false,
				"WARNING: lastseen update failed: %v", err)
		}
	}
	m.mu.Unlock()

	plain, err := agentcrypt.Open(sessionKey, encData)
	if err != nil {
		m.obs.Drop(observability.DropReasonDecryptFail)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"WARNING: could not decrypt result post from %s", sessionID)
		return nil
	}
	results, err := packets.ParseResultPackets(plain)
	if err != nil {
		m.obs.Drop(observability.DropReasonDecryptFail)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"WARNING: malformed result post from %s: %v", sessionID, err)
		return nil
	}
	for _, pkt := range results {
		if err := m.processResult(sessionID, pkt); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), true,
				"Error processing result packet from %s: %v", sessionID, err)
		}
	}
	if len(results) > 0 {
		events.Logf(m.events, events.AgentSender(sessionID), false,
			"Agent %s returned results", sessionID)
	}
	return []byte("VALID")
}
