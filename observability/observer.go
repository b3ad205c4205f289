package observability

// StageResult classifies the outcome of a staging step.
type StageResult string

const (
	StageResultOK   StageResult = "ok"
	StageResultFail StageResult = "fail"
)

// StageReason refines a staging outcome.
type StageReason string

const (
	StageReasonOK                  StageReason = "ok"
	StageReasonHMACFail            StageReason = "hmac_fail"
	StageReasonInvalidKeyFormat    StageReason = "invalid_key_format"
	StageReasonUnsupportedLanguage StageReason = "unsupported_language"
	StageReasonMalformedSysinfo    StageReason = "malformed_sysinfo"
	StageReasonNonceReplay         StageReason = "nonce_replay"
)

// DropReason classifies silently discarded inbound data.
type DropReason string

const (
	DropReasonShortPacket      DropReason = "short_packet"
	DropReasonMalformedRouting DropReason = "malformed_routing"
	DropReasonUnknownSession   DropReason = "unknown_session"
	DropReasonDecryptFail      DropReason = "decrypt_fail"
	DropReasonUnknownMeta      DropReason = "unknown_meta"
)

// AgentObserver receives metric events from the agent core.
type AgentObserver interface {
	AgentCount(n int)
	Staging(result StageResult, reason StageReason)
	Packet(meta string)
	Dispatch(opcode string)
	Drop(reason DropReason)
	TaskBatch(n int)
}

type noopAgentObserver struct{}

func (noopAgentObserver) AgentCount(int)                   {}
func (noopAgentObserver) Staging(StageResult, StageReason) {}
func (noopAgentObserver) Packet(string)                    {}
func (noopAgentObserver) Dispatch(string)                  {}
func (noopAgentObserver) Drop(DropReason)                  {}
func (noopAgentObserver) TaskBatch(int)                    {}

// NoopAgentObserver is a zero-cost observer used when metrics are disabled.
var NoopAgentObserver AgentObserver = noopAgentObserver{}
