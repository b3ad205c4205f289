// Package c2errors defines structured, programmatically identifiable errors
// for the agent-handling core. Listeners relay the string form; the core
// switches on Code.
package c2errors

import "fmt"

// Stage identifies which step of the agent pipeline failed.
type Stage string

const (
	StageRouting  Stage = "routing"
	StageStaging  Stage = "staging"
	StageTasking  Stage = "tasking"
	StageResponse Stage = "response"
	StageStore    Stage = "store"
	StageFileSink Stage = "filesink"
)

// Code is a stable identifier for a failure class.
type Code string

const (
	CodeShortPacket         Code = "short_packet"
	CodeMalformedRouting    Code = "malformed_routing"
	CodeHMACFail            Code = "hmac_fail"
	CodeInvalidKeyFormat    Code = "invalid_key_format"
	CodeUnsupportedLanguage Code = "unsupported_language"
	CodeMalformedSysinfo    Code = "malformed_sysinfo"
	CodeNonceReplay         Code = "nonce_replay"
	CodeAgentUnknown        Code = "agent_unknown"
	CodeDBError             Code = "db_error"
	CodePathEscape          Code = "path_escape"
	CodeCRCMismatch         Code = "crc_mismatch"
	CodeUnknownOpcode       Code = "unknown_opcode"
)

// Error pairs a pipeline stage with a failure code and an optional cause.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

func New(stage Stage, code Code) error {
	return &Error{Stage: stage, Code: code}
}

// CodeOf extracts the Code from err, or "" when err is not a *Error.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
