// Package packets encodes and decodes the three wire layers of the agent
// protocol: the routing packet that multiplexes agents over one transport
// body, the task packets delivered on a poll, and the result packets agents
// post back. All integers are little-endian. The routing header layout is
// fixed for compatibility with deployed agents.
package packets

import "fmt"

// Language selects the agent variant (handshake flavor and result decoding).
type Language string

const (
	LangPowerShell Language = "powershell"
	LangPython     Language = "python"
)

// Meta tags classify a routing frame.
type Meta uint8

const (
	MetaStage0 Meta = iota + 1
	MetaStage1
	MetaStage2
	MetaTaskingRequest
	MetaResultPost
	MetaServerResponse
)

func (m Meta) String() string {
	switch m {
	case MetaStage0:
		return "STAGE0"
	case MetaStage1:
		return "STAGE1"
	case MetaStage2:
		return "STAGE2"
	case MetaTaskingRequest:
		return "TASKING_REQUEST"
	case MetaResultPost:
		return "RESULT_POST"
	case MetaServerResponse:
		return "SERVER_RESPONSE"
	}
	return fmt.Sprintf("META_%d", uint8(m))
}

func (m Meta) valid() bool { return m >= MetaStage0 && m <= MetaServerResponse }

const (
	langCodePowerShell = 1
	langCodePython     = 2
)

func languageCode(l Language) uint8 {
	switch l {
	case LangPowerShell:
		return langCodePowerShell
	case LangPython:
		return langCodePython
	}
	return 0
}

func codeLanguage(c uint8) Language {
	switch c {
	case langCodePowerShell:
		return LangPowerShell
	case langCodePython:
		return LangPython
	}
	return ""
}

// Opcode names match the command set the agents implement. The numeric
// values are part of the wire contract and must not be reassigned.
var opcodeByName = map[string]uint16{
	"ERROR":                    0,
	"TASK_SYSINFO":             1,
	"TASK_EXIT":                2,
	"TASK_SET_DELAY":           10,
	"TASK_GET_DELAY":           12,
	"TASK_SET_SERVERS":         13,
	"TASK_ADD_SERVERS":         14,
	"TASK_UPDATE_PROFILE":      20,
	"TASK_SET_KILLDATE":        30,
	"TASK_GET_KILLDATE":        31,
	"TASK_SET_WORKING_HOURS":   32,
	"TASK_GET_WORKING_HOURS":   33,
	"TASK_SHELL":               40,
	"TASK_DOWNLOAD":            41,
	"TASK_UPLOAD":              42,
	"TASK_DIR_LIST":            43,
	"TASK_GETJOBS":             50,
	"TASK_STOPJOB":             51,
	"TASK_GETDOWNLOADS":        52,
	"TASK_STOPDOWNLOAD":        53,
	"TASK_CMD_WAIT":            100,
	"TASK_CMD_WAIT_SAVE":       101,
	"TASK_CMD_JOB":             110,
	"TASK_CMD_JOB_SAVE":        111,
	"TASK_SCRIPT_IMPORT":       120,
	"TASK_SCRIPT_COMMAND":      121,
	"TASK_IMPORT_MODULE":       122,
	"TASK_VIEW_MODULE":         123,
	"TASK_REMOVE_MODULE":       124,
	"TASK_SWITCH_LISTENER":     130,
	"TASK_UPDATE_LISTENERNAME": 131,
}

var nameByOpcode = func() map[uint16]string {
	m := make(map[uint16]string, len(opcodeByName))
	for name, code := range opcodeByName {
		m[code] = name
	}
	return m
}()

// OpcodeForName returns the wire code for a task/response name.
func OpcodeForName(name string) (uint16, bool) {
	c, ok := opcodeByName[name]
	return c, ok
}

// NameForOpcode returns the symbolic name for a wire code. Unknown codes
// keep their numeric form so the dispatcher can route them to its default
// arm without losing information.
func NameForOpcode(code uint16) string {
	if name, ok := nameByOpcode[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", code)
}
