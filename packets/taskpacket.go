package packets

import (
	"fmt"

	"github.com/corvusc2/corvus/internal/bin"
)

const (
	taskHeaderLen   = 8  // name u16 | task_id u16 | length u32
	resultHeaderLen = 12 // name u16 | total u16 | num u16 | task_id u16 | length u32
)

// TaskPacket is one queued task as delivered to an agent.
type TaskPacket struct {
	Name   string
	TaskID uint16
	Body   []byte
}

// ResultPacket is one tagged response posted by an agent. Large downloads
// are segmented at this layer only (TotalPackets/PacketNum).
type ResultPacket struct {
	Name         string
	TotalPackets uint16
	PacketNum    uint16
	TaskID       uint16
	Data         []byte
}

// BuildTaskPacket frames a single task.
func BuildTaskPacket(name string, taskID uint16, body []byte) ([]byte, error) {
	code, ok := OpcodeForName(name)
	if !ok {
		return nil, fmt.Errorf("packets: unknown task name %q", name)
	}
	out := make([]byte, taskHeaderLen+len(body))
	bin.PutU16LE(out[0:2], code)
	bin.PutU16LE(out[2:4], taskID)
	bin.PutU32LE(out[4:8], uint32(len(body)))
	copy(out[taskHeaderLen:], body)
	return out, nil
}

// BuildTaskPackets concatenates frames for a full drain of the queue.
func BuildTaskPackets(tasks []TaskPacket) ([]byte, error) {
	var out []byte
	for _, t := range tasks {
		b, err := BuildTaskPacket(t.Name, t.TaskID, t.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// ParseTaskPackets splits a concatenated task blob back into packets.
func ParseTaskPackets(blob []byte) ([]TaskPacket, error) {
	var out []TaskPacket
	for off := 0; off < len(blob); {
		if len(blob)-off < taskHeaderLen {
			return nil, fmt.Errorf("packets: truncated task header at offset %d", off)
		}
		n := int(bin.U32LE(blob[off+4 : off+8]))
		if n > len(blob)-off-taskHeaderLen {
			return nil, fmt.Errorf("packets: task body overruns blob at offset %d", off)
		}
		body := make([]byte, n)
		copy(body, blob[off+taskHeaderLen:off+taskHeaderLen+n])
		out = append(out, TaskPacket{
			Name:   NameForOpcode(bin.U16LE(blob[off : off+2])),
			TaskID: bin.U16LE(blob[off+2 : off+4]),
			Body:   body,
		})
		off += taskHeaderLen + n
	}
	return out, nil
}

// BuildResultPacket frames a single tagged response.
func BuildResultPacket(name string, total, num, taskID uint16, data []byte) ([]byte, error) {
	code, ok := OpcodeForName(name)
	if !ok {
		return nil, fmt.Errorf("packets: unknown response name %q", name)
	}
	out := make([]byte, resultHeaderLen+len(data))
	bin.PutU16LE(out[0:2], code)
	bin.PutU16LE(out[2:4], total)
	bin.PutU16LE(out[4:6], num)
	bin.PutU16LE(out[6:8], taskID)
	bin.PutU32LE(out[8:12], uint32(len(data)))
	copy(out[resultHeaderLen:], data)
	return out, nil
}

// ParseResultPackets splits a decrypted post body into result packets.
func ParseResultPackets(blob []byte) ([]ResultPacket, error) {
	var out []ResultPacket
	for off := 0; off < len(blob); {
		if len(blob)-off < resultHeaderLen {
			return nil, fmt.Errorf("packets: truncated result header at offset %d", off)
		}
		n := int(bin.U32LE(blob[off+8 : off+12]))
		if n > len(blob)-off-resultHeaderLen {
			return nil, fmt.Errorf("packets: result data overruns blob at offset %d", off)
		}
		data := make([]byte, n)
		copy(data, blob[off+resultHeaderLen:off+resultHeaderLen+n])
		out = append(out, ResultPacket{
			Name:         NameForOpcode(bin.U16LE(blob[off : off+2])),
			TotalPackets: bin.U16LE(blob[off+2 : off+4]),
			PacketNum:    bin.U16LE(blob[off+4 : off+6]),
			TaskID:       bin.U16LE(blob[off+6 : off+8]),
			Data:         data,
		})
		off += resultHeaderLen + n
	}
	return out, nil
}
