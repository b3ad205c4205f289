package packets

import (
	"bytes"
	"strings"
	"testing"
)

func TestTaskPacketsRoundTrip(t *testing.T) {
	in := []TaskPacket{
		{Name: "TASK_SHELL", TaskID: 1, Body: []byte("whoami")},
		{Name: "TASK_CMD_WAIT", TaskID: 2, Body: []byte("Get-Process")},
		{Name: "TASK_EXIT", TaskID: 3},
	}
	blob, err := BuildTaskPackets(in)
	if err != nil {
		t.Fatalf("BuildTaskPackets: %v", err)
	}
	out, err := ParseTaskPackets(blob)
	if err != nil {
		t.Fatalf("ParseTaskPackets: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d packets, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Name != in[i].Name || out[i].TaskID != in[i].TaskID {
			t.Fatalf("packet %d: %+v", i, out[i])
		}
		if !bytes.Equal(out[i].Body, in[i].Body) {
			t.Fatalf("packet %d body: %q", i, out[i].Body)
		}
	}
}

func TestBuildTaskPacketUnknownName(t *testing.T) {
	if _, err := BuildTaskPacket("TASK_NOPE", 1, nil); err == nil {
		t.Fatal("want error for unknown task name")
	}
}

func TestParseTaskPacketsTruncated(t *testing.T) {
	blob, err := BuildTaskPacket("TASK_SHELL", 7, []byte("hostname"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, cut := range []int{1, 4, len(blob) - 1} {
		if _, err := ParseTaskPackets(blob[:cut]); err == nil {
			t.Fatalf("cut %d: want error", cut)
		}
	}
}

func TestResultPacketsRoundTrip(t *testing.T) {
	p1, err := BuildResultPacket("TASK_DOWNLOAD", 4, 2, 9, []byte("2|C:\\loot.bin|4096|AAAA"))
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	p2, err := BuildResultPacket("TASK_CMD_WAIT", 1, 1, 10, []byte("output"))
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	out, err := ParseResultPackets(append(p1, p2...))
	if err != nil {
		t.Fatalf("ParseResultPackets: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d packets, want 2", len(out))
	}
	dl := out[0]
	if dl.Name != "TASK_DOWNLOAD" || dl.TotalPackets != 4 || dl.PacketNum != 2 || dl.TaskID != 9 {
		t.Fatalf("download header: %+v", dl)
	}
	if out[1].Name != "TASK_CMD_WAIT" || string(out[1].Data) != "output" {
		t.Fatalf("second packet: %+v", out[1])
	}
}

func TestParseResultPacketsOverrun(t *testing.T) {
	p, err := BuildResultPacket("TASK_SHELL", 1, 1, 1, []byte("data"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := ParseResultPackets(p[:len(p)-2]); err == nil {
		t.Fatal("want error for overrunning length")
	}
}

func TestNameForOpcodeUnknown(t *testing.T) {
	name := NameForOpcode(9999)
	if !strings.HasPrefix(name, "UNKNOWN_") {
		t.Fatalf("got %q", name)
	}
	if _, ok := OpcodeForName(name); ok {
		t.Fatal("synthetic name must not map back")
	}
}
