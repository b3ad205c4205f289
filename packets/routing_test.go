package packets

import (
	"bytes"
	"errors"
	"testing"
)

var testStagingKey = []byte("}q+Uf0*[;ZD!%r5Z")

func TestRoutingRoundTrip(t *testing.T) {
	payload := []byte("encrypted tasking request")
	body, err := BuildRoutingPacket(testStagingKey, "AB12CD34", LangPowerShell, MetaTaskingRequest, payload)
	if err != nil {
		t.Fatalf("BuildRoutingPacket: %v", err)
	}
	frames, err := ParseRoutingBody(testStagingKey, body)
	if err != nil {
		t.Fatalf("ParseRoutingBody: %v", err)
	}
	f, ok := frames["AB12CD34"]
	if !ok {
		t.Fatalf("session missing, got %v", frames)
	}
	if f.Language != LangPowerShell || f.Meta != MetaTaskingRequest {
		t.Fatalf("header mismatch: %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: %q", f.Payload)
	}
}

func TestRoutingMultiplex(t *testing.T) {
	b1, err := BuildRoutingPacket(testStagingKey, "AAAAAAA1", LangPowerShell, MetaTaskingRequest, nil)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	b2, err := BuildRoutingPacket(testStagingKey, "BBBBBBB2", LangPython, MetaResultPost, []byte("result"))
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	frames, err := ParseRoutingBody(testStagingKey, append(b1, b2...))
	if err != nil {
		t.Fatalf("ParseRoutingBody: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if got := frames["BBBBBBB2"]; got.Language != LangPython || string(got.Payload) != "result" {
		t.Fatalf("second frame: %+v", got)
	}
}

func TestRoutingShortBody(t *testing.T) {
	for _, n := range []int{0, 1, 19} {
		if _, err := ParseRoutingBody(testStagingKey, make([]byte, n)); !errors.Is(err, ErrShortPacket) {
			t.Fatalf("len %d: got %v, want ErrShortPacket", n, err)
		}
	}
}

func TestRoutingRejectsWholeBody(t *testing.T) {
	good, err := BuildRoutingPacket(testStagingKey, "AB12CD34", LangPowerShell, MetaTaskingRequest, []byte("x"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	t.Run("wrong key garbles header", func(t *testing.T) {
		if _, err := ParseRoutingBody([]byte("0000000000000000"), good); !errors.Is(err, ErrMalformedRouting) {
			t.Fatalf("got %v, want ErrMalformedRouting", err)
		}
	})

	t.Run("trailing partial frame rejects all", func(t *testing.T) {
		body := append(append([]byte{}, good...), 0x01, 0x02, 0x03)
		if _, err := ParseRoutingBody(testStagingKey, body); !errors.Is(err, ErrMalformedRouting) {
			t.Fatalf("got %v, want ErrMalformedRouting", err)
		}
	})

	t.Run("length overrunning body", func(t *testing.T) {
		// Rebuild with a payload length claiming more than present.
		trunc := good[:len(good)-1]
		if _, err := ParseRoutingBody(testStagingKey, trunc); !errors.Is(err, ErrMalformedRouting) {
			t.Fatalf("got %v, want ErrMalformedRouting", err)
		}
	})
}

func TestBuildRoutingPacketBadSessionID(t *testing.T) {
	if _, err := BuildRoutingPacket(testStagingKey, "short", LangPowerShell, MetaStage0, nil); err == nil {
		t.Fatal("want error for 5-byte session id")
	}
}

func FuzzParseRoutingBody(f *testing.F) {
	seed, err := BuildRoutingPacket(testStagingKey, "AB12CD34", LangPython, MetaResultPost, []byte("seed payload"))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(seed)
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0xFF}, 64))
	f.Fuzz(func(t *testing.T, body []byte) {
		frames, err := ParseRoutingBody(testStagingKey, body)
		if err != nil {
			if frames != nil {
				t.Fatal("frames returned alongside error")
			}
			return
		}
		for id, fr := range frames {
			if len(id) != 8 {
				t.Fatalf("session id %q", id)
			}
			if !fr.Meta.valid() {
				t.Fatalf("invalid meta %d accepted", fr.Meta)
			}
		}
	})
}
