package listener

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/corvusc2/corvus/agents"
	"github.com/corvusc2/corvus/packets"
	"github.com/corvusc2/corvus/store"
)

var testStagingKey = []byte("}q+Uf0*[;ZD!%r5Z")

func newTestHTTP(t *testing.T) *HTTP {
	t.Helper()
	db, err := store.OpenBolt(t.TempDir() + "/corvus.db")
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mgr, err := agents.NewManager(agents.Config{Store: db})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &HTTP{
		Manager:         mgr,
		StagingKey:      testStagingKey,
		Options:         agents.ListenerOptions{Name: "http"},
		DefaultResponse: []byte("<html>It works!</html>"),
	}
}

func TestHTTPServesDefaultPage(t *testing.T) {
	h := newTestHTTP(t)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/", nil),
		httptest.NewRequest(http.MethodHead, "/", nil),
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", req.Method, rr.Code)
		}
		if req.Method == http.MethodGet && rr.Body.String() != "<html>It works!</html>" {
			t.Fatalf("body %q", rr.Body.String())
		}
	}
}

func TestHTTPStage0ViaPost(t *testing.T) {
	h := newTestHTTP(t)
	body, err := packets.BuildRoutingPacket(testStagingKey, "AB12CD34", packets.LangPowerShell, packets.MetaStage0, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "STAGE0" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestHTTPStage0ViaCookie(t *testing.T) {
	h := newTestHTTP(t)
	body, err := packets.BuildRoutingPacket(testStagingKey, "AB12CD34", packets.LangPowerShell, packets.MetaStage0, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: base64.URLEncoding.EncodeToString(body)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "STAGE0" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestHTTPConcatenatesMultiplexedReplies(t *testing.T) {
	h := newTestHTTP(t)
	frameA, err := packets.BuildRoutingPacket(testStagingKey, "AB12CD34", packets.LangPowerShell, packets.MetaStage0, nil)
	if err != nil {
		t.Fatal(err)
	}
	frameB, err := packets.BuildRoutingPacket(testStagingKey, "EF56GH78", packets.LangPowerShell, packets.MetaStage0, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(append(frameA, frameB...)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	// Both sessions staged from one body; both replies travel back.
	if rr.Body.String() != "STAGE0STAGE0" {
		t.Fatalf("body %q", rr.Body.String())
	}
}

func TestHTTPBadCookieFallsBackToDefault(t *testing.T) {
	h := newTestHTTP(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "!!not base64!!"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "<html>It works!</html>" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestHTTPMalformedBodyGetsErrorStatus(t *testing.T) {
	h := newTestHTTP(t)
	garbage := bytes.Repeat([]byte{0xFF}, 64)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(garbage))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ERROR: invalid routing packet") {
		t.Fatalf("body %q", rr.Body.String())
	}
}

func TestHTTPBodyLimit(t *testing.T) {
	h := newTestHTTP(t)
	h.MaxBodyBytes = 128
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 4096)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte("routing body")); err != nil {
		t.Fatal(err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "routing body" {
		t.Fatalf("frame %q", got)
	}
}

func TestReadFrameRejects(t *testing.T) {
	t.Run("zero length", func(t *testing.T) {
		if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
			t.Fatal("want error")
		}
	})
	t.Run("oversized", func(t *testing.T) {
		if _, err := readFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})); err == nil {
			t.Fatal("want error")
		}
	})
	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeFrame(&buf, []byte("full body")); err != nil {
			t.Fatal(err)
		}
		trunc := buf.Bytes()[:buf.Len()-3]
		if _, err := readFrame(bytes.NewReader(trunc)); err != io.ErrUnexpectedEOF {
			t.Fatalf("got %v", err)
		}
	})
}
