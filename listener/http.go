// Package listener carries agent traffic to the session manager. Listeners
// own transport concerns only: framing bytes in and out, never protocol
// state. Both transports hand raw routing bodies to the manager and relay
// whatever it returns.
package listener

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"

	"github.com/corvusc2/corvus/agents"
)

// sessionCookie carries the routing packet on GET polls, mirroring how the
// deployed agents smuggle it past content inspection.
const sessionCookie = "session"

// defaultMaxBody caps an inbound POST body.
const defaultMaxBody = 10 << 20

// HTTP is the web transport for agent traffic. GET polls carry the routing
// packet base64-encoded in a cookie; POSTs carry it raw in the body.
type HTTP struct {
	Manager    *agents.Manager
	StagingKey []byte
	Options    agents.ListenerOptions

	// DefaultResponse is served when the core has nothing to say, so the
	// endpoint looks like an ordinary web server.
	DefaultResponse []byte
	MaxBodyBytes    int64
}

func (l *HTTP) maxBody() int64 {
	if l.MaxBodyBytes > 0 {
		return l.MaxBodyBytes
	}
	return defaultMaxBody
}

func (l *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := remoteIP(r)

	var body []byte
	switch r.Method {
	case http.MethodGet:
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			l.serveDefault(w)
			return
		}
		body, err = base64.URLEncoding.DecodeString(c.Value)
		if err != nil {
			l.serveDefault(w)
			return
		}
	case http.MethodPost:
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBody()))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
	default:
		l.serveDefault(w)
		return
	}

	replies := l.Manager.HandleAgentData(l.StagingKey, body, l.Options, clientIP, true)
	// A multiplexed body yields one reply per frame; routing packets are
	// self-framing, so protocol replies are concatenated into one response.
	var out []byte
	var errMsg []byte
	for _, rep := range replies {
		if len(rep.Data) == 0 {
			continue
		}
		if rep.Language == "" {
			if errMsg == nil {
				errMsg = rep.Data
			}
			continue
		}
		out = append(out, rep.Data...)
	}
	if len(out) > 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}
	// Error strings go back with an error status only when no agent got a
	// protocol reply out of the same body.
	if errMsg != nil {
		http.Error(w, string(errMsg), http.StatusBadRequest)
		return
	}
	l.serveDefault(w)
}

func (l *HTTP) serveDefault(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if len(l.DefaultResponse) > 0 {
		_, _ = w.Write(l.DefaultResponse)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
