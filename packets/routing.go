package packets

import (
	"crypto/rand"
	"crypto/rc4"
	"errors"

	"github.com/corvusc2/corvus/c2errors"
	"github.com/corvusc2/corvus/internal/bin"
)

const (
	routingIVLen     = 4
	routingHeaderLen = 16
	// RoutingMinLen is the smallest valid routing body (IV + header).
	RoutingMinLen = routingIVLen + routingHeaderLen

	sessionIDLen = 8
)

var (
	// ErrShortPacket signals a transport body below the minimum frame size.
	ErrShortPacket = c2errors.New(c2errors.StageRouting, c2errors.CodeShortPacket)
	// ErrMalformedRouting signals a body with at least one undecodable frame.
	// The whole body is rejected; partial acceptance is forbidden.
	ErrMalformedRouting = c2errors.New(c2errors.StageRouting, c2errors.CodeMalformedRouting)
)

// RoutingFrame is one agent's slice of a multiplexed transport body.
type RoutingFrame struct {
	Language Language
	Meta     Meta
	Extra    uint16
	Payload  []byte
}

// The routing header is obfuscated with RC4 keyed by iv||stagingKey. RC4
// carries no authenticity here; the header is validated structurally and the
// payload is authenticated by the AES-HMAC layer beneath it.
func routingCipher(iv, stagingKey []byte) *rc4.Cipher {
	key := make([]byte, 0, len(iv)+len(stagingKey))
	key = append(key, iv...)
	key = append(key, stagingKey...)
	c, err := rc4.NewCipher(key)
	if err != nil {
		// Key is always 4+len(stagingKey) bytes; only an empty staging key
		// plus empty IV could trip this.
		panic(err)
	}
	return c
}

// BuildRoutingPacket frames payload for one agent under the staging key.
func BuildRoutingPacket(stagingKey []byte, sessionID string, lang Language, meta Meta, payload []byte) ([]byte, error) {
	if len(sessionID) != sessionIDLen {
		return nil, errors.New("packets: session id must be 8 bytes")
	}
	hdr := make([]byte, routingHeaderLen)
	copy(hdr[:sessionIDLen], sessionID)
	hdr[8] = languageCode(lang)
	hdr[9] = byte(meta)
	bin.PutU16LE(hdr[10:12], 0)
	bin.PutU32LE(hdr[12:16], uint32(len(payload)))

	out := make([]byte, RoutingMinLen+len(payload))
	if _, err := rand.Read(out[:routingIVLen]); err != nil {
		return nil, err
	}
	routingCipher(out[:routingIVLen], stagingKey).XORKeyStream(out[routingIVLen:RoutingMinLen], hdr)
	copy(out[RoutingMinLen:], payload)
	return out, nil
}

// ParseRoutingBody splits a transport body into per-agent frames. Frames
// concatenate; a malformed header anywhere rejects the entire body.
func ParseRoutingBody(stagingKey, body []byte) (map[string]RoutingFrame, error) {
	if len(body) < RoutingMinLen {
		return nil, ErrShortPacket
	}
	frames := make(map[string]RoutingFrame)
	for off := 0; off < len(body); {
		if len(body)-off < RoutingMinLen {
			return nil, ErrMalformedRouting
		}
		iv := body[off : off+routingIVLen]
		hdr := make([]byte, routingHeaderLen)
		routingCipher(iv, stagingKey).XORKeyStream(hdr, body[off+routingIVLen:off+RoutingMinLen])

		sessionID := string(hdr[:sessionIDLen])
		if !isSessionID(sessionID) {
			return nil, ErrMalformedRouting
		}
		meta := Meta(hdr[9])
		if !meta.valid() {
			return nil, ErrMalformedRouting
		}
		n := int(bin.U32LE(hdr[12:16]))
		if n < 0 || n > len(body)-off-RoutingMinLen {
			return nil, ErrMalformedRouting
		}
		payload := make([]byte, n)
		copy(payload, body[off+RoutingMinLen:off+RoutingMinLen+n])

		frames[sessionID] = RoutingFrame{
			Language: codeLanguage(hdr[8]),
			Meta:     meta,
			Extra:    bin.U16LE(hdr[10:12]),
			Payload:  payload,
		}
		off += RoutingMinLen + n
	}
	return frames, nil
}

func isSessionID(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return len(s) == sessionIDLen
}
