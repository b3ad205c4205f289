package listener

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/corvusc2/corvus/agents"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/internal/bin"
	"github.com/corvusc2/corvus/mux/yamux"
)

// maxTCPFrame bounds one length-prefixed exchange body.
const maxTCPFrame = 16 << 20

// TCP is the raw socket transport. Each connection is a yamux session;
// each stream is one exchange: a u32-length-prefixed routing body in, zero
// or more u32-length-prefixed replies out.
type TCP struct {
	Manager    *agents.Manager
	StagingKey []byte
	Options    agents.ListenerOptions
	Events     events.Sink
}

// Serve accepts agent connections until the listener closes or the context
// is canceled.
func (l *TCP) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *TCP) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	clientIP := remoteIPAddr(conn)

	session, err := yamux.NewServer(conn, nil)
	if err != nil {
		events.Logf(l.sink(), events.GlobalSender, false,
			"tcp listener: session setup failed from %s: %v", clientIP, err)
		return
	}
	defer session.Close()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			if err := l.handleStream(stream, clientIP); err != nil && ctx.Err() == nil {
				events.Logf(l.sink(), events.GlobalSender, false,
					"tcp listener: stream from %s: %v", clientIP, err)
			}
		}()
	}
}

// handleStream runs one exchange over an accepted stream.
func (l *TCP) handleStream(stream io.ReadWriter, clientIP string) error {
	body, err := readFrame(stream)
	if err != nil {
		return err
	}
	replies := l.Manager.HandleAgentData(l.StagingKey, body, l.Options, clientIP, true)
	for _, rep := range replies {
		if len(rep.Data) == 0 {
			continue
		}
		if err := writeFrame(stream, rep.Data); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := bin.U32LE(hdr[:])
	if n == 0 || n > maxTCPFrame {
		return nil, errors.New("listener: frame length out of range")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	bin.PutU32LE(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (l *TCP) sink() events.Sink {
	if l.Events != nil {
		return l.Events
	}
	return events.NopSink{}
}

func remoteIPAddr(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
