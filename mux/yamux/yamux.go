// Package yamux adapts hashicorp/yamux for the agent TCP transport: one
// multiplexed session per connection, one stream per request/response
// exchange.
package yamux

import (
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// AgentConfig returns the session config used on agent links. Keepalives
// are long so a slow beacon interval does not tear the session down.
func AgentConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 60 * time.Second
	cfg.ConnectionWriteTimeout = 30 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

// NewServer creates a server-side session with agent defaults if cfg is nil.
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = AgentConfig()
	}
	return yamux.Server(conn, cfg)
}

// NewClient creates a client-side session with agent defaults if cfg is nil.
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = AgentConfig()
	}
	return yamux.Client(conn, cfg)
}
