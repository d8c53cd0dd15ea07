// ABOUTME: Represents a single connected agent session over its transport connection.
// ABOUTME: Wraps the write half so the registry can deliver commands by agent id.

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsforge/fleet-gateway/internal/wire"
)

// Conn is the transport half a session needs: deliver one command frame and
// close the connection. The gateway's websocket wrapper implements it;
// tests use in-memory fakes.
type Conn interface {
	WriteCommand(ctx context.Context, cmd wire.Command) error
	Close() error
}

// Session represents one connected agent for the lifetime of its connection.
// Sessions are ephemeral and never persisted.
type Session struct {
	AgentID     string
	RemoteAddr  string
	ConnectedAt time.Time

	conn   Conn
	logger *slog.Logger
}

// New creates a Session for a freshly accepted agent connection.
func New(agentID, remoteAddr string, conn Conn, logger *slog.Logger) *Session {
	return &Session{
		AgentID:     agentID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		logger:      logger,
	}
}

// Send delivers a command to the agent. Delivery is at-most-once: there is no
// retry or queueing at this layer.
func (s *Session) Send(ctx context.Context, cmd wire.Command) error {
	return s.conn.WriteCommand(ctx, cmd)
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
