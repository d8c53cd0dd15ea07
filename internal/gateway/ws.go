// ABOUTME: Websocket endpoint for agent connections.
// ABOUTME: Registers sessions, runs the read loop, and feeds messages to the pipeline.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/opsforge/fleet-gateway/internal/session"
	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

// wsConn adapts a websocket connection to the session.Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteCommand(ctx context.Context, cmd wire.Command) error {
	data, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "server closing")
}

// handleAgentSocket handles GET /ws/agents/{id}. The agent identifies itself
// by the id path segment and may pass hostname and version query parameters
// on first connect.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/ws/agents/")
	if agentID == "" || strings.Contains(agentID, "/") {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := g.ensureAgent(ctx, agentID, r); err != nil {
		g.logger.Error("agent registration failed", "agent_id", agentID, "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}

	sess := session.New(agentID, r.RemoteAddr, &wsConn{conn: conn}, g.logger)
	if err := g.registry.Register(sess); err != nil {
		g.logger.Warn("rejecting duplicate connection", "agent_id", agentID, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "agent already connected")
		return
	}
	defer g.registry.Unregister(agentID)

	if err := g.store.UpdateAgentStatus(ctx, agentID, store.AgentOnline, time.Now().UTC()); err != nil {
		g.logger.Error("failed to mark agent online", "agent_id", agentID, "error", err)
	}
	g.logger.Info("agent connected", "agent_id", agentID, "remote", r.RemoteAddr)

	g.readLoop(ctx, conn, agentID)

	g.logger.Info("agent disconnected", "agent_id", agentID)
}

// readLoop consumes inbound envelopes until the connection drops.
// Malformed or unknown messages are logged and skipped; only transport
// errors end the loop.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			g.logger.Debug("websocket read ended", "agent_id", agentID, "error", err)
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			g.logger.Warn("skipping undecodable message", "agent_id", agentID, "error", err)
			continue
		}
		if err := g.pipeline.HandleMessage(ctx, agentID, msg); err != nil {
			g.logger.Error("message handling failed",
				"agent_id", agentID,
				"type", msg.MessageType(),
				"error", err)
		}
	}
}

// ensureAgent creates the agent record on first connect. Reconnects update
// nothing here; the pipeline and status handlers own all later mutation.
func (g *Gateway) ensureAgent(ctx context.Context, agentID string, r *http.Request) error {
	_, err := g.store.GetAgent(ctx, agentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		hostname = agentID
	}
	version := r.URL.Query().Get("version")

	ip := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		ip = host
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:            agentID,
		ServerID:      g.serverID,
		Hostname:      hostname,
		IPAddress:     ip,
		Version:       version,
		Status:        store.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.CreateAgent(ctx, agent); err != nil {
		// Lost a race with a concurrent connect for the same id.
		if errors.Is(err, store.ErrDuplicateAgent) {
			return nil
		}
		return fmt.Errorf("creating agent record: %w", err)
	}
	g.logger.Info("new agent registered",
		"agent_id", agentID,
		"hostname", hostname,
		"version", version,
		"ip", ip)
	return nil
}
