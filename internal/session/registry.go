// ABOUTME: Tracks connected agent sessions and routes commands by agent id.
// ABOUTME: Sharded by agent id so unrelated agents never contend on one lock.

package session

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/opsforge/fleet-gateway/internal/wire"
)

// ErrDuplicateSession indicates a session for the agent id is already registered.
// The caller must close the prior session first; last-writer-wins would risk
// delivering commands to a half-dead connection.
var ErrDuplicateSession = errors.New("session already registered")

// ErrNoSuchSession indicates the agent has no live session.
var ErrNoSuchSession = errors.New("no session for agent")

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry coordinates all connected agent sessions.
type Registry struct {
	shards [shardCount]shard
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger.With("component", "session")}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shardFor(agentID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds a session to the registry.
// Returns ErrDuplicateSession if a session for the same agent id exists.
func (r *Registry) Register(sess *Session) error {
	sh := r.shardFor(sess.AgentID)
	sh.mu.Lock()
	if _, exists := sh.sessions[sess.AgentID]; exists {
		sh.mu.Unlock()
		return ErrDuplicateSession
	}
	sh.sessions[sess.AgentID] = sess
	sh.mu.Unlock()

	// Count takes the shard read lock, so it must run outside the critical
	// section above.
	r.logger.Info("agent session registered",
		"agent_id", sess.AgentID,
		"remote_addr", sess.RemoteAddr,
		"total_sessions", r.Count(),
	)
	return nil
}

// Unregister removes an agent's session. Removing an absent id is a no-op.
// It does not touch the agent's stored status: OFFLINE transitions belong to
// the liveness sweeper, which judges by heartbeat age rather than connection
// teardown.
func (r *Registry) Unregister(agentID string) {
	sh := r.shardFor(agentID)
	sh.mu.Lock()
	sess, exists := sh.sessions[agentID]
	if exists {
		delete(sh.sessions, agentID)
	}
	sh.mu.Unlock()

	if exists {
		r.logger.Info("agent session unregistered",
			"agent_id", agentID,
			"remote_addr", sess.RemoteAddr,
			"total_sessions", r.Count(),
		)
	}
}

// Get retrieves the session for an agent, if connected.
func (r *Registry) Get(agentID string) (*Session, bool) {
	sh := r.shardFor(agentID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[agentID]
	return sess, ok
}

// IsConnected reports whether the agent has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// Send delivers a command to a connected agent at most once.
// Returns ErrNoSuchSession if the agent is not connected; the command is
// neither queued nor retried here.
func (r *Registry) Send(ctx context.Context, agentID string, cmd wire.Command) error {
	sess, ok := r.Get(agentID)
	if !ok {
		return ErrNoSuchSession
	}
	return sess.Send(ctx, cmd)
}

// Broadcast delivers a command to every connected agent, best effort.
// Send failures are logged and do not stop the fan-out.
func (r *Registry) Broadcast(ctx context.Context, cmd wire.Command) {
	for _, sess := range r.List() {
		if err := sess.Send(ctx, cmd); err != nil {
			r.logger.Warn("broadcast send failed",
				"agent_id", sess.AgentID,
				"error", err,
			)
		}
	}
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	var sessions []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			sessions = append(sessions, sess)
		}
		sh.mu.RUnlock()
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll closes every session's connection. Used during shutdown; the
// per-connection handlers unregister themselves as their read loops exit.
func (r *Registry) CloseAll() {
	for _, sess := range r.List() {
		if err := sess.Close(); err != nil {
			r.logger.Debug("closing session", "agent_id", sess.AgentID, "error", err)
		}
	}
}
