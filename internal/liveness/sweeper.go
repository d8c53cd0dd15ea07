// ABOUTME: Background sweeper that marks silent agents offline.
// ABOUTME: Runs on a fixed interval and compares last heartbeats against a threshold.

package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/fleet-gateway/internal/store"
)

// Sweeper periodically scans the fleet and flips agents whose heartbeat is
// older than the offline threshold to offline. It is the single authority
// for the offline transition; session teardown never sets it directly, so a
// brief reconnect window does not flap the status.
type Sweeper struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper that checks every interval and marks agents
// offline once their heartbeat is older than threshold.
func NewSweeper(st store.Store, interval, threshold time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With("component", "liveness"),
	}
}

// Start launches the sweep loop. Stop or context cancellation ends it.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("liveness sweeper started",
			"interval", s.interval,
			"offline_threshold", s.threshold)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("liveness sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("liveness sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce performs a single sweep and returns how many agents were marked
// offline. A failure on one agent does not stop the scan.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-s.threshold)
	marked := 0
	for _, agent := range agents {
		// Only online and updating agents are judged by heartbeat age.
		// Offline needs no transition, and errored agents keep their error
		// status visible instead of being folded into offline.
		if agent.Status != store.AgentOnline && agent.Status != store.AgentUpdating {
			continue
		}
		if !agent.LastHeartbeat.Before(cutoff) {
			continue
		}

		if err := s.store.UpdateAgentStatus(ctx, agent.ID, store.AgentOffline, agent.LastHeartbeat); err != nil {
			s.logger.Error("failed to mark agent offline",
				"agent_id", agent.ID,
				"error", err)
			continue
		}
		s.logger.Warn("agent marked offline",
			"agent_id", agent.ID,
			"hostname", agent.Hostname,
			"last_heartbeat", agent.LastHeartbeat.Format(time.RFC3339),
			"previous_status", agent.Status)
		marked++
	}
	return marked, nil
}
