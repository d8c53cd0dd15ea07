// ABOUTME: Hourly aggregation engine and retention cleanup for raw telemetry.
// ABOUTME: Rolls raw metric points into per-agent hourly rows and prunes old data.

package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/fleet-gateway/internal/store"
)

// Engine computes hourly aggregates from raw metric points and enforces
// retention. Aggregation is idempotent: re-running an hour overwrites the
// existing row instead of duplicating it.
type Engine struct {
	store        store.Store
	rawRetention time.Duration
	aggRetention time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an aggregation engine. Raw points older than
// rawRetention and hourly rows older than aggRetention are removed by
// Cleanup.
func NewEngine(st store.Store, rawRetention, aggRetention time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:        st,
		rawRetention: rawRetention,
		aggRetention: aggRetention,
		logger:       logger.With("component", "rollup"),
	}
}

// AggregateHour rolls one agent's raw points for the given clock hour into a
// single hourly row. Gauges (cpu, memory, disk) get average and maximum;
// network counters are summed. Hours with no points produce no row.
func (e *Engine) AggregateHour(ctx context.Context, agentID string, hour time.Time) error {
	hour = hour.UTC().Truncate(time.Hour)
	points, err := e.store.GetMetricPoints(ctx, agentID, hour, hour.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("loading points for %s at %s: %w", agentID, hour.Format(time.RFC3339), err)
	}
	if len(points) == 0 {
		return nil
	}

	agg := &store.HourlyAggregate{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Hour:      hour,
		CreatedAt: time.Now().UTC(),
	}
	for _, p := range points {
		agg.CPUAvg += p.CPUPercent
		agg.MemoryAvg += p.MemoryPercent
		agg.DiskAvg += p.DiskUsage
		agg.CPUMax = max(agg.CPUMax, p.CPUPercent)
		agg.MemoryMax = max(agg.MemoryMax, p.MemoryPercent)
		agg.DiskMax = max(agg.DiskMax, p.DiskUsage)
		agg.NetworkInSum += p.NetworkIn
		agg.NetworkOutSum += p.NetworkOut
	}
	n := float64(len(points))
	agg.CPUAvg /= n
	agg.MemoryAvg /= n
	agg.DiskAvg /= n

	if err := e.store.UpsertHourlyAggregate(ctx, agg); err != nil {
		return fmt.Errorf("storing aggregate for %s at %s: %w", agentID, hour.Format(time.RFC3339), err)
	}
	return nil
}

// AggregateAll rolls up the given hour for every known agent. A failure on
// one agent does not stop the others; all failures are joined into the
// returned error.
func (e *Engine) AggregateAll(ctx context.Context, hour time.Time) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	var errs []error
	for _, agent := range agents {
		if err := e.AggregateHour(ctx, agent.ID, hour); err != nil {
			e.logger.Error("aggregation failed",
				"agent_id", agent.ID,
				"hour", hour.UTC().Truncate(time.Hour).Format(time.RFC3339),
				"error", err)
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes raw points and hourly rows past their retention windows.
func (e *Engine) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()

	rawDeleted, err := e.store.DeleteMetricPointsBefore(ctx, now.Add(-e.rawRetention))
	if err != nil {
		return fmt.Errorf("pruning raw points: %w", err)
	}
	aggDeleted, err := e.store.DeleteHourlyAggregatesBefore(ctx, now.Add(-e.aggRetention))
	if err != nil {
		return fmt.Errorf("pruning hourly aggregates: %w", err)
	}

	if rawDeleted > 0 || aggDeleted > 0 {
		e.logger.Info("retention cleanup completed",
			"raw_deleted", rawDeleted,
			"hourly_deleted", aggDeleted)
	}
	return nil
}

// Start launches the hourly aggregation loop and the daily cleanup loop.
// Each tick aggregates the hour that just closed.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)

	go func() {
		defer e.wg.Done()
		e.logger.Info("aggregation loop started")
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("aggregation loop stopped")
				return
			case <-time.After(untilNextHour(time.Now().UTC())):
				closed := time.Now().UTC().Add(-time.Hour).Truncate(time.Hour)
				if err := e.AggregateAll(ctx, closed); err != nil {
					e.logger.Error("hourly aggregation finished with failures", "error", err)
				}
			}
		}
	}()

	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Cleanup(ctx); err != nil {
					e.logger.Error("retention cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loops and waits for in-flight work to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// untilNextHour returns the delay to just past the next hour boundary. The
// small grace period lets samples written at the boundary land first.
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now) + 5*time.Second
}
