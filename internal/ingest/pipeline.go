// ABOUTME: Inbound message pipeline for agent sessions.
// ABOUTME: Routes heartbeats, metric samples, and upgrade results to their handlers.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

// ErrInvalidMetricPayload indicates a metric sample that failed validation.
// Invalid samples are dropped without tearing down the agent session.
var ErrInvalidMetricPayload = errors.New("invalid metric payload")

// ResultHandler receives upgrade outcomes reported by agents.
type ResultHandler interface {
	ReportResult(ctx context.Context, taskID string, success bool, errMsg string) error
}

// Pipeline processes decoded inbound messages for one gateway instance.
// It is shared across all agent sessions and safe for concurrent use.
type Pipeline struct {
	store   store.Store
	results ResultHandler
	logger  *slog.Logger
}

// NewPipeline creates a message pipeline backed by the given store.
// The result handler may be nil, in which case upgrade results are dropped.
func NewPipeline(st store.Store, results ResultHandler, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   st,
		results: results,
		logger:  logger.With("component", "ingest"),
	}
}

// HandleMessage dispatches one inbound message from an agent session.
// Errors returned here are persistence failures; protocol-level problems
// (unknown tasks, invalid samples) are logged and absorbed so a single bad
// message never kills the connection.
func (p *Pipeline) HandleMessage(ctx context.Context, agentID string, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.Heartbeat:
		return p.HandleHeartbeat(ctx, agentID, m)
	case wire.Metrics:
		return p.HandleMetrics(ctx, agentID, m)
	case wire.UpgradeResult:
		return p.HandleUpgradeResult(ctx, agentID, m)
	default:
		return fmt.Errorf("%w: %T", wire.ErrUnknownMessageType, msg)
	}
}

// HandleHeartbeat refreshes the agent's last-seen time. Agents marked
// offline or errored recover to online on their next heartbeat; an agent
// mid-upgrade keeps its updating status so the orchestrator stays in control.
// The last-seen time is stamped server-side so an agent with a skewed clock
// is not swept offline while actively heartbeating.
func (p *Pipeline) HandleHeartbeat(ctx context.Context, agentID string, _ wire.Heartbeat) error {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	status := agent.Status
	if status == store.AgentOffline || status == store.AgentError {
		status = store.AgentOnline
		p.logger.Info("agent recovered", "agent_id", agentID, "previous_status", agent.Status)
	}

	if err := p.store.UpdateAgentStatus(ctx, agentID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("updating heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// HandleMetrics validates and persists one telemetry sample. Samples that
// fail validation are dropped and logged; the session continues.
func (p *Pipeline) HandleMetrics(ctx context.Context, agentID string, m wire.Metrics) error {
	if err := ValidateMetrics(m); err != nil {
		p.logger.Warn("dropping invalid metric sample",
			"agent_id", agentID,
			"error", err)
		return nil
	}

	point := &store.MetricPoint{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Timestamp:     m.Timestamp,
		CPUPercent:    m.CPUPercent,
		MemoryPercent: m.MemoryPercent,
		DiskUsage:     m.DiskUsage,
		NetworkIn:     m.NetworkIn,
		NetworkOut:    m.NetworkOut,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.store.SaveMetricPoint(ctx, point); err != nil {
		return fmt.Errorf("saving metric point for %s: %w", agentID, err)
	}
	return nil
}

// HandleUpgradeResult forwards an upgrade outcome to the orchestrator.
// Unknown tasks and duplicate reports are logged and ignored; a retrying
// agent must not be disconnected for replaying a result.
func (p *Pipeline) HandleUpgradeResult(ctx context.Context, agentID string, res wire.UpgradeResult) error {
	if p.results == nil {
		p.logger.Warn("no result handler configured, dropping upgrade result",
			"agent_id", agentID, "task_id", res.TaskID)
		return nil
	}

	success := res.Status == "success"
	if err := p.results.ReportResult(ctx, res.TaskID, success, res.Error); err != nil {
		p.logger.Warn("rejected upgrade result",
			"agent_id", agentID,
			"task_id", res.TaskID,
			"status", res.Status,
			"error", err)
	}
	return nil
}

// ValidateMetrics checks one sample against the accepted ranges.
// Percentages must be finite and within [0, 100]; disk usage and network
// counters must be finite and non-negative.
func ValidateMetrics(m wire.Metrics) error {
	if err := validPercent("cpu_percent", m.CPUPercent); err != nil {
		return err
	}
	if err := validPercent("memory_percent", m.MemoryPercent); err != nil {
		return err
	}
	if math.IsNaN(m.DiskUsage) || math.IsInf(m.DiskUsage, 0) {
		return fmt.Errorf("%w: disk_usage is not finite", ErrInvalidMetricPayload)
	}
	if m.DiskUsage < 0 {
		return fmt.Errorf("%w: disk_usage %v is negative", ErrInvalidMetricPayload, m.DiskUsage)
	}
	if m.NetworkIn < 0 {
		return fmt.Errorf("%w: network bytes_recv %d is negative", ErrInvalidMetricPayload, m.NetworkIn)
	}
	if m.NetworkOut < 0 {
		return fmt.Errorf("%w: network bytes_sent %d is negative", ErrInvalidMetricPayload, m.NetworkOut)
	}
	return nil
}

func validPercent(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrInvalidMetricPayload, field)
	}
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: %s %v outside [0, 100]", ErrInvalidMetricPayload, field, v)
	}
	return nil
}
