// ABOUTME: Upgrade orchestrator that publishes versions and drives agent rollouts.
// ABOUTME: Creates pending tasks, dispatches them to live sessions, and records outcomes.

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/fleet-gateway/internal/session"
	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

// ErrInvalidTransition is returned when a result is reported for a task that
// is not running. Duplicate or late reports land here and are safe to ignore.
var ErrInvalidTransition = errors.New("invalid task transition")

// Sender delivers commands to connected agents. The session registry
// implements it; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, agentID string, cmd wire.Command) error
}

// Orchestrator owns the upgrade lifecycle. Publishing a version fans out
// pending tasks to outdated online agents; a background loop dispatches
// pending tasks to whichever agents are currently connected.
type Orchestrator struct {
	store    store.Store
	sender   Sender
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator that retries pending dispatches
// every interval.
func NewOrchestrator(st store.Store, sender Sender, interval time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		sender:   sender,
		interval: interval,
		logger:   logger.With("component", "upgrade"),
	}
}

// PublishVersion registers a new release as latest and creates one pending
// task per online agent not already on it. Agents with an open task for the
// same target are skipped so republishing never double-schedules.
func (o *Orchestrator) PublishVersion(ctx context.Context, version *store.AgentVersion) ([]*store.UpgradeTask, error) {
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}
	version.UpdatedAt = now
	version.IsLatest = true

	if err := o.store.PublishVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("publishing version %s: %w", version.Version, err)
	}
	o.logger.Info("version published", "version", version.Version)

	agents, err := o.store.ListAgentsByStatus(ctx, store.AgentOnline)
	if err != nil {
		return nil, fmt.Errorf("listing online agents: %w", err)
	}

	var tasks []*store.UpgradeTask
	for _, agent := range agents {
		if agent.Version == version.Version {
			continue
		}
		open, err := o.store.HasOpenUpgradeTask(ctx, agent.ID, version.Version)
		if err != nil {
			return tasks, fmt.Errorf("checking open tasks for %s: %w", agent.ID, err)
		}
		if open {
			continue
		}

		task := &store.UpgradeTask{
			ID:          uuid.NewString(),
			AgentID:     agent.ID,
			FromVersion: agent.Version,
			ToVersion:   version.Version,
			Status:      store.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := o.store.CreateUpgradeTask(ctx, task); err != nil {
			return tasks, fmt.Errorf("creating task for %s: %w", agent.ID, err)
		}
		tasks = append(tasks, task)
	}

	o.logger.Info("upgrade tasks scheduled",
		"version", version.Version,
		"tasks", len(tasks))
	return tasks, nil
}

// DispatchPending sends every pending task whose agent is currently
// connected. Disconnected agents keep their task pending for the next round;
// a delivery failure on a live connection fails the task.
func (o *Orchestrator) DispatchPending(ctx context.Context) (int, error) {
	tasks, err := o.store.ListUpgradeTasksByStatus(ctx, store.TaskPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending tasks: %w", err)
	}

	dispatched := 0
	for _, task := range tasks {
		if err := o.dispatch(ctx, task); err != nil {
			o.logger.Error("dispatch failed", "task_id", task.ID, "agent_id", task.AgentID, "error", err)
			continue
		}
		if task.Status == store.TaskRunning {
			dispatched++
		}
	}
	return dispatched, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, task *store.UpgradeTask) error {
	version, err := o.store.GetVersion(ctx, task.ToVersion)
	if err != nil {
		return fmt.Errorf("loading version %s: %w", task.ToVersion, err)
	}

	cmd := wire.Upgrade{
		TaskID:     task.ID,
		Version:    version.Version,
		PackageURL: version.PackageURL,
		Checksum:   version.Checksum,
	}
	now := time.Now().UTC()

	sendErr := o.sender.Send(ctx, task.AgentID, cmd)
	switch {
	case sendErr == nil:
		task.Status = store.TaskRunning
		task.StartedAt = &now
		task.UpdatedAt = now
		if err := o.store.UpdateUpgradeTask(ctx, task); err != nil {
			return fmt.Errorf("marking task running: %w", err)
		}
		if err := o.setAgentStatus(ctx, task.AgentID, store.AgentUpdating); err != nil {
			return err
		}
		o.logger.Info("upgrade dispatched",
			"task_id", task.ID,
			"agent_id", task.AgentID,
			"version", task.ToVersion)
		return nil

	case errors.Is(sendErr, session.ErrNoSuchSession):
		// Agent not connected right now. Keep the task pending for the
		// next dispatch round.
		o.logger.Debug("agent not connected, deferring dispatch",
			"task_id", task.ID,
			"agent_id", task.AgentID)
		return nil

	default:
		task.Status = store.TaskFailed
		task.Error = fmt.Sprintf("dispatch: %v", sendErr)
		task.CompletedAt = &now
		task.UpdatedAt = now
		if err := o.store.UpdateUpgradeTask(ctx, task); err != nil {
			return fmt.Errorf("marking task failed: %w", err)
		}
		return sendErr
	}
}

// ReportResult records an agent's upgrade outcome. Only running tasks accept
// a result; anything else returns ErrInvalidTransition. Success updates the
// agent's recorded version; either way the agent returns to online.
func (o *Orchestrator) ReportResult(ctx context.Context, taskID string, success bool, errMsg string) error {
	task, err := o.store.GetUpgradeTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task.Status != store.TaskRunning {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}

	now := time.Now().UTC()
	if success {
		task.Status = store.TaskSuccess
		if err := o.store.UpdateAgentVersion(ctx, task.AgentID, task.ToVersion); err != nil {
			return fmt.Errorf("updating agent version: %w", err)
		}
	} else {
		task.Status = store.TaskFailed
		if errMsg == "" {
			errMsg = "agent reported failure"
		}
		task.Error = errMsg
	}
	task.CompletedAt = &now
	task.UpdatedAt = now

	if err := o.store.UpdateUpgradeTask(ctx, task); err != nil {
		return fmt.Errorf("recording task result: %w", err)
	}
	if err := o.setAgentStatus(ctx, task.AgentID, store.AgentOnline); err != nil {
		return err
	}

	o.logger.Info("upgrade result recorded",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"status", task.Status,
		"version", task.ToVersion)
	return nil
}

// setAgentStatus changes the agent's status without touching its heartbeat.
func (o *Orchestrator) setAgentStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	if err := o.store.UpdateAgentStatus(ctx, agentID, status, agent.LastHeartbeat); err != nil {
		return fmt.Errorf("updating agent %s status: %w", agentID, err)
	}
	return nil
}

// Start launches the dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.logger.Info("dispatch loop started", "interval", o.interval)

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				o.logger.Info("dispatch loop stopped")
				return
			case <-ticker.C:
				if _, err := o.DispatchPending(ctx); err != nil {
					o.logger.Error("dispatch round failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the dispatch loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}
