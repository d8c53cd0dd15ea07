// ABOUTME: Tests for the inbound message pipeline.
// ABOUTME: Covers heartbeat recovery, metric validation, and upgrade result routing.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

func setupPipeline(t *testing.T, results ResultHandler) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir() + "/fleet.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewPipeline(st, results, slog.Default()), st
}

func createAgent(t *testing.T, st store.Store, id string, status store.AgentStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		Hostname:      "host-" + id,
		IPAddress:     "10.0.0.1",
		Version:       "1.0.0",
		Status:        status,
		LastHeartbeat: now.Add(-time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
}

type recordingHandler struct {
	taskID  string
	success bool
	errMsg  string
	calls   int
	err     error
}

func (h *recordingHandler) ReportResult(_ context.Context, taskID string, success bool, errMsg string) error {
	h.calls++
	h.taskID = taskID
	h.success = success
	h.errMsg = errMsg
	return h.err
}

func TestPipeline_Heartbeat_RefreshesTimestamp(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentOnline)

	before := time.Now().UTC()
	err := p.HandleMessage(ctx, "agent-1", wire.Heartbeat{Timestamp: before})
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, agent.Status)
	assert.False(t, agent.LastHeartbeat.Before(before))
}

// A heartbeat carrying a stale agent-side timestamp must not move
// last_heartbeat backwards; the sweeper would flag a live agent otherwise.
func TestPipeline_Heartbeat_IgnoresSkewedAgentClock(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentOnline)

	require.NoError(t, st.UpdateAgentStatus(ctx, "agent-1", store.AgentOnline, time.Now().UTC()))
	fresh, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, p.HandleHeartbeat(ctx, "agent-1", wire.Heartbeat{Timestamp: stale}))

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.LastHeartbeat.Before(fresh.LastHeartbeat))
}

func TestPipeline_Heartbeat_RecoversOfflineAgent(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentOffline)

	err := p.HandleHeartbeat(ctx, "agent-1", wire.Heartbeat{Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, agent.Status)
}

func TestPipeline_Heartbeat_RecoversErroredAgent(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentError)

	err := p.HandleHeartbeat(ctx, "agent-1", wire.Heartbeat{Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, agent.Status)
}

func TestPipeline_Heartbeat_PreservesUpdatingStatus(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentUpdating)

	err := p.HandleHeartbeat(ctx, "agent-1", wire.Heartbeat{Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentUpdating, agent.Status)
}

func TestPipeline_Heartbeat_UnknownAgent(t *testing.T) {
	p, _ := setupPipeline(t, nil)

	err := p.HandleHeartbeat(context.Background(), "ghost", wire.Heartbeat{Timestamp: time.Now().UTC()})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPipeline_Metrics_Saved(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentOnline)

	ts := time.Now().UTC()
	err := p.HandleMessage(ctx, "agent-1", wire.Metrics{
		Timestamp:     ts,
		CPUPercent:    42.5,
		MemoryPercent: 61.2,
		DiskUsage:     73.9,
		NetworkIn:     1024,
		NetworkOut:    2048,
	})
	require.NoError(t, err)

	point, err := st.GetLatestMetricPoint(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, point.CPUPercent)
	assert.Equal(t, int64(1024), point.NetworkIn)
	assert.Equal(t, int64(2048), point.NetworkOut)
}

func TestPipeline_Metrics_InvalidDropped(t *testing.T) {
	p, st := setupPipeline(t, nil)
	ctx := context.Background()
	createAgent(t, st, "agent-1", store.AgentOnline)

	bad := []wire.Metrics{
		{Timestamp: time.Now().UTC(), CPUPercent: math.NaN()},
		{Timestamp: time.Now().UTC(), CPUPercent: 150},
		{Timestamp: time.Now().UTC(), MemoryPercent: -1},
		{Timestamp: time.Now().UTC(), DiskUsage: math.Inf(1)},
		{Timestamp: time.Now().UTC(), DiskUsage: -5},
		{Timestamp: time.Now().UTC(), NetworkIn: -100},
	}
	for _, m := range bad {
		// Invalid samples are dropped, not surfaced as session errors.
		require.NoError(t, p.HandleMetrics(ctx, "agent-1", m))
	}

	_, err := st.GetLatestMetricPoint(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateMetrics(t *testing.T) {
	valid := wire.Metrics{CPUPercent: 0, MemoryPercent: 100, DiskUsage: 0, NetworkIn: 0, NetworkOut: 0}
	assert.NoError(t, ValidateMetrics(valid))

	assert.ErrorIs(t, ValidateMetrics(wire.Metrics{CPUPercent: 100.01}), ErrInvalidMetricPayload)
	assert.ErrorIs(t, ValidateMetrics(wire.Metrics{MemoryPercent: math.Inf(-1)}), ErrInvalidMetricPayload)
	assert.ErrorIs(t, ValidateMetrics(wire.Metrics{NetworkOut: -1}), ErrInvalidMetricPayload)
}

func TestPipeline_UpgradeResult_Forwarded(t *testing.T) {
	handler := &recordingHandler{}
	p, _ := setupPipeline(t, handler)

	err := p.HandleMessage(context.Background(), "agent-1", wire.UpgradeResult{
		TaskID: "task-1",
		Status: "success",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, "task-1", handler.taskID)
	assert.True(t, handler.success)
}

func TestPipeline_UpgradeResult_FailureCarriesError(t *testing.T) {
	handler := &recordingHandler{}
	p, _ := setupPipeline(t, handler)

	err := p.HandleUpgradeResult(context.Background(), "agent-1", wire.UpgradeResult{
		TaskID: "task-1",
		Status: "failed",
		Error:  "checksum mismatch",
	})
	require.NoError(t, err)
	assert.False(t, handler.success)
	assert.Equal(t, "checksum mismatch", handler.errMsg)
}

func TestPipeline_UpgradeResult_HandlerErrorAbsorbed(t *testing.T) {
	handler := &recordingHandler{err: fmt.Errorf("unknown task")}
	p, _ := setupPipeline(t, handler)

	// A rejected result is logged, not propagated to the session.
	err := p.HandleUpgradeResult(context.Background(), "agent-1", wire.UpgradeResult{
		TaskID: "task-x",
		Status: "success",
	})
	assert.NoError(t, err)
}

func TestPipeline_UpgradeResult_NoHandler(t *testing.T) {
	p, _ := setupPipeline(t, nil)

	err := p.HandleUpgradeResult(context.Background(), "agent-1", wire.UpgradeResult{
		TaskID: "task-1",
		Status: "success",
	})
	assert.NoError(t, err)
}
