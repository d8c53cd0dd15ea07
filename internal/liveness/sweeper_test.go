// ABOUTME: Tests for the liveness sweeper.
// ABOUTME: Verifies stale agents are marked offline and fresh ones are untouched.

package liveness

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleet-gateway/internal/store"
)

func setupSweeper(t *testing.T) (*Sweeper, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir() + "/fleet.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewSweeper(st, time.Minute, 5*time.Minute, slog.Default()), st
}

func addAgent(t *testing.T, st store.Store, id string, status store.AgentStatus, heartbeat time.Time) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		Hostname:      "host-" + id,
		IPAddress:     "10.0.0.1",
		Version:       "1.0.0",
		Status:        status,
		LastHeartbeat: heartbeat,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
}

func TestSweeper_MarksStaleAgentsOffline(t *testing.T) {
	sw, st := setupSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	addAgent(t, st, "stale", store.AgentOnline, now.Add(-10*time.Minute))
	addAgent(t, st, "fresh", store.AgentOnline, now.Add(-time.Minute))

	marked, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	stale, err := st.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, stale.Status)

	fresh, err := st.GetAgent(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, fresh.Status)
}

func TestSweeper_PreservesHeartbeatWhenMarking(t *testing.T) {
	sw, st := setupSweeper(t)
	ctx := context.Background()
	last := time.Now().UTC().Add(-20 * time.Minute).Truncate(time.Second)

	addAgent(t, st, "stale", store.AgentOnline, last)

	_, err := sw.RunOnce(ctx)
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, agent.LastHeartbeat.Equal(last))
}

func TestSweeper_SkipsAlreadyOffline(t *testing.T) {
	sw, st := setupSweeper(t)
	ctx := context.Background()

	addAgent(t, st, "gone", store.AgentOffline, time.Now().UTC().Add(-time.Hour))

	marked, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestSweeper_SweepsStuckUpdatingAgent(t *testing.T) {
	sw, st := setupSweeper(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-time.Hour)

	addAgent(t, st, "stuck-update", store.AgentUpdating, stale)

	marked, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	agent, err := st.GetAgent(ctx, "stuck-update")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, agent.Status)
}

func TestSweeper_LeavesErroredAgentAlone(t *testing.T) {
	sw, st := setupSweeper(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-time.Hour)

	addAgent(t, st, "errored", store.AgentError, stale)

	marked, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	agent, err := st.GetAgent(ctx, "errored")
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, agent.Status)
}

func TestSweeper_EmptyFleet(t *testing.T) {
	sw, _ := setupSweeper(t)

	marked, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestSweeper_StartStop(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir() + "/fleet.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sw := NewSweeper(st, 10*time.Millisecond, 5*time.Minute, slog.Default())
	addAgent(t, st, "stale", store.AgentOnline, time.Now().UTC().Add(-time.Hour))

	sw.Start(context.Background())
	require.Eventually(t, func() bool {
		agent, err := st.GetAgent(context.Background(), "stale")
		return err == nil && agent.Status == store.AgentOffline
	}, 2*time.Second, 10*time.Millisecond)
	sw.Stop()
}
