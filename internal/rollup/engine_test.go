// ABOUTME: Tests for the hourly aggregation engine.
// ABOUTME: Covers avg/max/sum math, idempotent re-runs, and retention cleanup.

package rollup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleet-gateway/internal/store"
)

func setupEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir() + "/fleet.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st, 7*24*time.Hour, 30*24*time.Hour, slog.Default()), st
}

func addAgent(t *testing.T, st store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		Hostname:      "host-" + id,
		IPAddress:     "10.0.0.1",
		Version:       "1.0.0",
		Status:        store.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
}

func addPoint(t *testing.T, st store.Store, agentID string, ts time.Time, cpu, mem, disk float64, in, out int64) {
	t.Helper()
	err := st.SaveMetricPoint(context.Background(), &store.MetricPoint{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Timestamp:     ts,
		CPUPercent:    cpu,
		MemoryPercent: mem,
		DiskUsage:     disk,
		NetworkIn:     in,
		NetworkOut:    out,
		CreatedAt:     ts,
	})
	require.NoError(t, err)
}

func TestEngine_AggregateHour_AvgMaxSum(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	addAgent(t, st, "agent-1")

	hour := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	addPoint(t, st, "agent-1", hour.Add(5*time.Minute), 10, 40, 70, 100, 10)
	addPoint(t, st, "agent-1", hour.Add(25*time.Minute), 20, 50, 71, 200, 20)
	addPoint(t, st, "agent-1", hour.Add(55*time.Minute), 30, 60, 72, 300, 30)

	require.NoError(t, e.AggregateHour(ctx, "agent-1", hour))

	aggs, err := st.GetHourlyAggregates(ctx, "agent-1", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	agg := aggs[0]
	assert.InDelta(t, 20.0, agg.CPUAvg, 1e-9)
	assert.Equal(t, 30.0, agg.CPUMax)
	assert.InDelta(t, 50.0, agg.MemoryAvg, 1e-9)
	assert.Equal(t, 60.0, agg.MemoryMax)
	assert.InDelta(t, 71.0, agg.DiskAvg, 1e-9)
	assert.Equal(t, 72.0, agg.DiskMax)
	assert.Equal(t, int64(600), agg.NetworkInSum)
	assert.Equal(t, int64(60), agg.NetworkOutSum)
	assert.True(t, agg.Hour.Equal(hour))
}

func TestEngine_AggregateHour_ExcludesAdjacentHours(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	addAgent(t, st, "agent-1")

	hour := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	addPoint(t, st, "agent-1", hour.Add(-time.Minute), 99, 99, 99, 999, 999)
	addPoint(t, st, "agent-1", hour.Add(30*time.Minute), 55, 50, 50, 100, 100)
	addPoint(t, st, "agent-1", hour.Add(45*time.Minute), 65, 50, 50, 100, 100)
	addPoint(t, st, "agent-1", hour.Add(time.Hour), 99, 99, 99, 999, 999)

	require.NoError(t, e.AggregateHour(ctx, "agent-1", hour))

	aggs, err := st.GetHourlyAggregates(ctx, "agent-1", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 60.0, aggs[0].CPUAvg, 1e-9)
	assert.Equal(t, 65.0, aggs[0].CPUMax)
}

func TestEngine_AggregateHour_NoPointsNoRow(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	addAgent(t, st, "agent-1")

	hour := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	require.NoError(t, e.AggregateHour(ctx, "agent-1", hour))

	aggs, err := st.GetHourlyAggregates(ctx, "agent-1", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestEngine_AggregateHour_Idempotent(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	addAgent(t, st, "agent-1")

	hour := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	addPoint(t, st, "agent-1", hour.Add(10*time.Minute), 40, 40, 40, 100, 100)

	require.NoError(t, e.AggregateHour(ctx, "agent-1", hour))

	// A late point arrives; re-running the hour must overwrite, not duplicate.
	addPoint(t, st, "agent-1", hour.Add(50*time.Minute), 60, 60, 60, 100, 100)
	require.NoError(t, e.AggregateHour(ctx, "agent-1", hour))

	aggs, err := st.GetHourlyAggregates(ctx, "agent-1", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 50.0, aggs[0].CPUAvg, 1e-9)
	assert.Equal(t, 60.0, aggs[0].CPUMax)
}

func TestEngine_AggregateAll_CoversEveryAgent(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)

	addAgent(t, st, "agent-1")
	addAgent(t, st, "agent-2")
	addAgent(t, st, "quiet")
	addPoint(t, st, "agent-1", hour.Add(time.Minute), 10, 10, 10, 1, 1)
	addPoint(t, st, "agent-2", hour.Add(time.Minute), 20, 20, 20, 2, 2)

	require.NoError(t, e.AggregateAll(ctx, hour))

	for id, wantCPU := range map[string]float64{"agent-1": 10, "agent-2": 20} {
		aggs, err := st.GetHourlyAggregates(ctx, id, hour, hour.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, aggs, 1, "agent %s", id)
		assert.Equal(t, wantCPU, aggs[0].CPUAvg)
	}

	aggs, err := st.GetHourlyAggregates(ctx, "quiet", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestEngine_Cleanup(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	addAgent(t, st, "agent-1")

	addPoint(t, st, "agent-1", now.Add(-8*24*time.Hour), 10, 10, 10, 1, 1)
	addPoint(t, st, "agent-1", now.Add(-time.Hour), 20, 20, 20, 2, 2)

	oldHour := now.Add(-31 * 24 * time.Hour).Truncate(time.Hour)
	freshHour := now.Add(-2 * time.Hour).Truncate(time.Hour)
	for _, h := range []time.Time{oldHour, freshHour} {
		require.NoError(t, st.UpsertHourlyAggregate(ctx, &store.HourlyAggregate{
			ID:        uuid.NewString(),
			AgentID:   "agent-1",
			Hour:      h,
			CreatedAt: now,
		}))
	}

	require.NoError(t, e.Cleanup(ctx))

	points, err := st.GetMetricPoints(ctx, "agent-1", now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 20.0, points[0].CPUPercent)

	aggs, err := st.GetHourlyAggregates(ctx, "agent-1", now.Add(-60*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].Hour.Equal(freshHour))
}

func TestUntilNextHour(t *testing.T) {
	now := time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute+5*time.Second, untilNextHour(now))

	boundary := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour+5*time.Second, untilNextHour(boundary))
}
