// ABOUTME: Read-side query service for agent telemetry.
// ABOUTME: Validates time ranges against retention windows before hitting the store.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsforge/fleet-gateway/internal/store"
)

// ErrInvalidTimeRange is returned for ranges that are empty, inverted, or
// wider than the retention window for the requested resolution.
var ErrInvalidTimeRange = errors.New("invalid time range")

// ErrMetricsNotFound is returned when a valid query matches no data.
var ErrMetricsNotFound = errors.New("no metrics found")

// Query answers telemetry reads. Raw points are queryable over at most
// maxRawSpan; hourly aggregates over at most maxHourlySpan.
type Query struct {
	store         store.Store
	maxRawSpan    time.Duration
	maxHourlySpan time.Duration
}

// NewQuery creates a query service bounded by the given spans.
func NewQuery(st store.Store, maxRawSpan, maxHourlySpan time.Duration) *Query {
	return &Query{
		store:         st,
		maxRawSpan:    maxRawSpan,
		maxHourlySpan: maxHourlySpan,
	}
}

// GetMetrics returns the agent's raw metric points in [start, end).
func (q *Query) GetMetrics(ctx context.Context, agentID string, start, end time.Time) ([]*store.MetricPoint, error) {
	if err := validateRange(start, end, q.maxRawSpan); err != nil {
		return nil, err
	}
	if _, err := q.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	points, err := q.store.GetMetricPoints(ctx, agentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying metrics for %s: %w", agentID, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: agent %s in [%s, %s)", ErrMetricsNotFound,
			agentID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return points, nil
}

// GetHourlyMetrics returns the agent's hourly aggregates in [start, end).
func (q *Query) GetHourlyMetrics(ctx context.Context, agentID string, start, end time.Time) ([]*store.HourlyAggregate, error) {
	if err := validateRange(start, end, q.maxHourlySpan); err != nil {
		return nil, err
	}
	if _, err := q.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	aggs, err := q.store.GetHourlyAggregates(ctx, agentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying hourly metrics for %s: %w", agentID, err)
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("%w: agent %s in [%s, %s)", ErrMetricsNotFound,
			agentID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return aggs, nil
}

// LatestMetrics returns the agent's most recent raw sample.
func (q *Query) LatestMetrics(ctx context.Context, agentID string) (*store.MetricPoint, error) {
	if _, err := q.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	point, err := q.store.GetLatestMetricPoint(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s has no samples", ErrMetricsNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest metrics for %s: %w", agentID, err)
	}
	return point, nil
}

func validateRange(start, end time.Time, maxSpan time.Duration) error {
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidTimeRange)
	}
	if end.Sub(start) > maxSpan {
		return fmt.Errorf("%w: span exceeds %s", ErrInvalidTimeRange, maxSpan)
	}
	return nil
}
