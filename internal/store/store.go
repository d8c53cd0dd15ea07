// ABOUTME: Store interface and data types for fleet-gateway persistence
// ABOUTME: Defines Agent, MetricPoint, HourlyAggregate, AgentVersion, UpgradeTask and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrDuplicateVersion is returned when publishing a version string that is already registered
var ErrDuplicateVersion = errors.New("version already exists")

// AgentStatus is the liveness/lifecycle state of an agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentError    AgentStatus = "error"
	AgentUpdating AgentStatus = "updating"
)

// TaskStatus is the state of an upgrade task.
// Transitions are monotonic: pending -> running -> {success|failed},
// or pending -> failed when dispatch itself fails. Terminal states are absorbing.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Agent represents one managed remote agent and its reported state.
type Agent struct {
	ID            string
	ServerID      string
	Hostname      string
	IPAddress     string
	Version       string
	Status        AgentStatus
	Config        map[string]string
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MetricPoint is one raw telemetry sample from an agent. Immutable once written;
// removed only by retention cleanup.
type MetricPoint struct {
	ID            string
	AgentID       string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskUsage     float64
	NetworkIn     int64
	NetworkOut    int64
	CreatedAt     time.Time
}

// HourlyAggregate is the rollup of one agent's metric points for one clock hour.
// Exactly one row exists per (agent, hour); re-aggregation overwrites in place.
type HourlyAggregate struct {
	ID            string
	AgentID       string
	Hour          time.Time
	CPUAvg        float64
	CPUMax        float64
	MemoryAvg     float64
	MemoryMax     float64
	DiskAvg       float64
	DiskMax       float64
	NetworkInSum  int64
	NetworkOutSum int64
	CreatedAt     time.Time
}

// AgentVersion is a published agent software release. At most one row has
// IsLatest set at any time; PublishVersion flips the flag atomically.
type AgentVersion struct {
	ID          string
	Version     string
	Description string
	PackageURL  string
	Checksum    string
	IsLatest    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpgradeTask tracks moving one agent from one version to another.
type UpgradeTask struct {
	ID          string
	AgentID     string
	FromVersion string
	ToVersion   string
	Status      TaskStatus
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the task has reached an absorbing state.
func (t *UpgradeTask) Terminal() bool {
	return t.Status == TaskSuccess || t.Status == TaskFailed
}

// Store defines the persistence interface for agents, telemetry, and upgrades.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, heartbeat time.Time) error
	UpdateAgentVersion(ctx context.Context, id, version string) error
	UpdateAgentConfig(ctx context.Context, id string, config map[string]string) error

	// Raw metric points
	SaveMetricPoint(ctx context.Context, point *MetricPoint) error
	GetMetricPoints(ctx context.Context, agentID string, start, end time.Time) ([]*MetricPoint, error)
	GetLatestMetricPoint(ctx context.Context, agentID string) (*MetricPoint, error)
	DeleteMetricPointsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Hourly aggregates
	UpsertHourlyAggregate(ctx context.Context, agg *HourlyAggregate) error
	GetHourlyAggregates(ctx context.Context, agentID string, start, end time.Time) ([]*HourlyAggregate, error)
	DeleteHourlyAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Versions
	PublishVersion(ctx context.Context, version *AgentVersion) error
	GetVersion(ctx context.Context, version string) (*AgentVersion, error)
	GetLatestVersion(ctx context.Context) (*AgentVersion, error)
	ListVersions(ctx context.Context) ([]*AgentVersion, error)

	// Upgrade tasks
	CreateUpgradeTask(ctx context.Context, task *UpgradeTask) error
	GetUpgradeTask(ctx context.Context, id string) (*UpgradeTask, error)
	ListUpgradeTasksByStatus(ctx context.Context, status TaskStatus) ([]*UpgradeTask, error)
	ListUpgradeTasksByAgent(ctx context.Context, agentID string) ([]*UpgradeTask, error)
	HasOpenUpgradeTask(ctx context.Context, agentID, toVersion string) (bool, error)
	UpdateUpgradeTask(ctx context.Context, task *UpgradeTask) error

	// Close releases any resources held by the store
	Close() error
}
