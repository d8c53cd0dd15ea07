// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/metric/version/task persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			server_id      TEXT NOT NULL,
			hostname       TEXT NOT NULL,
			ip_address     TEXT,
			version        TEXT NOT NULL,
			status         TEXT NOT NULL,
			config_json    TEXT,
			last_heartbeat TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'error', 'updating'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_server ON agents(server_id);

		CREATE TABLE IF NOT EXISTS agent_metrics (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			timestamp      TEXT NOT NULL,
			cpu_percent    REAL NOT NULL,
			memory_percent REAL NOT NULL,
			disk_usage     REAL NOT NULL,
			network_in     INTEGER NOT NULL,
			network_out    INTEGER NOT NULL,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_agent_ts
			ON agent_metrics(agent_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_metrics_ts ON agent_metrics(timestamp);

		CREATE TABLE IF NOT EXISTS agent_metrics_hourly (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL,
			hour               TEXT NOT NULL,
			cpu_avg            REAL NOT NULL,
			cpu_max            REAL NOT NULL,
			memory_avg         REAL NOT NULL,
			memory_max         REAL NOT NULL,
			disk_avg           REAL NOT NULL,
			disk_max           REAL NOT NULL,
			network_in_total   INTEGER NOT NULL,
			network_out_total  INTEGER NOT NULL,
			created_at         TEXT NOT NULL,

			UNIQUE(agent_id, hour)
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_hourly_hour
			ON agent_metrics_hourly(hour);

		CREATE TABLE IF NOT EXISTS agent_versions (
			id          TEXT PRIMARY KEY,
			version     TEXT NOT NULL UNIQUE,
			description TEXT,
			package_url TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			is_latest   INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS upgrade_tasks (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			from_version TEXT NOT NULL,
			to_version   TEXT NOT NULL,
			status       TEXT NOT NULL,
			error        TEXT,
			started_at   TEXT,
			completed_at TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON upgrade_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON upgrade_tasks(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateAgent inserts a new agent record.
// Returns ErrDuplicateAgent if an agent with the same ID already exists.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	configJSON, err := marshalConfig(agent.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (id, server_id, hostname, ip_address, version, status, config_json, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.ServerID,
		agent.Hostname,
		agent.IPAddress,
		agent.Version,
		string(agent.Status),
		configJSON,
		formatTime(agent.LastHeartbeat),
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "hostname", agent.Hostname)
	return nil
}

func marshalConfig(config map[string]string) (any, error) {
	if len(config) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshaling agent config: %w", err)
	}
	return string(data), nil
}

const agentColumns = `id, server_id, hostname, ip_address, version, status, config_json, last_heartbeat, created_at, updated_at`

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var agent Agent
	var ipAddress, configJSON sql.NullString
	var status, heartbeatStr, createdAtStr, updatedAtStr string

	err := scan(
		&agent.ID,
		&agent.ServerID,
		&agent.Hostname,
		&ipAddress,
		&agent.Version,
		&status,
		&configJSON,
		&heartbeatStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Status = AgentStatus(status)
	agent.IPAddress = ipAddress.String
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &agent.Config); err != nil {
			return nil, fmt.Errorf("parsing agent config: %w", err)
		}
	}

	if agent.LastHeartbeat, err = parseTime(heartbeatStr); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	if agent.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &agent, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row.Scan)
}

// ListAgents returns all agents ordered by hostname.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY hostname, id`)
}

// ListAgentsByStatus returns all agents in the given status.
func (s *SQLiteStore) ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]*Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY hostname, id`,
		string(status))
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's status and last_heartbeat timestamp.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, heartbeat time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`, string(status), formatTime(heartbeat), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateAgentVersion sets an agent's software version after a successful upgrade.
func (s *SQLiteStore) UpdateAgentVersion(ctx context.Context, id, version string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET version = ?, updated_at = ?
		WHERE id = ?
	`, version, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating agent version: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateAgentConfig replaces an agent's opaque config map.
func (s *SQLiteStore) UpdateAgentConfig(ctx context.Context, id string, config map[string]string) error {
	configJSON, err := marshalConfig(config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET config_json = ?, updated_at = ?
		WHERE id = ?
	`, configJSON, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating agent config: %w", err)
	}
	return requireRowAffected(result)
}

func requireRowAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMetricPoint inserts one raw telemetry sample.
func (s *SQLiteStore) SaveMetricPoint(ctx context.Context, point *MetricPoint) error {
	query := `
		INSERT INTO agent_metrics (id, agent_id, timestamp, cpu_percent, memory_percent, disk_usage, network_in, network_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		point.ID,
		point.AgentID,
		formatTime(point.Timestamp),
		point.CPUPercent,
		point.MemoryPercent,
		point.DiskUsage,
		point.NetworkIn,
		point.NetworkOut,
		formatTime(point.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting metric point: %w", err)
	}
	return nil
}

const metricColumns = `id, agent_id, timestamp, cpu_percent, memory_percent, disk_usage, network_in, network_out, created_at`

func scanMetricPoint(scan func(dest ...any) error) (*MetricPoint, error) {
	var p MetricPoint
	var tsStr, createdAtStr string

	err := scan(
		&p.ID,
		&p.AgentID,
		&tsStr,
		&p.CPUPercent,
		&p.MemoryPercent,
		&p.DiskUsage,
		&p.NetworkIn,
		&p.NetworkOut,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning metric point: %w", err)
	}

	if p.Timestamp, err = parseTime(tsStr); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// GetMetricPoints returns raw points for an agent in [start, end), oldest first.
func (s *SQLiteStore) GetMetricPoints(ctx context.Context, agentID string, start, end time.Time) ([]*MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+`
		FROM agent_metrics
		WHERE agent_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, agentID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("querying metric points: %w", err)
	}
	defer rows.Close()

	var points []*MetricPoint
	for rows.Next() {
		p, err := scanMetricPoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metric rows: %w", err)
	}
	return points, nil
}

// GetLatestMetricPoint returns the most recent raw point for an agent.
// Returns ErrNotFound if the agent has no recorded metrics.
func (s *SQLiteStore) GetLatestMetricPoint(ctx context.Context, agentID string) (*MetricPoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metricColumns+`
		FROM agent_metrics
		WHERE agent_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, agentID)
	return scanMetricPoint(row.Scan)
}

// DeleteMetricPointsBefore removes raw points older than the cutoff.
// Returns the number of rows deleted.
func (s *SQLiteStore) DeleteMetricPointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_metrics WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting metric points: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug("deleted raw metric points", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// UpsertHourlyAggregate writes one aggregate row per (agent, hour).
// Re-running aggregation for the same hour overwrites the existing row,
// keeping the operation idempotent.
func (s *SQLiteStore) UpsertHourlyAggregate(ctx context.Context, agg *HourlyAggregate) error {
	query := `
		INSERT INTO agent_metrics_hourly (id, agent_id, hour, cpu_avg, cpu_max, memory_avg, memory_max, disk_avg, disk_max, network_in_total, network_out_total, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, hour) DO UPDATE SET
			cpu_avg = excluded.cpu_avg,
			cpu_max = excluded.cpu_max,
			memory_avg = excluded.memory_avg,
			memory_max = excluded.memory_max,
			disk_avg = excluded.disk_avg,
			disk_max = excluded.disk_max,
			network_in_total = excluded.network_in_total,
			network_out_total = excluded.network_out_total
	`

	_, err := s.db.ExecContext(ctx, query,
		agg.ID,
		agg.AgentID,
		formatTime(agg.Hour),
		agg.CPUAvg,
		agg.CPUMax,
		agg.MemoryAvg,
		agg.MemoryMax,
		agg.DiskAvg,
		agg.DiskMax,
		agg.NetworkInSum,
		agg.NetworkOutSum,
		formatTime(agg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting hourly aggregate: %w", err)
	}
	return nil
}

// GetHourlyAggregates returns aggregates for an agent whose hour bucket falls
// in [start, end), oldest first.
func (s *SQLiteStore) GetHourlyAggregates(ctx context.Context, agentID string, start, end time.Time) ([]*HourlyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, hour, cpu_avg, cpu_max, memory_avg, memory_max, disk_avg, disk_max, network_in_total, network_out_total, created_at
		FROM agent_metrics_hourly
		WHERE agent_id = ? AND hour >= ? AND hour < ?
		ORDER BY hour ASC
	`, agentID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("querying hourly aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*HourlyAggregate
	for rows.Next() {
		var a HourlyAggregate
		var hourStr, createdAtStr string

		if err := rows.Scan(
			&a.ID,
			&a.AgentID,
			&hourStr,
			&a.CPUAvg,
			&a.CPUMax,
			&a.MemoryAvg,
			&a.MemoryMax,
			&a.DiskAvg,
			&a.DiskMax,
			&a.NetworkInSum,
			&a.NetworkOutSum,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}

		if a.Hour, err = parseTime(hourStr); err != nil {
			return nil, fmt.Errorf("parsing hour: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		aggs = append(aggs, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregate rows: %w", err)
	}
	return aggs, nil
}

// DeleteHourlyAggregatesBefore removes aggregates for hours older than the cutoff.
func (s *SQLiteStore) DeleteHourlyAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_metrics_hourly WHERE hour < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting hourly aggregates: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug("deleted hourly aggregates", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// PublishVersion inserts a new version and makes it the single latest one.
// The is_latest flip happens inside one transaction so there is never a
// window with zero or two latest versions.
func (s *SQLiteStore) PublishVersion(ctx context.Context, version *AgentVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_versions SET is_latest = 0, updated_at = ? WHERE is_latest = 1`,
		formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("clearing previous latest version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_versions (id, version, description, package_url, checksum, is_latest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`,
		version.ID,
		version.Version,
		version.Description,
		version.PackageURL,
		version.Checksum,
		formatTime(version.CreatedAt),
		formatTime(version.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("inserting version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing version publish: %w", err)
	}

	s.logger.Info("published agent version", "version", version.Version)
	return nil
}

const versionColumns = `id, version, description, package_url, checksum, is_latest, created_at, updated_at`

func scanVersion(scan func(dest ...any) error) (*AgentVersion, error) {
	var v AgentVersion
	var description sql.NullString
	var isLatest int
	var createdAtStr, updatedAtStr string

	err := scan(
		&v.ID,
		&v.Version,
		&description,
		&v.PackageURL,
		&v.Checksum,
		&isLatest,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning version: %w", err)
	}

	v.Description = description.String
	v.IsLatest = isLatest == 1
	if v.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &v, nil
}

// GetVersion retrieves a version record by its version string.
func (s *SQLiteStore) GetVersion(ctx context.Context, version string) (*AgentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE version = ?`, version)
	return scanVersion(row.Scan)
}

// GetLatestVersion retrieves the version currently flagged as latest.
// Returns ErrNotFound if no version has been published yet.
func (s *SQLiteStore) GetLatestVersion(ctx context.Context) (*AgentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE is_latest = 1`)
	return scanVersion(row.Scan)
}

// ListVersions returns all versions, newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context) ([]*AgentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var versions []*AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating version rows: %w", err)
	}
	return versions, nil
}

// CreateUpgradeTask inserts a new upgrade task.
func (s *SQLiteStore) CreateUpgradeTask(ctx context.Context, task *UpgradeTask) error {
	query := `
		INSERT INTO upgrade_tasks (id, agent_id, from_version, to_version, status, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.FromVersion,
		task.ToVersion,
		string(task.Status),
		nullString(task.Error),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting upgrade task: %w", err)
	}

	s.logger.Debug("created upgrade task",
		"id", task.ID,
		"agent_id", task.AgentID,
		"from", task.FromVersion,
		"to", task.ToVersion,
	)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for nil times, otherwise the formatted timestamp
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const taskColumns = `id, agent_id, from_version, to_version, status, error, started_at, completed_at, created_at, updated_at`

func scanUpgradeTask(scan func(dest ...any) error) (*UpgradeTask, error) {
	var t UpgradeTask
	var status string
	var errMsg, startedAtStr, completedAtStr sql.NullString
	var createdAtStr, updatedAtStr string

	err := scan(
		&t.ID,
		&t.AgentID,
		&t.FromVersion,
		&t.ToVersion,
		&status,
		&errMsg,
		&startedAtStr,
		&completedAtStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upgrade task: %w", err)
	}

	t.Status = TaskStatus(status)
	t.Error = errMsg.String
	if startedAtStr.Valid {
		ts, err := parseTime(startedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAtStr.Valid {
		ts, err := parseTime(completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// GetUpgradeTask retrieves an upgrade task by ID.
func (s *SQLiteStore) GetUpgradeTask(ctx context.Context, id string) (*UpgradeTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM upgrade_tasks WHERE id = ?`, id)
	return scanUpgradeTask(row.Scan)
}

// ListUpgradeTasksByStatus returns tasks in the given status, oldest first.
func (s *SQLiteStore) ListUpgradeTasksByStatus(ctx context.Context, status TaskStatus) ([]*UpgradeTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM upgrade_tasks WHERE status = ? ORDER BY created_at ASC`,
		string(status))
}

// ListUpgradeTasksByAgent returns all tasks for an agent, newest first.
func (s *SQLiteStore) ListUpgradeTasksByAgent(ctx context.Context, agentID string) ([]*UpgradeTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM upgrade_tasks WHERE agent_id = ? ORDER BY created_at DESC`,
		agentID)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*UpgradeTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying upgrade tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*UpgradeTask
	for rows.Next() {
		t, err := scanUpgradeTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// HasOpenUpgradeTask reports whether the agent already has a pending or
// running task targeting the given version. Used to avoid duplicate task
// creation when the same version is re-published.
func (s *SQLiteStore) HasOpenUpgradeTask(ctx context.Context, agentID, toVersion string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM upgrade_tasks
		WHERE agent_id = ? AND to_version = ? AND status IN ('pending', 'running')
		LIMIT 1
	`, agentID, toVersion).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying open upgrade tasks: %w", err)
	}
	return true, nil
}

// UpdateUpgradeTask persists task status, error, and timestamps.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateUpgradeTask(ctx context.Context, task *UpgradeTask) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_tasks
		SET status = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(task.Status),
		nullString(task.Error),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		formatTime(time.Now()),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating upgrade task: %w", err)
	}
	return requireRowAffected(result)
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
