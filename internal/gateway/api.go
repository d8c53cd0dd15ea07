// ABOUTME: HTTP API handlers for fleet inspection, telemetry queries, and upgrades.
// ABOUTME: Exposes agents, metrics, versions, and upgrade tasks as JSON endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/telemetry"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

// AgentResponse is the JSON shape for one agent.
type AgentResponse struct {
	ID            string            `json:"id"`
	Hostname      string            `json:"hostname"`
	IPAddress     string            `json:"ip_address"`
	Version       string            `json:"version"`
	Status        string            `json:"status"`
	Connected     bool              `json:"connected"`
	Config        map[string]string `json:"config,omitempty"`
	LastHeartbeat string            `json:"last_heartbeat"`
	CreatedAt     string            `json:"created_at"`
}

// MetricPointResponse is the JSON shape for one raw telemetry sample.
type MetricPointResponse struct {
	Timestamp     string  `json:"timestamp"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsage     float64 `json:"disk_usage"`
	NetworkIn     int64   `json:"network_in"`
	NetworkOut    int64   `json:"network_out"`
}

// HourlyAggregateResponse is the JSON shape for one hourly rollup row.
type HourlyAggregateResponse struct {
	Hour          string  `json:"hour"`
	CPUAvg        float64 `json:"cpu_avg"`
	CPUMax        float64 `json:"cpu_max"`
	MemoryAvg     float64 `json:"memory_avg"`
	MemoryMax     float64 `json:"memory_max"`
	DiskAvg       float64 `json:"disk_avg"`
	DiskMax       float64 `json:"disk_max"`
	NetworkInSum  int64   `json:"network_in_sum"`
	NetworkOutSum int64   `json:"network_out_sum"`
}

// PublishVersionRequest is the JSON request body for POST /api/versions.
type PublishVersionRequest struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	PackageURL  string `json:"package_url"`
	Checksum    string `json:"checksum"`
}

// PublishVersionResponse is the JSON response for POST /api/versions.
type PublishVersionResponse struct {
	Version        string `json:"version"`
	TasksScheduled int    `json:"tasks_scheduled"`
}

// VersionResponse is the JSON shape for one published version.
type VersionResponse struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	PackageURL  string `json:"package_url"`
	Checksum    string `json:"checksum"`
	IsLatest    bool   `json:"is_latest"`
	CreatedAt   string `json:"created_at"`
}

// UpgradeTaskResponse is the JSON shape for one upgrade task.
type UpgradeTaskResponse struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// UpdateConfigRequest is the JSON request body for PUT /api/agents/{id}/config.
type UpdateConfigRequest struct {
	Config map[string]string `json:"config"`
}

// UpdateConfigResponse is the JSON response for PUT /api/agents/{id}/config.
type UpdateConfigResponse struct {
	Pushed bool `json:"pushed"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/agents/", g.handleAgentRoutes)
	mux.HandleFunc("/api/versions", g.handleVersions)
	mux.HandleFunc("/api/versions/latest", g.handleLatestVersion)
	mux.HandleFunc("/api/upgrades", g.handleListUpgrades)
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// storeError maps store and query sentinel errors to HTTP responses.
func (g *Gateway) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, telemetry.ErrMetricsNotFound):
		g.sendJSONError(w, http.StatusNotFound, "no metrics found")
	case errors.Is(err, telemetry.ErrInvalidTimeRange):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateVersion):
		g.sendJSONError(w, http.StatusConflict, "version already exists")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleListAgents handles GET /api/agents requests.
// Supports an optional ?status= query parameter to filter by agent status.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var agents []*store.Agent
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		agents, err = g.store.ListAgentsByStatus(r.Context(), store.AgentStatus(status))
	} else {
		agents, err = g.store.ListAgents(r.Context())
	}
	if err != nil {
		g.storeError(w, err)
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, g.agentResponse(a))
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:            a.ID,
		Hostname:      a.Hostname,
		IPAddress:     a.IPAddress,
		Version:       a.Version,
		Status:        string(a.Status),
		Connected:     g.registry.IsConnected(a.ID),
		Config:        a.Config,
		LastHeartbeat: a.LastHeartbeat.UTC().Format(time.RFC3339),
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleAgentRoutes dispatches /api/agents/{id} and its subresources.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	switch sub {
	case "":
		g.handleGetAgent(w, r, agentID)
	case "metrics":
		g.handleAgentMetrics(w, r, agentID)
	case "metrics/hourly":
		g.handleAgentHourlyMetrics(w, r, agentID)
	case "metrics/latest":
		g.handleAgentLatestMetrics(w, r, agentID)
	case "config":
		g.handleAgentConfig(w, r, agentID)
	case "tasks":
		g.handleAgentTasks(w, r, agentID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown resource")
	}
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, g.agentResponse(agent))
}

// parseTimeRange reads start/end query parameters as RFC 3339 timestamps.
// When absent, the range defaults to the trailing window before now.
func parseTimeRange(r *http.Request, defaultSpan time.Duration) (start, end time.Time, err error) {
	now := time.Now().UTC()
	start, end = now.Add(-defaultSpan), now

	if s := r.URL.Query().Get("start"); s != "" {
		start, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
	}
	if e := r.URL.Query().Get("end"); e != "" {
		end, err = time.Parse(time.RFC3339, e)
		if err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
	}
	return start, end, nil
}

func (g *Gateway) handleAgentMetrics(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start, end, err := parseTimeRange(r, time.Hour)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := g.query.GetMetrics(r.Context(), agentID, start, end)
	if err != nil {
		g.storeError(w, err)
		return
	}

	response := make([]MetricPointResponse, 0, len(points))
	for _, p := range points {
		response = append(response, metricPointResponse(p))
	}
	g.writeJSON(w, http.StatusOK, response)
}

func metricPointResponse(p *store.MetricPoint) MetricPointResponse {
	return MetricPointResponse{
		Timestamp:     p.Timestamp.UTC().Format(time.RFC3339),
		CPUPercent:    p.CPUPercent,
		MemoryPercent: p.MemoryPercent,
		DiskUsage:     p.DiskUsage,
		NetworkIn:     p.NetworkIn,
		NetworkOut:    p.NetworkOut,
	}
}

func (g *Gateway) handleAgentHourlyMetrics(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start, end, err := parseTimeRange(r, 24*time.Hour)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	aggs, err := g.query.GetHourlyMetrics(r.Context(), agentID, start, end)
	if err != nil {
		g.storeError(w, err)
		return
	}

	response := make([]HourlyAggregateResponse, 0, len(aggs))
	for _, a := range aggs {
		response = append(response, HourlyAggregateResponse{
			Hour:          a.Hour.UTC().Format(time.RFC3339),
			CPUAvg:        a.CPUAvg,
			CPUMax:        a.CPUMax,
			MemoryAvg:     a.MemoryAvg,
			MemoryMax:     a.MemoryMax,
			DiskAvg:       a.DiskAvg,
			DiskMax:       a.DiskMax,
			NetworkInSum:  a.NetworkInSum,
			NetworkOutSum: a.NetworkOutSum,
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleAgentLatestMetrics(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	point, err := g.query.LatestMetrics(r.Context(), agentID)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, metricPointResponse(point))
}

// handleAgentConfig handles PUT/POST /api/agents/{id}/config. The new config map
// is persisted and, when the agent is connected, pushed down the session.
func (g *Gateway) handleAgentConfig(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Config == nil {
		g.sendJSONError(w, http.StatusBadRequest, "config is required")
		return
	}

	if err := g.store.UpdateAgentConfig(r.Context(), agentID, req.Config); err != nil {
		g.storeError(w, err)
		return
	}

	pushed := false
	if err := g.registry.Send(r.Context(), agentID, wire.ConfigUpdate{Config: req.Config}); err == nil {
		pushed = true
	} else {
		g.logger.Debug("config not pushed, agent offline", "agent_id", agentID)
	}
	g.writeJSON(w, http.StatusOK, UpdateConfigResponse{Pushed: pushed})
}

func (g *Gateway) handleAgentTasks(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := g.store.GetAgent(r.Context(), agentID); err != nil {
		g.storeError(w, err)
		return
	}
	tasks, err := g.store.ListUpgradeTasksByAgent(r.Context(), agentID)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, taskResponses(tasks))
}

func taskResponses(tasks []*store.UpgradeTask) []UpgradeTaskResponse {
	response := make([]UpgradeTaskResponse, 0, len(tasks))
	for _, t := range tasks {
		tr := UpgradeTaskResponse{
			ID:          t.ID,
			AgentID:     t.AgentID,
			FromVersion: t.FromVersion,
			ToVersion:   t.ToVersion,
			Status:      string(t.Status),
			Error:       t.Error,
			CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if t.StartedAt != nil {
			tr.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
		}
		if t.CompletedAt != nil {
			tr.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
		}
		response = append(response, tr)
	}
	return response
}

// handleVersions handles GET (list) and POST (publish) on /api/versions.
func (g *Gateway) handleVersions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		versions, err := g.store.ListVersions(r.Context())
		if err != nil {
			g.storeError(w, err)
			return
		}
		response := make([]VersionResponse, 0, len(versions))
		for _, v := range versions {
			response = append(response, versionResponse(v))
		}
		g.writeJSON(w, http.StatusOK, response)

	case http.MethodPost:
		g.handlePublishVersion(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	var req PublishVersionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Version == "" {
		g.sendJSONError(w, http.StatusBadRequest, "version is required")
		return
	}

	tasks, err := g.orchestrator.PublishVersion(r.Context(), &store.AgentVersion{
		Version:     req.Version,
		Description: req.Description,
		PackageURL:  req.PackageURL,
		Checksum:    req.Checksum,
	})
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, PublishVersionResponse{
		Version:        req.Version,
		TasksScheduled: len(tasks),
	})
}

func versionResponse(v *store.AgentVersion) VersionResponse {
	return VersionResponse{
		Version:     v.Version,
		Description: v.Description,
		PackageURL:  v.PackageURL,
		Checksum:    v.Checksum,
		IsLatest:    v.IsLatest,
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (g *Gateway) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	v, err := g.store.GetLatestVersion(r.Context())
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, versionResponse(v))
}

// handleListUpgrades handles GET /api/upgrades requests.
// Supports an optional ?status= query parameter to filter by task status.
func (g *Gateway) handleListUpgrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		// No unfiltered listing in the store; default to the actionable set.
		status = string(store.TaskPending)
	}
	tasks, err := g.store.ListUpgradeTasksByStatus(r.Context(), store.TaskStatus(status))
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, taskResponses(tasks))
}
