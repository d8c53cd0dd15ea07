// ABOUTME: Tests for the gateway HTTP surface and agent websocket lifecycle.
// ABOUTME: Covers REST handlers, health probes, and an end-to-end agent scenario.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleet-gateway/internal/config"
	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/wire"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = t.TempDir() + "/fleet.db"
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		gw.registry.CloseAll()
		_ = gw.store.Close()
	})
	return gw, srv
}

func seedAgent(t *testing.T, gw *Gateway, id string, version string) {
	t.Helper()
	now := time.Now().UTC()
	err := gw.store.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		ServerID:      gw.serverID,
		Hostname:      "host-" + id,
		IPAddress:     "10.0.0.1",
		Version:       version,
		Status:        store.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if v != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestGateway_Health(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := getJSON(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Not ready with zero connected agents.
	resp = getJSON(t, srv.URL+"/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_ListAgents(t *testing.T) {
	gw, srv := newTestGateway(t)
	seedAgent(t, gw, "agent-1", "1.0.0")
	seedAgent(t, gw, "agent-2", "1.0.0")

	var agents []AgentResponse
	resp := getJSON(t, srv.URL+"/api/agents", &agents)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, agents, 2)
	assert.Equal(t, "online", agents[0].Status)
	assert.False(t, agents[0].Connected)
}

func TestGateway_ListAgents_StatusFilter(t *testing.T) {
	gw, srv := newTestGateway(t)
	seedAgent(t, gw, "agent-1", "1.0.0")
	seedAgent(t, gw, "agent-2", "1.0.0")
	require.NoError(t, gw.store.UpdateAgentStatus(context.Background(), "agent-2", store.AgentOffline, time.Now().UTC()))

	var agents []AgentResponse
	getJSON(t, srv.URL+"/api/agents?status=offline", &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-2", agents[0].ID)
}

func TestGateway_GetAgent_NotFound(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := getJSON(t, srv.URL+"/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_AgentMetrics_BadRange(t *testing.T) {
	gw, srv := newTestGateway(t)
	seedAgent(t, gw, "agent-1", "1.0.0")

	// start after end
	resp := getJSON(t, srv.URL+"/api/agents/agent-1/metrics?start=2026-08-28T12:00:00Z&end=2026-08-28T10:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// garbage timestamp
	resp = getJSON(t, srv.URL+"/api/agents/agent-1/metrics?start=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// no data in a valid range
	resp = getJSON(t, srv.URL+"/api/agents/agent-1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_PublishVersion(t *testing.T) {
	gw, srv := newTestGateway(t)
	seedAgent(t, gw, "agent-1", "1.0.0")

	body := strings.NewReader(`{"version":"2.0.0","package_url":"https://pkg.example.com/2.0.0.tgz","checksum":"sha256:abc"}`)
	resp, err := http.Post(srv.URL+"/api/versions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var published PublishVersionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&published))
	assert.Equal(t, "2.0.0", published.Version)
	assert.Equal(t, 1, published.TasksScheduled)

	var latest VersionResponse
	getJSON(t, srv.URL+"/api/versions/latest", &latest)
	assert.Equal(t, "2.0.0", latest.Version)
	assert.True(t, latest.IsLatest)

	// Duplicate publish conflicts.
	body = strings.NewReader(`{"version":"2.0.0"}`)
	resp, err = http.Post(srv.URL+"/api/versions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var pending []UpgradeTaskResponse
	getJSON(t, srv.URL+"/api/upgrades?status=pending", &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "agent-1", pending[0].AgentID)
	assert.Equal(t, "2.0.0", pending[0].ToVersion)
}

func TestGateway_AgentSocket_RegistersNewAgent(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1?hostname=web-01&version=1.0.0"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return gw.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	agent, err := gw.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "web-01", agent.Hostname)
	assert.Equal(t, "1.0.0", agent.Version)
	assert.Equal(t, store.AgentOnline, agent.Status)

	// Ready now that one agent is connected.
	resp := getJSON(t, srv.URL+"/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_AgentSocket_RejectsDuplicate(t *testing.T) {
	_, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1"), nil)
	require.NoError(t, err)
	defer first.Close(websocket.StatusNormalClosure, "")

	second, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1"), nil)
	require.NoError(t, err)
	// The duplicate is closed by the server; the next read surfaces it.
	_, _, err = second.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

// sendMessage writes one inbound envelope on the agent connection.
func sendMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestGateway_EndToEnd_TelemetryAndRollup(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1?hostname=web-01&version=1.0.0"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hour := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	sendMessage(t, ctx, conn, wire.Heartbeat{Timestamp: time.Now().UTC()})
	sendMessage(t, ctx, conn, wire.Metrics{
		Timestamp: hour.Add(10 * time.Minute), CPUPercent: 55, MemoryPercent: 40, DiskUsage: 70, NetworkIn: 100, NetworkOut: 50,
	})
	sendMessage(t, ctx, conn, wire.Metrics{
		Timestamp: hour.Add(40 * time.Minute), CPUPercent: 65, MemoryPercent: 50, DiskUsage: 71, NetworkIn: 200, NetworkOut: 70,
	})

	require.Eventually(t, func() bool {
		points, err := gw.store.GetMetricPoints(ctx, "agent-1", hour, hour.Add(time.Hour))
		return err == nil && len(points) == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, gw.engine.AggregateHour(ctx, "agent-1", hour))

	var aggs []HourlyAggregateResponse
	url := fmt.Sprintf("%s/api/agents/agent-1/metrics/hourly?start=%s&end=%s",
		srv.URL,
		hour.Format(time.RFC3339),
		hour.Add(time.Hour).Format(time.RFC3339))
	resp := getJSON(t, url, &aggs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 60.0, aggs[0].CPUAvg, 1e-9)
	assert.Equal(t, 65.0, aggs[0].CPUMax)
	assert.Equal(t, int64(300), aggs[0].NetworkInSum)
	assert.Equal(t, int64(120), aggs[0].NetworkOutSum)
}

func TestGateway_EndToEnd_UpgradeFlow(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1?hostname=web-01&version=1.0.0"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return gw.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	body := strings.NewReader(`{"version":"2.0.0","package_url":"https://pkg.example.com/2.0.0.tgz","checksum":"sha256:abc"}`)
	resp, err := http.Post(srv.URL+"/api/versions", "application/json", body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	dispatched, err := gw.orchestrator.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	// The agent receives the upgrade command on its socket.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var cmd struct {
		Type       string `json:"type"`
		TaskID     string `json:"task_id"`
		Version    string `json:"version"`
		PackageURL string `json:"package_url"`
	}
	require.NoError(t, json.Unmarshal(data, &cmd))
	assert.Equal(t, "upgrade", cmd.Type)
	assert.Equal(t, "2.0.0", cmd.Version)
	require.NotEmpty(t, cmd.TaskID)

	agent, err := gw.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentUpdating, agent.Status)

	sendMessage(t, ctx, conn, wire.UpgradeResult{TaskID: cmd.TaskID, Status: "success"})

	require.Eventually(t, func() bool {
		agent, err := gw.store.GetAgent(ctx, "agent-1")
		return err == nil && agent.Version == "2.0.0" && agent.Status == store.AgentOnline
	}, 3*time.Second, 20*time.Millisecond)

	task, err := gw.store.GetUpgradeTask(ctx, cmd.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSuccess, task.Status)
}

func TestGateway_ConfigPush(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/agents/agent-1"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return gw.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/agents/agent-1/config",
		strings.NewReader(`{"config":{"collect_interval":"10s"}}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp UpdateConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	assert.True(t, pushResp.Pushed)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var cmd struct {
		Type   string            `json:"type"`
		Config map[string]string `json:"config"`
	}
	require.NoError(t, json.Unmarshal(data, &cmd))
	assert.Equal(t, "config", cmd.Type)
	assert.Equal(t, "10s", cmd.Config["collect_interval"])

	agent, err := gw.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "10s", agent.Config["collect_interval"])
}
