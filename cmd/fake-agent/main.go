// ABOUTME: Minimal fake agent for E2E testing — connects via websocket, sends heartbeats and metrics.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-id fake-agent-1] [-version 1.0.0]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/coder/websocket"

	"github.com/opsforge/fleet-gateway/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway HTTP address")
	agentID := flag.String("id", "fake-agent-1", "Agent ID")
	hostname := flag.String("hostname", "fake-host", "Reported hostname")
	version := flag.String("version", "1.0.0", "Reported agent version")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	metrics := flag.Duration("metrics", 10*time.Second, "Metrics interval")
	flag.Parse()

	if err := run(*addr, *agentID, *hostname, *version, *heartbeat, *metrics); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, hostname, version string, heartbeatEvery, metricsEvery time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	wsURL := fmt.Sprintf("ws://%s/ws/agents/%s?hostname=%s&version=%s",
		addr, url.PathEscape(agentID), url.QueryEscape(hostname), url.QueryEscape(version))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	fmt.Fprintf(os.Stderr, "connected as %s to %s\n", agentID, addr)

	// Respond to upgrade and config commands from the server.
	go commandLoop(ctx, conn)

	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()
	metricsTicker := time.NewTicker(metricsEvery)
	defer metricsTicker.Stop()

	if err := send(ctx, conn, wire.Heartbeat{Timestamp: time.Now().UTC()}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			if err := send(ctx, conn, wire.Heartbeat{Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
		case <-metricsTicker.C:
			if err := send(ctx, conn, fakeMetrics()); err != nil {
				return err
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w", msg.MessageType(), err)
	}
	log.Printf("sent %s", msg.MessageType())
	return nil
}

// commandLoop reads server commands and acknowledges upgrades after a short
// simulated install delay.
func commandLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Printf("read error: %v", err)
			}
			return
		}
		log.Printf("received command: %s", data)

		// Crude inspection; the fake agent only reacts to upgrades.
		var cmd struct {
			Type    string `json:"type"`
			TaskID  string `json:"task_id"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("skipping command: %v", err)
			continue
		}
		if cmd.Type != "upgrade" {
			continue
		}

		time.Sleep(500 * time.Millisecond)
		result := wire.UpgradeResult{TaskID: cmd.TaskID, Status: "success"}
		if err := send(ctx, conn, result); err != nil {
			log.Printf("reporting upgrade result: %v", err)
			return
		}
		log.Printf("upgraded to %s", cmd.Version)
	}
}

func fakeMetrics() wire.Metrics {
	return wire.Metrics{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    10 + rand.Float64()*60,
		MemoryPercent: 30 + rand.Float64()*40,
		DiskUsage:     50 + rand.Float64()*10,
		NetworkIn:     int64(rand.Intn(1 << 20)),
		NetworkOut:    int64(rand.Intn(1 << 19)),
	}
}
