// ABOUTME: Agent-facing JSON message envelope and its decoded message types.
// ABOUTME: A closed tagged union replaces stringly-typed dispatch on the "type" field.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageType indicates an envelope whose type is not part of the protocol.
var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType identifies one kind of envelope on the agent connection.
type MessageType string

const (
	TypeHeartbeat     MessageType = "heartbeat"
	TypeMetrics       MessageType = "metrics"
	TypeUpgradeResult MessageType = "upgrade_result"
	TypeUpgrade       MessageType = "upgrade"
	TypeConfig        MessageType = "config"
)

// Message is an inbound agent-to-server message. The set of implementations
// is closed: Heartbeat, Metrics, and UpgradeResult.
type Message interface {
	MessageType() MessageType
}

// Command is an outbound server-to-agent message. The set of implementations
// is closed: Upgrade and ConfigUpdate.
type Command interface {
	CommandType() MessageType
}

// Heartbeat is a liveness signal with no payload beyond its timestamp.
type Heartbeat struct {
	Timestamp time.Time
}

func (Heartbeat) MessageType() MessageType { return TypeHeartbeat }

// Metrics carries one telemetry sample.
type Metrics struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskUsage     float64
	NetworkIn     int64
	NetworkOut    int64
}

func (Metrics) MessageType() MessageType { return TypeMetrics }

// UpgradeResult reports the outcome of an upgrade command.
type UpgradeResult struct {
	TaskID string
	Status string // "success" or "failed"
	Error  string
}

func (UpgradeResult) MessageType() MessageType { return TypeUpgradeResult }

// Upgrade instructs the agent to install a new software version.
type Upgrade struct {
	TaskID     string
	Version    string
	PackageURL string
	Checksum   string
}

func (Upgrade) CommandType() MessageType { return TypeUpgrade }

// ConfigUpdate pushes a replacement config map to the agent.
type ConfigUpdate struct {
	Config map[string]string
}

func (ConfigUpdate) CommandType() MessageType { return TypeConfig }

// envelope is the raw wire shape. All type-specific fields are optional;
// Decode picks the relevant ones based on the type tag.
type envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      *metricsPayload `json:"data,omitempty"`

	// upgrade_result fields
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// upgrade command fields
	Version    string `json:"version,omitempty"`
	PackageURL string `json:"package_url,omitempty"`
	Checksum   string `json:"checksum,omitempty"`

	// config command field
	Config map[string]string `json:"config,omitempty"`
}

// metricsPayload mirrors the agent collector's sample shape.
type metricsPayload struct {
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	DiskUsage     float64        `json:"disk_usage"`
	Network       networkPayload `json:"network"`
}

type networkPayload struct {
	BytesRecv int64 `json:"bytes_recv"`
	BytesSent int64 `json:"bytes_sent"`
}

// Decode parses one inbound envelope into its Message.
// Returns ErrUnknownMessageType for types outside the inbound set; the caller
// is expected to log and skip those rather than tear down the connection.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	switch env.Type {
	case TypeHeartbeat:
		ts, err := parseTimestamp(env.Timestamp)
		if err != nil {
			return nil, err
		}
		return Heartbeat{Timestamp: ts}, nil

	case TypeMetrics:
		if env.Data == nil {
			return nil, fmt.Errorf("metrics envelope missing data payload")
		}
		ts, err := parseTimestamp(env.Timestamp)
		if err != nil {
			return nil, err
		}
		return Metrics{
			Timestamp:     ts,
			CPUPercent:    env.Data.CPUPercent,
			MemoryPercent: env.Data.MemoryPercent,
			DiskUsage:     env.Data.DiskUsage,
			NetworkIn:     env.Data.Network.BytesRecv,
			NetworkOut:    env.Data.Network.BytesSent,
		}, nil

	case TypeUpgradeResult:
		if env.TaskID == "" {
			return nil, fmt.Errorf("upgrade_result envelope missing task_id")
		}
		return UpgradeResult{
			TaskID: env.TaskID,
			Status: env.Status,
			Error:  env.Error,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// parseTimestamp parses an RFC 3339 timestamp, defaulting to now when absent.
// Agents without a synchronized clock may omit the field.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return ts.UTC(), nil
}

// Encode serializes one outbound Command into its envelope.
func Encode(cmd Command) ([]byte, error) {
	var env envelope

	switch c := cmd.(type) {
	case Upgrade:
		env = envelope{
			Type:       TypeUpgrade,
			TaskID:     c.TaskID,
			Version:    c.Version,
			PackageURL: c.PackageURL,
			Checksum:   c.Checksum,
		}
	case ConfigUpdate:
		env = envelope{
			Type:   TypeConfig,
			Config: c.Config,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, cmd)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// EncodeMessage serializes one inbound Message. Used by agent implementations
// and tests; the server itself only decodes inbound traffic.
func EncodeMessage(msg Message) ([]byte, error) {
	var env envelope

	switch m := msg.(type) {
	case Heartbeat:
		env = envelope{
			Type:      TypeHeartbeat,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	case Metrics:
		env = envelope{
			Type:      TypeMetrics,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
			Data: &metricsPayload{
				CPUPercent:    m.CPUPercent,
				MemoryPercent: m.MemoryPercent,
				DiskUsage:     m.DiskUsage,
				Network: networkPayload{
					BytesRecv: m.NetworkIn,
					BytesSent: m.NetworkOut,
				},
			},
		}
	case UpgradeResult:
		env = envelope{
			Type:   TypeUpgradeResult,
			TaskID: m.TaskID,
			Status: m.Status,
			Error:  m.Error,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	return data, nil
}
