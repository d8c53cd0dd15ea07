// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Fields absent from the file keep working defaults, so an empty file is a
// valid configuration.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${FLEET_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  sweep_interval: "30s"
//	  offline_threshold: "5m"
//	  dispatch_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:8080"  # REST API and agent websockets
//
// Database:
//
//	database:
//	  path: "/var/lib/fleet-gateway/fleet.db"
//
// Agent timing:
//
//	agents:
//	  sweep_interval: "30s"      # how often liveness is checked
//	  offline_threshold: "5m"    # silence before an agent goes offline
//	  dispatch_interval: "30s"   # how often pending upgrades are retried
//
// Telemetry retention and query bounds:
//
//	metrics:
//	  raw_retention_days: 7
//	  aggregate_retention_days: 30
//	  max_raw_query_span: "168h"
//	  max_hourly_query_span: "720h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/fleet-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
