// Package config handles configuration loading for offload-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the name ends
// in .toml, with environment variable expansion. Defaults are applied before
// validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from OFFLOAD_CONFIG environment variable
//  2. ./offload.yaml (current directory)
//  3. ~/.config/offload/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	reverse:
//	  jwt_secret: "${OFFLOAD_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  - name: waf
//	    timeout: "150ms"
//	    breaker:
//	      reset_timeout: "10s"
//
// # Configuration Sections
//
// Server and reverse connections:
//
//	server:
//	  http_addr: ":8080"        # health, metrics and admin API
//	  grpc_addr: ":50051"       # ReverseConnect service (optional)
//	reverse:
//	  socket_addr: ":7070"      # framed socket reverse listener (optional)
//	  handshake_timeout: "10s"
//	  jwt_secret: "${OFFLOAD_JWT_SECRET}"
//
// Agents:
//
//	agents:
//	  - name: waf
//	    endpoint: "tcp://10.0.0.5:9000"   # or unix path, grpc://host:port, reverse
//	    timeout: "100ms"
//	    failure_mode: closed              # open | closed
//	    connections: 4
//	    strategy: least_connections       # round_robin | random | weighted_round_robin
//	    max_concurrent: 100
//	    config: { paranoia: 2 }           # sent to the agent in Configure
//
// Routes:
//
//	routes:
//	  - name: api
//	    parallel: false
//	    agents:
//	      - name: waf
//	      - name: auth
//	        failure_mode: open            # overrides the agent's mode on this route
//
// Audit, metrics, logging and Tailscale:
//
//	audit:
//	  path: "/var/lib/offload/audit.db"
//	  retention: "720h"
//	metrics:
//	  path: "/metrics"
//	logging:
//	  level: info                         # debug | info | warn | error
//	  format: text                        # text | json
//	tailscale:
//	  enabled: false
//	  hostname: "offload"
//	  reverse_port: 7070
package config
