// Package config handles configuration loading for egg.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and defaults; a missing file is
// not an error for LoadOrDefault.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from EGG_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/egg/config.yaml
//  3. ~/.config/egg/config.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	registry:
//	  path: "${EGG_RUN_DIR}/registry.db"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Topology:
//
//	mode: "cluster"        # cluster, single
//	start_mode: "process"  # process, thread
//	workers: 4             # application workers, default NumCPU
//
// Master HTTP endpoint (health and metrics):
//
//	server:
//	  http_addr: "127.0.0.1:7002"
//
// Agent worker:
//
//	agent:
//	  response_timeout: "5s"  # AppWorkerClient invoke timeout
//	  restart_delay: "1s"     # delay before a crashed worker is forked again
//
// Cluster client:
//
//	cluster_client:
//	  port: 0                 # 0 probes a free port at startup
//	  heartbeat_interval: "20s"
//	  response_timeout: "60s"
//
// Example clients:
//
//	registry:
//	  path: "/var/lib/egg/registry.db"
//	watcher:
//	  paths: ["./config"]
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.LoadOrDefault(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
