// Package config handles configuration loading for coven-senses.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, layered over Default. Load validates the
// result before returning it.
//
// # Configuration File
//
// Resolution order:
//
//  1. The --config flag
//  2. Path from COVEN_SENSES_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven-senses/config.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
//	brain:
//	  ollama_url: "${OLLAMA_URL}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax. Omitted durations keep
// their defaults:
//
//	connect:
//	  max_attempts: 3
//	  retry_delay: "2s"
//	  handshake_timeout: "5s"
//
// # Agents and Start Order
//
// The agents list is the default peer table every node resolves against.
// platform.start_order lists the agents this process runs, in the order they
// start and stop. When omitted every listed agent runs in table order.
//
//	agents:
//	  - id: brain
//	    role: brain
//	    host: localhost
//	    port: 8010
//	platform:
//	  start_order: [brain]
package config
