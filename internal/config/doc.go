// Package config loads the settings of the halo binaries from a TOML file
// and HALO_* environment variables.
//
// # Precedence
//
// Values are layered, later sources winning:
//
//	Default()  <  TOML file (Load)  <  HALO_* variables (ApplyEnv)  <  command-line flags
//
// Command-line flags are applied by the binaries after ApplyEnv. Keys left
// out of the file keep their defaults. Unknown keys are an error.
//
// # File Format
//
//	[array]
//	strategy = "alltoall"          # broadcast-all, owner-broadcast or alltoall
//	continuous_index = "ring"      # ring or broadcast
//	initial_capacity = 0
//	indexed = true
//	verify_pattern = false
//
//	[log]
//	level = "info"                 # trace, debug, info, warn, error or disabled
//	format = "console"             # console or json
//
//	[cluster]
//	coordinator = "http://127.0.0.1:8080"
//	listen = ":8081"
//	public = ""
//	job = ""
//	ranks = 2
//	health_interval = "5s"
//
//	[mesh]
//	cells = 64
//	iterations = 100
//	width = 1.0
//	alpha = 0.25
//
// # Validation
//
// Validate checks every section and joins all problems into one error.
// ParseLevel maps level names to zerolog levels for the observability
// package.
package config
