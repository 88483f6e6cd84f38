// Package observability builds the logger and the prometheus collectors of
// the halo binaries.
//
// # Logging
//
// NewLogger returns a zerolog logger tagged with the app name and installs
// it as the zerolog global. The console format is for terminals; json is
// for log shippers.
//
// RequestLogger is gin middleware that logs each request at debug, at warn
// for 4xx responses and at error for 5xx responses.
//
// # Metrics
//
// All collectors live under the halo_ namespace and are registered with the
// prometheus.Registerer passed to NewMetrics, normally a per-process
// registry served on /metrics:
//
//	halo_sync_total{rank}
//	halo_sync_bytes_total{rank,direction}
//	halo_sync_duration_seconds{rank}
//	halo_pattern_builds_total{rank,strategy}
//	halo_pattern_build_duration_seconds{rank,strategy}
//	halo_pattern_peers{rank}
//	halo_http_requests_total{service,method,path,status}
//	halo_http_request_duration_seconds{service,method,path,status}
//
// ForRank returns a RankObserver that satisfies the shard package's
// Observer, so each array reports its pattern builds and exchanges.
// RequestMetrics is the gin middleware feeding the http collectors. It
// labels requests by route pattern to keep label cardinality bounded.
package observability
