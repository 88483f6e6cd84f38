// Package coordinator implements the bootstrap service of a halo process
// group: it hands out ranks to worker nodes, publishes the completed
// roster and watches the ranks while the job runs.
//
// # Overview
//
// The coordinator is not on the data path. Halo exchanges travel directly
// between nodes; the coordinator only answers the question every SPMD
// program asks at startup: "who am I, how many of us are there, and where
// do the others live?"
//
//	┌──────────────────────────────────┐
//	│           COORDINATOR            │
//	│                                  │
//	│  ┌────────────────────────────┐  │
//	│  │ RankRegistry               │  │
//	│  │  - node ID → rank          │  │
//	│  │  - job ID (UUID)           │  │
//	│  │  - roster once complete    │  │
//	│  └────────────────────────────┘  │
//	│  ┌────────────────────────────┐  │
//	│  │ HealthMonitor              │  │
//	│  │  - polls /health per rank  │  │
//	│  │  - reports failed ranks    │  │
//	│  └────────────────────────────┘  │
//	└──────────────────────────────────┘
//
// # Rank Assignment
//
// Ranks are assigned 0..N-1 in registration order. Registration is
// idempotent per node ID, so a node that lost the response may retry and
// keeps its rank. Once N distinct nodes have registered the group is
// closed; further newcomers receive ErrGroupFull.
//
// # Failure Handling
//
// A halo exchange is a collective: if one rank dies, the others block in
// their next exchange until their context expires. The health monitor
// therefore only detects and reports. Ranks are marked unhealthy after
// three consecutive failed checks and the unhealthy callback runs once per
// transition.
//
// # Thread Safety
//
// RankRegistry and HealthMonitor guard their state with a sync.RWMutex and
// return copies from every accessor.
package coordinator
