// Package cluster defines the wire types and HTTP helpers shared by the
// halo coordinator and its rank processes.
//
// # Overview
//
// A halo job is a fixed-size process group. Every process is started with
// the coordinator URL and the expected group size. It registers itself,
// receives a rank, and waits for the roster to become complete. From that
// point on the coordinator is out of the data path: ranks talk to each
// other directly over HTTP.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Ranks      │
//	              │ - Roster     │
//	              │ - Health Mon │
//	              └──────┬───────┘
//	                     │ register / roster
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Rank 0   │◄─►  Rank 1   │◄─►  Rank 2   │
//	│ owned+gh. │  │ owned+gh. │  │ owned+gh. │
//	└───────────┘  └───────────┘  └───────────┘
//	       point-to-point CBOR messages
//
// # Protocol
//
// Registration (POST /register):
//   - JSON body RegisterRequest
//   - Response RegisterResponse with the assigned rank
//   - Registering the same node ID twice returns the same rank
//
// Roster (GET /roster):
//   - 503 until every rank has registered
//   - Then the complete Roster, including the job ID
//
// Messages (POST /comm/message on every rank):
//   - CBOR encoded envelope, see internal/comm
//
// # Failure Handling
//
// HTTP requests time out after 5s. A non-2xx answer comes back as a
// *StatusError carrying the status code. Only 503 is Temporary:
//
//	503           peer not ready yet (roster incomplete, node starting)
//	400, 409      bad envelope, message from another job
//	410           mailbox closed, the peer is shutting down
//
// Callers retry temporary failures and transport errors and give up on the
// rest. Node registration polls the roster until it is complete; the comm
// transport retries a message a bounded number of times.
package cluster
