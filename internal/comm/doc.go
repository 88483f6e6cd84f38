// Package comm provides the process group abstraction used by halo: ranked
// point-to-point messaging with tag matching, plus the handful of collective
// operations the communication pattern builders and the sync engine need.
//
// # Message Matching
//
// Every message carries its source rank, a tag and a per-(source, tag)
// sequence number assigned by the sender. A receive reserves the next
// sequence number for its (source, tag) channel at the moment it is posted,
// so receives posted in order complete in order even when the transport
// delivers out of order:
//
//	sender rank 0                           receiver rank 1
//	┌──────────────────────┐                ┌─────────────────────────────┐
//	│ Isend(1, tag=101) s0 │──┐             │ Irecv(0, 101) -> reserve s0 │
//	│ Isend(1, tag=101) s1 │──┼─ network ─► │ Irecv(0, 101) -> reserve s1 │
//	└──────────────────────┘  │  (any order)│ mailbox: s1 parked, s0 fills│
//	                          └────────────►│ first receive               │
//	                                        └─────────────────────────────┘
//
// Messages that arrive before their receive is posted are parked in the
// mailbox. Sends never wait for a matching receive, so the send-all then
// receive-all shape used by every collective here cannot deadlock.
//
// # Collectives
//
// Collectives are SPMD: every rank of the group must call the same
// collectives in the same order with compatible arguments. A rank that
// skips one leaves its peers blocked until their context is cancelled.
//
//	Barrier                 all ranks reach the same point
//	Bcast                   root's payload to every rank
//	Gather                  every payload on root, nil elsewhere
//	Allgather               every payload on every rank
//	AllToAll, AllToAllInts  one part per destination
//	AllToAllV               byte buffers with per-rank counts and offsets
//	Allreduce               OpSum, OpMin or OpMax of one int64
//	ExScan                  exclusive prefix sum of one int64
//
// Collectives use tags reserved for them. Sequence numbers keep the traffic
// of consecutive collectives apart even when a fast rank runs ahead.
//
// # Failure Handling
//
// A peer that sends a different amount than the receiver expects surfaces
// as ErrCountMismatch. A failed send is reported by the collective that
// issued it; AllToAllV joins it with a local count mismatch. Operations on a
// closed communicator fail with ErrClosed, and a cancelled context releases
// every pending receive.
//
// # Transports
//
// LocalGroup connects n in-process ranks through shared mailboxes and is
// what tests and the halosim command use. HTTPTransport carries CBOR
// encoded envelopes between processes; see internal/cluster for the
// bootstrap that assigns ranks.
package comm
