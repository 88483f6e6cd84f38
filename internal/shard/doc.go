// Package shard implements the partitioned distributed array of halo: one
// Shard per rank holds the rank's owned elements plus ghost copies of the
// elements it needs from other ranks, and keeps the ghosts current through
// collective halo exchanges.
//
// # Lifecycle
//
//	New ──► AddOwned / AddGhost ──► BuildCommPattern ──► Synchronize ...
//	  (local, no communication)       (collective, once)   (collective, per step)
//	                                          │
//	                                          ▼
//	                                 BuildContinuousIndex
//	                                 (collective, on demand)
//
// Adding or removing elements after BuildCommPattern marks the pattern
// stale; synchronizing fails with ErrNoPattern until the pattern is built
// again. The continuous index is dropped by the same changes.
//
// # Payload
//
// Values are fixed-size records described by a Codec. The store, the
// pattern builders and the exchange only ever move raw bytes of
// Codec.Size() per element; only Get and Set decode and encode.
//
// # Halo Exchange
//
// Synchronize gathers the owned values named by the send lists into one
// contiguous buffer laid out by destination rank, exchanges it with a
// single variable count all-to-all and scatters the result into the ghost
// slots named by the receive lists:
//
//	rank 0 arena                 send buffer            rank 1 ghosts
//	┌───┬───┬───┬───┐           ┌──────┬──────┐        ┌───┬───┐
//	│ a │ b │ c │ g │ ─gather─► │ to 1 │ to 2 │ ─────► │ a │ c │ ─scatter
//	└───┴───┴───┴───┘           └──────┴──────┘        └───┴───┘
//
// BeginSync and EndSync split the same exchange into posting non-blocking
// sends and receives and waiting for them, so local work can overlap the
// transfer. Between the two calls the shard rejects other collectives and
// element changes with ErrSyncInProgress.
//
// # Continuous Index
//
// BuildContinuousIndex numbers owned elements 0..N-1 across the whole group:
// an exclusive prefix sum of the owned counts gives each rank its first ID,
// and owned elements follow in local index order. Ghost IDs are then
// resolved from their owners in one of two modes:
//
//	IndexRing        the ghost list travels once around the ring of ranks
//	IndexBroadcast   every rank broadcasts its owned (global, continuous) pairs
//
// A ghost no rank owns fails the build on every rank with a
// *pattern.ResolutionError.
//
// # Options
//
//	WithIndex(bool)         keep registry lookup maps (default true)
//	WithCapacity(n)         reserve n slots up front
//	WithSlotLimit(n)        bound the arena
//	WithIndexMode(m)        ring (default) or broadcast continuous index
//	WithVerify(bool)        cross-check every pattern after building it
//	WithLogger(l)           zerolog logger for builds and exchanges
//	WithObserver(o)         receives build and exchange timings
//
// # Errors
//
//	ErrNoPattern            no current pattern, build it first
//	ErrSyncInProgress       a BeginSync is outstanding
//	ErrSyncNotStarted       EndSync without BeginSync
//	ErrNoContinuousIndex    BuildContinuousIndex has not run since the last change
//
// # Statistics and Diagnostics
//
// GetStats returns exchange and pattern build counters together with the
// arena statistics; Info summarizes the shard for status endpoints. Dump
// lists every slot and WriteCommGraph renders the pattern of the whole group
// as a Graphviz digraph on rank 0.
//
// # Usage Example
//
//	arr, err := shard.New[float64](c, shard.Float64Codec{})
//	if err != nil {
//		return err
//	}
//	for g := lo; g < hi; g++ {
//		if _, err := arr.AddOwned(registry.GlobalID(g)); err != nil {
//			return err
//		}
//	}
//	if _, err := arr.AddGhost(registry.GlobalID(hi)); err != nil {
//		return err
//	}
//	if err := arr.BuildCommPattern(ctx, pattern.AllToAll, donors); err != nil {
//		return err
//	}
//	for step := 0; step < n; step++ {
//		if err := arr.Synchronize(ctx); err != nil {
//			return err
//		}
//		// update owned values from owned and ghost values
//	}
//
// # Concurrency
//
// A Shard is driven by a single goroutine. It performs no locking of its
// own beyond the atomic statistics counters.
package shard
