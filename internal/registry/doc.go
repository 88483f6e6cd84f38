// Package registry maps the global IDs of a partition's elements to their
// local slots and tells owned elements apart from ghosts.
//
// # Overview
//
// A Registry sits on top of a storage.Arena. The arena's metadata word of
// every live slot holds the element's GlobalID and its flag says whether
// the process owns the element or mirrors it as a ghost. That makes the
// arena the single source of truth: the reverse lookup LocalToGlobal is a
// metadata read, and the forward lookup can always be answered by a scan.
//
// # Indexing
//
// Optionally the registry keeps two hash maps, owned and ghost, from global
// ID to local index:
//
//	indexed:    GlobalToLocal  O(1)   hash map lookup
//	unindexed:  GlobalToLocal  O(n)   linear scan of the arena metadata
//
// Both modes return identical results for every query. CreateIndex rebuilds
// the maps from the arena metadata and DestroyIndex drops them, so a caller
// can trade memory for lookup speed at any time without losing state.
//
// # Core Operations
//
// Mutation:
//   - AddOwned / AddGhost allocate a slot and fail with ErrDuplicateElement
//     when the global ID is already held in either role
//   - Remove releases a slot and forgets its global ID
//
// Lookup:
//   - LocalToGlobal, GlobalToLocal (ErrElementNotFound when absent)
//   - Lookup, FindOwned, FindGhost report presence with a bool
//   - IsOwned, IsGhost classify a local index
//
// Enumeration:
//   - Owned returns owned entries in local index order
//   - Ghosts returns ghost entries sorted by global ID
//
// The ghost ordering is what the communication pattern builder relies on:
// every process walks its ghosts in the same global order, which keeps the
// request lists deterministic.
//
// # Concurrency
//
// Not safe for concurrent use. The shard package serializes access.
package registry
