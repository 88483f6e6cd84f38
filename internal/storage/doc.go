// Package storage provides the element store of a partitioned distributed
// array: a growable arena of fixed-size payload slots addressed by dense,
// process-local integer handles.
//
// # Overview
//
// Every element a process knows about, whether it owns the element or only
// mirrors it as a ghost, lives in exactly one slot of an Arena. The slot is
// identified by a LocalIndex which stays valid from allocation until the slot
// is released, no matter how often the arena grows in between.
//
// The arena knows nothing about global IDs, ranks or communication. It
// stores a payload of ElemSize bytes plus one metadata word and one flag per
// slot. The registry package gives the metadata word its meaning.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          shard.Shard[T]             │
//	│   (Get / Set through a Codec[T])    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        registry.Registry            │
//	│  (global ID ↔ LocalIndex, flags)    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           storage.Arena             │
//	│  (slots, metadata, free list)       │
//	└─────────────────────────────────────┘
//
// # Layout
//
//	data: [ slot 0 | slot 1 | slot 2 | ... | slot cap-1 ]   elemSize bytes each
//	meta: [ word,f | word,f | word,f | ... | word,f     ]
//
//	live slot: word = global ID,      f = FlagOwned | FlagGhost
//	free slot: word = next free slot, f = FlagDeleted
//
// Payload bytes of all slots are one contiguous slice, so a slot is a
// subslice at idx*elemSize. The halo exchange copies straight from and into
// these subslices without decoding the payload.
//
// # Free List
//
// The free list is threaded through the metadata of unused slots, so the
// arena needs no side structure to recycle handles:
//
//	head ──► 5 ──► 6 ──► 7 ──► NoIndex
//
//	Allocate: pop 5, head ──► 6
//	Release(2): push 2, head ──► 2 ──► 6 ──► 7
//
// Release pushes onto the head, so the most recently released handle is
// handed out next. Growth links the new slots behind the tail of the existing
// free list, so older free slots are reused before fresh ones.
//
// # Core Operations
//
// Reserve(capacity):
//   - Grows to exactly capacity slots when the arena is smaller
//   - Never shrinks
//   - Fails with ErrStorageExhausted above the slot limit
//
// Allocate(flag, word):
//   - Pops the free list head and marks it live
//   - Grows geometrically when the free list is empty
//   - Zeroes the payload of the slot
//
// Release(idx):
//   - Marks the slot FlagDeleted and pushes it on the free list
//   - Fails with ErrInvalidSlot for free or out of range handles
//
// Slot, Meta, IsLive, ForEach:
//   - Read access; ForEach visits live slots in ascending handle order
//
// # Growth
//
// Allocate grows the arena geometrically (doubling, minimum 16 slots) when
// the free list is empty. Reserve grows it to an exact capacity up front.
// Payload memory may be reallocated by either call; handles are never
// invalidated, but byte views obtained from Slot or Bytes are.
//
// # Error Handling
//
// Sentinel errors, wrapped with context and matched with errors.Is:
//
//	ErrStorageExhausted   the handle space is used up
//	ErrInvalidSlot        the handle does not address a live slot
//
// The handle space is bounded by the LocalIndex type, with NoIndex reserved
// as the end-of-list marker. WithSlotLimit lowers the bound. Automatic growth
// stops at the bound and the next Allocate fails with ErrStorageExhausted.
//
// # Metrics
//
// Stats reports the slot capacity, the live and free slot counts and the
// payload bytes reserved. The shard package folds these into its own
// statistics.
//
// # Usage Example
//
//	a, err := storage.NewArena(8)
//	if err != nil {
//		return err
//	}
//	idx, err := a.Allocate(storage.FlagOwned, 42)
//	if err != nil {
//		return err
//	}
//	binary.LittleEndian.PutUint64(a.Slot(idx), math.Float64bits(1.5))
//	_ = a.Release(idx)
//
// # Concurrency
//
// An Arena belongs to a single partition and performs no locking. Callers
// that share one between goroutines must serialize access themselves.
//
// # See Also
//
//   - internal/registry for the global ID mapping on top of the arena
//   - internal/shard for the typed array API
package storage
