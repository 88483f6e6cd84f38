package storage

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrStorageExhausted is returned when the handle space of the arena is used up
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrInvalidSlot is returned when a handle does not address a live slot
	ErrInvalidSlot = errors.New("invalid slot")
)

// LocalIndex is the dense, process-local handle of a slot
type LocalIndex uint32

// NoIndex terminates the free list and is never handed out
const NoIndex LocalIndex = math.MaxUint32

// minGrow is the smallest number of slots added by automatic growth
const minGrow = 16

// Flag classifies a slot
type Flag uint8

const (
	// FlagDeleted marks a free slot that sits on the free list
	FlagDeleted Flag = iota
	// FlagOwned marks the authoritative copy of an element
	FlagOwned
	// FlagGhost marks a mirror of an element owned by another process
	FlagGhost
)

func (f Flag) String() string {
	switch f {
	case FlagOwned:
		return "owned"
	case FlagGhost:
		return "ghost"
	default:
		return "deleted"
	}
}

// slotMeta holds the global ID of a live slot, or the next free
// slot while the slot is on the free list
type slotMeta struct {
	word uint64
	flag Flag
}

// StoreStats contains statistics about the arena
type StoreStats struct {
	Slots int // Allocated capacity in slots
	Live  int // Slots holding an element
	Free  int // Slots on the free list
	Bytes int // Payload bytes reserved
}

// Arena is a growable container of fixed-size payload slots
type Arena struct {
	data     []byte     // Payload, elemSize bytes per slot
	meta     []slotMeta // One entry per slot
	elemSize int        // Bytes per slot
	live     int        // Number of live slots
	limit    int        // Maximum number of slots
	nextFree LocalIndex // Head of the free list
}

// ArenaOption configures an Arena at construction
type ArenaOption func(*Arena)

// WithSlotLimit lowers the maximum number of slots the arena may hold
func WithSlotLimit(n int) ArenaOption {
	return func(a *Arena) {
		if n > 0 && n < a.limit {
			a.limit = n
		}
	}
}

// NewArena creates an empty arena for elements of elemSize bytes
func NewArena(elemSize int, opts ...ArenaOption) (*Arena, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("element size must be positive, got %d", elemSize)
	}
	a := &Arena{
		elemSize: elemSize,
		limit:    int(NoIndex),
		nextFree: NoIndex,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ElemSize returns the payload size of one slot in bytes
func (a *Arena) ElemSize() int {
	return a.elemSize
}

// Cap returns the number of slots currently backed by memory
func (a *Arena) Cap() int {
	return len(a.meta)
}

// Len returns the number of live slots
func (a *Arena) Len() int {
	return a.live
}

// Reserve makes sure the arena holds at least capacity slots
// Existing handles stay valid; byte views do not
func (a *Arena) Reserve(capacity int) error {
	if capacity <= len(a.meta) {
		return nil
	}
	if capacity > a.limit {
		return fmt.Errorf("%w: reserve %d exceeds limit %d", ErrStorageExhausted, capacity, a.limit)
	}
	a.grow(capacity - len(a.meta))
	return nil
}

// Allocate pops the head of the free list, growing the arena when the list
// is empty, and tags the slot with flag and word. The payload is zeroed.
func (a *Arena) Allocate(flag Flag, word uint64) (LocalIndex, error) {
	if flag == FlagDeleted {
		return NoIndex, fmt.Errorf("allocate: cannot tag a live slot as %s", flag)
	}
	if a.nextFree == NoIndex {
		if len(a.meta) >= a.limit {
			return NoIndex, ErrStorageExhausted
		}
		a.grow(0)
	}

	idx := a.nextFree
	a.nextFree = LocalIndex(a.meta[idx].word)
	a.meta[idx] = slotMeta{word: word, flag: flag}
	clear(a.Slot(idx))
	a.live++
	return idx, nil
}

// Release returns a live slot to the free list and marks it deleted
func (a *Arena) Release(idx LocalIndex) error {
	if !a.IsLive(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, idx)
	}
	a.meta[idx] = slotMeta{word: uint64(a.nextFree), flag: FlagDeleted}
	a.nextFree = idx
	a.live--
	return nil
}

// IsLive reports whether idx addresses an allocated slot
func (a *Arena) IsLive(idx LocalIndex) bool {
	return int(idx) < len(a.meta) && a.meta[idx].flag != FlagDeleted
}

// Meta returns the tag of a slot
// ok is false when idx does not address a live slot
func (a *Arena) Meta(idx LocalIndex) (word uint64, flag Flag, ok bool) {
	if !a.IsLive(idx) {
		return 0, FlagDeleted, false
	}
	m := a.meta[idx]
	return m.word, m.flag, true
}

// Slot returns the payload bytes of slot idx
// The view is invalidated by the next growth of the arena
func (a *Arena) Slot(idx LocalIndex) []byte {
	off := int(idx) * a.elemSize
	return a.data[off : off+a.elemSize : off+a.elemSize]
}

// Bytes returns the whole payload region, Cap()*ElemSize() bytes
func (a *Arena) Bytes() []byte {
	return a.data
}

// ForEach calls fn for every live slot in ascending handle order
// Iteration stops when fn returns false
func (a *Arena) ForEach(fn func(idx LocalIndex, flag Flag, word uint64) bool) {
	for i, m := range a.meta {
		if m.flag == FlagDeleted {
			continue
		}
		if !fn(LocalIndex(i), m.flag, m.word) {
			return
		}
	}
}

// Stats returns arena statistics
func (a *Arena) Stats() StoreStats {
	return StoreStats{
		Slots: len(a.meta),
		Live:  a.live,
		Free:  len(a.meta) - a.live,
		Bytes: len(a.data),
	}
}

// grow adds growBy slots, or doubles the arena when growBy is zero, and
// links the new slots behind the last free slot
func (a *Arena) grow(growBy int) {
	oldSize := len(a.meta)
	if growBy == 0 {
		growBy = max(oldSize, minGrow)
	}
	newSize := min(oldSize+growBy, a.limit)

	a.data = append(a.data, make([]byte, (newSize-oldSize)*a.elemSize)...)
	a.meta = append(a.meta, make([]slotMeta, newSize-oldSize)...)

	for i := oldSize; i < newSize-1; i++ {
		a.meta[i] = slotMeta{word: uint64(i + 1), flag: FlagDeleted}
	}
	a.meta[newSize-1] = slotMeta{word: uint64(NoIndex), flag: FlagDeleted}

	// Walk to the tail so the old free slots are reused first
	if a.nextFree == NoIndex {
		a.nextFree = LocalIndex(oldSize)
		return
	}
	tail := a.nextFree
	for LocalIndex(a.meta[tail].word) != NoIndex {
		tail = LocalIndex(a.meta[tail].word)
	}
	a.meta[tail].word = uint64(oldSize)
}
