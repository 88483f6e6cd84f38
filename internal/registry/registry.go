package registry

import (
	"cmp"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/halo/internal/storage"
)

var (
	// ErrDuplicateElement is returned when a global ID is registered twice
	ErrDuplicateElement = errors.New("duplicate element")

	// ErrElementNotFound is returned when a global ID or local index is absent
	ErrElementNotFound = errors.New("element not found")
)

// GlobalID is the process-independent stable ID assigned by the mesh
type GlobalID uint64

// Entry pairs a global ID with its local slot
type Entry struct {
	Global GlobalID
	Local  storage.LocalIndex
}

// Registry indexes the elements held in an arena
type Registry struct {
	arena      *storage.Arena
	owned      map[GlobalID]storage.LocalIndex // nil when unindexed
	ghost      map[GlobalID]storage.LocalIndex // nil when unindexed
	ownedCount int
	ghostCount int
	indexed    bool
}

// New creates a registry over arena
// With indexed set, hash maps are maintained for O(1) lookups
func New(arena *storage.Arena, indexed bool) *Registry {
	r := &Registry{arena: arena}
	if indexed {
		r.CreateIndex()
	}
	return r
}

// Arena returns the element store backing the registry
func (r *Registry) Arena() *storage.Arena {
	return r.arena
}

// AddOwned allocates a slot for an owned element
func (r *Registry) AddOwned(g GlobalID) (storage.LocalIndex, error) {
	return r.add(g, storage.FlagOwned)
}

// AddGhost allocates a slot for a ghost element
func (r *Registry) AddGhost(g GlobalID) (storage.LocalIndex, error) {
	return r.add(g, storage.FlagGhost)
}

func (r *Registry) add(g GlobalID, flag storage.Flag) (storage.LocalIndex, error) {
	if idx, ok := r.Lookup(g); ok {
		return storage.NoIndex, fmt.Errorf("%w: global id %d already held at local %d", ErrDuplicateElement, g, idx)
	}

	idx, err := r.arena.Allocate(flag, uint64(g))
	if err != nil {
		return storage.NoIndex, fmt.Errorf("add %s element %d: %w", flag, g, err)
	}

	if flag == storage.FlagGhost {
		r.ghostCount++
		if r.indexed {
			r.ghost[g] = idx
		}
	} else {
		r.ownedCount++
		if r.indexed {
			r.owned[g] = idx
		}
	}
	return idx, nil
}

// Remove releases the slot at idx and forgets its global ID
func (r *Registry) Remove(idx storage.LocalIndex) error {
	word, flag, ok := r.arena.Meta(idx)
	if !ok {
		return fmt.Errorf("%w: local index %d", ErrElementNotFound, idx)
	}
	if err := r.arena.Release(idx); err != nil {
		return err
	}

	g := GlobalID(word)
	if flag == storage.FlagGhost {
		r.ghostCount--
		if r.indexed {
			delete(r.ghost, g)
		}
	} else {
		r.ownedCount--
		if r.indexed {
			delete(r.owned, g)
		}
	}
	return nil
}

// LocalToGlobal returns the global ID held at idx
func (r *Registry) LocalToGlobal(idx storage.LocalIndex) (GlobalID, error) {
	word, _, ok := r.arena.Meta(idx)
	if !ok {
		return 0, fmt.Errorf("%w: local index %d", ErrElementNotFound, idx)
	}
	return GlobalID(word), nil
}

// GlobalToLocal returns the slot of g, checking owned then ghost elements
func (r *Registry) GlobalToLocal(g GlobalID) (storage.LocalIndex, error) {
	if idx, ok := r.Lookup(g); ok {
		return idx, nil
	}
	return storage.NoIndex, fmt.Errorf("%w: global id %d", ErrElementNotFound, g)
}

// Lookup is GlobalToLocal for callers that expect misses
func (r *Registry) Lookup(g GlobalID) (storage.LocalIndex, bool) {
	if idx, ok := r.FindOwned(g); ok {
		return idx, true
	}
	return r.FindGhost(g)
}

// FindOwned returns the slot of g if g is owned here
func (r *Registry) FindOwned(g GlobalID) (storage.LocalIndex, bool) {
	if r.indexed {
		idx, ok := r.owned[g]
		return idx, ok
	}
	return r.scan(g, storage.FlagOwned)
}

// FindGhost returns the slot of g if g is a ghost here
func (r *Registry) FindGhost(g GlobalID) (storage.LocalIndex, bool) {
	if r.indexed {
		idx, ok := r.ghost[g]
		return idx, ok
	}
	return r.scan(g, storage.FlagGhost)
}

func (r *Registry) scan(g GlobalID, want storage.Flag) (storage.LocalIndex, bool) {
	found := storage.NoIndex
	r.arena.ForEach(func(idx storage.LocalIndex, flag storage.Flag, word uint64) bool {
		if flag == want && GlobalID(word) == g {
			found = idx
			return false
		}
		return true
	})
	return found, found != storage.NoIndex
}

// IsGhost reports whether idx holds a ghost element
func (r *Registry) IsGhost(idx storage.LocalIndex) bool {
	_, flag, ok := r.arena.Meta(idx)
	return ok && flag == storage.FlagGhost
}

// IsOwned reports whether idx holds an owned element
func (r *Registry) IsOwned(idx storage.LocalIndex) bool {
	_, flag, ok := r.arena.Meta(idx)
	return ok && flag == storage.FlagOwned
}

// OwnedCount returns the number of owned elements
func (r *Registry) OwnedCount() int {
	return r.ownedCount
}

// GhostCount returns the number of ghost elements
func (r *Registry) GhostCount() int {
	return r.ghostCount
}

// Indexed reports whether lookup maps are maintained
func (r *Registry) Indexed() bool {
	return r.indexed
}

// CreateIndex materializes the lookup maps from slot metadata
func (r *Registry) CreateIndex() {
	r.owned = make(map[GlobalID]storage.LocalIndex, r.ownedCount)
	r.ghost = make(map[GlobalID]storage.LocalIndex, r.ghostCount)
	r.arena.ForEach(func(idx storage.LocalIndex, flag storage.Flag, word uint64) bool {
		if flag == storage.FlagGhost {
			r.ghost[GlobalID(word)] = idx
		} else {
			r.owned[GlobalID(word)] = idx
		}
		return true
	})
	r.indexed = true
}

// DestroyIndex frees the lookup maps
func (r *Registry) DestroyIndex() {
	r.owned = nil
	r.ghost = nil
	r.indexed = false
}

// Owned returns the owned elements in ascending local index order
func (r *Registry) Owned() []Entry {
	return r.collect(storage.FlagOwned, r.ownedCount)
}

// Ghosts returns the ghost elements in ascending global ID order
func (r *Registry) Ghosts() []Entry {
	out := r.collect(storage.FlagGhost, r.ghostCount)
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Global, b.Global) })
	return out
}

func (r *Registry) collect(want storage.Flag, n int) []Entry {
	out := make([]Entry, 0, n)
	r.arena.ForEach(func(idx storage.LocalIndex, flag storage.Flag, word uint64) bool {
		if flag == want {
			out = append(out, Entry{Global: GlobalID(word), Local: idx})
		}
		return true
	})
	return out
}
