package registry

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/storage"
)

func newRegistry(t *testing.T, indexed bool) *Registry {
	t.Helper()
	arena, err := storage.NewArena(8)
	require.NoError(t, err)
	return New(arena, indexed)
}

// forBothModes runs fn against an indexed and an unindexed registry
func forBothModes(t *testing.T, fn func(t *testing.T, r *Registry)) {
	for _, tc := range []struct {
		name    string
		indexed bool
	}{
		{"indexed", true},
		{"unindexed", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn(t, newRegistry(t, tc.indexed))
		})
	}
}

// TestRoundTrip verifies that global and local IDs map back onto each other
func TestRoundTrip(t *testing.T) {
	forBothModes(t, func(t *testing.T, r *Registry) {
		rng := rand.New(rand.NewSource(7))
		ids := rng.Perm(200)

		got := make(map[GlobalID]storage.LocalIndex)
		for i, id := range ids {
			g := GlobalID(id * 3)
			var idx storage.LocalIndex
			var err error
			if i%4 == 0 {
				idx, err = r.AddGhost(g)
			} else {
				idx, err = r.AddOwned(g)
			}
			require.NoError(t, err)
			got[g] = idx
		}

		for g, idx := range got {
			local, err := r.GlobalToLocal(g)
			require.NoError(t, err)
			assert.Equal(t, idx, local)

			global, err := r.LocalToGlobal(idx)
			require.NoError(t, err)
			assert.Equal(t, g, global)
		}
		assert.Equal(t, 150, r.OwnedCount())
		assert.Equal(t, 50, r.GhostCount())
	})
}

// TestPartitionInvariant verifies each live slot is exactly one of owned/ghost
func TestPartitionInvariant(t *testing.T) {
	forBothModes(t, func(t *testing.T, r *Registry) {
		for i := 0; i < 64; i++ {
			if i%3 == 0 {
				_, _ = r.AddGhost(GlobalID(i))
			} else {
				_, _ = r.AddOwned(GlobalID(i))
			}
		}
		require.NoError(t, r.Remove(5))

		owned, ghosts := 0, 0
		r.Arena().ForEach(func(idx storage.LocalIndex, _ storage.Flag, _ uint64) bool {
			assert.NotEqual(t, r.IsGhost(idx), r.IsOwned(idx), "slot %d", idx)
			if r.IsGhost(idx) {
				ghosts++
			} else {
				owned++
			}
			return true
		})
		assert.Equal(t, r.OwnedCount(), owned)
		assert.Equal(t, r.GhostCount(), ghosts)
		assert.Len(t, r.Owned(), owned)
		assert.Len(t, r.Ghosts(), ghosts)
	})
}

// TestDuplicateRejection verifies a global ID cannot be registered twice
func TestDuplicateRejection(t *testing.T) {
	forBothModes(t, func(t *testing.T, r *Registry) {
		_, err := r.AddOwned(10)
		require.NoError(t, err)
		_, err = r.AddGhost(20)
		require.NoError(t, err)

		_, err = r.AddOwned(10)
		assert.ErrorIs(t, err, ErrDuplicateElement)
		_, err = r.AddGhost(20)
		assert.ErrorIs(t, err, ErrDuplicateElement)
		_, err = r.AddGhost(10)
		assert.ErrorIs(t, err, ErrDuplicateElement)
		_, err = r.AddOwned(20)
		assert.ErrorIs(t, err, ErrDuplicateElement)

		// Rejected calls leave no trace
		assert.Equal(t, 1, r.OwnedCount())
		assert.Equal(t, 1, r.GhostCount())
		assert.Equal(t, 2, r.Arena().Len())
	})
}

// TestNotFound verifies lookups of absent IDs
func TestNotFound(t *testing.T) {
	forBothModes(t, func(t *testing.T, r *Registry) {
		_, err := r.GlobalToLocal(42)
		assert.ErrorIs(t, err, ErrElementNotFound)

		_, err = r.LocalToGlobal(3)
		assert.ErrorIs(t, err, ErrElementNotFound)

		_, ok := r.Lookup(42)
		assert.False(t, ok)
		assert.False(t, r.IsGhost(0))

		err = r.Remove(0)
		assert.True(t, errors.Is(err, ErrElementNotFound))
	})
}

// TestRemoveAndReuse verifies a removed ID can be registered again
func TestRemoveAndReuse(t *testing.T) {
	forBothModes(t, func(t *testing.T, r *Registry) {
		a, _ := r.AddOwned(1)
		_, _ = r.AddOwned(2)
		require.NoError(t, r.Remove(a))

		_, ok := r.FindOwned(1)
		assert.False(t, ok)

		b, err := r.AddGhost(7)
		require.NoError(t, err)
		assert.Equal(t, a, b, "freed slot should be reused")

		g, err := r.LocalToGlobal(b)
		require.NoError(t, err)
		assert.Equal(t, GlobalID(7), g)
		assert.True(t, r.IsGhost(b))
	})
}

// TestIndexToggle verifies lookups behave identically across index changes
func TestIndexToggle(t *testing.T) {
	r := newRegistry(t, false)
	for i := 0; i < 10; i++ {
		_, _ = r.AddOwned(GlobalID(100 + i))
		_, _ = r.AddGhost(GlobalID(200 + i))
	}

	before := make(map[GlobalID]storage.LocalIndex)
	for i := 0; i < 10; i++ {
		for _, g := range []GlobalID{GlobalID(100 + i), GlobalID(200 + i)} {
			idx, ok := r.Lookup(g)
			require.True(t, ok)
			before[g] = idx
		}
	}

	r.CreateIndex()
	assert.True(t, r.Indexed())
	for g, idx := range before {
		got, ok := r.Lookup(g)
		require.True(t, ok)
		assert.Equal(t, idx, got)
	}

	r.DestroyIndex()
	assert.False(t, r.Indexed())
	_, ok := r.FindGhost(205)
	assert.True(t, ok)
	_, ok = r.FindOwned(205)
	assert.False(t, ok)
}

// TestGhostsOrdering verifies ghosts are listed by ascending global ID
func TestGhostsOrdering(t *testing.T) {
	r := newRegistry(t, true)
	for _, g := range []GlobalID{50, 10, 30, 20} {
		_, _ = r.AddGhost(g)
	}
	ghosts := r.Ghosts()
	require.Len(t, ghosts, 4)
	for i, want := range []GlobalID{10, 20, 30, 50} {
		assert.Equal(t, want, ghosts[i].Global)
	}
}

// TestStorageExhausted verifies arena exhaustion surfaces through the registry
func TestStorageExhausted(t *testing.T) {
	arena, _ := storage.NewArena(4, storage.WithSlotLimit(2))
	r := New(arena, true)
	_, _ = r.AddOwned(1)
	_, _ = r.AddOwned(2)

	_, err := r.AddGhost(3)
	assert.ErrorIs(t, err, storage.ErrStorageExhausted)
	assert.Equal(t, 0, r.GhostCount())
}
