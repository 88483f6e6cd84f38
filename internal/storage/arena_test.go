package storage

import (
	"bytes"
	"errors"
	"testing"
)

// TestArena tests slot allocation, release and reuse
func TestArena(t *testing.T) {
	t.Run("rejects non-positive element size", func(t *testing.T) {
		if _, err := NewArena(0); err == nil {
			t.Fatal("Expected error for zero element size")
		}
	})

	t.Run("new arena is empty", func(t *testing.T) {
		a, err := NewArena(8)
		if err != nil {
			t.Fatalf("Failed to create arena: %v", err)
		}
		if a.Len() != 0 || a.Cap() != 0 {
			t.Errorf("Expected empty arena, got len=%d cap=%d", a.Len(), a.Cap())
		}
		if a.IsLive(0) {
			t.Error("Slot 0 should not be live in an empty arena")
		}
	})

	t.Run("allocate hands out dense handles", func(t *testing.T) {
		a, _ := NewArena(8)
		for want := LocalIndex(0); want < 40; want++ {
			got, err := a.Allocate(FlagOwned, uint64(want)*10)
			if err != nil {
				t.Fatalf("Failed to allocate: %v", err)
			}
			if got != want {
				t.Fatalf("Expected handle %d, got %d", want, got)
			}
		}
		if a.Len() != 40 {
			t.Errorf("Expected 40 live slots, got %d", a.Len())
		}
		word, flag, ok := a.Meta(7)
		if !ok || word != 70 || flag != FlagOwned {
			t.Errorf("Unexpected meta for slot 7: word=%d flag=%s ok=%v", word, flag, ok)
		}
	})

	t.Run("growth keeps payload of live slots", func(t *testing.T) {
		a, _ := NewArena(4)
		idx, _ := a.Allocate(FlagOwned, 1)
		copy(a.Slot(idx), []byte{1, 2, 3, 4})

		for i := 0; i < 100; i++ {
			if _, err := a.Allocate(FlagGhost, uint64(i+2)); err != nil {
				t.Fatalf("Failed to allocate: %v", err)
			}
		}
		if !bytes.Equal(a.Slot(idx), []byte{1, 2, 3, 4}) {
			t.Errorf("Payload lost across growth: %v", a.Slot(idx))
		}
		if a.Cap() < 101 {
			t.Errorf("Expected capacity >= 101, got %d", a.Cap())
		}
	})

	t.Run("released slot is reused and zeroed", func(t *testing.T) {
		a, _ := NewArena(2)
		for i := 0; i < 4; i++ {
			_, _ = a.Allocate(FlagOwned, uint64(i))
		}
		copy(a.Slot(2), []byte{9, 9})
		if err := a.Release(2); err != nil {
			t.Fatalf("Failed to release: %v", err)
		}
		if a.IsLive(2) {
			t.Error("Released slot should not be live")
		}
		if _, _, ok := a.Meta(2); ok {
			t.Error("Meta of released slot should not be ok")
		}

		idx, _ := a.Allocate(FlagGhost, 99)
		if idx != 2 {
			t.Errorf("Expected released slot 2 to be reused, got %d", idx)
		}
		if !bytes.Equal(a.Slot(idx), []byte{0, 0}) {
			t.Errorf("Expected zeroed payload, got %v", a.Slot(idx))
		}
	})

	t.Run("double release fails", func(t *testing.T) {
		a, _ := NewArena(2)
		idx, _ := a.Allocate(FlagOwned, 1)
		_ = a.Release(idx)
		if err := a.Release(idx); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("Expected ErrInvalidSlot, got %v", err)
		}
	})

	t.Run("cannot allocate a deleted slot", func(t *testing.T) {
		a, _ := NewArena(2)
		if _, err := a.Allocate(FlagDeleted, 0); err == nil {
			t.Error("Expected error when tagging a slot as deleted")
		}
	})
}

// TestArenaReserve tests explicit capacity growth
func TestArenaReserve(t *testing.T) {
	t.Run("reserve grows to exact capacity", func(t *testing.T) {
		a, _ := NewArena(8)
		if err := a.Reserve(10); err != nil {
			t.Fatalf("Failed to reserve: %v", err)
		}
		if a.Cap() != 10 {
			t.Errorf("Expected capacity 10, got %d", a.Cap())
		}
		if len(a.Bytes()) != 80 {
			t.Errorf("Expected 80 payload bytes, got %d", len(a.Bytes()))
		}
	})

	t.Run("reserve keeps free list order", func(t *testing.T) {
		a, _ := NewArena(1)
		_ = a.Reserve(2)
		first, _ := a.Allocate(FlagOwned, 0)
		_ = a.Reserve(5)
		for want := first + 1; want < 5; want++ {
			got, _ := a.Allocate(FlagOwned, uint64(want))
			if got != want {
				t.Fatalf("Expected handle %d, got %d", want, got)
			}
		}
	})

	t.Run("smaller reserve is a no-op", func(t *testing.T) {
		a, _ := NewArena(1)
		_ = a.Reserve(8)
		_ = a.Reserve(4)
		if a.Cap() != 8 {
			t.Errorf("Expected capacity to stay 8, got %d", a.Cap())
		}
	})
}

// TestArenaExhaustion tests the bounded handle space
func TestArenaExhaustion(t *testing.T) {
	a, _ := NewArena(1, WithSlotLimit(3))
	for i := 0; i < 3; i++ {
		if _, err := a.Allocate(FlagOwned, uint64(i)); err != nil {
			t.Fatalf("Failed to allocate slot %d: %v", i, err)
		}
	}

	if _, err := a.Allocate(FlagOwned, 3); !errors.Is(err, ErrStorageExhausted) {
		t.Errorf("Expected ErrStorageExhausted, got %v", err)
	}
	if err := a.Reserve(4); !errors.Is(err, ErrStorageExhausted) {
		t.Errorf("Expected ErrStorageExhausted from reserve, got %v", err)
	}

	// A released slot makes room again
	_ = a.Release(1)
	if _, err := a.Allocate(FlagGhost, 4); err != nil {
		t.Errorf("Expected allocation after release to succeed, got %v", err)
	}
}

// TestArenaForEach tests ordered iteration over live slots
func TestArenaForEach(t *testing.T) {
	a, _ := NewArena(1)
	for i := 0; i < 5; i++ {
		_, _ = a.Allocate(FlagOwned, uint64(100+i))
	}
	_ = a.Release(1)
	_ = a.Release(3)

	var seen []LocalIndex
	a.ForEach(func(idx LocalIndex, flag Flag, word uint64) bool {
		seen = append(seen, idx)
		if word != uint64(100+idx) {
			t.Errorf("Slot %d carries word %d", idx, word)
		}
		return true
	})
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 2 || seen[2] != 4 {
		t.Errorf("Unexpected iteration order: %v", seen)
	}

	stats := a.Stats()
	if stats.Live != 3 || stats.Free != stats.Slots-3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
