package shard

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/registry"
	"github.com/dreamware/halo/internal/storage"
)

// IndexMode selects how ghosts learn the continuous ID of their donor
type IndexMode string

const (
	// IndexRing passes every rank's ghost list once around the rank ring
	IndexRing IndexMode = "ring"
	// IndexBroadcast lets each rank in turn broadcast its ghost list and
	// gather the answers
	IndexBroadcast IndexMode = "broadcast"
)

// ParseIndexMode parses "ring" or "broadcast"
func ParseIndexMode(s string) (IndexMode, error) {
	switch m := IndexMode(strings.ToLower(strings.TrimSpace(s))); m {
	case IndexRing, IndexBroadcast:
		return m, nil
	case "":
		return IndexRing, nil
	default:
		return "", fmt.Errorf("unknown continuous index mode %q", s)
	}
}

// unresolvedID marks a slot or ring entry without a continuous ID yet
const unresolvedID = -1

// continuousIndex maps local indices to the dense global numbering
type continuousIndex struct {
	ids   []int64 // Per slot, unresolvedID for dead slots
	first int64   // Continuous ID of the first owned element here
	valid bool
}

func (ci *continuousIndex) free() {
	ci.ids = nil
	ci.valid = false
}

// BuildContinuousIndex numbers all owned elements of the group densely in
// rank order and resolves every ghost to the number of its donor element.
//
// This is a collective operation. Owned elements of a rank receive
// consecutive IDs in ascending local index order, starting at the sum of
// the owned counts of all lower ranks. If a ghost has no owner anywhere,
// every rank returns an error matching pattern.ErrIncompleteGhostResolution.
func (s *Shard[T]) BuildContinuousIndex(ctx context.Context) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}
	s.cindex.free()

	owned := s.reg.Owned()
	first, err := s.comm.ExScan(ctx, int64(len(owned)))
	if err != nil {
		return fmt.Errorf("continuous index: %w", err)
	}

	ids := make([]int64, s.arena.Cap())
	for i := range ids {
		ids[i] = unresolvedID
	}
	for i, e := range owned {
		ids[e.Local] = first + int64(i)
	}
	s.logger.Debug().Int64("first", first).Int("owned", len(owned)).Str("mode", string(s.indexMode)).Msg("building continuous index")

	ghosts := s.reg.Ghosts()
	var resolved []int64
	switch s.indexMode {
	case IndexBroadcast:
		resolved, err = s.resolveBroadcast(ctx, ghosts, ids)
	default:
		resolved, err = s.resolveRing(ctx, ghosts, ids)
	}
	if err != nil {
		return fmt.Errorf("continuous index: %w", err)
	}

	var missing []registry.GlobalID
	for i, e := range ghosts {
		if resolved[i] == unresolvedID {
			missing = append(missing, e.Global)
			continue
		}
		ids[e.Local] = resolved[i]
	}

	total, err := s.comm.Allreduce(ctx, int64(len(missing)), comm.OpSum)
	if err != nil {
		return fmt.Errorf("continuous index: %w", err)
	}
	if total > 0 {
		return &pattern.ResolutionError{
			Stage:         "continuous index (" + string(s.indexMode) + ")",
			Rank:          s.Rank(),
			Missing:       missing,
			GlobalMissing: int(total),
		}
	}

	s.cindex = continuousIndex{ids: ids, first: first, valid: true}
	return nil
}

// resolveRing sends (global ID, continuous ID) pairs once around the ring.
// Every rank fills in the entries it owns as the list passes through, so
// after Size hops each list is back home with every ownable entry set.
func (s *Shard[T]) resolveRing(ctx context.Context, ghosts []registry.Entry, ids []int64) ([]int64, error) {
	size, me := s.Size(), s.Rank()
	next, prev := (me+1)%size, (me+size-1)%size

	buf := make([]int64, 0, 2*len(ghosts))
	for _, e := range ghosts {
		buf = append(buf, int64(e.Global), unresolvedID)
	}

	for hop := 0; hop < size; hop++ {
		got, err := s.comm.Sendrecv(ctx, next, comm.EncodeInt64s(buf), prev, comm.TagIndex)
		if err != nil {
			return nil, fmt.Errorf("ring hop %d: %w", hop, err)
		}
		if buf, err = comm.DecodeInt64s(got); err != nil || len(buf)%2 != 0 {
			return nil, fmt.Errorf("%w: ring hop %d from rank %d", comm.ErrCountMismatch, hop, prev)
		}
		for i := 0; i < len(buf); i += 2 {
			if buf[i+1] != unresolvedID {
				continue
			}
			if idx, ok := s.reg.FindOwned(registry.GlobalID(buf[i])); ok {
				buf[i+1] = ids[idx]
			}
		}
	}

	if len(buf) != 2*len(ghosts) {
		return nil, fmt.Errorf("%w: ring returned %d entries for %d ghosts", comm.ErrCountMismatch, len(buf)/2, len(ghosts))
	}
	out := make([]int64, len(ghosts))
	for i := range out {
		out[i] = buf[2*i+1]
	}
	return out, nil
}

// resolveBroadcast lets every rank in turn broadcast its ghost IDs; all
// ranks answer with the continuous IDs they own and the root keeps the
// first answer per entry.
func (s *Shard[T]) resolveBroadcast(ctx context.Context, ghosts []registry.Entry, ids []int64) ([]int64, error) {
	wanted := make([]uint64, len(ghosts))
	for i, e := range ghosts {
		wanted[i] = uint64(e.Global)
	}

	var out []int64
	for root := 0; root < s.Size(); root++ {
		var payload []byte
		if root == s.Rank() {
			payload = comm.EncodeUint64s(wanted)
		}
		raw, err := s.comm.Bcast(ctx, root, payload)
		if err != nil {
			return nil, err
		}
		asked, err := comm.DecodeUint64s(raw)
		if err != nil {
			return nil, err
		}

		answer := make([]int64, len(asked))
		for i, g := range asked {
			answer[i] = unresolvedID
			if idx, ok := s.reg.FindOwned(registry.GlobalID(g)); ok {
				answer[i] = ids[idx]
			}
		}

		parts, err := s.comm.Gather(ctx, root, comm.EncodeInt64s(answer))
		if err != nil {
			return nil, err
		}
		if root != s.Rank() {
			continue
		}

		out = make([]int64, len(ghosts))
		for i := range out {
			out[i] = unresolvedID
		}
		for src, part := range parts {
			vals, err := comm.DecodeInt64s(part)
			if err != nil || len(vals) != len(ghosts) {
				return nil, fmt.Errorf("%w: answer of rank %d", comm.ErrCountMismatch, src)
			}
			for i, v := range vals {
				if out[i] == unresolvedID {
					out[i] = v
				}
			}
		}
	}
	return out, nil
}

// HasContinuousIndex reports whether the continuous index is current
func (s *Shard[T]) HasContinuousIndex() bool {
	return s.cindex.valid
}

// FreeContinuousIndex drops the continuous index
func (s *Shard[T]) FreeContinuousIndex() {
	s.cindex.free()
}

// FirstContinuousID returns the continuous ID of this rank's first owned
// element
func (s *Shard[T]) FirstContinuousID() (int64, error) {
	if !s.cindex.valid {
		return 0, ErrNoContinuousIndex
	}
	return s.cindex.first, nil
}

// LocalToContinuousGlobal returns the continuous ID of the element at idx.
// Ghosts return the continuous ID of their donor element.
func (s *Shard[T]) LocalToContinuousGlobal(idx storage.LocalIndex) (int64, error) {
	if !s.cindex.valid {
		return 0, ErrNoContinuousIndex
	}
	if !s.arena.IsLive(idx) || int(idx) >= len(s.cindex.ids) {
		return 0, fmt.Errorf("%w: local index %d", registry.ErrElementNotFound, idx)
	}
	return s.cindex.ids[idx], nil
}
