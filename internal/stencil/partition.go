package stencil

import (
	"fmt"

	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/registry"
)

// Partition splits Cells cells into Ranks contiguous blocks. The first
// Cells%Ranks blocks hold one extra cell.
type Partition struct {
	Cells int
	Ranks int
}

// NewPartition checks that every rank gets at least one cell
func NewPartition(cells, ranks int) (Partition, error) {
	if ranks < 1 {
		return Partition{}, fmt.Errorf("partition needs at least one rank, got %d", ranks)
	}
	if cells < ranks {
		return Partition{}, fmt.Errorf("partition of %d cells over %d ranks leaves ranks empty", cells, ranks)
	}
	return Partition{Cells: cells, Ranks: ranks}, nil
}

// Block returns the half-open cell range [lo, hi) owned by rank
func (p Partition) Block(rank int) (lo, hi int) {
	per, extra := p.Cells/p.Ranks, p.Cells%p.Ranks
	lo = rank*per + min(rank, extra)
	hi = lo + per
	if rank < extra {
		hi++
	}
	return lo, hi
}

// Owner returns the rank owning cell, or -1 outside the mesh
func (p Partition) Owner(cell int) int {
	if cell < 0 || cell >= p.Cells {
		return -1
	}
	per, extra := p.Cells/p.Ranks, p.Cells%p.Ranks
	// the first extra blocks are one cell wider
	if wide := extra * (per + 1); cell < wide {
		return cell / (per + 1)
	}
	return extra + (cell-extra*(per+1))/per
}

// Donors answers pattern builders that need the owner of a cell
func (p Partition) Donors() pattern.DonorLookup {
	return func(g registry.GlobalID) (int, bool) {
		if g >= registry.GlobalID(p.Cells) {
			return 0, false
		}
		return p.Owner(int(g)), true
	}
}
