package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/halo/internal/registry"
	"github.com/dreamware/halo/internal/storage"
)

var (
	// ErrIncompleteGhostResolution is returned on every rank when some ghost
	// could not be matched to an owner
	ErrIncompleteGhostResolution = errors.New("incomplete ghost resolution")

	// ErrAsymmetricPattern is returned by Verify when send and receive lists
	// of a rank pair disagree
	ErrAsymmetricPattern = errors.New("asymmetric communication pattern")
)

// Strategy selects the pattern building algorithm
type Strategy int

const (
	// BroadcastAll lets every rank broadcast its full wanted list
	BroadcastAll Strategy = iota
	// OwnerBroadcast broadcasts (ID, donor) pairs that only the donor answers
	OwnerBroadcast
	// AllToAll sends requests straight to donors
	AllToAll
)

// Strategies lists every strategy in declaration order
var Strategies = []Strategy{BroadcastAll, OwnerBroadcast, AllToAll}

func (s Strategy) String() string {
	switch s {
	case BroadcastAll:
		return "broadcast-all"
	case OwnerBroadcast:
		return "owner-broadcast"
	case AllToAll:
		return "alltoall"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the strategy names and their short historic aliases
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "broadcast-all", "broadcastall", "old":
		return BroadcastAll, nil
	case "owner-broadcast", "ownerbroadcast", "bcast":
		return OwnerBroadcast, nil
	case "alltoall", "all-to-all", "":
		return AllToAll, nil
	default:
		return 0, fmt.Errorf("unknown pattern strategy %q", name)
	}
}

// DonorLookup reports the rank owning a global ID
type DonorLookup func(g registry.GlobalID) (rank int, ok bool)

// ResolutionError reports ghosts that could not be matched to an owner.
// Every rank of the group returns one from the same collective call.
type ResolutionError struct {
	Stage         string              // Collective that failed
	Rank          int                 // Reporting rank
	Missing       []registry.GlobalID // Unresolved ghosts of this rank
	GlobalMissing int                 // Unresolved ghosts across the group
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s: %d unresolved ghost(s) in group, %d on rank %d",
		ErrIncompleteGhostResolution, e.Stage, e.GlobalMissing, len(e.Missing), e.Rank)
	if len(e.Missing) > 0 {
		b.WriteString(" (global ids:")
		for i, g := range e.Missing {
			if i == 8 {
				fmt.Fprintf(&b, " ... +%d", len(e.Missing)-i)
				break
			}
			fmt.Fprintf(&b, " %d", g)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error {
	return ErrIncompleteGhostResolution
}

// Pattern holds the per-peer send and receive lists of one rank
type Pattern struct {
	rank int
	send [][]storage.LocalIndex
	recv [][]storage.LocalIndex
}

// NewPattern creates a pattern from explicit lists, one entry per rank
func NewPattern(rank int, send, recv [][]storage.LocalIndex) *Pattern {
	return &Pattern{rank: rank, send: send, recv: recv}
}

func emptyPattern(rank, size int) *Pattern {
	return NewPattern(rank, make([][]storage.LocalIndex, size), make([][]storage.LocalIndex, size))
}

// Rank returns the rank the pattern was built for
func (p *Pattern) Rank() int { return p.rank }

// Size returns the number of ranks covered
func (p *Pattern) Size() int { return len(p.send) }

// SendList returns the owned slots sent to peer, in wire order
func (p *Pattern) SendList(peer int) []storage.LocalIndex { return p.send[peer] }

// RecvList returns the ghost slots filled from peer, in wire order
func (p *Pattern) RecvList(peer int) []storage.LocalIndex { return p.recv[peer] }

// SendCounts returns the number of elements sent to each rank
func (p *Pattern) SendCounts() []int { return counts(p.send) }

// RecvCounts returns the number of elements received from each rank
func (p *Pattern) RecvCounts() []int { return counts(p.recv) }

// TotalSend returns the number of elements sent per exchange
func (p *Pattern) TotalSend() int { return total(p.send) }

// TotalRecv returns the number of ghost slots filled per exchange
func (p *Pattern) TotalRecv() int { return total(p.recv) }

// Peers returns the ranks this rank exchanges data with, ascending
func (p *Pattern) Peers() []int {
	var peers []int
	for r := range p.send {
		if len(p.send[r]) > 0 || len(p.recv[r]) > 0 {
			peers = append(peers, r)
		}
	}
	return peers
}

// Displs returns the exclusive prefix sum of counts
func Displs(counts []int) []int {
	out := make([]int, len(counts))
	acc := 0
	for i, c := range counts {
		out[i] = acc
		acc += c
	}
	return out
}

func counts(lists [][]storage.LocalIndex) []int {
	out := make([]int, len(lists))
	for i, l := range lists {
		out[i] = len(l)
	}
	return out
}

func total(lists [][]storage.LocalIndex) int {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	return n
}
