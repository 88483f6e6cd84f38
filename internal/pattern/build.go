package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/registry"
)

// unclaimed and ambiguous mark ghost positions in the BroadcastAll answer
// that no rank, or more than one rank, offered to donate
const (
	unclaimed = -1
	ambiguous = -2
)

// builder carries the state of one collective build on one rank
type builder struct {
	c       *comm.Comm
	reg     *registry.Registry
	donors  DonorLookup
	logger  zerolog.Logger
	p       *Pattern
	missing []registry.GlobalID

	// requests[d] are the ghosts asked from donor d, in wire order
	requests [][]registry.Entry
}

// Build runs strategy collectively and returns this rank's pattern.
// Every rank of c must call Build with the same strategy. donors may be
// nil for BroadcastAll, which discovers owners by itself.
func Build(ctx context.Context, c *comm.Comm, reg *registry.Registry, strategy Strategy, donors DonorLookup, logger zerolog.Logger) (*Pattern, error) {
	b := &builder{
		c:      c,
		reg:    reg,
		donors: donors,
		logger: logger,
		p:      emptyPattern(c.Rank(), c.Size()),
	}

	start := time.Now()
	logger.Debug().Str("strategy", strategy.String()).Int("ghosts", reg.GhostCount()).Msg("building comm pattern")

	var err error
	switch strategy {
	case BroadcastAll:
		err = b.broadcastAll(ctx)
	case OwnerBroadcast:
		err = b.ownerBroadcast(ctx)
	case AllToAll:
		err = b.allToAll(ctx)
	default:
		return nil, fmt.Errorf("build pattern: unknown %s", strategy)
	}
	if err != nil {
		return nil, fmt.Errorf("build pattern (%s): %w", strategy, err)
	}
	if err := b.complete(ctx, "build pattern ("+strategy.String()+")"); err != nil {
		return nil, err
	}

	logger.Info().
		Str("strategy", strategy.String()).
		Ints("peers", b.p.Peers()).
		Int("send", b.p.TotalSend()).
		Int("recv", b.p.TotalRecv()).
		Dur("took", time.Since(start)).
		Msg("comm pattern built")
	return b.p, nil
}

// broadcastAll: each root broadcasts its wanted IDs, owners record
// themselves as donors, and a final exchange tells every root which
// positions each owner serves.
func (b *builder) broadcastAll(ctx context.Context) error {
	me, size := b.c.Rank(), b.c.Size()
	ghosts := b.reg.Ghosts()
	wanted := make([]uint64, len(ghosts))
	for i, e := range ghosts {
		wanted[i] = uint64(e.Global)
	}

	donated := make([][]uint64, size)
	for root := 0; root < size; root++ {
		var payload []byte
		if root == me {
			payload = comm.EncodeUint64s(wanted)
		}
		got, err := b.c.Bcast(ctx, root, payload)
		if err != nil {
			return err
		}
		if root == me {
			continue
		}
		ids, err := comm.DecodeUint64s(got)
		if err != nil {
			return fmt.Errorf("wanted ids from %d: %w", root, err)
		}
		for pos, g := range ids {
			if idx, ok := b.reg.FindOwned(registry.GlobalID(g)); ok {
				b.p.send[root] = append(b.p.send[root], idx)
				donated[root] = append(donated[root], uint64(pos))
			}
		}
	}

	parts := make([][]byte, size)
	for r := range parts {
		parts[r] = comm.EncodeUint64s(donated[r])
	}
	replies, err := b.c.AllToAll(ctx, parts)
	if err != nil {
		return err
	}

	donor := make([]int, len(ghosts))
	for i := range donor {
		donor[i] = unclaimed
	}
	for src, raw := range replies {
		positions, err := comm.DecodeUint64s(raw)
		if err != nil {
			return fmt.Errorf("donated positions from %d: %w", src, err)
		}
		for _, pos := range positions {
			if pos >= uint64(len(ghosts)) {
				return fmt.Errorf("%w: rank %d donates position %d of %d", comm.ErrCountMismatch, src, pos, len(ghosts))
			}
			if donor[pos] == unclaimed {
				donor[pos] = src
			} else {
				donor[pos] = ambiguous
			}
		}
	}

	for pos, e := range ghosts {
		switch d := donor[pos]; d {
		case unclaimed, ambiguous:
			b.logger.Debug().Uint64("global", uint64(e.Global)).Bool("ambiguous", d == ambiguous).Msg("ghost has no unique owner")
			b.missing = append(b.missing, e.Global)
		default:
			b.p.recv[d] = append(b.p.recv[d], e.Local)
		}
	}
	return nil
}

// ownerBroadcast: each root broadcasts its (ID, donor) pairs; only the
// named donor resolves them.
func (b *builder) ownerBroadcast(ctx context.Context) error {
	me, size := b.c.Rank(), b.c.Size()
	b.groupByDonor()
	unresolved := make([][]uint64, size)

	// A single rank has nobody to ask
	if size > 1 {
		var pairs []uint64
		for d, reqs := range b.requests {
			for _, e := range reqs {
				pairs = append(pairs, uint64(e.Global), uint64(d))
			}
		}

		for root := 0; root < size; root++ {
			var payload []byte
			if root == me {
				payload = comm.EncodeUint64s(pairs)
			}
			got, err := b.c.Bcast(ctx, root, payload)
			if err != nil {
				return err
			}
			if root == me {
				continue
			}
			words, err := comm.DecodeUint64s(got)
			if err != nil || len(words)%2 != 0 {
				return fmt.Errorf("%w: malformed request pairs from %d", comm.ErrCountMismatch, root)
			}
			for i := 0; i < len(words); i += 2 {
				if int(words[i+1]) != me {
					continue
				}
				b.serve(root, registry.GlobalID(words[i]), unresolved)
			}
		}
	}
	return b.confirm(ctx, unresolved)
}

// allToAll: requests travel to their donors in one count round and one
// variable count payload round.
func (b *builder) allToAll(ctx context.Context) error {
	size := b.c.Size()
	b.groupByDonor()
	unresolved := make([][]uint64, size)

	if size > 1 {
		want := make([]int, size)
		var sendBuf []byte
		for d, reqs := range b.requests {
			want[d] = len(reqs)
			ids := make([]uint64, len(reqs))
			for i, e := range reqs {
				ids[i] = uint64(e.Global)
			}
			sendBuf = append(sendBuf, comm.EncodeUint64s(ids)...)
		}

		asked, err := b.c.AllToAllInts(ctx, want)
		if err != nil {
			return err
		}

		sendCounts, recvCounts := make([]int, size), make([]int, size)
		for r := 0; r < size; r++ {
			sendCounts[r] = 8 * want[r]
			recvCounts[r] = 8 * asked[r]
		}
		recvDispls := Displs(recvCounts)
		recvBuf := make([]byte, recvDispls[size-1]+recvCounts[size-1])
		if err := b.c.AllToAllV(ctx, sendBuf, sendCounts, Displs(sendCounts), recvBuf, recvCounts, recvDispls); err != nil {
			return err
		}

		for r := 0; r < size; r++ {
			ids, err := comm.DecodeUint64s(recvBuf[recvDispls[r] : recvDispls[r]+recvCounts[r]])
			if err != nil {
				return err
			}
			for _, g := range ids {
				b.serve(r, registry.GlobalID(g), unresolved)
			}
		}
	}
	return b.confirm(ctx, unresolved)
}

// groupByDonor sorts the local ghosts into per-donor request lists.
// Ghosts sharing a donor keep ascending global ID order.
func (b *builder) groupByDonor() {
	me, size := b.c.Rank(), b.c.Size()
	b.requests = make([][]registry.Entry, size)
	for _, e := range b.reg.Ghosts() {
		d, ok := -1, false
		if b.donors != nil {
			d, ok = b.donors(e.Global)
		}
		if !ok || d < 0 || d >= size || d == me {
			b.logger.Debug().Uint64("global", uint64(e.Global)).Int("donor", d).Msg("ghost has no usable donor")
			b.missing = append(b.missing, e.Global)
			continue
		}
		b.requests[d] = append(b.requests[d], e)
	}
}

// serve records requester as a receiver of g when g is owned here
func (b *builder) serve(requester int, g registry.GlobalID, unresolved [][]uint64) {
	if idx, ok := b.reg.FindOwned(g); ok {
		b.p.send[requester] = append(b.p.send[requester], idx)
		return
	}
	unresolved[requester] = append(unresolved[requester], uint64(g))
}

// confirm returns to every requester the IDs its donor could not serve and
// turns the remaining requests into receive lists
func (b *builder) confirm(ctx context.Context, unresolved [][]uint64) error {
	size := b.c.Size()
	parts := make([][]byte, size)
	for r := range parts {
		parts[r] = comm.EncodeUint64s(unresolved[r])
	}
	replies, err := b.c.AllToAll(ctx, parts)
	if err != nil {
		return err
	}

	for d, raw := range replies {
		ids, err := comm.DecodeUint64s(raw)
		if err != nil {
			return fmt.Errorf("unresolved ids from %d: %w", d, err)
		}
		refused := make(map[registry.GlobalID]bool, len(ids))
		for _, g := range ids {
			refused[registry.GlobalID(g)] = true
		}
		for _, e := range b.requests[d] {
			if refused[e.Global] {
				b.missing = append(b.missing, e.Global)
				continue
			}
			b.p.recv[d] = append(b.p.recv[d], e.Local)
		}
	}
	return nil
}

// complete agrees on the number of unresolved ghosts across the group
func (b *builder) complete(ctx context.Context, stage string) error {
	total, err := b.c.Allreduce(ctx, int64(len(b.missing)), comm.OpSum)
	if err != nil {
		return fmt.Errorf("%s: completeness check: %w", stage, err)
	}
	if total == 0 {
		return nil
	}
	b.logger.Error().Int("missing", len(b.missing)).Int64("group_missing", total).Msg("ghost resolution incomplete")
	return &ResolutionError{
		Stage:         stage,
		Rank:          b.c.Rank(),
		Missing:       b.missing,
		GlobalMissing: int(total),
	}
}
