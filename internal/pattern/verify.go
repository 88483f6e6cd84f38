package pattern

import (
	"context"
	"fmt"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/registry"
)

// Verify checks collectively that every send list matches the receive
// list on the other end, element by element. Send entries must be owned
// slots and receive entries ghost slots. All ranks return the same
// verdict.
func Verify(ctx context.Context, c *comm.Comm, reg *registry.Registry, p *Pattern) error {
	size := c.Size()
	if p.Size() != size {
		return fmt.Errorf("%w: pattern covers %d ranks, group has %d", ErrAsymmetricPattern, p.Size(), size)
	}

	bad := 0
	parts := make([][]byte, size)
	for peer := range parts {
		ids := make([]uint64, 0, len(p.send[peer]))
		for _, idx := range p.send[peer] {
			g, err := reg.LocalToGlobal(idx)
			if err != nil || !reg.IsOwned(idx) {
				bad++
			}
			ids = append(ids, uint64(g))
		}
		parts[peer] = comm.EncodeUint64s(ids)
	}

	got, err := c.AllToAll(ctx, parts)
	if err != nil {
		return fmt.Errorf("verify pattern: %w", err)
	}
	for src, raw := range got {
		ids, err := comm.DecodeUint64s(raw)
		if err != nil || len(ids) != len(p.recv[src]) {
			bad++
			continue
		}
		for i, idx := range p.recv[src] {
			g, err := reg.LocalToGlobal(idx)
			if err != nil || !reg.IsGhost(idx) || uint64(g) != ids[i] {
				bad++
				break
			}
		}
	}

	total, err := c.Allreduce(ctx, int64(bad), comm.OpSum)
	if err != nil {
		return fmt.Errorf("verify pattern: %w", err)
	}
	if total > 0 {
		return fmt.Errorf("%w: %d mismatch(es) in group, %d on rank %d", ErrAsymmetricPattern, total, bad, c.Rank())
	}
	return nil
}
