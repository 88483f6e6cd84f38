package shard

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/storage"
)

// Dump writes one line per live slot: local index, global ID and a ghost
// marker, followed by the element counts
func (s *Shard[T]) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Content dump for rank %d\n", s.Rank())
	s.arena.ForEach(func(idx storage.LocalIndex, flag storage.Flag, word uint64) bool {
		fmt.Fprintf(bw, "%d %d", idx, word)
		if flag == storage.FlagGhost {
			bw.WriteString(" [ghost]")
		}
		bw.WriteByte('\n')
		return true
	})
	fmt.Fprintf(bw, "Size = %d [ghosts = %d, owned = %d]\n", s.arena.Len(), s.reg.GhostCount(), s.reg.OwnedCount())
	return bw.Flush()
}

// WriteCommGraph writes the communication pattern of the whole group as a
// Graphviz digraph. This is a collective operation; only rank 0 writes to w.
func (s *Shard[T]) WriteCommGraph(ctx context.Context, w io.Writer) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}
	p, err := s.current()
	if err != nil {
		return err
	}
	return pattern.WriteGraph(ctx, s.comm, p, s.reg.OwnedCount(), s.reg.GhostCount(), w)
}
