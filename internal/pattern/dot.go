package pattern

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/dreamware/halo/internal/comm"
)

// GraphNode describes one rank of a pattern graph
type GraphNode struct {
	Rank   int
	Owned  int
	Ghosts int
	Sends  []int // Elements sent to each rank
}

// WriteDOT renders nodes as a Graphviz digraph with one vertex per rank
// and one edge per non-empty send list
func WriteDOT(w io.Writer, nodes []GraphNode) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph parvector {")
	for _, n := range nodes {
		fmt.Fprintf(bw, "  P%d [label=\"CPU%d (%d+%d)\"];\n", n.Rank, n.Rank, n.Owned, n.Ghosts)
		for peer, count := range n.Sends {
			if count > 0 {
				fmt.Fprintf(bw, "  P%d -> P%d [label=\"%d\"];\n", n.Rank, peer, count)
			}
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

// WriteGraph gathers the graph node of every rank on rank 0, which writes
// the DOT graph to w. Other ranks ignore w and may pass nil.
func WriteGraph(ctx context.Context, c *comm.Comm, p *Pattern, owned, ghosts int, w io.Writer) error {
	words := []int64{int64(owned), int64(ghosts)}
	for _, n := range p.SendCounts() {
		words = append(words, int64(n))
	}

	parts, err := c.Gather(ctx, 0, comm.EncodeInt64s(words))
	if err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	if c.Rank() != 0 {
		return nil
	}

	nodes := make([]GraphNode, len(parts))
	for r, raw := range parts {
		vals, err := comm.DecodeInt64s(raw)
		if err != nil || len(vals) < 2 {
			return fmt.Errorf("%w: graph node of rank %d", comm.ErrCountMismatch, r)
		}
		nodes[r] = GraphNode{Rank: r, Owned: int(vals[0]), Ghosts: int(vals[1])}
		for _, v := range vals[2:] {
			nodes[r].Sends = append(nodes[r].Sends, int(v))
		}
	}
	return WriteDOT(w, nodes)
}
