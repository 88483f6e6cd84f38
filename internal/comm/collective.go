package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Collective tags, kept clear of the tags handed out to callers
const (
	tagBarrier = 200 + iota
	tagBcast
	tagGather
	tagAllgather
	tagAllToAll
	tagAllToAllV
)

// Op is a reduction operator
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

func (op Op) apply(a, b int64) int64 {
	switch op {
	case OpMax:
		return max(a, b)
	case OpMin:
		return min(a, b)
	default:
		return a + b
	}
}

// Barrier blocks until every rank has entered it
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, tagBarrier, func(int) []byte { return nil })
	return err
}

// Bcast distributes payload from root to every rank
// Only the payload passed on root is used; every rank returns it.
func (c *Comm) Bcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := c.checkRank(root); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return c.Recv(ctx, root, tagBcast)
	}

	reqs := make([]*Request, 0, c.Size()-1)
	for p := 0; p < c.Size(); p++ {
		if p != root {
			reqs = append(reqs, c.Isend(ctx, p, tagBcast, payload))
		}
	}
	if err := WaitAll(reqs...); err != nil {
		return nil, fmt.Errorf("bcast from %d: %w", root, err)
	}
	return payload, nil
}

// Gather collects payload from every rank on root
// root receives one entry per rank in rank order; other ranks receive nil.
func (c *Comm) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	if err := c.checkRank(root); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tagGather, payload)
	}

	out := make([][]byte, c.Size())
	for p := range out {
		if p == root {
			out[p] = bytes.Clone(payload)
			continue
		}
		data, err := c.Recv(ctx, p, tagGather)
		if err != nil {
			return nil, fmt.Errorf("gather from %d: %w", p, err)
		}
		out[p] = data
	}
	return out, nil
}

// Allgather collects payload from every rank on every rank
func (c *Comm) Allgather(ctx context.Context, payload []byte) ([][]byte, error) {
	return c.exchange(ctx, tagAllgather, func(int) []byte { return payload })
}

// AllToAll sends parts[p] to rank p and returns what every rank sent here
func (c *Comm) AllToAll(ctx context.Context, parts [][]byte) ([][]byte, error) {
	if len(parts) != c.Size() {
		return nil, fmt.Errorf("%w: alltoall with %d parts for %d ranks", ErrCountMismatch, len(parts), c.Size())
	}
	return c.exchange(ctx, tagAllToAll, func(p int) []byte { return parts[p] })
}

// AllToAllInts exchanges one integer with every rank
func (c *Comm) AllToAllInts(ctx context.Context, send []int) ([]int, error) {
	if len(send) != c.Size() {
		return nil, fmt.Errorf("%w: alltoall with %d values for %d ranks", ErrCountMismatch, len(send), c.Size())
	}
	parts := make([][]byte, len(send))
	for p, v := range send {
		parts[p] = EncodeInt64s([]int64{int64(v)})
	}
	got, err := c.AllToAll(ctx, parts)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(got))
	for p, b := range got {
		v, err := DecodeInt64s(b)
		if err != nil || len(v) != 1 {
			return nil, fmt.Errorf("%w: alltoall value from rank %d", ErrCountMismatch, p)
		}
		out[p] = int(v[0])
	}
	return out, nil
}

// AllToAllV exchanges variable-sized byte blocks
//
// Rank p receives sendBuf[sendDispls[p] : sendDispls[p]+sendCounts[p]].
// The block from rank p is written to recvBuf at recvDispls[p] and must be
// exactly recvCounts[p] bytes long. Pairs with a zero count exchange no
// message at all, so both sides must agree on which counts are zero.
func (c *Comm) AllToAllV(ctx context.Context,
	sendBuf []byte, sendCounts, sendDispls []int,
	recvBuf []byte, recvCounts, recvDispls []int,
) error {
	size := c.Size()
	if len(sendCounts) != size || len(sendDispls) != size || len(recvCounts) != size || len(recvDispls) != size {
		return fmt.Errorf("%w: alltoallv count and displacement arrays need %d entries", ErrCountMismatch, size)
	}

	me := c.Rank()
	reqs := make([]*Request, 0, size)
	for p := 0; p < size; p++ {
		if p == me || sendCounts[p] == 0 {
			continue
		}
		block := sendBuf[sendDispls[p] : sendDispls[p]+sendCounts[p]]
		reqs = append(reqs, c.Isend(ctx, p, tagAllToAllV, block))
	}

	if sendCounts[me] != recvCounts[me] {
		mismatch := fmt.Errorf("%w: rank %d sends %d bytes to itself, expects %d", ErrCountMismatch, me, sendCounts[me], recvCounts[me])
		return errors.Join(mismatch, WaitAll(reqs...))
	}
	copy(recvBuf[recvDispls[me]:recvDispls[me]+recvCounts[me]], sendBuf[sendDispls[me]:sendDispls[me]+sendCounts[me]])

	var recvErr error
	for p := 0; p < size; p++ {
		if p == me || recvCounts[p] == 0 {
			continue
		}
		data, err := c.Recv(ctx, p, tagAllToAllV)
		if err != nil {
			recvErr = fmt.Errorf("alltoallv from %d: %w", p, err)
			break
		}
		if len(data) != recvCounts[p] {
			recvErr = fmt.Errorf("%w: rank %d sent %d bytes, expected %d", ErrCountMismatch, p, len(data), recvCounts[p])
			break
		}
		copy(recvBuf[recvDispls[p]:], data)
	}

	if err := WaitAll(reqs...); err != nil && recvErr == nil {
		return fmt.Errorf("alltoallv: %w", err)
	}
	return recvErr
}

// Allreduce combines v across all ranks with op
func (c *Comm) Allreduce(ctx context.Context, v int64, op Op) (int64, error) {
	vals, err := c.allgatherInt(ctx, v)
	if err != nil {
		return 0, err
	}
	acc := vals[0]
	for _, x := range vals[1:] {
		acc = op.apply(acc, x)
	}
	return acc, nil
}

// ExScan returns the sum of v over all ranks lower than the caller
// Rank 0 receives 0.
func (c *Comm) ExScan(ctx context.Context, v int64) (int64, error) {
	vals, err := c.allgatherInt(ctx, v)
	if err != nil {
		return 0, err
	}
	var acc int64
	for _, x := range vals[:c.Rank()] {
		acc += x
	}
	return acc, nil
}

func (c *Comm) allgatherInt(ctx context.Context, v int64) ([]int64, error) {
	parts, err := c.Allgather(ctx, EncodeInt64s([]int64{v}))
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(parts))
	for p, b := range parts {
		x, err := DecodeInt64s(b)
		if err != nil || len(x) != 1 {
			return nil, fmt.Errorf("%w: reduction value from rank %d", ErrCountMismatch, p)
		}
		out[p] = x[0]
	}
	return out, nil
}

// exchange sends part(p) to every other rank and receives one message from
// each of them. The caller's own part is returned in place.
func (c *Comm) exchange(ctx context.Context, tag int, part func(p int) []byte) ([][]byte, error) {
	size, me := c.Size(), c.Rank()
	reqs := make([]*Request, 0, size)
	for p := 0; p < size; p++ {
		if p != me {
			reqs = append(reqs, c.Isend(ctx, p, tag, part(p)))
		}
	}

	out := make([][]byte, size)
	out[me] = bytes.Clone(part(me))
	var recvErr error
	for p := 0; p < size; p++ {
		if p == me {
			continue
		}
		data, err := c.Recv(ctx, p, tag)
		if err != nil {
			recvErr = fmt.Errorf("receive from %d: %w", p, err)
			break
		}
		out[p] = data
	}

	if err := WaitAll(reqs...); err != nil && recvErr == nil {
		return nil, err
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return out, nil
}
