package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRankOutOfRange is returned when a rank is outside [0, Size)
	ErrRankOutOfRange = errors.New("rank out of range")

	// ErrCountMismatch is returned when a peer sends a different amount of
	// data than the receiver expects
	ErrCountMismatch = errors.New("count mismatch")

	// ErrClosed is returned by operations on a closed communicator
	ErrClosed = errors.New("communicator closed")
)

// Tags used by the halo layers above comm. Collectives use their own
// tag range and never collide with these.
const (
	TagPattern = 100
	TagSync    = 101
	TagIndex   = 102
)

// Transport moves envelopes between the ranks of a group
type Transport interface {
	Rank() int
	Size() int
	// Deliver ships env to the mailbox of rank dst
	Deliver(ctx context.Context, dst int, env Envelope) error
	// Mailbox returns the mailbox incoming envelopes land in
	Mailbox() *Mailbox
	Close() error
}

// Comm is a communicator over a fixed group of ranks
//
// Thread Safety: point-to-point calls may be issued from several goroutines.
// Collectives must be called in the same order on every rank, so callers
// usually drive them from a single goroutine per rank.
type Comm struct {
	tr  Transport
	mu  sync.Mutex
	seq map[channelKey]uint64 // Next sequence number per (destination, tag)
}

// New creates a communicator over tr
func New(tr Transport) *Comm {
	return &Comm{
		tr:  tr,
		seq: make(map[channelKey]uint64),
	}
}

// Rank returns the rank of the calling process
func (c *Comm) Rank() int {
	return c.tr.Rank()
}

// Size returns the number of ranks in the group
func (c *Comm) Size() int {
	return c.tr.Size()
}

// Close releases the transport; outstanding receives fail with ErrClosed
func (c *Comm) Close() error {
	return c.tr.Close()
}

func (c *Comm) checkRank(r int) error {
	if r < 0 || r >= c.Size() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrRankOutOfRange, r, c.Size())
	}
	return nil
}

func (c *Comm) nextSeq(dst, tag int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := channelKey{peer: dst, tag: tag}
	s := c.seq[k]
	c.seq[k] = s + 1
	return s
}

// Request is a pending non-blocking operation
type Request struct {
	done chan struct{}
	data []byte
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

func (r *Request) finish(data []byte, err error) {
	r.data, r.err = data, err
	close(r.done)
}

// Wait blocks until the operation completes
// For receives it returns the message payload
func (r *Request) Wait() ([]byte, error) {
	<-r.done
	return r.data, r.err
}

// Done reports whether the operation has completed
func (r *Request) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// WaitAll waits for every request and returns their joined errors
func WaitAll(reqs ...*Request) error {
	var errs []error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if _, err := r.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Isend starts sending payload to dst
// The payload is copied, so the caller may reuse it immediately.
// The sequence number is assigned before Isend returns, which keeps
// sends to the same (dst, tag) ordered.
func (c *Comm) Isend(ctx context.Context, dst, tag int, payload []byte) *Request {
	r := newRequest()
	if err := c.checkRank(dst); err != nil {
		r.finish(nil, err)
		return r
	}

	env := Envelope{
		Src:     c.Rank(),
		Tag:     tag,
		Seq:     c.nextSeq(dst, tag),
		Payload: bytes.Clone(payload),
	}
	if env.Payload == nil {
		env.Payload = []byte{}
	}

	if dst == c.Rank() {
		r.finish(nil, c.tr.Mailbox().Put(env))
		return r
	}
	go func() {
		r.finish(nil, c.tr.Deliver(ctx, dst, env))
	}()
	return r
}

// Irecv posts a receive for the next message from src with tag
func (c *Comm) Irecv(ctx context.Context, src, tag int) *Request {
	r := newRequest()
	if err := c.checkRank(src); err != nil {
		r.finish(nil, err)
		return r
	}
	t := c.tr.Mailbox().reserve(src, tag)
	go func() {
		r.finish(t.wait(ctx))
	}()
	return r
}

// Send sends payload to dst and waits for delivery
func (c *Comm) Send(ctx context.Context, dst, tag int, payload []byte) error {
	_, err := c.Isend(ctx, dst, tag, payload).Wait()
	return err
}

// Recv receives the next message from src with tag
func (c *Comm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := c.checkRank(src); err != nil {
		return nil, err
	}
	return c.tr.Mailbox().reserve(src, tag).wait(ctx)
}

// Sendrecv sends to dst and receives from src in one step
func (c *Comm) Sendrecv(ctx context.Context, dst int, payload []byte, src, tag int) ([]byte, error) {
	s := c.Isend(ctx, dst, tag, payload)
	data, rerr := c.Recv(ctx, src, tag)
	_, serr := s.Wait()
	if err := errors.Join(serr, rerr); err != nil {
		return nil, err
	}
	return data, nil
}
