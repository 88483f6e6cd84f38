package comm

import (
	"context"
	"sync"
)

// Envelope is a single point-to-point message
type Envelope struct {
	Job     string `cbor:"1,keyasint,omitempty"`
	Src     int    `cbor:"2,keyasint"`
	Tag     int    `cbor:"3,keyasint"`
	Seq     uint64 `cbor:"4,keyasint"`
	Payload []byte `cbor:"5,keyasint"`
}

type channelKey struct {
	peer int
	tag  int
}

// channel tracks one (source, tag) stream
type channel struct {
	next    uint64                 // Next sequence number handed to a receive
	pending map[uint64][]byte      // Arrived, no receive posted yet
	waiting map[uint64]chan []byte // Receive posted, not arrived yet
}

// Mailbox buffers incoming messages of one rank and matches them against
// posted receives
type Mailbox struct {
	mu     sync.Mutex
	chans  map[channelKey]*channel
	closed chan struct{}
	once   sync.Once
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{
		chans:  make(map[channelKey]*channel),
		closed: make(chan struct{}),
	}
}

func (m *Mailbox) channel(k channelKey) *channel {
	c, ok := m.chans[k]
	if !ok {
		c = &channel{
			pending: make(map[uint64][]byte),
			waiting: make(map[uint64]chan []byte),
		}
		m.chans[k] = c
	}
	return c
}

// Put hands an arrived message to its receive, or parks it.
// A message whose sequence number was already consumed is a duplicate
// from a retried delivery and is dropped.
func (m *Mailbox) Put(env Envelope) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.channel(channelKey{peer: env.Src, tag: env.Tag})
	if w, ok := c.waiting[env.Seq]; ok {
		delete(c.waiting, env.Seq)
		w <- env.Payload
		return nil
	}
	if env.Seq < c.next {
		return nil
	}
	if _, dup := c.pending[env.Seq]; !dup {
		c.pending[env.Seq] = env.Payload
	}
	return nil
}

// Pending returns the number of parked messages
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.chans {
		n += len(c.pending)
	}
	return n
}

// Close fails every outstanding and future receive with ErrClosed
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.closed) })
}

// ticket is a reserved slot in a (source, tag) stream
type ticket struct {
	ch     chan []byte
	closed <-chan struct{}
}

func (m *Mailbox) reserve(src, tag int) *ticket {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.channel(channelKey{peer: src, tag: tag})
	seq := c.next
	c.next++

	t := &ticket{ch: make(chan []byte, 1), closed: m.closed}
	if p, ok := c.pending[seq]; ok {
		delete(c.pending, seq)
		t.ch <- p
	} else {
		c.waiting[seq] = t.ch
	}
	return t
}

func (t *ticket) wait(ctx context.Context) ([]byte, error) {
	select {
	case p := <-t.ch:
		return p, nil
	default:
	}
	select {
	case p := <-t.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}
