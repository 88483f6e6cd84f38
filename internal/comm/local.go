package comm

import "context"

// localGroup is a set of in-process ranks sharing mailboxes
type localGroup struct {
	boxes []*Mailbox
}

// LocalTransport connects one rank of an in-process group
type LocalTransport struct {
	rank  int
	group *localGroup
}

// NewLocalGroup creates n communicators wired to each other in memory.
// comms[i] has rank i; each is meant to be driven by its own goroutine.
func NewLocalGroup(n int) []*Comm {
	g := &localGroup{boxes: make([]*Mailbox, n)}
	for i := range g.boxes {
		g.boxes[i] = NewMailbox()
	}
	comms := make([]*Comm, n)
	for i := range comms {
		comms[i] = New(&LocalTransport{rank: i, group: g})
	}
	return comms
}

func (t *LocalTransport) Rank() int { return t.rank }

func (t *LocalTransport) Size() int { return len(t.group.boxes) }

func (t *LocalTransport) Mailbox() *Mailbox { return t.group.boxes[t.rank] }

func (t *LocalTransport) Deliver(ctx context.Context, dst int, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.group.boxes[dst].Put(env)
}

// Close closes this rank's mailbox; peers are unaffected
func (t *LocalTransport) Close() error {
	t.Mailbox().Close()
	return nil
}
