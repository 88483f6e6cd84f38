package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/cluster"
)

const (
	deliverAttempts = 10
	deliverBackoff  = 100 * time.Millisecond
	maxMessageBytes = 256 << 20
)

// HTTPTransport carries envelopes between processes as CBOR over HTTP POST.
//
// The transport is created as soon as a rank knows its job and rank, so
// that its Handler can buffer messages from faster peers. Outgoing traffic
// needs the peer addresses, which arrive later through SetRoster.
type HTTPTransport struct {
	job    string
	rank   int
	size   int
	box    *Mailbox
	logger zerolog.Logger

	mu     sync.RWMutex
	roster cluster.Roster
}

// NewHTTPTransport creates the transport of rank in a group of size ranks
func NewHTTPTransport(job string, rank, size int, logger zerolog.Logger) (*HTTPTransport, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrRankOutOfRange, rank, size)
	}
	return &HTTPTransport{
		job:    job,
		rank:   rank,
		size:   size,
		box:    NewMailbox(),
		logger: logger.With().Str("component", "transport").Logger(),
	}, nil
}

// SetRoster installs the peer addresses
func (t *HTTPTransport) SetRoster(r cluster.Roster) error {
	if !r.Complete() {
		return fmt.Errorf("roster of job %s is incomplete", r.Job)
	}
	if r.Job != t.job || r.Size != t.size {
		return fmt.Errorf("roster for job %s/%d does not match transport job %s/%d", r.Job, r.Size, t.job, t.size)
	}
	t.mu.Lock()
	t.roster = r
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) Rank() int { return t.rank }

func (t *HTTPTransport) Size() int { return t.size }

func (t *HTTPTransport) Mailbox() *Mailbox { return t.box }

func (t *HTTPTransport) Close() error {
	t.box.Close()
	return nil
}

// Deliver posts env to rank dst, retrying while the peer is unreachable or
// answers 503. Any other error status fails at once. Retried duplicates are
// dropped by the receiving mailbox.
func (t *HTTPTransport) Deliver(ctx context.Context, dst int, env Envelope) error {
	t.mu.RLock()
	addr := t.roster.Addr(dst)
	t.mu.RUnlock()
	if addr == "" {
		return fmt.Errorf("deliver to rank %d: no roster entry", dst)
	}

	env.Job = t.job
	var err error
	for attempt := 1; attempt <= deliverAttempts; attempt++ {
		if err = cluster.PostCBOR(ctx, addr+cluster.MessagePath, env); err == nil {
			return nil
		}
		var status *cluster.StatusError
		if errors.As(err, &status) && !status.Temporary() {
			return fmt.Errorf("deliver to rank %d: %w", dst, err)
		}
		t.logger.Debug().Err(err).Int("dst", dst).Int("tag", env.Tag).Int("attempt", attempt).Msg("deliver failed")
		select {
		case <-ctx.Done():
			return fmt.Errorf("deliver to rank %d: %w", dst, ctx.Err())
		case <-time.After(deliverBackoff):
		}
	}
	return fmt.Errorf("deliver to rank %d after %d attempts: %w", dst, deliverAttempts, err)
}

// Handler accepts envelopes posted by peers
func (t *HTTPTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}

		var env Envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			http.Error(w, "decode envelope: "+err.Error(), http.StatusBadRequest)
			return
		}
		if env.Job != t.job {
			t.logger.Warn().Str("job", env.Job).Int("src", env.Src).Msg("rejecting message from another job")
			http.Error(w, "unknown job", http.StatusConflict)
			return
		}
		if env.Src < 0 || env.Src >= t.size {
			http.Error(w, "source rank out of range", http.StatusBadRequest)
			return
		}
		if err := t.box.Put(env); err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
