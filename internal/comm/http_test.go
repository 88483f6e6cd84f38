package comm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/cluster"
)

// newHTTPGroup starts one test server per rank and installs the roster
func newHTTPGroup(t *testing.T, size int) ([]*Comm, []*HTTPTransport) {
	t.Helper()
	const job = "job-test"

	transports := make([]*HTTPTransport, size)
	roster := cluster.Roster{Job: job, Size: size}
	for r := 0; r < size; r++ {
		tr, err := NewHTTPTransport(job, r, size, zerolog.Nop())
		require.NoError(t, err)
		transports[r] = tr

		mux := http.NewServeMux()
		mux.Handle(cluster.MessagePath, tr.Handler())
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		roster.Members = append(roster.Members, cluster.RankInfo{Rank: r, ID: fmt.Sprintf("n%d", r), Addr: srv.URL})
	}

	comms := make([]*Comm, size)
	for r, tr := range transports {
		require.NoError(t, tr.SetRoster(roster))
		comms[r] = New(tr)
	}
	return comms, transports
}

// TestHTTPTransportCollectives runs collectives across HTTP servers
func TestHTTPTransportCollectives(t *testing.T) {
	comms, _ := newHTTPGroup(t, 3)

	runRanks(t, comms, func(ctx context.Context, c *Comm) error {
		parts, err := c.Allgather(ctx, []byte{byte(c.Rank() + 1)})
		if err != nil {
			return err
		}
		for p, b := range parts {
			if !bytes.Equal(b, []byte{byte(p + 1)}) {
				return fmt.Errorf("allgather entry %d is %v", p, b)
			}
		}

		sum, err := c.Allreduce(ctx, int64(c.Rank()), OpSum)
		if err != nil {
			return err
		}
		if sum != 3 {
			return fmt.Errorf("allreduce sum is %d", sum)
		}

		// Ring exchange
		next := (c.Rank() + 1) % c.Size()
		prev := (c.Rank() + c.Size() - 1) % c.Size()
		got, err := c.Sendrecv(ctx, next, []byte{byte(c.Rank())}, prev, TagIndex)
		if err != nil {
			return err
		}
		if len(got) != 1 || int(got[0]) != prev {
			return fmt.Errorf("ring hop delivered %v", got)
		}
		return nil
	})
}

// TestHTTPTransportHandler tests envelope validation
func TestHTTPTransportHandler(t *testing.T) {
	tr, err := NewHTTPTransport("job-a", 0, 2, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	ctx := context.Background()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"accepted", Envelope{Job: "job-a", Src: 1, Tag: 1, Seq: 0, Payload: []byte("ok")}, false},
		{"other job", Envelope{Job: "job-b", Src: 1, Tag: 1, Seq: 1}, true},
		{"bad source", Envelope{Job: "job-a", Src: 7, Tag: 1, Seq: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cluster.PostCBOR(ctx, srv.URL, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Equal(t, 1, tr.Mailbox().Pending())

	resp, err := http.Post(srv.URL, "application/cbor", bytes.NewReader([]byte{0xff}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	body, _ := cbor.Marshal(Envelope{Job: "job-a", Src: 1, Tag: 2})
	tr.Close()
	resp, err = http.Post(srv.URL, "application/cbor", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

// TestHTTPTransportRoster tests roster validation
func TestHTTPTransportRoster(t *testing.T) {
	_, err := NewHTTPTransport("j", 2, 2, zerolog.Nop())
	assert.ErrorIs(t, err, ErrRankOutOfRange)

	tr, err := NewHTTPTransport("j", 0, 1, zerolog.Nop())
	require.NoError(t, err)

	err = tr.Deliver(context.Background(), 0, Envelope{})
	assert.Error(t, err, "delivery without roster must fail")

	assert.Error(t, tr.SetRoster(cluster.Roster{Job: "j", Size: 1}))
	assert.Error(t, tr.SetRoster(cluster.Roster{
		Job: "other", Size: 1, Members: []cluster.RankInfo{{Rank: 0, Addr: "http://x"}},
	}))
	assert.NoError(t, tr.SetRoster(cluster.Roster{
		Job: "j", Size: 1, Members: []cluster.RankInfo{{Rank: 0, Addr: "http://x"}},
	}))
}

// TestHTTPTransportDeliverRetries tests that only unavailable peers are retried
func TestHTTPTransportDeliverRetries(t *testing.T) {
	tests := []struct {
		name      string
		responses []int
		wantErr   bool
		wantCalls int32
	}{
		{"starting peer", []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusNoContent}, false, 3},
		{"other job", []int{http.StatusConflict}, true, 1},
		{"bad envelope", []int{http.StatusBadRequest}, true, 1},
		{"closed mailbox", []int{http.StatusGone}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				w.WriteHeader(tt.responses[min(n, len(tt.responses)-1)])
			}))
			defer srv.Close()

			tr, err := NewHTTPTransport("job-a", 0, 2, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, tr.SetRoster(cluster.Roster{Job: "job-a", Size: 2, Members: []cluster.RankInfo{
				{Rank: 0, Addr: "http://127.0.0.1:1"},
				{Rank: 1, Addr: srv.URL},
			}}))

			err = tr.Deliver(context.Background(), 1, Envelope{Src: 0, Tag: 1})
			if tt.wantErr {
				var status *cluster.StatusError
				require.ErrorAs(t, err, &status)
				assert.Equal(t, tt.responses[0], status.Code)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}
