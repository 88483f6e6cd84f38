package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/coordinator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Cluster.Listen = "127.0.0.1:0"
	return newNode("node-test", cfg, zerolog.Nop(), prometheus.NewRegistry())
}

// TestPublicAddr tests the address advertised to peers
func TestPublicAddr(t *testing.T) {
	tests := []struct {
		listen, public, expected string
	}{
		{":8081", "", "http://127.0.0.1:8081"},
		{"0.0.0.0:9000", "", "http://127.0.0.1:9000"},
		{"[::]:9000", "", "http://127.0.0.1:9000"},
		{"10.1.2.3:9000", "", "http://10.1.2.3:9000"},
		{":8081", "node-a:8081", "http://node-a:8081"},
		{":8081", "https://node-a.example/", "https://node-a.example"},
	}
	for _, tt := range tests {
		if got := publicAddr(tt.listen, tt.public); got != tt.expected {
			t.Errorf("publicAddr(%q, %q) = %q, want %q", tt.listen, tt.public, got, tt.expected)
		}
	}
}

// TestRootCommandFlags tests the command line surface
func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "id", "listen", "coordinator", "strategy", "linger"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s missing", name)
		}
	}

	cmd.SetArgs([]string{"--strategy", "gossip"})
	cmd.SetOut(new(nopWriter))
	cmd.SetErr(new(nopWriter))
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestHandleMessageBeforeRank tests that peer traffic is refused until
// the node knows its rank
func TestHandleMessageBeforeRank(t *testing.T) {
	n := testNode(t)
	srv := httptest.NewServer(n.router())
	defer srv.Close()

	env := comm.Envelope{Job: "job-a", Src: 1, Tag: 7, Seq: 0, Payload: []byte{1}}
	err := cluster.PostCBOR(context.Background(), srv.URL+cluster.MessagePath, env)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 before registration, got %v", err)
	}

	tr, err := comm.NewHTTPTransport("job-a", 0, 2, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	n.transport.Store(tr)

	if err := cluster.PostCBOR(context.Background(), srv.URL+cluster.MessagePath, env); err != nil {
		t.Fatalf("post after registration: %v", err)
	}
	if got := tr.Mailbox().Pending(); got != 1 {
		t.Errorf("expected one parked message, got %d", got)
	}

	env.Job = "job-b"
	if err := cluster.PostCBOR(context.Background(), srv.URL+cluster.MessagePath, env); err == nil {
		t.Error("expected a message from another job to be rejected")
	}
}

// TestInfoAndHealth tests the status endpoints
func TestInfoAndHealth(t *testing.T) {
	n := testNode(t)
	h := n.router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cluster.HealthPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var st status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if st.Phase != "starting" || st.Rank != -1 || st.Array != nil {
		t.Errorf("unexpected initial status %+v", st)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cluster.MetricsPath, nil))
	if !strings.Contains(rec.Body.String(), `halo_http_requests_total{method="GET",path="/info",service="node",status="200"} 1`) {
		t.Errorf("metrics lack the /info request:\n%s", rec.Body.String())
	}
}

// fakeCoordinator serves registration and the roster from a RankRegistry
func fakeCoordinator(t *testing.T, size int) *httptest.Server {
	t.Helper()
	reg, err := coordinator.NewRankRegistry(size, "")
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.RegisterPath, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := reg.Register(req.Node)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(cluster.RosterPath, func(w http.ResponseWriter, r *http.Request) {
		roster, err := reg.Roster()
		if errors.Is(err, coordinator.ErrRosterIncomplete) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(roster)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestRunGroup runs two nodes over loopback HTTP through a full solve
func TestRunGroup(t *testing.T) {
	for _, strategy := range []string{"broadcast-all", "owner-broadcast", "alltoall"} {
		t.Run(strategy, func(t *testing.T) {
			coord := fakeCoordinator(t, 2)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			nodes := make([]*Node, 2)
			errs := make([]error, 2)
			var wg sync.WaitGroup
			for i := range nodes {
				cfg := config.Default()
				cfg.Cluster.Coordinator = coord.URL
				cfg.Cluster.Listen = "127.0.0.1:0"
				cfg.Array.Strategy = strategy
				cfg.Array.VerifyPattern = true
				cfg.Mesh.Cells = 12
				cfg.Mesh.Iterations = 5
				nodes[i] = newNode(strategy+"-"+string(rune('a'+i)), cfg, zerolog.Nop(), prometheus.NewRegistry())

				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = nodes[i].run(ctx, false)
				}(i)
			}
			wg.Wait()

			ranks := map[int]bool{}
			for i, n := range nodes {
				if errs[i] != nil {
					t.Fatalf("node %d: %v", i, errs[i])
				}
				st := n.status.Load()
				if st.Phase != "done" || st.Size != 2 || st.Array == nil || st.Stats == nil {
					t.Fatalf("node %d: unexpected status %+v", i, st)
				}
				if st.Stats.Syncs != 5 {
					t.Errorf("node %d: expected 5 syncs, got %d", i, st.Stats.Syncs)
				}
				if st.Array.Owned != 6 || st.Array.Ghosts != 1 {
					t.Errorf("node %d: unexpected array %+v", i, *st.Array)
				}
				ranks[st.Rank] = true
			}
			if !ranks[0] || !ranks[1] {
				t.Errorf("expected ranks 0 and 1, got %v", ranks)
			}
		})
	}
}

// TestRunRegisterFails tests that an unreachable coordinator ends the run
func TestRunRegisterFails(t *testing.T) {
	n := testNode(t)
	n.cfg.Cluster.Coordinator = "http://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := n.run(ctx, false); err == nil {
		t.Fatal("expected the run to fail")
	}
	if got := n.status.Load().Phase; got != "failed" {
		t.Errorf("expected failed phase, got %q", got)
	}
}

// TestRunRejectsUnknownArraySettings tests that array settings that bypass
// validation fail the run instead of falling back to defaults
func TestRunRejectsUnknownArraySettings(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		index    string
		want     string
	}{
		{"strategy", "gossip", "ring", "unknown pattern strategy"},
		{"index mode", "alltoall", "scatter", "scatter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var registered atomic.Bool
			coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				registered.Store(true)
				http.Error(w, "unexpected", http.StatusInternalServerError)
			}))
			defer coord.Close()

			n := testNode(t)
			n.cfg.Cluster.Coordinator = coord.URL
			n.cfg.Array.Strategy = tt.strategy
			n.cfg.Array.ContinuousIndex = tt.index

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := n.run(ctx, false)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected an error mentioning %q, got %v", tt.want, err)
			}
			if registered.Load() {
				t.Error("node registered despite invalid array settings")
			}
		})
	}
}
