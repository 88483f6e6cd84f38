package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/cluster"
)

func twoRanks() []cluster.RankInfo {
	return []cluster.RankInfo{
		{Rank: 0, ID: "node-a", Addr: "http://localhost:8081"},
		{Rank: 1, ID: "node-b", Addr: "http://localhost:8082"},
	}
}

// TestNewHealthMonitor verifies the defaults of a new monitor
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, zerolog.Nop())
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.checkFunc)
	assert.Empty(t, monitor.All())
	assert.True(t, monitor.Healthy(), "an empty group has nothing unhealthy")
}

// TestHealthMonitorStart verifies that every rank is checked repeatedly
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, zerolog.Nop())
	defer monitor.Stop()

	var mu sync.Mutex
	calls := 0
	monitor.SetCheckFunction(func(string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoRanks)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 6
	}, 2*time.Second, 10*time.Millisecond)

	all := monitor.All()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["node-b"].Rank)
	assert.True(t, monitor.IsHealthy("node-a"))
	assert.True(t, monitor.Healthy())
}

// TestHealthMonitorRankFailure verifies the unhealthy transition, the
// callback and recovery
func TestHealthMonitorRankFailure(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, zerolog.Nop())
	defer monitor.Stop()

	var mu sync.Mutex
	down := false
	var reported []RankHealth
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if down && addr == "http://localhost:8082" {
			return errors.New("connection refused")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(rh RankHealth) {
		mu.Lock()
		reported = append(reported, rh)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoRanks)

	require.Eventually(t, func() bool { return monitor.IsHealthy("node-b") }, time.Second, 5*time.Millisecond)

	mu.Lock()
	down = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		h := monitor.Health("node-b")
		return h != nil && h.Status == StatusUnhealthy
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, monitor.Healthy())
	assert.True(t, monitor.IsHealthy("node-a"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) > 0
	}, time.Second, 5*time.Millisecond)

	// further failures do not report again
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, reported, 1)
	assert.Equal(t, 1, reported[0].Rank)
	down = false
	mu.Unlock()

	require.Eventually(t, func() bool { return monitor.IsHealthy("node-b") }, time.Second, 5*time.Millisecond)
	assert.Zero(t, monitor.Health("node-b").ConsecutiveFails)
}

// TestHealthMonitorRemoval verifies that ranks missing from the roster are
// forgotten
func TestHealthMonitorRemoval(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, zerolog.Nop())
	monitor.SetCheckFunction(func(string) error { return nil })

	monitor.checkAll(twoRanks())
	assert.Len(t, monitor.All(), 2)

	monitor.checkAll(twoRanks()[:1])
	assert.Len(t, monitor.All(), 1)
	assert.Nil(t, monitor.Health("node-b"))
	assert.False(t, monitor.IsHealthy("node-b"))
}

// TestHealthMonitorStop verifies that Stop ends a running monitor
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, zerolog.Nop())
	monitor.SetCheckFunction(func(string) error { return nil })

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), twoRanks)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(monitor.All()) == 2 }, time.Second, 5*time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

// TestDefaultHealthCheck verifies the HTTP check against a live server
func TestDefaultHealthCheck(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cluster.HealthPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	monitor := NewHealthMonitor(time.Hour, zerolog.Nop())

	tests := []struct {
		name    string
		addr    string
		status  int
		wantErr bool
	}{
		{"url", srv.URL, http.StatusOK, false},
		{"url with trailing slash", srv.URL + "/", http.StatusOK, false},
		{"host and port", srv.Listener.Addr().String(), http.StatusOK, false},
		{"full health url", srv.URL + cluster.HealthPath, http.StatusOK, false},
		{"failing node", srv.URL, http.StatusServiceUnavailable, true},
		{"unreachable", "http://127.0.0.1:1", http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status.Store(int32(tt.status))
			err := monitor.defaultHealthCheck(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
