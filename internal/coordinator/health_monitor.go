package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/cluster"
)

// Health status values
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// RankHealth tracks the liveness of one rank of the group.
type RankHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	Rank             int       `json:"rank"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor polls the health endpoint of every rank.
//
// A halo exchange cannot survive the loss of a rank, so the monitor does
// not try to recover anything: it reports the failure through the
// unhealthy callback and its status table, and leaves the decision to
// abort the job to the operator.
type HealthMonitor struct {
	ranks       map[string]*RankHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(RankHealth)
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval and marks a
// rank unhealthy after three consecutive failures.
func NewHealthMonitor(interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		ranks:       make(map[string]*RankHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.With().Str("component", "health").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked once when a rank turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(RankHealth)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the HTTP health check
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// Start checks the members returned by roster every interval until ctx or
// Stop cancels it. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, roster func() []cluster.RankInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAll(roster())

	for {
		select {
		case <-ticker.C:
			h.checkAll(roster())
		case <-ctx.Done():
			h.logger.Info().Msg("health monitor stopping: context canceled")
			return
		case <-h.ctx.Done():
			h.logger.Info().Msg("health monitor stopping")
			return
		}
	}
}

// Stop cancels monitoring and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(members []cluster.RankInfo) {
	current := make(map[string]bool, len(members))
	for _, m := range members {
		current[m.ID] = true
		h.check(m)
	}

	h.mu.Lock()
	for id := range h.ranks {
		if !current[id] {
			delete(h.ranks, id)
			h.logger.Debug().Str("node", id).Msg("node left health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(m cluster.RankInfo) {
	h.mu.Lock()
	rh, ok := h.ranks[m.ID]
	if !ok {
		now := time.Now()
		rh = &RankHealth{NodeID: m.ID, Rank: m.Rank, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.ranks[m.ID] = rh
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(m.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	rh.LastCheck = time.Now()
	if err == nil {
		if rh.Status == StatusUnhealthy {
			h.logger.Info().Int("rank", rh.Rank).Str("node", rh.NodeID).Msg("rank recovered")
		}
		rh.Status = StatusHealthy
		rh.ConsecutiveFails = 0
		rh.LastHealthy = rh.LastCheck
		return
	}

	rh.ConsecutiveFails++
	h.logger.Warn().Err(err).Int("rank", rh.Rank).Str("node", rh.NodeID).
		Int("attempt", rh.ConsecutiveFails).Int("max", h.maxFailures).Msg("health check failed")

	if rh.ConsecutiveFails < h.maxFailures || rh.Status == StatusUnhealthy {
		return
	}
	rh.Status = StatusUnhealthy
	h.logger.Error().Int("rank", rh.Rank).Str("node", rh.NodeID).Msg("rank unhealthy, the exchange will stall")
	if h.onUnhealthy != nil {
		go h.onUnhealthy(*rh)
	}
}

// defaultHealthCheck GETs <addr>/health and expects 200
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, cluster.HealthPath) {
		url = strings.TrimRight(url, "/") + cluster.HealthPath
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of the record of a node, or nil if it is not
// monitored
func (h *HealthMonitor) Health(nodeID string) *RankHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rh, ok := h.ranks[nodeID]
	if !ok {
		return nil
	}
	c := *rh
	return &c
}

// All returns copies of every record keyed by node ID
func (h *HealthMonitor) All() map[string]RankHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]RankHealth, len(h.ranks))
	for id, rh := range h.ranks {
		out[id] = *rh
	}
	return out
}

// IsHealthy reports whether the node passed its last check
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rh, ok := h.ranks[nodeID]
	return ok && rh.Status == StatusHealthy
}

// Healthy reports whether every monitored rank is healthy
func (h *HealthMonitor) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, rh := range h.ranks {
		if rh.Status != StatusHealthy {
			return false
		}
	}
	return true
}
