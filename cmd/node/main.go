// Command node runs one rank of a halo process group.
//
// The node registers with the coordinator, waits for the roster, and then
// runs the heat diffusion demo over the distributed array, exchanging halo
// cells with its peers directly over HTTP.
//
// Usage:
//
//	node --config halo.toml --id node-a --listen :8081
//
// Endpoints:
//
//	POST /comm/message  halo and collective traffic from peers (CBOR)
//	GET  /health        liveness for the coordinator
//	GET  /info          rank, phase and array statistics
//	GET  /metrics       prometheus metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/observability"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/shard"
	"github.com/dreamware/halo/internal/stencil"
)

const (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
	rosterPoll       = 200 * time.Millisecond
	rosterTimeout    = 2 * time.Minute
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	id          string
	listen      string
	coordinator string
	strategy    string
	linger      bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run one rank of a halo process group",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Cluster.Listen = opts.listen
			}
			if cmd.Flags().Changed("coordinator") {
				cfg.Cluster.Coordinator = opts.coordinator
			}
			if cmd.Flags().Changed("strategy") {
				cfg.Array.Strategy = opts.strategy
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			id := opts.id
			if id == "" {
				id = uuid.NewString()
			}
			logger := observability.NewLogger("node", cfg.Log).With().Str("node", id).Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n := newNode(id, cfg, logger, prometheus.NewRegistry())
			return n.run(ctx, opts.linger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&opts.id, "id", "", "node ID (default: random UUID)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides cluster.listen)")
	cmd.Flags().StringVar(&opts.coordinator, "coordinator", "", "coordinator URL (overrides cluster.coordinator)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "comm pattern strategy (overrides array.strategy)")
	cmd.Flags().BoolVar(&opts.linger, "linger", false, "keep serving after the run until interrupted")
	return cmd
}

// status is the snapshot served by /info. The run loop replaces it after
// every phase so handlers never touch the array itself.
type status struct {
	Phase string           `json:"phase"`
	Rank  int              `json:"rank"`
	Size  int              `json:"size"`
	Job   string           `json:"job,omitempty"`
	Array *shard.ShardInfo `json:"array,omitempty"`
	Stats *shard.SyncStats `json:"stats,omitempty"`
}

// Node is one rank process
type Node struct {
	ID string

	cfg       config.Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	transport atomic.Pointer[comm.HTTPTransport]
	status    atomic.Pointer[status]
	started   time.Time
}

func newNode(id string, cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) *Node {
	reg.MustRegister(collectors.NewGoCollector())
	n := &Node{
		ID:       id,
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.NewMetrics(reg),
		gatherer: reg,
		started:  time.Now(),
	}
	n.setStatus(status{Phase: "starting", Rank: -1})
	return n
}

func (n *Node) setStatus(s status) { n.status.Store(&s) }

func (n *Node) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(n.logger))
	r.Use(observability.RequestMetrics(n.metrics, "node"))

	r.POST(cluster.MessagePath, n.handleMessage)
	r.GET(cluster.HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(n.started).String()})
	})
	r.GET("/info", func(c *gin.Context) { c.JSON(http.StatusOK, n.status.Load()) })
	r.GET(cluster.MetricsPath, gin.WrapH(promhttp.HandlerFor(n.gatherer, promhttp.HandlerOpts{})))
	return r
}

// handleMessage hands peer traffic to the transport. Before registration
// completes there is no transport yet; senders retry on 503.
func (n *Node) handleMessage(c *gin.Context) {
	tr := n.transport.Load()
	if tr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rank not assigned yet"})
		return
	}
	tr.Handler().ServeHTTP(c.Writer, c.Request)
}

func (n *Node) run(ctx context.Context, linger bool) error {
	httpSrv := &http.Server{
		Addr:              n.cfg.Cluster.Listen,
		Handler:           n.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	l, err := net.Listen("tcp", n.cfg.Cluster.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	public := publicAddr(l.Addr().String(), n.cfg.Cluster.Public)

	go func() {
		n.logger.Info().Str("listen", l.Addr().String()).Str("public", public).Msg("node listening")
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("serve")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		n.logger.Info().Msg("node stopped")
	}()

	if err := n.work(ctx, public); err != nil {
		n.setStatus(status{Phase: "failed", Rank: n.status.Load().Rank})
		return err
	}
	if linger {
		n.logger.Info().Msg("run finished, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

// work registers, joins the group and runs the solver
func (n *Node) work(ctx context.Context, public string) error {
	strategy, err := pattern.ParseStrategy(n.cfg.Array.Strategy)
	if err != nil {
		return err
	}
	mode, err := shard.ParseIndexMode(n.cfg.Array.ContinuousIndex)
	if err != nil {
		return err
	}

	resp, err := register(ctx, n.cfg.Cluster.Coordinator, n.ID, public, n.logger)
	if err != nil {
		return err
	}
	logger := n.logger.With().Int("rank", resp.Rank).Int("size", resp.Size).Logger()
	n.setStatus(status{Phase: "waiting for roster", Rank: resp.Rank, Size: resp.Size, Job: resp.Job})

	tr, err := comm.NewHTTPTransport(resp.Job, resp.Rank, resp.Size, logger)
	if err != nil {
		return err
	}
	n.transport.Store(tr)

	roster, err := waitForRoster(ctx, n.cfg.Cluster.Coordinator, resp.Job, logger)
	if err != nil {
		return err
	}
	if err := tr.SetRoster(roster); err != nil {
		return err
	}
	c := comm.New(tr)
	defer c.Close()

	n.setStatus(status{Phase: "building pattern", Rank: resp.Rank, Size: resp.Size, Job: resp.Job})

	solver, err := stencil.NewSolver(ctx, c, n.cfg.Mesh, strategy, logger, arrayOptions(n.cfg.Array, mode, n.metrics.ForRank(resp.Rank))...)
	if err != nil {
		return err
	}
	n.snapshot("running", resp, solver)

	if err := solver.Run(ctx, n.cfg.Mesh.Iterations); err != nil {
		return err
	}
	field, err := solver.Collect(ctx)
	if err != nil {
		return err
	}
	if err := c.Barrier(ctx); err != nil {
		return err
	}
	n.snapshot("done", resp, solver)

	if field != nil {
		report(logger, n.cfg.Mesh, field)
	}
	return nil
}

func (n *Node) snapshot(phase string, resp cluster.RegisterResponse, s *stencil.Solver) {
	info := s.Array().Info()
	stats := s.Array().GetStats().Sync
	n.setStatus(status{Phase: phase, Rank: resp.Rank, Size: resp.Size, Job: resp.Job, Array: &info, Stats: &stats})
}

// arrayOptions maps the array section onto shard options
func arrayOptions(cfg config.ArrayConfig, mode shard.IndexMode, obs shard.Observer) []shard.Option {
	opts := []shard.Option{
		shard.WithIndex(cfg.Indexed),
		shard.WithVerify(cfg.VerifyPattern),
		shard.WithIndexMode(mode),
		shard.WithObserver(obs),
	}
	if cfg.InitialCapacity > 0 {
		opts = append(opts, shard.WithCapacity(cfg.InitialCapacity))
	}
	return opts
}

// report logs the field's peak and its deviation from a serial run
func report(logger zerolog.Logger, mesh config.MeshConfig, field []float64) {
	want := stencil.Serial(mesh, mesh.Iterations)
	var peak, dev float64
	for i, v := range field {
		peak = math.Max(peak, v)
		dev = math.Max(dev, math.Abs(v-want[i]))
	}
	logger.Info().Int("cells", len(field)).Float64("peak", peak).Float64("max_deviation", dev).Msg("field collected")
}

// register joins the group, retrying while the coordinator is unreachable
func register(ctx context.Context, coord, id, addr string, logger zerolog.Logger) (cluster.RegisterResponse, error) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var resp cluster.RegisterResponse
	var lastErr error

	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+cluster.RegisterPath, body, &resp)
		if lastErr == nil {
			logger.Info().Str("coordinator", coord).Int("rank", resp.Rank).Int("size", resp.Size).Str("job", resp.Job).Msg("registered")
			return resp, nil
		}
		logger.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(registerBackoff):
		}
	}
	return resp, fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

// waitForRoster polls the coordinator until every rank has registered
func waitForRoster(ctx context.Context, coord, job string, logger zerolog.Logger) (cluster.Roster, error) {
	ctx, cancel := context.WithTimeout(ctx, rosterTimeout)
	defer cancel()

	ticker := time.NewTicker(rosterPoll)
	defer ticker.Stop()
	for {
		var roster cluster.Roster
		err := cluster.GetJSON(ctx, coord+cluster.RosterPath, &roster)
		if err == nil {
			if roster.Job != job {
				return cluster.Roster{}, fmt.Errorf("coordinator switched job from %s to %s", job, roster.Job)
			}
			logger.Info().Int("size", roster.Size).Msg("roster complete")
			return roster, nil
		}
		logger.Debug().Err(err).Msg("roster not ready")

		select {
		case <-ctx.Done():
			return cluster.Roster{}, fmt.Errorf("waiting for roster: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// publicAddr returns the URL peers should use. An explicit public address
// wins; otherwise a wildcard listen host becomes 127.0.0.1.
func publicAddr(listen, public string) string {
	if public != "" {
		if !strings.HasPrefix(public, "http://") && !strings.HasPrefix(public, "https://") {
			public = "http://" + public
		}
		return strings.TrimRight(public, "/")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
