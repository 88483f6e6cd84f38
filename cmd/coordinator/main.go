// Command coordinator runs the bootstrap service of a halo process group.
//
// Nodes register with it to receive a rank, then poll the roster until
// every rank is taken. Once the group is complete the coordinator watches
// the ranks' health endpoints; it never relays halo traffic.
//
// Usage:
//
//	coordinator --config halo.toml --listen :8080 --ranks 4
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/coordinator"
	"github.com/dreamware/halo/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	listen     string
	job        string
	ranks      int
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Rank bootstrap service for halo process groups",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ranks") {
				cfg.Cluster.Ranks = opts.ranks
			}
			if cmd.Flags().Changed("job") {
				cfg.Cluster.Job = opts.job
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := observability.NewLogger("coordinator", cfg.Log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts.listen, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&opts.listen, "listen", ":8080", "listen address")
	cmd.Flags().IntVar(&opts.ranks, "ranks", 0, "group size (overrides cluster.ranks)")
	cmd.Flags().StringVar(&opts.job, "job", "", "job ID (default: random UUID)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, listen string, logger zerolog.Logger) error {
	srv, err := newServer(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.health.Stop()

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listen).Int("ranks", srv.registry.Size()).Str("job", srv.registry.Job()).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen: %w", err)
		}
	}()
	go srv.health.Start(ctx, srv.members)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info().Msg("coordinator stopped")
	return nil
}

type server struct {
	registry *coordinator.RankRegistry
	health   *coordinator.HealthMonitor
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	started  time.Time
}

func newServer(cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*server, error) {
	registry, err := coordinator.NewRankRegistry(cfg.Cluster.Ranks, cfg.Cluster.Job)
	if err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &server{
		registry: registry,
		health:   coordinator.NewHealthMonitor(cfg.Cluster.HealthInterval, logger),
		metrics:  observability.NewMetrics(reg),
		gatherer: reg,
		logger:   logger,
		started:  time.Now(),
	}
	s.health.SetOnUnhealthy(func(rh coordinator.RankHealth) {
		s.logger.Error().Int("rank", rh.Rank).Str("node", rh.NodeID).
			Msg("rank lost; peers will block in their next exchange, restart the job")
	})
	return s, nil
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetrics(s.metrics, "coordinator"))

	r.POST(cluster.RegisterPath, s.handleRegister)
	r.GET(cluster.RosterPath, s.handleRoster)
	r.GET("/nodes", s.handleNodes)
	r.GET(cluster.HealthPath, s.handleHealth)
	r.GET(cluster.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return r
}

// members lists the registered ranks for the health monitor
func (s *server) members() []cluster.RankInfo {
	nodes := s.registry.Nodes()
	out := make([]cluster.RankInfo, len(nodes))
	for i, n := range nodes {
		out[i] = cluster.RankInfo{Rank: i, ID: n.ID, Addr: n.Addr}
	}
	return out
}

func (s *server) handleRegister(c *gin.Context) {
	var req cluster.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}

	resp, err := s.registry.Register(req.Node)
	switch {
	case errors.Is(err, coordinator.ErrGroupFull):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Int("rank", resp.Rank).
		Int("registered", s.registry.Registered()).Int("size", resp.Size).Msg("node registered")
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleRoster(c *gin.Context) {
	roster, err := s.registry.Roster()
	if errors.Is(err, coordinator.ErrRosterIncomplete) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      err.Error(),
			"registered": s.registry.Registered(),
			"size":       s.registry.Size(),
		})
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (s *server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"job":    s.registry.Job(),
		"size":   s.registry.Size(),
		"nodes":  s.members(),
		"health": s.health.All(),
	})
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.started).String(),
		"registered": s.registry.Registered(),
		"size":       s.registry.Size(),
		"ranks_ok":   s.health.Healthy(),
	})
}
