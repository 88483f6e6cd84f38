// Command halosim runs a whole halo process group inside one process.
//
// Every rank is a goroutine wired to the others through in-memory
// mailboxes. The heat diffusion demo runs on the distributed array and the
// gathered field is compared with a serial run of the same scheme.
//
// Usage:
//
//	halosim --ranks 4 --strategy owner-broadcast --cells 1000 --iterations 500
//	halosim --ranks 3 --graph pattern.dot --dump
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/observability"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/shard"
	"github.com/dreamware/halo/internal/stencil"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	ranks      int
	strategy   string
	cells      int
	iterations int
	graph      string
	dump       bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "halosim",
		Short:        "Run an in-process halo group through the diffusion demo",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(opts.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("ranks") {
				cfg.Cluster.Ranks = opts.ranks
			}
			if flags.Changed("strategy") {
				cfg.Array.Strategy = opts.strategy
			}
			if flags.Changed("cells") {
				cfg.Mesh.Cells = opts.cells
			}
			if flags.Changed("iterations") {
				cfg.Mesh.Iterations = opts.iterations
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := observability.NewLoggerTo(cmd.ErrOrStderr(), "halosim", cfg.Log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return simulate(ctx, cfg, opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().IntVarP(&opts.ranks, "ranks", "n", 0, "ranks in the group (overrides cluster.ranks)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "comm pattern strategy (overrides array.strategy)")
	cmd.Flags().IntVar(&opts.cells, "cells", 0, "mesh cells (overrides mesh.cells)")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 0, "time steps (overrides mesh.iterations)")
	cmd.Flags().StringVar(&opts.graph, "graph", "", "write the comm pattern as a Graphviz file")
	cmd.Flags().BoolVar(&opts.dump, "dump", false, "print the content of every rank's array")
	return cmd
}

// rankResult is what one rank goroutine reports back
type rankResult struct {
	info  shard.ShardInfo
	stats shard.SyncStats
	dump  bytes.Buffer
	field []float64
}

func simulate(ctx context.Context, cfg config.Config, opts *options, out io.Writer, logger zerolog.Logger) error {
	strategy, err := pattern.ParseStrategy(cfg.Array.Strategy)
	if err != nil {
		return err
	}
	mode, err := shard.ParseIndexMode(cfg.Array.ContinuousIndex)
	if err != nil {
		return err
	}

	var graph bytes.Buffer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	comms := comm.NewLocalGroup(cfg.Cluster.Ranks)
	results := make([]*rankResult, len(comms))
	errs := make([]error, len(comms))

	start := time.Now()
	var wg sync.WaitGroup
	for i, c := range comms {
		results[i] = &rankResult{}
		wg.Add(1)
		go func(rank int, c *comm.Comm, res *rankResult) {
			defer wg.Done()
			defer c.Close()
			rl := logger.With().Int("rank", rank).Logger()
			shardOpts := []shard.Option{
				shard.WithIndex(cfg.Array.Indexed),
				shard.WithVerify(cfg.Array.VerifyPattern),
				shard.WithIndexMode(mode),
				shard.WithObserver(metrics.ForRank(rank)),
			}
			if cfg.Array.InitialCapacity > 0 {
				shardOpts = append(shardOpts, shard.WithCapacity(cfg.Array.InitialCapacity))
			}
			if errs[rank] = runRank(ctx, c, cfg.Mesh, strategy, rl, shardOpts, res, &graph); errs[rank] != nil {
				rl.Error().Err(errs[rank]).Msg("rank failed")
			}
		}(i, c, results[i])
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	took := time.Since(start)

	for rank, res := range results {
		fmt.Fprintf(out, "rank %d: owned=%d ghosts=%d peers=%v syncs=%d sent=%dB received=%dB\n",
			rank, res.info.Owned, res.info.Ghosts, res.info.Peers, res.stats.Syncs, res.stats.BytesSent, res.stats.BytesReceived)
		if opts.dump {
			if _, err := out.Write(res.dump.Bytes()); err != nil {
				return err
			}
		}
	}

	want := stencil.Serial(cfg.Mesh, cfg.Mesh.Iterations)
	field := results[0].field
	dev := 0.0
	for i := range want {
		dev = math.Max(dev, math.Abs(field[i]-want[i]))
	}
	fmt.Fprintf(out, "strategy=%s ranks=%d cells=%d steps=%d took=%s max deviation %s\n",
		strategy, cfg.Cluster.Ranks, cfg.Mesh.Cells, cfg.Mesh.Iterations, took.Round(time.Microsecond), strconv.FormatFloat(dev, 'g', -1, 64))

	if opts.graph != "" {
		if err := os.WriteFile(opts.graph, graph.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write graph: %w", err)
		}
		logger.Info().Str("file", opts.graph).Msg("pattern graph written")
	}
	if dev != 0 {
		return fmt.Errorf("distributed field deviates from the serial run by %g", dev)
	}
	return nil
}

// runRank drives one rank. graph is only written by rank 0.
func runRank(ctx context.Context, c *comm.Comm, mesh config.MeshConfig, strategy pattern.Strategy,
	logger zerolog.Logger, opts []shard.Option, res *rankResult, graph io.Writer) error {
	solver, err := stencil.NewSolver(ctx, c, mesh, strategy, logger, opts...)
	if err != nil {
		return err
	}
	arr := solver.Array()

	var w io.Writer
	if c.Rank() == 0 {
		w = graph
	}
	if err := arr.WriteCommGraph(ctx, w); err != nil {
		return err
	}
	if err := solver.Run(ctx, mesh.Iterations); err != nil {
		return err
	}
	if res.field, err = solver.Collect(ctx); err != nil {
		return err
	}
	if err := arr.Dump(&res.dump); err != nil {
		return err
	}
	res.info = arr.Info()
	res.stats = arr.GetStats().Sync
	return nil
}
