package stencil

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/registry"
	"github.com/dreamware/halo/internal/shard"
	"github.com/dreamware/halo/internal/storage"
)

// cell is the stencil of one owned cell in local indices. Missing
// neighbours beyond the mesh edge are storage.NoIndex.
type cell struct {
	self, left, right storage.LocalIndex
}

// Solver advances the diffusion of one rank's block
type Solver struct {
	arr     *shard.Shard[float64]
	comm    *comm.Comm
	part    Partition
	mesh    config.MeshConfig
	cells   []cell
	scratch []float64
	logger  zerolog.Logger
	steps   int
}

// NewSolver lays out this rank's block with its edge ghosts, sets the
// initial condition and builds the communication pattern. It is a
// collective operation over c.
func NewSolver(ctx context.Context, c *comm.Comm, mesh config.MeshConfig, strategy pattern.Strategy, logger zerolog.Logger, opts ...shard.Option) (*Solver, error) {
	part, err := NewPartition(mesh.Cells, c.Size())
	if err != nil {
		return nil, err
	}
	lo, hi := part.Block(c.Rank())

	opts = append([]shard.Option{shard.WithCapacity(hi - lo + 2), shard.WithLogger(logger)}, opts...)
	arr, err := shard.New[float64](c, shard.Float64Codec{}, opts...)
	if err != nil {
		return nil, err
	}

	s := &Solver{
		arr:     arr,
		comm:    c,
		part:    part,
		mesh:    mesh,
		cells:   make([]cell, 0, hi-lo),
		scratch: make([]float64, hi-lo),
		logger:  logger.With().Str("component", "stencil").Logger(),
	}

	dx := mesh.Width / float64(mesh.Cells)
	for g := lo; g < hi; g++ {
		idx, err := arr.AddOwned(registry.GlobalID(g))
		if err != nil {
			return nil, err
		}
		x := (float64(g) + 0.5) * dx
		if err := arr.Set(idx, initial(x, mesh.Width)); err != nil {
			return nil, err
		}
	}
	for _, g := range []int{lo - 1, hi} {
		if g < 0 || g >= mesh.Cells {
			continue
		}
		if _, err := arr.AddGhost(registry.GlobalID(g)); err != nil {
			return nil, err
		}
	}

	for g := lo; g < hi; g++ {
		s.cells = append(s.cells, cell{
			self:  s.local(g),
			left:  s.local(g - 1),
			right: s.local(g + 1),
		})
	}

	if err := arr.BuildCommPattern(ctx, strategy, part.Donors()); err != nil {
		return nil, fmt.Errorf("stencil: %w", err)
	}
	s.logger.Debug().Int("lo", lo).Int("hi", hi).Int("ghosts", arr.GhostCount()).Msg("block ready")
	return s, nil
}

func initial(x, width float64) float64 {
	return math.Sin(math.Pi * x / width)
}

func (s *Solver) local(g int) storage.LocalIndex {
	if g < 0 || g >= s.mesh.Cells {
		return storage.NoIndex
	}
	idx, ok := s.arr.Lookup(registry.GlobalID(g))
	if !ok {
		return storage.NoIndex
	}
	return idx
}

// Array returns the distributed array holding the field
func (s *Solver) Array() *shard.Shard[float64] { return s.arr }

// Steps returns how many steps have been taken
func (s *Solver) Steps() int { return s.steps }

// Step refreshes the ghosts and advances the field once. Collective.
func (s *Solver) Step(ctx context.Context) error {
	if err := s.arr.Synchronize(ctx); err != nil {
		return fmt.Errorf("stencil step %d: %w", s.steps+1, err)
	}

	for i, c := range s.cells {
		u, err := s.arr.Get(c.self)
		if err != nil {
			return err
		}
		ul, err := s.value(c.left)
		if err != nil {
			return err
		}
		ur, err := s.value(c.right)
		if err != nil {
			return err
		}
		s.scratch[i] = u + s.mesh.Alpha*(ul-2*u+ur)
	}
	for i, c := range s.cells {
		if err := s.arr.Set(c.self, s.scratch[i]); err != nil {
			return err
		}
	}
	s.steps++
	return nil
}

func (s *Solver) value(idx storage.LocalIndex) (float64, error) {
	if idx == storage.NoIndex {
		return 0, nil
	}
	return s.arr.Get(idx)
}

// Run takes n steps and logs progress every tenth of the run
func (s *Solver) Run(ctx context.Context, n int) error {
	start := time.Now()
	every := max(n/10, 1)
	for i := 0; i < n; i++ {
		if err := s.Step(ctx); err != nil {
			return err
		}
		if s.steps%every == 0 {
			s.logger.Debug().Int("step", s.steps).Msg("progress")
		}
	}
	stats := s.arr.GetStats()
	s.logger.Info().
		Int("steps", n).
		Dur("took", time.Since(start)).
		Uint64("bytes_sent", stats.Sync.BytesSent).
		Uint64("bytes_received", stats.Sync.BytesReceived).
		Msg("run complete")
	return nil
}

// Collect gathers the whole field on rank 0 in mesh order. Other ranks
// receive nil. Collective.
//
// Positions come from the continuous index, which numbers owned cells
// densely in rank order.
func (s *Solver) Collect(ctx context.Context) ([]float64, error) {
	if err := s.arr.BuildContinuousIndex(ctx); err != nil {
		return nil, err
	}
	owned := s.arr.Owned()
	pairs := make([]uint64, 0, 2*len(owned))
	for _, e := range owned {
		id, err := s.arr.LocalToContinuousGlobal(e.Local)
		if err != nil {
			return nil, err
		}
		v, err := s.arr.Get(e.Local)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, uint64(id), math.Float64bits(v))
	}

	parts, err := s.comm.Gather(ctx, 0, comm.EncodeUint64s(pairs))
	if err != nil || parts == nil {
		return nil, err
	}

	field := make([]float64, s.mesh.Cells)
	for src, part := range parts {
		vals, err := comm.DecodeUint64s(part)
		if err != nil || len(vals)%2 != 0 {
			return nil, fmt.Errorf("%w: field part of rank %d", comm.ErrCountMismatch, src)
		}
		for i := 0; i < len(vals); i += 2 {
			if vals[i] >= uint64(len(field)) {
				return nil, fmt.Errorf("rank %d sent cell %d of %d", src, vals[i], len(field))
			}
			field[vals[i]] = math.Float64frombits(vals[i+1])
		}
	}
	return field, nil
}

// Serial runs the same scheme on one process and returns the field after
// steps steps.
func Serial(mesh config.MeshConfig, steps int) []float64 {
	dx := mesh.Width / float64(mesh.Cells)
	u := make([]float64, mesh.Cells)
	for i := range u {
		u[i] = initial((float64(i)+0.5)*dx, mesh.Width)
	}
	next := make([]float64, mesh.Cells)
	for n := 0; n < steps; n++ {
		for i := range u {
			var ul, ur float64
			if i > 0 {
				ul = u[i-1]
			}
			if i < len(u)-1 {
				ur = u[i+1]
			}
			next[i] = u[i] + mesh.Alpha*(ul-2*u[i]+ur)
		}
		u, next = next, u
	}
	return u
}
