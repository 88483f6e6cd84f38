package shard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/registry"
	"github.com/dreamware/halo/internal/storage"
)

var (
	// ErrNoPattern is returned by exchanges when no current pattern exists
	ErrNoPattern = errors.New("no current comm pattern")

	// ErrSyncInProgress is returned while a BeginSync awaits its EndSync
	ErrSyncInProgress = errors.New("sync in progress")

	// ErrSyncNotStarted is returned by EndSync without a matching BeginSync
	ErrSyncNotStarted = errors.New("sync not started")

	// ErrNoContinuousIndex is returned by continuous lookups before
	// BuildContinuousIndex has run
	ErrNoContinuousIndex = errors.New("no continuous index")
)

// ShardState represents where a shard is in its lifecycle
type ShardState string

const (
	// ShardStateBuilding means elements may be added and no current pattern exists
	ShardStateBuilding ShardState = "building"
	// ShardStateReady means the pattern is current and exchanges may run
	ShardStateReady ShardState = "ready"
	// ShardStateSyncing means a non-blocking exchange is outstanding
	ShardStateSyncing ShardState = "syncing"
)

// Observer receives timings of collective operations, typically to export
// them as metrics
type Observer interface {
	PatternBuilt(strategy string, took time.Duration, peers int)
	Synced(took time.Duration, bytesSent, bytesReceived int)
}

type nopObserver struct{}

func (nopObserver) PatternBuilt(string, time.Duration, int) {}
func (nopObserver) Synced(time.Duration, int, int)          {}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Sync    SyncStats          // Exchange counts
	Storage storage.StoreStats // Storage statistics
}

// SyncStats tracks collective operation counts
type SyncStats struct {
	Syncs         uint64 // Completed halo exchanges
	BytesSent     uint64 // Payload bytes sent by exchanges
	BytesReceived uint64 // Payload bytes received by exchanges
	PatternBuilds uint64 // Successful pattern builds
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Rank   int        // Rank of the owning process
	Size   int        // Ranks in the group
	State  ShardState // Current state
	Owned  int        // Owned elements
	Ghosts int        // Ghost elements
	Peers  []int      // Ranks exchanged with
	Bytes  int        // Payload bytes reserved
}

type options struct {
	indexed   bool
	capacity  int
	slotLimit int
	logger    zerolog.Logger
	observer  Observer
	verify    bool
	indexMode IndexMode
}

// Option configures a Shard
type Option func(*options)

// WithIndex selects indexed (hash map) or scanning lookups
func WithIndex(indexed bool) Option {
	return func(o *options) { o.indexed = indexed }
}

// WithCapacity pre-reserves n element slots
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithSlotLimit caps the number of element slots
func WithSlotLimit(n int) Option {
	return func(o *options) { o.slotLimit = n }
}

// WithLogger sets the logger; the default discards everything
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver reports collective timings to obs
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithVerify makes BuildCommPattern check the pattern's symmetry
func WithVerify(verify bool) Option {
	return func(o *options) { o.verify = verify }
}

// WithIndexMode selects the ghost resolution protocol of BuildContinuousIndex
func WithIndexMode(m IndexMode) Option {
	return func(o *options) { o.indexMode = m }
}

// Shard is the rank-local part of a partitioned distributed array of T
type Shard[T any] struct {
	comm     *comm.Comm
	codec    Codec[T]
	arena    *storage.Arena
	reg      *registry.Registry
	logger   zerolog.Logger
	observer Observer
	verify   bool

	pattern *pattern.Pattern
	stale   bool
	pending *exchange

	cindex    continuousIndex
	indexMode IndexMode

	Stats *ShardStats // Operation statistics
}

// New creates an empty shard on communicator c
//
// Parameters:
//   - c: communicator of the process group; collectives run over it
//   - codec: fixed-size record format of the element payload
//   - opts: functional options
//
// Returns an error if the codec size is not positive or the initial
// capacity cannot be reserved.
func New[T any](c *comm.Comm, codec Codec[T], opts ...Option) (*Shard[T], error) {
	o := options{
		indexed:   true,
		logger:    zerolog.Nop(),
		observer:  nopObserver{},
		indexMode: IndexRing,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var arenaOpts []storage.ArenaOption
	if o.slotLimit > 0 {
		arenaOpts = append(arenaOpts, storage.WithSlotLimit(o.slotLimit))
	}
	arena, err := storage.NewArena(codec.Size(), arenaOpts...)
	if err != nil {
		return nil, fmt.Errorf("new shard: %w", err)
	}
	if o.capacity > 0 {
		if err := arena.Reserve(o.capacity); err != nil {
			return nil, fmt.Errorf("new shard: %w", err)
		}
	}

	return &Shard[T]{
		comm:      c,
		codec:     codec,
		arena:     arena,
		reg:       registry.New(arena, o.indexed),
		logger:    o.logger.With().Int("rank", c.Rank()).Int("size", c.Size()).Logger(),
		observer:  o.observer,
		verify:    o.verify,
		indexMode: o.indexMode,
		Stats:     &ShardStats{},
	}, nil
}

// Rank returns the rank of the calling process
func (s *Shard[T]) Rank() int { return s.comm.Rank() }

// Size returns the number of ranks in the group
func (s *Shard[T]) Size() int { return s.comm.Size() }

// AddOwned registers an owned element with global ID g and returns its
// local index. The value starts zeroed.
func (s *Shard[T]) AddOwned(g registry.GlobalID) (storage.LocalIndex, error) {
	return s.add(g, s.reg.AddOwned)
}

// AddGhost registers a ghost of the element with global ID g
func (s *Shard[T]) AddGhost(g registry.GlobalID) (storage.LocalIndex, error) {
	return s.add(g, s.reg.AddGhost)
}

func (s *Shard[T]) add(g registry.GlobalID, fn func(registry.GlobalID) (storage.LocalIndex, error)) (storage.LocalIndex, error) {
	if s.pending != nil {
		return storage.NoIndex, ErrSyncInProgress
	}
	idx, err := fn(g)
	if err != nil {
		return storage.NoIndex, err
	}
	s.invalidate()
	return idx, nil
}

// Remove deletes the element at idx and frees its slot for reuse
func (s *Shard[T]) Remove(idx storage.LocalIndex) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}
	if err := s.reg.Remove(idx); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// invalidate marks the derived collective state as out of date
func (s *Shard[T]) invalidate() {
	if s.pattern != nil && !s.stale {
		s.logger.Debug().Msg("comm pattern is stale")
		s.stale = true
	}
	s.cindex.free()
}

// Reserve makes room for capacity elements without invalidating local indices
func (s *Shard[T]) Reserve(capacity int) error {
	return s.arena.Reserve(capacity)
}

// Get decodes the value at idx
func (s *Shard[T]) Get(idx storage.LocalIndex) (T, error) {
	var zero T
	if !s.arena.IsLive(idx) {
		return zero, fmt.Errorf("%w: local index %d", registry.ErrElementNotFound, idx)
	}
	return s.codec.Decode(s.arena.Slot(idx)), nil
}

// Set encodes v into the slot at idx
// Writing a ghost is allowed; the next exchange overwrites it.
func (s *Shard[T]) Set(idx storage.LocalIndex, v T) error {
	if !s.arena.IsLive(idx) {
		return fmt.Errorf("%w: local index %d", registry.ErrElementNotFound, idx)
	}
	s.codec.Encode(s.arena.Slot(idx), v)
	return nil
}

// LocalToGlobal returns the global ID of the element at idx
func (s *Shard[T]) LocalToGlobal(idx storage.LocalIndex) (registry.GlobalID, error) {
	return s.reg.LocalToGlobal(idx)
}

// GlobalToLocal returns the local index of global ID g
func (s *Shard[T]) GlobalToLocal(g registry.GlobalID) (storage.LocalIndex, error) {
	return s.reg.GlobalToLocal(g)
}

// Lookup is GlobalToLocal for callers that expect misses
func (s *Shard[T]) Lookup(g registry.GlobalID) (storage.LocalIndex, bool) {
	return s.reg.Lookup(g)
}

// IsGhost reports whether idx holds a ghost element
func (s *Shard[T]) IsGhost(idx storage.LocalIndex) bool {
	return s.reg.IsGhost(idx)
}

// LocalCount returns the number of owned elements
func (s *Shard[T]) LocalCount() int {
	return s.reg.OwnedCount()
}

// GhostCount returns the number of ghost elements
func (s *Shard[T]) GhostCount() int {
	return s.reg.GhostCount()
}

// Owned returns the owned elements in ascending local index order
func (s *Shard[T]) Owned() []registry.Entry {
	return s.reg.Owned()
}

// Ghosts returns the ghost elements in ascending global ID order
func (s *Shard[T]) Ghosts() []registry.Entry {
	return s.reg.Ghosts()
}

// GlobalCount returns the number of owned elements across all ranks
// This is a collective operation.
func (s *Shard[T]) GlobalCount(ctx context.Context) (int, error) {
	if s.pending != nil {
		return 0, ErrSyncInProgress
	}
	n, err := s.comm.Allreduce(ctx, int64(s.reg.OwnedCount()), comm.OpSum)
	if err != nil {
		return 0, fmt.Errorf("global count: %w", err)
	}
	return int(n), nil
}

// CreateIndex switches to hash map lookups
func (s *Shard[T]) CreateIndex() { s.reg.CreateIndex() }

// DestroyIndex switches to scanning lookups and frees the maps
func (s *Shard[T]) DestroyIndex() { s.reg.DestroyIndex() }

// Indexed reports whether hash map lookups are in use
func (s *Shard[T]) Indexed() bool { return s.reg.Indexed() }

// BuildCommPattern computes the send and receive lists of every rank
//
// This is a collective operation: every rank must call it with the same
// strategy. donors names the owner of each ghost; BroadcastAll ignores it.
// When any ghost of any rank has no owner every rank returns an error that
// matches pattern.ErrIncompleteGhostResolution.
func (s *Shard[T]) BuildCommPattern(ctx context.Context, strategy pattern.Strategy, donors pattern.DonorLookup) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}

	start := time.Now()
	p, err := pattern.Build(ctx, s.comm, s.reg, strategy, donors, s.logger)
	if err != nil {
		return err
	}
	if s.verify {
		if err := pattern.Verify(ctx, s.comm, s.reg, p); err != nil {
			return err
		}
	}

	s.pattern = p
	s.stale = false
	atomic.AddUint64(&s.Stats.Sync.PatternBuilds, 1)
	s.observer.PatternBuilt(strategy.String(), time.Since(start), len(p.Peers()))
	return nil
}

// Pattern returns the current pattern, or nil
func (s *Shard[T]) Pattern() *pattern.Pattern {
	if s.stale {
		return nil
	}
	return s.pattern
}

// SendList returns the local indices sent to peer by each exchange
func (s *Shard[T]) SendList(peer int) ([]storage.LocalIndex, error) {
	p, err := s.current()
	if err != nil {
		return nil, err
	}
	if peer < 0 || peer >= p.Size() {
		return nil, fmt.Errorf("%w: %d", comm.ErrRankOutOfRange, peer)
	}
	return p.SendList(peer), nil
}

// RecvList returns the ghost indices filled from peer by each exchange
func (s *Shard[T]) RecvList(peer int) ([]storage.LocalIndex, error) {
	p, err := s.current()
	if err != nil {
		return nil, err
	}
	if peer < 0 || peer >= p.Size() {
		return nil, fmt.Errorf("%w: %d", comm.ErrRankOutOfRange, peer)
	}
	return p.RecvList(peer), nil
}

func (s *Shard[T]) current() (*pattern.Pattern, error) {
	if s.pattern == nil || s.stale {
		return nil, ErrNoPattern
	}
	return s.pattern, nil
}

// State returns the lifecycle state of the shard
func (s *Shard[T]) State() ShardState {
	switch {
	case s.pending != nil:
		return ShardStateSyncing
	case s.pattern == nil || s.stale:
		return ShardStateBuilding
	default:
		return ShardStateReady
	}
}

// GetStats returns current shard statistics
func (s *Shard[T]) GetStats() ShardStats {
	return ShardStats{
		Sync: SyncStats{
			Syncs:         atomic.LoadUint64(&s.Stats.Sync.Syncs),
			BytesSent:     atomic.LoadUint64(&s.Stats.Sync.BytesSent),
			BytesReceived: atomic.LoadUint64(&s.Stats.Sync.BytesReceived),
			PatternBuilds: atomic.LoadUint64(&s.Stats.Sync.PatternBuilds),
		},
		Storage: s.arena.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard[T]) Info() ShardInfo {
	info := ShardInfo{
		Rank:   s.Rank(),
		Size:   s.Size(),
		State:  s.State(),
		Owned:  s.reg.OwnedCount(),
		Ghosts: s.reg.GhostCount(),
		Bytes:  s.arena.Stats().Bytes,
	}
	if p, err := s.current(); err == nil {
		info.Peers = p.Peers()
	}
	return info
}
