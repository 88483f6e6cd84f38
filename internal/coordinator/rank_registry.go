package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/halo/internal/cluster"
)

var (
	// ErrGroupFull is returned when an unknown node registers after every
	// rank has been handed out
	ErrGroupFull = errors.New("coordinator: process group is full")

	// ErrRosterIncomplete is returned by Roster until every rank is taken
	ErrRosterIncomplete = errors.New("coordinator: roster incomplete")
)

// RankRegistry assigns ranks 0..size-1 to nodes in registration order.
//
// Registering the same node ID twice returns the rank it already holds,
// so a node that retries after a lost response keeps its place. The job
// ID is minted once when the registry is created and ties every message
// of the run to this group.
//
// Thread-safe: all methods may be called concurrently.
type RankRegistry struct {
	members []cluster.RankInfo
	job     string
	mu      sync.RWMutex
	size    int
}

// NewRankRegistry creates a registry for a group of size ranks. An empty
// job mints a fresh UUID.
func NewRankRegistry(size int, job string) (*RankRegistry, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	if job == "" {
		job = uuid.NewString()
	}
	return &RankRegistry{
		members: make([]cluster.RankInfo, 0, size),
		job:     job,
		size:    size,
	}, nil
}

// Register assigns node the next free rank, or returns the rank it
// already holds. A changed address of a known node is recorded.
func (r *RankRegistry) Register(node cluster.NodeInfo) (cluster.RegisterResponse, error) {
	if node.ID == "" {
		return cluster.RegisterResponse{}, errors.New("node ID cannot be empty")
	}
	if node.Addr == "" {
		return cluster.RegisterResponse{}, errors.New("node address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rank := slices.IndexFunc(r.members, func(m cluster.RankInfo) bool { return m.ID == node.ID })
	switch {
	case rank >= 0:
		r.members[rank].Addr = node.Addr
	case len(r.members) == r.size:
		return cluster.RegisterResponse{}, fmt.Errorf("%w: %d of %d ranks taken, rejecting %s",
			ErrGroupFull, len(r.members), r.size, node.ID)
	default:
		rank = len(r.members)
		r.members = append(r.members, cluster.RankInfo{Rank: rank, ID: node.ID, Addr: node.Addr})
	}

	return cluster.RegisterResponse{Rank: rank, Size: r.size, Job: r.job}, nil
}

// Roster returns the complete rank table, or ErrRosterIncomplete while
// ranks are still free.
func (r *RankRegistry) Roster() (cluster.Roster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) < r.size {
		return cluster.Roster{}, fmt.Errorf("%w: %d of %d ranks registered",
			ErrRosterIncomplete, len(r.members), r.size)
	}
	return cluster.Roster{Job: r.job, Size: r.size, Members: slices.Clone(r.members)}, nil
}

// Nodes returns the registered nodes in rank order
func (r *RankRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.NodeInfo, len(r.members))
	for i, m := range r.members {
		out[i] = cluster.NodeInfo{ID: m.ID, Addr: m.Addr}
	}
	return out
}

// RankOf returns the rank held by a node ID
func (r *RankRegistry) RankOf(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rank := slices.IndexFunc(r.members, func(m cluster.RankInfo) bool { return m.ID == id })
	return rank, rank >= 0
}

// Registered returns how many ranks are taken
func (r *RankRegistry) Registered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Size returns the group size
func (r *RankRegistry) Size() int { return r.size }

// Job returns the job ID of the group
func (r *RankRegistry) Job() string { return r.job }
