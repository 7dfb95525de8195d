// Package registry is the in-memory store of tracked agents.
//
// Agents are spread over a fixed number of shards. A shard lock only guards
// the shard's map; each agent has its own mutex, so updates to different
// agents never contend once the entry has been looked up. Snapshot copies
// every agent without holding more than one agent lock at a time, which lets
// the pairwise risk pass run on a consistent per-agent view while telemetry
// keeps flowing.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/syntor/fleetcore/pkg/models"
)

// DefaultShardCount is used when New is given a non-positive count.
const DefaultShardCount = 32

// AgentState is the kinematic and risk record of one agent.
//
// Trajectory and Maneuver are replaced wholesale on every change and never
// mutated in place, so copies returned by the registry may share them.
type AgentState struct {
	ID         string                    `json:"id"`
	Position   models.Position           `json:"position"`
	Velocity   models.Velocity           `json:"velocity"`
	Heading    float64                   `json:"heading"`
	Battery    float64                   `json:"battery"`
	LastUpdate time.Time                 `json:"last_update"`
	Trajectory []models.Position         `json:"trajectory,omitempty"`
	Risk       models.RiskLevel          `json:"risk"`
	Maneuver   *models.AvoidanceManeuver `json:"maneuver,omitempty"`
}

type entry struct {
	mu    sync.Mutex
	state AgentState
}

type shard struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

// Registry holds AgentState records keyed by agent id
type Registry struct {
	shards []*shard
}

// New creates a registry with shardCount shards
func New(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	r := &Registry{shards: make([]*shard, shardCount)}
	for i := range r.shards {
		r.shards[i] = &shard{agents: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

func (r *Registry) lookup(id string) (*entry, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.agents[id]
	s.mu.RUnlock()
	return e, ok
}

// Register adds a new agent. It fails if the id is already tracked.
func (r *Registry) Register(state AgentState) error {
	if state.ID == "" {
		return &models.ValidationError{Field: "id", Message: "agent ID is required"}
	}

	s := r.shardFor(state.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[state.ID]; exists {
		return fmt.Errorf("register %s: %w", state.ID, models.ErrAgentAlreadyRegistered)
	}
	s.agents[state.ID] = &entry{state: state}
	return nil
}

// Unregister removes an agent
func (r *Registry) Unregister(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return fmt.Errorf("unregister %s: %w", id, models.ErrAgentNotFound)
	}
	delete(s.agents, id)
	return nil
}

// Get returns a copy of the agent's state
func (r *Registry) Get(id string) (AgentState, error) {
	e, ok := r.lookup(id)
	if !ok {
		return AgentState{}, fmt.Errorf("get %s: %w", id, models.ErrAgentNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Update applies fn to a working copy of the agent's state under the agent's
// lock. The copy is stored only when fn returns nil, so a failed update
// leaves the record untouched. The stored state is returned.
func (r *Registry) Update(id string, fn func(*AgentState) error) (AgentState, error) {
	e, ok := r.lookup(id)
	if !ok {
		return AgentState{}, fmt.Errorf("update %s: %w", id, models.ErrAgentNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.state
	if err := fn(&working); err != nil {
		return e.state, err
	}
	working.ID = e.state.ID
	e.state = working
	return working, nil
}

// Snapshot returns a copy of every agent sorted by id
func (r *Registry) Snapshot() []AgentState {
	entries := make([]*entry, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.agents {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}

	out := make([]AgentState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked agents
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.agents)
		s.mu.RUnlock()
	}
	return n
}

// Contains reports whether id is tracked
func (r *Registry) Contains(id string) bool {
	_, ok := r.lookup(id)
	return ok
}
