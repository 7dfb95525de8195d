// Package swarm groups agents into swarms with a formation, a leader and a
// broadcast channel.
package swarm

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

const (
	integrityMultiMember = 0.95
	integritySingle      = 1.0
	defaultCommQuality   = 0.9
)

type swarm struct {
	id        string
	name      string
	formation Formation
	members   map[string]Member
	leader    string
	status    Status
	createdAt time.Time
	bus       *broadcaster
}

func (s *swarm) info() Info {
	out := Info{
		ID:        s.id,
		Name:      s.name,
		Formation: s.formation,
		Members:   make([]Member, 0, len(s.members)),
		LeaderID:  s.leader,
		Status:    s.status,
		CreatedAt: s.createdAt,
		Dropped:   s.bus.dropped.Load(),
	}
	out.Subscribers = s.bus.subscribers()
	out.Formation.Offsets = append([]Offset(nil), s.formation.Offsets...)
	for _, m := range s.members {
		m.Capabilities = append([]string(nil), m.Capabilities...)
		out.Members = append(out.Members, m)
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].AgentID < out.Members[j].AgentID })
	return out
}

// Manager owns every swarm
type Manager struct {
	config Config
	swarms map[string]*swarm
	mu     sync.RWMutex

	logger logging.Logger
	now    func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a swarm manager
func NewManager(config Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if config.MaxMembers <= 0 {
		config.MaxMembers = defaults.MaxMembers
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	m := &Manager{
		config: config,
		swarms: make(map[string]*swarm),
		logger: logging.NopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lookupLocked(id string) (*swarm, error) {
	s, ok := m.swarms[id]
	if !ok {
		return nil, fmt.Errorf("swarm %s: %w", id, models.ErrSwarmNotFound)
	}
	return s, nil
}

// CreateSwarm creates an empty, inactive swarm and returns its id
func (m *Manager) CreateSwarm(name string, formation Formation) (string, error) {
	if !formation.Valid() {
		return "", &models.ValidationError{Field: "formation", Message: "unknown or empty formation " + string(formation.Kind)}
	}

	s := &swarm{
		id:        uuid.New().String(),
		name:      name,
		formation: formation,
		members:   make(map[string]Member),
		status:    StatusInactive,
		createdAt: m.now(),
		bus:       newBroadcaster(m.config.QueueCapacity),
	}
	s.formation.Offsets = append([]Offset(nil), formation.Offsets...)

	m.mu.Lock()
	m.swarms[s.id] = s
	m.mu.Unlock()

	m.logger.Info("swarm created", logging.SwarmID(s.id), logging.String("name", name), logging.String("formation", string(formation.Kind)))
	return s.id, nil
}

// GetSwarm returns a copy of a swarm
func (m *Manager) GetSwarm(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// ListSwarms returns every swarm sorted by id
func (m *Manager) ListSwarms() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.swarms))
	for _, s := range m.swarms {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddAgentToSwarm adds a member. The first member becomes leader and moves
// an inactive swarm to forming.
func (m *Manager) AddAgentToSwarm(swarmID string, member Member) error {
	if member.AgentID == "" {
		return &models.ValidationError{Field: "agent_id", Message: "agent ID is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(swarmID)
	if err != nil {
		return err
	}
	if _, exists := s.members[member.AgentID]; exists {
		return fmt.Errorf("add %s to swarm %s: %w", member.AgentID, swarmID, models.ErrAgentAlreadyRegistered)
	}
	if len(s.members) >= m.config.MaxMembers {
		return fmt.Errorf("add %s to swarm %s: %w", member.AgentID, swarmID, models.ErrSwarmAtCapacity)
	}

	if member.JoinedAt.IsZero() {
		member.JoinedAt = m.now()
	}
	member.Capabilities = append([]string(nil), member.Capabilities...)
	s.members[member.AgentID] = member

	if s.leader == "" {
		s.leader = member.AgentID
	}
	if s.status == StatusInactive {
		s.status = StatusForming
	}

	m.logger.Info("agent joined swarm",
		logging.SwarmID(swarmID),
		logging.AgentID(member.AgentID),
		logging.Int("members", len(s.members)),
	)
	return nil
}

// RemoveAgentFromSwarm removes a member. A removed leader is replaced by the
// member with the smallest id; an emptied swarm goes back to inactive.
func (m *Manager) RemoveAgentFromSwarm(swarmID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(swarmID)
	if err != nil {
		return err
	}
	if _, exists := s.members[agentID]; !exists {
		return fmt.Errorf("remove %s from swarm %s: %w", agentID, swarmID, models.ErrAgentNotFound)
	}
	delete(s.members, agentID)

	if s.leader == agentID {
		s.leader = ""
		for id := range s.members {
			if s.leader == "" || id < s.leader {
				s.leader = id
			}
		}
	}
	if len(s.members) == 0 && s.status != StatusEmergency {
		s.status = StatusInactive
	}

	m.logger.Info("agent left swarm", logging.SwarmID(swarmID), logging.AgentID(agentID), logging.String("leader", s.leader))
	return nil
}

// UpdateMember refreshes status, battery and position of an agent in every
// swarm it belongs to. It reports whether any swarm was updated.
func (m *Manager) UpdateMember(agentID string, status models.AgentStatus, battery float64, position models.Position) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := false
	for _, s := range m.swarms {
		member, ok := s.members[agentID]
		if !ok {
			continue
		}
		if status != "" {
			member.Status = status
		}
		member.Battery = battery
		member.Position = position
		s.members[agentID] = member
		updated = true
	}
	return updated
}

// SetSwarmStatus changes a swarm's status
func (m *Manager) SetSwarmStatus(swarmID string, status Status) error {
	if !status.Valid() {
		return &models.ValidationError{Field: "status", Message: "unknown swarm status " + string(status)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(swarmID)
	if err != nil {
		return err
	}
	s.status = status
	return nil
}

// Subscribe returns a subscription to the swarm's broadcasts
func (m *Manager) Subscribe(swarmID string) (*Subscription, error) {
	m.mu.RLock()
	s, err := m.lookupLocked(swarmID)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	sub, ok := s.bus.subscribe()
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", swarmID, models.ErrSwarmNotFound)
	}
	return sub, nil
}

// BroadcastToSwarm delivers msg to every subscriber of the swarm. Having no
// subscribers is not an error. It returns the number of subscribers reached.
func (m *Manager) BroadcastToSwarm(swarmID string, msg Message) (int, error) {
	m.mu.RLock()
	s, err := m.lookupLocked(swarmID)
	m.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Target == "" {
		msg.Target = TargetAll
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	msg.SwarmID = swarmID

	delivered := s.bus.publish(msg)
	m.logger.Debug("swarm broadcast",
		logging.SwarmID(swarmID),
		logging.String("kind", string(msg.Kind)),
		logging.Int("delivered", delivered),
	)
	return delivered, nil
}

// Dropped returns the number of messages discarded for a swarm
func (m *Manager) Dropped(swarmID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookupLocked(swarmID)
	if err != nil {
		return 0, err
	}
	return s.bus.dropped.Load(), nil
}

// GetSwarmHealth summarizes a swarm's members
func (m *Manager) GetSwarmHealth(swarmID string) (Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookupLocked(swarmID)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		SwarmID:            swarmID,
		TotalMembers:       len(s.members),
		FormationIntegrity: integritySingle,
		CommQuality:        defaultCommQuality,
		Status:             s.status,
	}
	var battery float64
	for _, member := range s.members {
		if member.Status == models.StatusInMission || member.Status == models.StatusIdle {
			h.ActiveMembers++
		}
		battery += member.Battery
	}
	if h.TotalMembers > 0 {
		h.AverageBattery = battery / float64(h.TotalMembers)
	}
	if h.TotalMembers >= 2 {
		h.FormationIntegrity = integrityMultiMember
	}
	return h, nil
}

// EmergencyLandSwarm broadcasts an emergency landing command to every
// member and marks the swarm as in emergency.
func (m *Manager) EmergencyLandSwarm(swarmID string) (int, error) {
	m.mu.Lock()
	s, err := m.lookupLocked(swarmID)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	s.status = StatusEmergency
	m.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"command": CommandEmergencyLand})
	m.logger.Warn("swarm emergency landing", logging.SwarmID(swarmID))
	return m.BroadcastToSwarm(swarmID, Message{
		Kind:    KindCommand,
		Target:  TargetAll,
		Command: CommandEmergencyLand,
		Payload: payload,
	})
}

// DissolveSwarm closes every subscription and removes the swarm
func (m *Manager) DissolveSwarm(swarmID string) error {
	m.mu.Lock()
	s, err := m.lookupLocked(swarmID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.swarms, swarmID)
	m.mu.Unlock()

	s.bus.close()
	m.logger.Info("swarm dissolved", logging.SwarmID(swarmID), logging.Int("members", len(s.members)))
	return nil
}
