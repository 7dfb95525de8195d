// Package assignment allocates mission requests to eligible agents.
package assignment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

// Engine matches pending missions against agent capability profiles
type Engine struct {
	config Config

	profiles map[string]*Profile
	pending  map[string]Mission
	// assignments holds every record per agent in creation order. The
	// agent's current slot is its latest active record.
	assignments map[string][]*Assignment
	deferred    int
	mu          sync.Mutex

	logger logging.Logger
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an assignment engine
func NewEngine(config Config, opts ...Option) *Engine {
	config = config.withDefaults()
	e := &Engine{
		config:      config,
		profiles:    make(map[string]*Profile),
		pending:     make(map[string]Mission),
		assignments: make(map[string][]*Assignment),
		logger:      logging.NopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// RegisterAgentCapabilities inserts or replaces an agent profile
func (e *Engine) RegisterAgentCapabilities(profile Profile) error {
	if profile.Availability == "" {
		profile.Availability = Available
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	p := profile.clone()
	e.mu.Lock()
	if e.config.ReserveAssignedAgents && p.Availability == Available && e.workloadLocked(p.ID) > 0 {
		p.Availability = Busy
	}
	e.profiles[p.ID] = &p
	e.mu.Unlock()

	e.logger.Debug("capability profile registered", logging.AgentID(p.ID), logging.String("availability", string(p.Availability)))
	return nil
}

// UnregisterAgent drops an agent profile. Its assignment records are kept
// for statistics.
func (e *Engine) UnregisterAgent(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.profiles[id]; !ok {
		return fmt.Errorf("unregister %s: %w", id, models.ErrAgentNotFound)
	}
	delete(e.profiles, id)
	return nil
}

// GetProfile returns a copy of an agent profile
func (e *Engine) GetProfile(id string) (Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("get profile %s: %w", id, models.ErrAgentNotFound)
	}
	return p.clone(), nil
}

// UpdateAgentAvailability changes an agent's availability
func (e *Engine) UpdateAgentAvailability(id string, availability Availability) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[id]
	if !ok {
		return fmt.Errorf("update availability %s: %w", id, models.ErrAgentNotFound)
	}
	next := *p
	next.Availability = availability
	if err := next.Validate(); err != nil {
		return err
	}
	p.Availability = availability
	return nil
}

// UpdateAgentBattery stores an agent's battery level
func (e *Engine) UpdateAgentBattery(id string, level float64) error {
	if level < 0 || level > 1 {
		return &models.ValidationError{Field: "battery", Message: "battery must be within [0,1]"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[id]
	if !ok {
		return fmt.Errorf("update battery %s: %w", id, models.ErrAgentNotFound)
	}
	p.Battery = level
	return nil
}

// SubmitMission queues a mission and runs an allocation pass. A mission
// without an id gets one. The returned mission carries the stored id and
// creation time.
func (e *Engine) SubmitMission(mission Mission) (Mission, PassResult, error) {
	if err := mission.Validate(); err != nil {
		return Mission{}, PassResult{}, err
	}
	if mission.ID == "" {
		mission.ID = uuid.New().String()
	}
	if mission.CreatedAt.IsZero() {
		mission.CreatedAt = e.now()
	}
	mission.RequiredCapabilities = append([]string(nil), mission.RequiredCapabilities...)

	e.mu.Lock()
	if _, exists := e.pending[mission.ID]; exists {
		e.mu.Unlock()
		return Mission{}, PassResult{}, &models.ValidationError{Field: "id", Message: fmt.Sprintf("mission %s is already pending", mission.ID)}
	}
	e.pending[mission.ID] = mission
	e.mu.Unlock()

	e.logger.Info("mission submitted",
		logging.MissionID(mission.ID),
		logging.Int("priority", mission.Priority),
		logging.Int("min_drones", mission.MinDrones),
		logging.Int("max_drones", mission.MaxDrones),
	)
	return mission, e.ProcessPendingMissions(), nil
}

// ProcessPendingMissions tries to allocate every pending mission, highest
// priority first. Missions without enough eligible agents stay pending.
func (e *Engine) ProcessPendingMissions() PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	missions := make([]Mission, 0, len(e.pending))
	for _, m := range e.pending {
		missions = append(missions, m)
	}
	sort.Slice(missions, func(i, j int) bool {
		a, b := missions[i], missions[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var result PassResult
	for _, m := range missions {
		eligible := e.eligibleLocked(m, now)
		if len(eligible) < m.MinDrones {
			result.Deferred++
			e.logger.Debug("mission deferred",
				logging.MissionID(m.ID),
				logging.Int("eligible", len(eligible)),
				logging.Int("min_drones", m.MinDrones),
			)
			continue
		}

		selected := e.selectLocked(m, eligible)
		if len(selected) == 0 {
			result.Deferred++
			e.logger.Debug("no selection for algorithm", logging.MissionID(m.ID), logging.String("algorithm", string(e.config.Algorithm)))
			continue
		}

		e.assignLocked(m, selected, now)
		delete(e.pending, m.ID)
		result.Assigned = append(result.Assigned, m.ID)
	}

	if result.Deferred > 0 {
		e.deferred++
	}
	return result
}

// eligibleLocked returns the eligible profiles sorted by id
func (e *Engine) eligibleLocked(m Mission, now time.Time) []*Profile {
	end := now.Add(m.EstimatedDuration)
	var out []*Profile
	for _, p := range e.profiles {
		if p.Availability != Available {
			continue
		}
		if p.Battery < e.config.MinBattery {
			continue
		}
		if p.NextMaintenance != nil && p.NextMaintenance.Before(end) {
			continue
		}
		capable := true
		for _, tag := range m.RequiredCapabilities {
			if !p.hasCapability(tag) {
				capable = false
				break
			}
		}
		if capable {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) selectLocked(m Mission, eligible []*Profile) []*Profile {
	switch e.config.Algorithm {
	case AlgorithmFirstAvailable:
		return firstN(eligible, m.MaxDrones)
	case AlgorithmBestFit:
		type scored struct {
			profile *Profile
			score   float64
		}
		ranked := make([]scored, 0, len(eligible))
		for _, p := range eligible {
			ranked = append(ranked, scored{profile: p, score: e.scoreLocked(p, m)})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			return ranked[i].profile.ID < ranked[j].profile.ID
		})
		out := make([]*Profile, 0, len(ranked))
		for _, r := range ranked {
			out = append(out, r.profile)
		}
		return firstN(out, m.MaxDrones)
	default:
		// load_balanced, priority_based and auction allocate nothing
		return nil
	}
}

func firstN(profiles []*Profile, n int) []*Profile {
	if len(profiles) > n {
		return profiles[:n]
	}
	return profiles
}

// scoreLocked is the BestFit score of p for m
func (e *Engine) scoreLocked(p *Profile, m Mission) float64 {
	matched := 0
	for _, tag := range m.RequiredCapabilities {
		if p.hasCapability(tag) {
			matched++
		}
	}

	score := p.Battery*30 + float64(matched)*20
	if p.FlightTimeMinutes >= m.EstimatedDuration.Minutes() {
		score += 25
	} else {
		score -= 10
	}
	if e.config.LoadBalancing {
		score -= e.workloadLocked(p.ID) * 15
	}
	return score
}

func (e *Engine) assignLocked(m Mission, selected []*Profile, now time.Time) {
	for i, p := range selected {
		role := RoleSecondary
		if i == 0 {
			role = RolePrimary
		}
		a := &Assignment{
			AgentID:             p.ID,
			MissionID:           m.ID,
			AssignedAt:          now,
			EstimatedCompletion: now.Add(m.EstimatedDuration),
			Status:              StatusAssigned,
			Role:                role,
			WorkloadScore:       e.workloadLocked(p.ID),
		}
		e.assignments[p.ID] = append(e.assignments[p.ID], a)
		if e.config.ReserveAssignedAgents {
			p.Availability = Busy
		}
	}

	e.logger.Info("mission assigned",
		logging.MissionID(m.ID),
		logging.Int("agents", len(selected)),
		logging.String("primary", selected[0].ID),
		logging.String("algorithm", string(e.config.Algorithm)),
	)
}

// WorkloadScore is 10 for every active assignment of the agent
func (e *Engine) WorkloadScore(agentID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workloadLocked(agentID)
}

func (e *Engine) workloadLocked(agentID string) float64 {
	active := 0
	for _, a := range e.assignments[agentID] {
		if a.Status.Active() {
			active++
		}
	}
	return float64(active) * 10
}

// Score returns the BestFit score of an agent for a mission
func (e *Engine) Score(agentID string, mission Mission) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[agentID]
	if !ok {
		return 0, fmt.Errorf("score %s: %w", agentID, models.ErrAgentNotFound)
	}
	return e.scoreLocked(p, mission), nil
}

// currentLocked returns the agent's latest active record, or its latest
// record when none is active.
func (e *Engine) currentLocked(agentID string) *Assignment {
	records := e.assignments[agentID]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status.Active() {
			return records[i]
		}
	}
	if len(records) > 0 {
		return records[len(records)-1]
	}
	return nil
}

// GetAssignment returns the agent's current assignment
func (e *Engine) GetAssignment(agentID string) (Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.currentLocked(agentID)
	if a == nil {
		return Assignment{}, fmt.Errorf("assignment for %s: %w", agentID, models.ErrAgentNotFound)
	}
	return *a, nil
}

// MissionAssignments returns the assignments of a mission sorted by agent id
func (e *Engine) MissionAssignments(missionID string) []Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Assignment
	for _, records := range e.assignments {
		for _, a := range records {
			if a.MissionID == missionID {
				out = append(out, *a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PendingMissions returns the queued missions in processing order
func (e *Engine) PendingMissions() []Mission {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Mission, 0, len(e.pending))
	for _, m := range e.pending {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateAssignmentStatus sets the status of the agent's current assignment.
// A terminal status releases a reserved agent once it has no other active
// assignment.
func (e *Engine) UpdateAssignmentStatus(agentID string, status Status) error {
	if !status.Valid() {
		return &models.ValidationError{Field: "status", Message: "unknown assignment status " + string(status)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.currentLocked(agentID)
	if a == nil {
		return fmt.Errorf("update assignment %s: %w", agentID, models.ErrAgentNotFound)
	}
	a.Status = status

	if !status.Active() {
		e.releaseLocked(agentID)
	}
	e.logger.Info("assignment status updated",
		logging.AgentID(agentID),
		logging.MissionID(a.MissionID),
		logging.String("status", string(status)),
	)
	return nil
}

func (e *Engine) releaseLocked(agentID string) {
	if e.workloadLocked(agentID) > 0 {
		return
	}
	if p, ok := e.profiles[agentID]; ok && p.Availability == Busy {
		p.Availability = Available
	}
}

// CancelMission drops a pending mission and every assignment made for it.
// It returns the number of assignments removed.
func (e *Engine) CancelMission(missionID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, wasPending := e.pending[missionID]
	delete(e.pending, missionID)

	removed := 0
	for agentID, records := range e.assignments {
		kept := records[:0]
		for _, a := range records {
			if a.MissionID == missionID {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == len(records) {
			continue
		}
		if len(kept) == 0 {
			delete(e.assignments, agentID)
		} else {
			e.assignments[agentID] = kept
		}
		e.releaseLocked(agentID)
	}

	if !wasPending && removed == 0 {
		return 0, fmt.Errorf("cancel %s: %w", missionID, models.ErrMissionNotFound)
	}
	e.logger.Info("mission cancelled", logging.MissionID(missionID), logging.Int("assignments_removed", removed))
	return removed, nil
}

// GetAssignmentStatistics summarizes pending missions and assignments
func (e *Engine) GetAssignmentStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Statistics{
		PendingMissions: len(e.pending),
		DeferredPasses:  e.deferred,
		UpdatedAt:       e.now(),
	}
	for _, records := range e.assignments {
		for _, a := range records {
			stats.AssignedMissions++
			if a.Status == StatusCompleted {
				stats.CompletedMissions++
			}
		}
	}
	if len(e.profiles) > 0 {
		var total float64
		for id := range e.profiles {
			total += e.workloadLocked(id)
		}
		stats.AverageWorkload = total / float64(len(e.profiles))
	}
	if stats.AssignedMissions > 0 {
		stats.SuccessRate = float64(stats.CompletedMissions) / float64(stats.AssignedMissions)
	}
	return stats
}
