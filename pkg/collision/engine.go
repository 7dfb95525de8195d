// Package collision predicts agent trajectories, classifies pairwise
// collision risk and plans avoidance maneuvers.
//
// Stored risk only escalates. A telemetry update can raise an agent's level
// but never lower it; the level returns to none only through
// ClearAvoidanceManeuver, once the command-dispatch side has confirmed the
// maneuver is done.
package collision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntor/fleetcore/pkg/geo"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/registry"
)

// Engine tracks agents and their collision risk
type Engine struct {
	config   Config
	registry *registry.Registry

	rules   []AvoidanceRule
	rulesMu sync.RWMutex

	logger   logging.Logger
	now      func() time.Time
	listener func(RiskEvent)
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

// WithManeuverListener registers a callback invoked after a maneuver is
// planned. It runs on the updating goroutine without any lock held.
func WithManeuverListener(fn func(RiskEvent)) Option {
	return func(e *Engine) { e.listener = fn }
}

// NewEngine creates a collision engine with the given avoidance rules
func NewEngine(config Config, rules []AvoidanceRule, opts ...Option) *Engine {
	config = config.withDefaults()

	e := &Engine{
		config:   config,
		registry: registry.New(config.ShardCount),
		logger:   logging.NopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.SetAvoidanceRules(rules)
	return e
}

// SetAvoidanceRules replaces the rule table
func (e *Engine) SetAvoidanceRules(rules []AvoidanceRule) {
	sorted := make([]AvoidanceRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	e.rulesMu.Lock()
	e.rules = sorted
	e.rulesMu.Unlock()
}

// AvoidanceRules returns the rule table ordered by precedence
func (e *Engine) AvoidanceRules() []AvoidanceRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]AvoidanceRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// RegisterAgent starts tracking an agent at rest
func (e *Engine) RegisterAgent(id string, position models.Position) error {
	state := registry.AgentState{
		ID:         id,
		Position:   position,
		Battery:    1,
		LastUpdate: e.now(),
		Trajectory: geo.PredictTrajectory(position, models.Velocity{}, e.config.HorizonSeconds),
		Risk:       models.RiskNone,
	}
	if err := e.registry.Register(state); err != nil {
		return err
	}
	e.logger.Info("agent registered", logging.AgentID(id))
	return nil
}

// UnregisterAgent stops tracking an agent
func (e *Engine) UnregisterAgent(id string) error {
	if err := e.registry.Unregister(id); err != nil {
		return err
	}
	e.logger.Info("agent unregistered", logging.AgentID(id))
	return nil
}

// IsRegistered reports whether id is tracked
func (e *Engine) IsRegistered(id string) bool {
	return e.registry.Contains(id)
}

// GetAgentState returns a copy of the agent's record
func (e *Engine) GetAgentState(id string) (registry.AgentState, error) {
	return e.registry.Get(id)
}

// Agents returns a snapshot of every tracked agent sorted by id
func (e *Engine) Agents() []registry.AgentState {
	return e.registry.Snapshot()
}

// UpdateAgentState replaces the agent's kinematics, recomputes its
// trajectory and reassesses risk against every other tracked agent.
func (e *Engine) UpdateAgentState(id string, position models.Position, velocity models.Velocity, heading float64) (Assessment, error) {
	now := e.now()
	self, err := e.registry.Update(id, func(s *registry.AgentState) error {
		s.Position = position
		s.Velocity = velocity
		s.Heading = geo.NormalizeHeading(heading)
		s.LastUpdate = now
		s.Trajectory = geo.PredictTrajectory(position, velocity, e.config.HorizonSeconds)
		return nil
	})
	if err != nil {
		return Assessment{}, err
	}

	// The pass works on copies; other agents may move while it runs.
	snapshot := e.registry.Snapshot()

	assessment := Assessment{AgentID: id, Assessed: now}
	worst := PairRisk{Risk: models.RiskNone}
	for _, other := range snapshot {
		if other.ID == id {
			continue
		}
		pair := e.config.AssessPair(self, other)
		if pair.Risk == models.RiskNone {
			continue
		}
		assessment.Pairs = append(assessment.Pairs, pair)
		if pair.Risk > worst.Risk {
			worst = pair
		}
	}

	var events []RiskEvent
	if worst.Risk > models.RiskNone {
		if ev, ok := e.escalate(id, worst.Risk, reasonFor(worst, worst.AgentB)); ok {
			events = append(events, ev)
		}
	}
	for _, pair := range assessment.Pairs {
		if ev, ok := e.escalate(pair.AgentB, pair.Risk, reasonFor(pair, id)); ok {
			events = append(events, ev)
		}
	}

	if stored, err := e.registry.Get(id); err == nil {
		assessment.Risk = stored.Risk
	}
	for _, ev := range events {
		assessment.Planned = append(assessment.Planned, ev.AgentID)
		e.emit(ev)
	}
	return assessment, nil
}

// ReassessAll runs the full pairwise pass over a snapshot of every agent.
// It returns the pairs with any risk, ordered by agent ids.
func (e *Engine) ReassessAll() []PairRisk {
	snapshot := e.registry.Snapshot()

	var pairs []PairRisk
	worst := make(map[string]PairRisk, len(snapshot))
	for i := 0; i < len(snapshot); i++ {
		for j := i + 1; j < len(snapshot); j++ {
			pair := e.config.AssessPair(snapshot[i], snapshot[j])
			if pair.Risk == models.RiskNone {
				continue
			}
			pairs = append(pairs, pair)
			if pair.Risk > worst[pair.AgentA].Risk {
				worst[pair.AgentA] = pair
			}
			if pair.Risk > worst[pair.AgentB].Risk {
				worst[pair.AgentB] = pair
			}
		}
	}

	for _, s := range snapshot {
		pair, ok := worst[s.ID]
		if !ok {
			continue
		}
		other := pair.AgentB
		if other == s.ID {
			other = pair.AgentA
		}
		if ev, ok := e.escalate(s.ID, pair.Risk, reasonFor(pair, other)); ok {
			e.emit(ev)
		}
	}
	return pairs
}

// UpdateBattery stores the latest battery level
func (e *Engine) UpdateBattery(id string, level float64) error {
	if level < 0 || level > 1 {
		return &models.ValidationError{Field: "battery", Message: "battery must be within [0,1]"}
	}
	_, err := e.registry.Update(id, func(s *registry.AgentState) error {
		s.Battery = level
		return nil
	})
	return err
}

// ClearAvoidanceManeuver drops the active maneuver and resets risk to none
func (e *Engine) ClearAvoidanceManeuver(id string) error {
	_, err := e.registry.Update(id, func(s *registry.AgentState) error {
		s.Maneuver = nil
		s.Risk = models.RiskNone
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("avoidance maneuver cleared", logging.AgentID(id))
	return nil
}

// GetAvoidanceCommand translates the agent's active maneuver into a command.
// It returns nil when no maneuver is active.
func (e *Engine) GetAvoidanceCommand(id string) (*AvoidanceCommand, error) {
	state, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if state.Maneuver == nil {
		return nil, nil
	}
	cmd := buildCommand(state, *state.Maneuver, e.now())
	return &cmd, nil
}

// GetSystemStatus summarizes the tracked fleet
func (e *Engine) GetSystemStatus() Status {
	snapshot := e.registry.Snapshot()
	status := Status{TotalAgents: len(snapshot), SystemHealth: 1, UpdatedAt: e.now()}

	for _, s := range snapshot {
		if s.Risk >= models.RiskMedium {
			status.AgentsAtRisk++
		}
		if s.Maneuver != nil {
			status.ActiveManeuvers++
		}
	}
	if status.TotalAgents > 0 {
		status.SystemHealth = 1 - float64(status.AgentsAtRisk)/float64(status.TotalAgents)
	}
	return status
}

// escalate raises the stored risk of id when risk is higher and plans a
// maneuver once the level reaches medium.
func (e *Engine) escalate(id string, risk models.RiskLevel, reason string) (RiskEvent, bool) {
	var event RiskEvent
	planned := false

	_, err := e.registry.Update(id, func(s *registry.AgentState) error {
		if risk <= s.Risk {
			return nil
		}
		s.Risk = risk
		if risk < models.RiskMedium {
			return nil
		}
		maneuver, ok := e.planManeuver(*s, risk, reason)
		if !ok {
			return nil
		}
		s.Maneuver = &maneuver
		event = RiskEvent{
			AgentID:  id,
			Risk:     risk,
			Maneuver: maneuver,
			Command:  buildCommand(*s, maneuver, maneuver.StartedAt),
		}
		planned = true
		return nil
	})
	if err != nil {
		// The agent was unregistered after the snapshot was taken.
		e.logger.Debug("escalation skipped", logging.AgentID(id), logging.Err(err))
		return RiskEvent{}, false
	}
	return event, planned
}

// planManeuver picks the enabled rule with the lowest priority value
func (e *Engine) planManeuver(state registry.AgentState, risk models.RiskLevel, reason string) (models.AvoidanceManeuver, bool) {
	e.rulesMu.RLock()
	var rule *AvoidanceRule
	for i := range e.rules {
		if e.rules[i].Enabled {
			r := e.rules[i]
			rule = &r
			break
		}
	}
	e.rulesMu.RUnlock()

	if rule == nil {
		e.logger.Warn("no enabled avoidance rule", logging.AgentID(state.ID), logging.String("risk", risk.String()))
		return models.AvoidanceManeuver{}, false
	}

	maneuver := models.AvoidanceManeuver{
		Spec:      rule.Maneuver,
		RuleID:    rule.ID,
		StartedAt: e.now(),
		Duration:  e.config.ManeuverDuration,
		Priority:  rule.Priority,
		Reason:    reason,
	}

	switch rule.Maneuver.Kind {
	case models.ManeuverAltitudeChange:
		target := state.Position
		target.Alt += rule.Maneuver.AltitudeDelta
		maneuver.Target = &target
	case models.ManeuverHorizontalDeviation:
		target := geo.Offset(state.Position, geo.NormalizeHeading(state.Heading+rule.Maneuver.Angle), rule.Maneuver.Distance)
		maneuver.Target = &target
	case models.ManeuverReturnToBase:
		if e.config.Home != nil {
			home := *e.config.Home
			maneuver.Target = &home
		}
	}

	e.logger.Warn("avoidance maneuver planned",
		logging.AgentID(state.ID),
		logging.String("risk", risk.String()),
		logging.String("rule_id", rule.ID),
		logging.String("maneuver", string(rule.Maneuver.Kind)),
	)
	return maneuver, true
}

func (e *Engine) emit(ev RiskEvent) {
	if e.listener != nil {
		e.listener(ev)
	}
}

func reasonFor(pair PairRisk, other string) string {
	if pair.TrajectoryConflict {
		return fmt.Sprintf("predicted separation below minimum with %s", other)
	}
	return fmt.Sprintf("%s risk: %.1fm from %s", pair.Risk, pair.Distance, other)
}
