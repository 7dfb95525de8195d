// Package coordination evaluates fleet-wide reactive rules over a snapshot
// of agent state.
//
// Evaluation and dispatch are separate steps. EvaluateRules only reports
// which rules fired and which agents caused them; Dispatch hands the
// resulting actions to a Dispatcher supplied by the host.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntor/fleetcore/pkg/geo"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

// AgentState is the lightweight per-agent view used by rule evaluation
type AgentState struct {
	ID          string             `json:"id"`
	Position    models.Position    `json:"position"`
	Velocity    models.Velocity    `json:"velocity"`
	Heading     float64            `json:"heading"`
	Battery     float64            `json:"battery"`
	Status      models.AgentStatus `json:"status"`
	LastUpdate  time.Time          `json:"last_update"`
	CommQuality float64            `json:"comm_quality"`
}

// ConditionEvaluator resolves weather and custom conditions. It returns the
// ids of the agents that satisfy the condition; none means not triggered.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, rule Rule, agents []AgentState) ([]string, error)
}

// ConditionFunc adapts a function to ConditionEvaluator
type ConditionFunc func(ctx context.Context, rule Rule, agents []AgentState) ([]string, error)

// Evaluate calls f
func (f ConditionFunc) Evaluate(ctx context.Context, rule Rule, agents []AgentState) ([]string, error) {
	return f(ctx, rule, agents)
}

// CoordinationAction is a triggered rule's action addressed to agents
type CoordinationAction struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Priority int       `json:"priority"`
	Action   Action    `json:"action"`
	AgentIDs []string  `json:"agent_ids"`
	IssuedAt time.Time `json:"issued_at"`
}

// ActionHandler executes custom actions
type ActionHandler interface {
	Handle(ctx context.Context, action CoordinationAction) error
}

// ActionFunc adapts a function to ActionHandler
type ActionFunc func(ctx context.Context, action CoordinationAction) error

// Handle calls f
func (f ActionFunc) Handle(ctx context.Context, action CoordinationAction) error {
	return f(ctx, action)
}

// Dispatcher delivers built-in actions to the command-dispatch service
type Dispatcher interface {
	Dispatch(ctx context.Context, action CoordinationAction) error
}

// TriggeredRule is one rule that fired during an evaluation pass
type TriggeredRule struct {
	Rule     Rule     `json:"rule"`
	AgentIDs []string `json:"agent_ids"`
}

// RuleError records a rule that could not be evaluated
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Report is the outcome of one evaluation pass
type Report struct {
	Evaluated   int             `json:"evaluated"`
	Triggered   []TriggeredRule `json:"triggered,omitempty"`
	Errors      []*RuleError    `json:"-"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// Status is the CoordinationStatus snapshot
type Status struct {
	TotalAgents        int       `json:"total_agents"`
	ActiveAgents       int       `json:"active_agents"`
	AverageCommQuality float64   `json:"average_comm_quality"`
	EnabledRules       int       `json:"enabled_rules"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Engine holds the coordination rule table and agent map
type Engine struct {
	agents map[string]AgentState
	rules  []Rule
	mu     sync.RWMutex

	conditions map[string]ConditionEvaluator
	weather    map[string]ConditionEvaluator
	handlers   map[string]ActionHandler
	dispatcher Dispatcher
	hooksMu    sync.RWMutex

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

// WithDispatcher sets the collaborator that receives built-in actions
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithConditionEvaluator registers a custom condition evaluator by name
func WithConditionEvaluator(name string, ev ConditionEvaluator) Option {
	return func(e *Engine) { e.conditions[name] = ev }
}

// WithWeatherEvaluator registers a weather evaluator by tag
func WithWeatherEvaluator(tag string, ev ConditionEvaluator) Option {
	return func(e *Engine) { e.weather[tag] = ev }
}

// WithActionHandler registers a custom action handler by name
func WithActionHandler(name string, h ActionHandler) Option {
	return func(e *Engine) { e.handlers[name] = h }
}

// NewEngine creates a rule engine. Every rule must validate.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	e := &Engine{
		agents:     make(map[string]AgentState),
		conditions: make(map[string]ConditionEvaluator),
		weather:    make(map[string]ConditionEvaluator),
		handlers:   make(map[string]ActionHandler),
		logger:     logging.NopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules validates and replaces the rule table
func (e *Engine) SetRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return &models.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate rule ID %s", r.ID)}
		}
		seen[r.ID] = true
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
	return nil
}

// Rules returns the rule table ordered by priority then id
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// RegisterConditionEvaluator adds or replaces a custom condition evaluator
func (e *Engine) RegisterConditionEvaluator(name string, ev ConditionEvaluator) {
	e.hooksMu.Lock()
	e.conditions[name] = ev
	e.hooksMu.Unlock()
}

// RegisterWeatherEvaluator adds or replaces a weather evaluator
func (e *Engine) RegisterWeatherEvaluator(tag string, ev ConditionEvaluator) {
	e.hooksMu.Lock()
	e.weather[tag] = ev
	e.hooksMu.Unlock()
}

// RegisterActionHandler adds or replaces a custom action handler
func (e *Engine) RegisterActionHandler(name string, h ActionHandler) {
	e.hooksMu.Lock()
	e.handlers[name] = h
	e.hooksMu.Unlock()
}

// RegisterAgent starts tracking an agent
func (e *Engine) RegisterAgent(state AgentState) error {
	if state.ID == "" {
		return &models.ValidationError{Field: "id", Message: "agent ID is required"}
	}
	if state.LastUpdate.IsZero() {
		state.LastUpdate = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.agents[state.ID]; exists {
		return fmt.Errorf("register %s: %w", state.ID, models.ErrAgentAlreadyRegistered)
	}
	e.agents[state.ID] = state
	return nil
}

// UnregisterAgent stops tracking an agent
func (e *Engine) UnregisterAgent(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.agents[id]; !exists {
		return fmt.Errorf("unregister %s: %w", id, models.ErrAgentNotFound)
	}
	delete(e.agents, id)
	return nil
}

// UpdateAgentState replaces the stored state of a tracked agent
func (e *Engine) UpdateAgentState(state AgentState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.agents[state.ID]; !exists {
		return fmt.Errorf("update %s: %w", state.ID, models.ErrAgentNotFound)
	}
	e.agents[state.ID] = state
	return nil
}

// ApplyTelemetry merges a telemetry update into the stored state. Optional
// fields left nil in the update keep their stored values.
func (e *Engine) ApplyTelemetry(u models.AgentStateUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state, exists := e.agents[u.AgentID]
	if !exists {
		return fmt.Errorf("update %s: %w", u.AgentID, models.ErrAgentNotFound)
	}

	state.Position = u.Position
	state.Velocity = u.Velocity
	state.Heading = geo.NormalizeHeading(u.Heading)
	state.LastUpdate = u.Timestamp
	if state.LastUpdate.IsZero() {
		state.LastUpdate = e.now()
	}
	if u.Battery != nil {
		state.Battery = *u.Battery
	}
	if u.CommQuality != nil {
		state.CommQuality = *u.CommQuality
	}
	if u.Status != "" {
		state.Status = u.Status
	}
	e.agents[u.AgentID] = state
	return nil
}

// GetAgentState returns the stored state of an agent
func (e *Engine) GetAgentState(id string) (AgentState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, exists := e.agents[id]
	if !exists {
		return AgentState{}, fmt.Errorf("get %s: %w", id, models.ErrAgentNotFound)
	}
	return state, nil
}

func (e *Engine) snapshot() ([]AgentState, []Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	agents := make([]AgentState, 0, len(e.agents))
	for _, a := range e.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	return agents, rules
}

// EvaluateRules evaluates every enabled rule against the whole fleet. A rule
// whose evaluator is missing or fails is recorded in Report.Errors and the
// pass continues. The only returned error is ctx's.
func (e *Engine) EvaluateRules(ctx context.Context) (Report, error) {
	agents, rules := e.snapshot()
	now := e.now()
	report := Report{EvaluatedAt: now}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Evaluated++
		ids, err := e.evaluate(ctx, rule, agents, now)
		if err != nil {
			report.Errors = append(report.Errors, &RuleError{RuleID: rule.ID, Err: err})
			e.logger.Warn("rule evaluation failed", logging.String("rule_id", rule.ID), logging.Err(err))
			continue
		}
		if len(ids) == 0 {
			continue
		}
		report.Triggered = append(report.Triggered, TriggeredRule{Rule: rule, AgentIDs: ids})
		e.logger.Info("rule triggered",
			logging.String("rule_id", rule.ID),
			logging.Int("agents", len(ids)),
			logging.String("action", string(rule.Action.Kind)),
		)
	}
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, rule Rule, agents []AgentState, now time.Time) ([]string, error) {
	c := rule.Condition
	switch c.Kind {
	case ConditionProximityAlert:
		return proximity(agents, c.Distance), nil
	case ConditionBatteryLow:
		var ids []string
		for _, a := range agents {
			if a.Battery < c.Threshold {
				ids = append(ids, a.ID)
			}
		}
		return ids, nil
	case ConditionCommunicationLoss:
		cutoff := now.Add(-c.Timeout)
		var ids []string
		for _, a := range agents {
			if a.LastUpdate.Before(cutoff) {
				ids = append(ids, a.ID)
			}
		}
		return ids, nil
	case ConditionWeather:
		return e.external(ctx, e.weather, c.Tag, rule, agents)
	case ConditionCustom:
		return e.external(ctx, e.conditions, c.Name, rule, agents)
	default:
		return nil, fmt.Errorf("unknown condition %q: %w", c.Kind, models.ErrInvalidRuleCondition)
	}
}

func (e *Engine) external(ctx context.Context, table map[string]ConditionEvaluator, key string, rule Rule, agents []AgentState) ([]string, error) {
	e.hooksMu.RLock()
	ev, ok := table[key]
	e.hooksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for %q: %w", key, models.ErrInvalidRuleCondition)
	}
	ids, err := ev.Evaluate(ctx, rule, agents)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

// proximity returns every agent that is closer than distance to another
func proximity(agents []AgentState, distance float64) []string {
	hit := make(map[string]bool)
	for i := 0; i < len(agents); i++ {
		for j := i + 1; j < len(agents); j++ {
			if geo.HorizontalDistance(agents[i].Position, agents[j].Position) < distance {
				hit[agents[i].ID] = true
				hit[agents[j].ID] = true
			}
		}
	}
	if len(hit) == 0 {
		return nil
	}
	ids := make([]string, 0, len(hit))
	for id := range hit {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Dispatch turns every triggered rule in the report into a
// CoordinationAction. Custom actions go to their named handler; the rest go
// to the Dispatcher. Every action is attempted; failures are joined.
func (e *Engine) Dispatch(ctx context.Context, report Report) error {
	e.hooksMu.RLock()
	dispatcher := e.dispatcher
	e.hooksMu.RUnlock()

	var errs []error
	for _, t := range report.Triggered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		action := CoordinationAction{
			RuleID:   t.Rule.ID,
			RuleName: t.Rule.Name,
			Priority: t.Rule.Priority,
			Action:   t.Rule.Action,
			AgentIDs: t.AgentIDs,
			IssuedAt: e.now(),
		}

		var err error
		if action.Action.Kind == ActionCustom {
			e.hooksMu.RLock()
			h, ok := e.handlers[action.Action.Name]
			e.hooksMu.RUnlock()
			if ok {
				err = h.Handle(ctx, action)
			} else {
				err = fmt.Errorf("no handler registered for action %q", action.Action.Name)
			}
		} else if dispatcher != nil {
			err = dispatcher.Dispatch(ctx, action)
		} else {
			err = errors.New("no dispatcher configured")
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch rule %s: %w", action.RuleID, err))
			e.logger.Error("action dispatch failed", logging.String("rule_id", action.RuleID), logging.Err(err))
		}
	}
	return errors.Join(errs...)
}

// GetCoordinationStatus summarizes the tracked agents and rule table
func (e *Engine) GetCoordinationStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := Status{TotalAgents: len(e.agents), UpdatedAt: e.now()}
	var comm float64
	for _, a := range e.agents {
		if a.Status != models.StatusOffline && a.Status != models.StatusLanded {
			status.ActiveAgents++
		}
		comm += a.CommQuality
	}
	if status.TotalAgents > 0 {
		status.AverageCommQuality = comm / float64(status.TotalAgents)
	}
	for _, r := range e.rules {
		if r.Enabled {
			status.EnabledRules++
		}
	}
	return status
}
