package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/fleetcore/pkg/models"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// MockDispatcher records dispatched actions
type MockDispatcher struct {
	actions []CoordinationAction
	err     error
}

func (m *MockDispatcher) Dispatch(_ context.Context, action CoordinationAction) error {
	m.actions = append(m.actions, action)
	return m.err
}

func agent(id string, lat, lon, battery float64) AgentState {
	return AgentState{
		ID:          id,
		Position:    models.Position{Lat: lat, Lon: lon, Alt: 50},
		Battery:     battery,
		Status:      models.StatusInMission,
		LastUpdate:  t0,
		CommQuality: 1,
	}
}

func triggeredIDs(r Report) []string {
	var ids []string
	for _, t := range r.Triggered {
		ids = append(ids, t.Rule.ID)
	}
	return ids
}

func TestNewEngineRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown condition", Rule{ID: "x", Condition: Condition{Kind: "tornado"}, Action: Action{Kind: ActionSendAlert}}},
		{"zero distance", Rule{ID: "x", Condition: Condition{Kind: ConditionProximityAlert}, Action: Action{Kind: ActionSendAlert}}},
		{"battery above one", Rule{ID: "x", Condition: Condition{Kind: ConditionBatteryLow, Threshold: 2}, Action: Action{Kind: ActionSendAlert}}},
		{"custom without name", Rule{ID: "x", Condition: Condition{Kind: ConditionCustom}, Action: Action{Kind: ActionSendAlert}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine([]Rule{tt.rule})
			assert.True(t, errors.Is(err, models.ErrInvalidRuleCondition))
		})
	}

	t.Run("unknown action", func(t *testing.T) {
		_, err := NewEngine([]Rule{{ID: "x", Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.5}, Action: Action{Kind: "explode"}}})
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("duplicate id", func(t *testing.T) {
		rules := DefaultRules()
		rules = append(rules, rules[0])
		_, err := NewEngine(rules)
		require.Error(t, err)
	})
}

func TestRulesSortedByPriority(t *testing.T) {
	rules := DefaultRules()
	rules[0], rules[3] = rules[3], rules[0]

	e, err := NewEngine(rules)
	require.NoError(t, err)

	got := e.Rules()
	require.Len(t, got, 4)
	assert.Equal(t, "critical-battery-land", got[0].ID)
	assert.Equal(t, "comm-loss-return", got[3].ID)
}

func TestBatteryRules(t *testing.T) {
	e, err := NewEngine(DefaultRules(), WithClock(clockAt(t0)))
	require.NoError(t, err)

	require.NoError(t, e.RegisterAgent(agent("d1", 47, 8, 0.05)))
	require.NoError(t, e.RegisterAgent(agent("d2", 47.01, 8, 0.15)))
	require.NoError(t, e.RegisterAgent(agent("d3", 47.02, 8, 0.9)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Evaluated)
	assert.Equal(t, []string{"critical-battery-land", "low-battery-return"}, triggeredIDs(report))
	assert.Equal(t, []string{"d1"}, report.Triggered[0].AgentIDs)
	assert.Equal(t, []string{"d1", "d2"}, report.Triggered[1].AgentIDs)
	assert.Empty(t, report.Errors)
}

func TestProximityRule(t *testing.T) {
	e, err := NewEngine(DefaultRules(), WithClock(clockAt(t0)))
	require.NoError(t, err)

	// ~5.5 m apart in latitude
	require.NoError(t, e.RegisterAgent(agent("a", 47, 8, 1)))
	require.NoError(t, e.RegisterAgent(agent("b", 47.00005, 8, 1)))
	require.NoError(t, e.RegisterAgent(agent("c", 47.1, 8, 1)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"proximity-separation"}, triggeredIDs(report))
	assert.Equal(t, []string{"a", "b"}, report.Triggered[0].AgentIDs)
}

func TestCommunicationLossRule(t *testing.T) {
	now := t0
	e, err := NewEngine(DefaultRules(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, e.RegisterAgent(agent("a", 47, 8, 1)))
	require.NoError(t, e.RegisterAgent(agent("b", 47.1, 8, 1)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Triggered)

	now = t0.Add(31 * time.Second)
	battery := 0.8
	require.NoError(t, e.ApplyTelemetry(models.AgentStateUpdate{
		AgentID:   "b",
		Timestamp: now,
		Position:  models.Position{Lat: 47.1, Lon: 8, Alt: 50},
		Battery:   &battery,
	}))

	report, err = e.EvaluateRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"comm-loss-return"}, triggeredIDs(report))
	assert.Equal(t, []string{"a"}, report.Triggered[0].AgentIDs)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	rules := DefaultRules()
	for i := range rules {
		rules[i].Enabled = false
	}
	e, err := NewEngine(rules)
	require.NoError(t, err)
	require.NoError(t, e.RegisterAgent(agent("a", 47, 8, 0)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evaluated)
	assert.Empty(t, report.Triggered)
	assert.Equal(t, 0, e.GetCoordinationStatus().EnabledRules)
}

func TestExternalConditions(t *testing.T) {
	rules := []Rule{
		{ID: "storm", Priority: 1, Enabled: true, Condition: Condition{Kind: ConditionWeather, Tag: "storm"}, Action: Action{Kind: ActionLandImmediate}},
		{ID: "geofence", Priority: 2, Enabled: true, Condition: Condition{Kind: ConditionCustom, Name: "geofence"}, Action: Action{Kind: ActionReturnToBase}},
		{ID: "unknown", Priority: 3, Enabled: true, Condition: Condition{Kind: ConditionCustom, Name: "missing"}, Action: Action{Kind: ActionSendAlert}},
	}

	storm := ConditionFunc(func(_ context.Context, _ Rule, agents []AgentState) ([]string, error) {
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids, nil
	})
	geofence := ConditionFunc(func(_ context.Context, _ Rule, agents []AgentState) ([]string, error) {
		return []string{"b", "b"}, nil
	})

	e, err := NewEngine(rules, WithWeatherEvaluator("storm", storm), WithConditionEvaluator("geofence", geofence))
	require.NoError(t, err)
	require.NoError(t, e.RegisterAgent(agent("a", 47, 8, 1)))
	require.NoError(t, e.RegisterAgent(agent("b", 47.1, 8, 1)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"storm", "geofence"}, triggeredIDs(report))
	assert.Equal(t, []string{"a", "b"}, report.Triggered[0].AgentIDs)
	assert.Equal(t, []string{"b"}, report.Triggered[1].AgentIDs)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, "unknown", report.Errors[0].RuleID)
	assert.True(t, errors.Is(report.Errors[0], models.ErrInvalidRuleCondition))

	// registering the evaluator later fixes the rule
	e.RegisterConditionEvaluator("missing", ConditionFunc(func(context.Context, Rule, []AgentState) ([]string, error) {
		return nil, nil
	}))
	report, err = e.EvaluateRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
}

func TestEvaluateRulesHonoursContext(t *testing.T) {
	e, err := NewEngine(DefaultRules())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.EvaluateRules(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch(t *testing.T) {
	dispatcher := &MockDispatcher{}
	var handled []CoordinationAction
	rules := append(DefaultRules(), Rule{
		ID: "low-battery-alert", Priority: 5, Enabled: true,
		Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.3},
		Action:    Action{Kind: ActionCustom, Name: "page-operator"},
	})

	e, err := NewEngine(rules,
		WithClock(clockAt(t0)),
		WithDispatcher(dispatcher),
		WithActionHandler("page-operator", ActionFunc(func(_ context.Context, a CoordinationAction) error {
			handled = append(handled, a)
			return nil
		})),
	)
	require.NoError(t, err)
	require.NoError(t, e.RegisterAgent(agent("d1", 47, 8, 0.15)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Dispatch(context.Background(), report))

	require.Len(t, dispatcher.actions, 1)
	assert.Equal(t, "low-battery-return", dispatcher.actions[0].RuleID)
	assert.Equal(t, ActionReturnToBase, dispatcher.actions[0].Action.Kind)
	assert.Equal(t, []string{"d1"}, dispatcher.actions[0].AgentIDs)

	require.Len(t, handled, 1)
	assert.Equal(t, "page-operator", handled[0].Action.Name)
}

func TestDispatchJoinsErrors(t *testing.T) {
	boom := errors.New("link down")
	dispatcher := &MockDispatcher{err: boom}
	rules := []Rule{
		{ID: "r1", Priority: 1, Enabled: true, Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.5}, Action: Action{Kind: ActionReturnToBase}},
		{ID: "r2", Priority: 2, Enabled: true, Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.5}, Action: Action{Kind: ActionCustom, Name: "nobody"}},
	}
	e, err := NewEngine(rules, WithDispatcher(dispatcher))
	require.NoError(t, err)
	require.NoError(t, e.RegisterAgent(agent("d1", 47, 8, 0.1)))

	report, err := e.EvaluateRules(context.Background())
	require.NoError(t, err)

	err = e.Dispatch(context.Background(), report)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r2")
	assert.Len(t, dispatcher.actions, 1)
}

func TestAgentLifecycle(t *testing.T) {
	e, err := NewEngine(DefaultRules())
	require.NoError(t, err)

	require.NoError(t, e.RegisterAgent(agent("a", 47, 8, 1)))
	assert.ErrorIs(t, e.RegisterAgent(agent("a", 47, 8, 1)), models.ErrAgentAlreadyRegistered)

	updated := agent("a", 48, 9, 0.5)
	require.NoError(t, e.UpdateAgentState(updated))
	got, err := e.GetAgentState("a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Battery)

	assert.ErrorIs(t, e.UpdateAgentState(agent("ghost", 0, 0, 1)), models.ErrAgentNotFound)
	assert.ErrorIs(t, e.ApplyTelemetry(models.AgentStateUpdate{AgentID: "ghost"}), models.ErrAgentNotFound)

	require.NoError(t, e.UnregisterAgent("a"))
	assert.ErrorIs(t, e.UnregisterAgent("a"), models.ErrAgentNotFound)
}

func TestCoordinationStatus(t *testing.T) {
	e, err := NewEngine(DefaultRules())
	require.NoError(t, err)

	empty := e.GetCoordinationStatus()
	assert.Equal(t, 0, empty.TotalAgents)
	assert.Equal(t, 0.0, empty.AverageCommQuality)
	assert.Equal(t, 4, empty.EnabledRules)

	a := agent("a", 47, 8, 1)
	a.CommQuality = 0.6
	b := agent("b", 47.1, 8, 1)
	b.Status = models.StatusLanded
	b.CommQuality = 1.0
	c := agent("c", 47.2, 8, 1)
	c.Status = models.StatusOffline
	c.CommQuality = 0.2
	for _, s := range []AgentState{a, b, c} {
		require.NoError(t, e.RegisterAgent(s))
	}

	status := e.GetCoordinationStatus()
	assert.Equal(t, 3, status.TotalAgents)
	assert.Equal(t, 1, status.ActiveAgents)
	assert.InDelta(t, 0.6, status.AverageCommQuality, 1e-9)
}
