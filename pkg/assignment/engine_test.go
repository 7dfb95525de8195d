package assignment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/fleetcore/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestEngine(config Config) *Engine {
	return NewEngine(config, WithClock(func() time.Time { return t0 }))
}

func rgbDrone(id string, battery float64) Profile {
	return Profile{
		ID:                id,
		FlightTimeMinutes: 60,
		MaxSpeed:          15,
		SensorTypes:       []string{"RGB"},
		Battery:           battery,
		Availability:      Available,
	}
}

func survey(id string, min, max int) Mission {
	return Mission{
		ID:                   id,
		RequiredCapabilities: []string{"RGB"},
		Priority:             5,
		EstimatedDuration:    30 * time.Minute,
		MinDrones:            min,
		MaxDrones:            max,
	}
}

func TestSingleAgentImmediateAssignment(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("drone-1", 0.9)))

	_, result, err := e.SubmitMission(survey("m1", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Assigned)

	a, err := e.GetAssignment("drone-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", a.MissionID)
	assert.Equal(t, StatusAssigned, a.Status)
	assert.Equal(t, RolePrimary, a.Role)
	assert.Equal(t, t0.Add(30*time.Minute), a.EstimatedCompletion)

	p, err := e.GetProfile("drone-1")
	require.NoError(t, err)
	assert.Equal(t, Busy, p.Availability)
	assert.Equal(t, 0, e.GetAssignmentStatistics().PendingMissions)
}

func TestInsufficientAgentsStaysPending(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("drone-1", 0.9)))

	_, result, err := e.SubmitMission(survey("m1", 2, 2))
	require.NoError(t, err)
	assert.Empty(t, result.Assigned)
	assert.Equal(t, 1, result.Deferred)

	stats := e.GetAssignmentStatistics()
	assert.Equal(t, 1, stats.PendingMissions)
	assert.Equal(t, 0, stats.AssignedMissions)
	assert.Equal(t, 1, stats.DeferredPasses)
	assert.Empty(t, e.MissionAssignments("m1"))

	_, err = e.GetAssignment("drone-1")
	assert.True(t, errors.Is(err, models.ErrAgentNotFound))

	// a second agent arrives and the retry succeeds
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("drone-2", 0.9)))
	result = e.ProcessPendingMissions()
	assert.Equal(t, []string{"m1"}, result.Assigned)
	assert.Len(t, e.MissionAssignments("m1"), 2)
}

func TestFirstAvailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmFirstAvailable
	e := newTestEngine(cfg)
	for _, id := range []string{"d4", "d2", "d3", "d1"} {
		require.NoError(t, e.RegisterAgentCapabilities(rgbDrone(id, 0.5)))
	}

	_, _, err := e.SubmitMission(survey("m1", 1, 3))
	require.NoError(t, err)

	got := e.MissionAssignments("m1")
	require.Len(t, got, 3)
	assert.Equal(t, "d1", got[0].AgentID)
	assert.Equal(t, RolePrimary, got[0].Role)
	assert.Equal(t, RoleSecondary, got[1].Role)
	assert.Equal(t, RoleSecondary, got[2].Role)
	assert.Equal(t, "d3", got[2].AgentID)
}

func TestFirstAvailableAssignsMinOfMaxAndEligible(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("assigned count is min(max_drones, eligible)", prop.ForAll(
		func(eligible, ineligible, max int) bool {
			cfg := DefaultConfig()
			cfg.Algorithm = AlgorithmFirstAvailable
			e := newTestEngine(cfg)
			for i := 0; i < eligible; i++ {
				if e.RegisterAgentCapabilities(rgbDrone(fmt.Sprintf("ok-%02d", i), 0.8)) != nil {
					return false
				}
			}
			for i := 0; i < ineligible; i++ {
				if e.RegisterAgentCapabilities(rgbDrone(fmt.Sprintf("low-%02d", i), 0.1)) != nil {
					return false
				}
			}

			if _, _, err := e.SubmitMission(survey("m", 1, max)); err != nil {
				return false
			}
			want := max
			if eligible < want {
				want = eligible
			}
			got := e.MissionAssignments("m")
			if len(got) != want {
				return false
			}
			primaries := 0
			for _, a := range got {
				if a.Role == RolePrimary {
					primaries++
					if a.AgentID != "ok-00" {
						return false
					}
				}
			}
			return want == 0 || primaries == 1
		},
		gen.IntRange(0, 12),
		gen.IntRange(0, 5),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestEligibility(t *testing.T) {
	soon := t0.Add(10 * time.Minute)
	later := t0.Add(2 * time.Hour)

	tests := []struct {
		name    string
		profile Profile
		want    bool
	}{
		{"eligible", rgbDrone("x", 0.5), true},
		{"battery at floor", rgbDrone("x", 0.2), true},
		{"battery below floor", rgbDrone("x", 0.19), false},
		{"busy", func() Profile { p := rgbDrone("x", 0.9); p.Availability = Busy; return p }(), false},
		{"charging", func() Profile { p := rgbDrone("x", 0.9); p.Availability = Charging; return p }(), false},
		{"missing sensor", func() Profile { p := rgbDrone("x", 0.9); p.SensorTypes = []string{"Thermal"}; return p }(), false},
		{"special capability", func() Profile {
			p := rgbDrone("x", 0.9)
			p.SensorTypes = nil
			p.SpecialCapabilities = []string{"RGB"}
			return p
		}(), true},
		{"maintenance during mission", func() Profile { p := rgbDrone("x", 0.9); p.NextMaintenance = &soon; return p }(), false},
		{"maintenance after mission", func() Profile { p := rgbDrone("x", 0.9); p.NextMaintenance = &later; return p }(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(DefaultConfig())
			require.NoError(t, e.RegisterAgentCapabilities(tt.profile))
			_, result, err := e.SubmitMission(survey("m1", 1, 1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(result.Assigned) == 1)
		})
	}
}

func TestBestFitRanking(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("b", 0.5)))
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("a", 0.5)))
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("c", 0.95)))
	short := rgbDrone("d", 1.0)
	short.FlightTimeMinutes = 10
	require.NoError(t, e.RegisterAgentCapabilities(short))

	mission := survey("m1", 1, 2)
	score, err := e.Score("d", mission)
	require.NoError(t, err)
	assert.InDelta(t, 30+20-10, score, 1e-9)

	score, err = e.Score("c", mission)
	require.NoError(t, err)
	assert.InDelta(t, 0.95*30+20+25, score, 1e-9)

	_, _, err = e.SubmitMission(mission)
	require.NoError(t, err)

	got := e.MissionAssignments("m1")
	require.Len(t, got, 2)
	roles := map[string]Role{got[0].AgentID: got[0].Role, got[1].AgentID: got[1].Role}
	assert.Equal(t, RolePrimary, roles["c"])
	// a and b tie; a wins on id
	assert.Equal(t, RoleSecondary, roles["a"])
}

func TestWorkloadReducesBestFitScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveAssignedAgents = false
	e := newTestEngine(cfg)
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.9)))

	mission := survey("scored", 1, 1)
	before, err := e.Score("d1", mission)
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.WorkloadScore("d1"))

	for i := 1; i <= 3; i++ {
		_, _, err := e.SubmitMission(survey(fmt.Sprintf("m%d", i), 1, 1))
		require.NoError(t, err)
		assert.Equal(t, float64(i)*10, e.WorkloadScore("d1"))

		after, err := e.Score("d1", mission)
		require.NoError(t, err)
		assert.Less(t, after, before)
		before = after
	}

	// terminal status lowers the workload
	require.NoError(t, e.UpdateAssignmentStatus("d1", StatusCompleted))
	assert.Equal(t, 20.0, e.WorkloadScore("d1"))
}

func TestUpdateAssignmentStatus(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.9)))
	_, _, err := e.SubmitMission(survey("m1", 1, 1))
	require.NoError(t, err)

	require.NoError(t, e.UpdateAssignmentStatus("d1", StatusInProgress))
	p, _ := e.GetProfile("d1")
	assert.Equal(t, Busy, p.Availability)

	require.NoError(t, e.UpdateAssignmentStatus("d1", StatusCompleted))
	p, _ = e.GetProfile("d1")
	assert.Equal(t, Available, p.Availability)

	stats := e.GetAssignmentStatistics()
	assert.Equal(t, 1, stats.AssignedMissions)
	assert.Equal(t, 1, stats.CompletedMissions)
	assert.Equal(t, 1.0, stats.SuccessRate)

	assert.True(t, errors.Is(e.UpdateAssignmentStatus("ghost", StatusCompleted), models.ErrAgentNotFound))

	var verr *models.ValidationError
	assert.ErrorAs(t, e.UpdateAssignmentStatus("d1", "exploded"), &verr)
}

func TestCancelMission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmFirstAvailable
	e := newTestEngine(cfg)
	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, e.RegisterAgentCapabilities(rgbDrone(id, 0.9)))
	}
	_, _, err := e.SubmitMission(survey("m1", 2, 2))
	require.NoError(t, err)
	_, _, err = e.SubmitMission(survey("m2", 1, 1))
	require.NoError(t, err)

	before := e.GetAssignmentStatistics().AssignedMissions
	require.Equal(t, 3, before)

	removed, err := e.CancelMission("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, e.MissionAssignments("m1"))
	assert.Equal(t, before-removed, e.GetAssignmentStatistics().AssignedMissions)

	p, _ := e.GetProfile("d1")
	assert.Equal(t, Available, p.Availability)

	// pending-only missions cancel too
	_, _, err = e.SubmitMission(survey("m3", 5, 5))
	require.NoError(t, err)
	removed, err = e.CancelMission("m3")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 0, e.GetAssignmentStatistics().PendingMissions)

	_, err = e.CancelMission("m3")
	assert.True(t, errors.Is(err, models.ErrMissionNotFound))
}

func TestPendingProcessedByPriority(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	drone := rgbDrone("d1", 0.9)
	drone.Availability = Charging
	require.NoError(t, e.RegisterAgentCapabilities(drone))

	low := survey("low", 1, 1)
	low.Priority = 1
	high := survey("high", 1, 1)
	high.Priority = 9
	_, _, err := e.SubmitMission(low)
	require.NoError(t, err)
	_, _, err = e.SubmitMission(high)
	require.NoError(t, err)

	pending := e.PendingMissions()
	require.Len(t, pending, 2)
	assert.Equal(t, "high", pending[0].ID)

	require.NoError(t, e.UpdateAgentAvailability("d1", Available))
	result := e.ProcessPendingMissions()
	assert.Equal(t, []string{"high"}, result.Assigned)
	assert.Equal(t, 1, result.Deferred)

	a, err := e.GetAssignment("d1")
	require.NoError(t, err)
	assert.Equal(t, "high", a.MissionID)
}

func TestReservedAlgorithmsLeaveMissionPending(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmLoadBalanced, AlgorithmPriorityBased, AlgorithmAuction} {
		t.Run(string(alg), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Algorithm = alg
			e := newTestEngine(cfg)
			require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.9)))

			_, result, err := e.SubmitMission(survey("m1", 1, 1))
			require.NoError(t, err)
			assert.Empty(t, result.Assigned)
			assert.Equal(t, 1, e.GetAssignmentStatistics().PendingMissions)
		})
	}
}

func TestSubmitMissionValidation(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	var verr *models.ValidationError

	_, _, err := e.SubmitMission(Mission{MinDrones: 0, MaxDrones: 1})
	assert.ErrorAs(t, err, &verr)

	_, _, err = e.SubmitMission(Mission{MinDrones: 3, MaxDrones: 2})
	assert.ErrorAs(t, err, &verr)

	m, _, err := e.SubmitMission(Mission{MinDrones: 1, MaxDrones: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, t0, m.CreatedAt)

	_, _, err = e.SubmitMission(m)
	assert.ErrorAs(t, err, &verr)
}

func TestAverageWorkload(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.9)))
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d2", 0.1)))

	assert.Equal(t, 0.0, e.GetAssignmentStatistics().SuccessRate)

	_, _, err := e.SubmitMission(survey("m1", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 5.0, e.GetAssignmentStatistics().AverageWorkload)
}

func TestNewEngineFillsDefaults(t *testing.T) {
	e := newTestEngine(Config{Algorithm: AlgorithmFirstAvailable})
	assert.Equal(t, AlgorithmFirstAvailable, e.Config().Algorithm)
	assert.Equal(t, MinBatteryFloor, e.Config().MinBattery)

	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("low", 0.05)))
	_, result, err := e.SubmitMission(survey("m", 1, 1))
	require.NoError(t, err)
	assert.Empty(t, result.Assigned)

	lowered := DefaultConfig()
	lowered.MinBattery = 0.1
	assert.Equal(t, MinBatteryFloor, newTestEngine(lowered).Config().MinBattery)

	assert.Equal(t, AlgorithmBestFit, newTestEngine(Config{}).Config().Algorithm)
}

func TestProfileRefreshKeepsReservation(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.9)))
	_, _, err := e.SubmitMission(survey("m1", 1, 1))
	require.NoError(t, err)

	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.8)))
	p, err := e.GetProfile("d1")
	require.NoError(t, err)
	assert.Equal(t, Busy, p.Availability)
	assert.Equal(t, 0.8, p.Battery)

	_, result, err := e.SubmitMission(survey("m2", 1, 1))
	require.NoError(t, err)
	assert.Empty(t, result.Assigned)

	require.NoError(t, e.UpdateAssignmentStatus("d1", StatusCompleted))
	require.NoError(t, e.RegisterAgentCapabilities(rgbDrone("d1", 0.8)))
	p, _ = e.GetProfile("d1")
	assert.Equal(t, Available, p.Availability)
}
