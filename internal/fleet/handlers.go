package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syntor/fleetcore/pkg/assignment"
	"github.com/syntor/fleetcore/pkg/coordination"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/models"
)

// AgentRef addresses a single agent
type AgentRef struct {
	AgentID string `json:"agent_id"`
}

// MissionCancel is the payload of a mission.cancel message
type MissionCancel struct {
	MissionID string `json:"mission_id"`
}

// AssignmentStatusUpdate is the payload of a mission.status message
type AssignmentStatusUpdate struct {
	AgentID string            `json:"agent_id"`
	Status  assignment.Status `json:"status"`
}

func (s *Service) handleTelemetry(ctx context.Context, msg models.Message) error {
	var update models.AgentStateUpdate
	if err := msg.Decode(&update); err != nil {
		return err
	}
	return s.ApplyTelemetry(ctx, update)
}

// ApplyTelemetry feeds one state update to every engine. An agent seen for
// the first time is registered.
func (s *Service) ApplyTelemetry(ctx context.Context, u models.AgentStateUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	start := time.Now()
	defer s.metrics.ObserveDuration(metrics.TelemetryUpdateDuration.Name, start, nil)

	if u.Timestamp.IsZero() {
		u.Timestamp = start
	}
	ctx = logging.WithAgentID(ctx, u.AgentID)
	if !s.collision.IsRegistered(u.AgentID) {
		if err := s.registerAgent(u); err != nil {
			return err
		}
	}

	if err := s.coordination.ApplyTelemetry(u); err != nil {
		return err
	}
	if u.Battery != nil {
		if err := s.collision.UpdateBattery(u.AgentID, *u.Battery); err != nil {
			return err
		}
		if err := s.assignment.UpdateAgentBattery(u.AgentID, *u.Battery); err != nil && !errors.Is(err, models.ErrAgentNotFound) {
			return err
		}
	}

	assessment, err := s.collision.UpdateAgentState(u.AgentID, u.Position, u.Velocity, u.Heading)
	if err != nil {
		return err
	}
	if assessment.Risk >= models.RiskHigh {
		s.logger.WithContext(ctx).Warn("agent at high collision risk",
			logging.String("risk", assessment.Risk.String()),
			logging.Int("pairs", len(assessment.Pairs)),
		)
	}

	state, err := s.coordination.GetAgentState(u.AgentID)
	if err != nil {
		return err
	}
	s.swarms.UpdateMember(u.AgentID, state.Status, state.Battery, state.Position)
	return nil
}

func (s *Service) registerAgent(u models.AgentStateUpdate) error {
	err := s.collision.RegisterAgent(u.AgentID, u.Position)
	if err != nil && !errors.Is(err, models.ErrAgentAlreadyRegistered) {
		return err
	}

	state := coordination.AgentState{
		ID:          u.AgentID,
		Position:    u.Position,
		Velocity:    u.Velocity,
		Heading:     u.Heading,
		Battery:     1,
		Status:      models.StatusIdle,
		LastUpdate:  u.Timestamp,
		CommQuality: 1,
	}
	err = s.coordination.RegisterAgent(state)
	if err != nil && !errors.Is(err, models.ErrAgentAlreadyRegistered) {
		return err
	}

	s.metrics.SetGauge(metrics.TrackedAgents.Name, float64(s.collision.GetSystemStatus().TotalAgents), nil)
	return nil
}

func (s *Service) handleProfile(ctx context.Context, msg models.Message) error {
	var profile assignment.Profile
	if err := msg.Decode(&profile); err != nil {
		return err
	}
	return s.assignment.RegisterAgentCapabilities(profile)
}

// handleDeregister removes an agent from every engine and swarm
func (s *Service) handleDeregister(ctx context.Context, msg models.Message) error {
	var ref AgentRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if ref.AgentID == "" {
		return &models.ValidationError{Field: "agent_id", Message: "agent ID is required"}
	}
	return s.DeregisterAgent(ref.AgentID)
}

// DeregisterAgent drops an agent everywhere it is known. Not being known
// to a single engine is not an error; not being known anywhere is.
func (s *Service) DeregisterAgent(agentID string) error {
	found := false
	for _, unregister := range []func(string) error{
		s.collision.UnregisterAgent,
		s.coordination.UnregisterAgent,
		s.assignment.UnregisterAgent,
	} {
		err := unregister(agentID)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, models.ErrAgentNotFound):
			return err
		}
	}
	for _, info := range s.swarms.ListSwarms() {
		for _, m := range info.Members {
			if m.AgentID != agentID {
				continue
			}
			if err := s.swarms.RemoveAgentFromSwarm(info.ID, agentID); err == nil {
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("deregister %s: %w", agentID, models.ErrAgentNotFound)
	}

	s.metrics.SetGauge(metrics.TrackedAgents.Name, float64(s.collision.GetSystemStatus().TotalAgents), nil)
	s.logger.Info("agent deregistered", logging.AgentID(agentID))
	return nil
}

func (s *Service) handleManeuverComplete(ctx context.Context, msg models.Message) error {
	var ref AgentRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	return s.collision.ClearAvoidanceManeuver(ref.AgentID)
}

func (s *Service) handleMissionRequest(ctx context.Context, msg models.Message) error {
	var mission assignment.Mission
	if err := msg.Decode(&mission); err != nil {
		return err
	}
	stored, result, err := s.assignment.SubmitMission(mission)
	if err != nil {
		return err
	}
	s.logger.WithContext(logging.WithMissionID(ctx, stored.ID)).Info("mission accepted",
		logging.Bool("assigned", len(result.Assigned) > 0),
	)
	s.announce(result)
	return nil
}

func (s *Service) handleMissionCancel(ctx context.Context, msg models.Message) error {
	var cancel MissionCancel
	if err := msg.Decode(&cancel); err != nil {
		return err
	}
	if _, err := s.assignment.CancelMission(cancel.MissionID); err != nil {
		return err
	}
	s.metrics.SetGauge(metrics.MissionsPending.Name, float64(s.assignment.GetAssignmentStatistics().PendingMissions), nil)
	return nil
}

func (s *Service) handleAssignmentStatus(ctx context.Context, msg models.Message) error {
	var update AssignmentStatusUpdate
	if err := msg.Decode(&update); err != nil {
		return err
	}
	return s.assignment.UpdateAssignmentStatus(update.AgentID, update.Status)
}

// announce queues a mission.assignment command for every agent selected in
// a pass and refreshes the mission gauges
func (s *Service) announce(result assignment.PassResult) {
	algorithm := string(s.assignment.Config().Algorithm)
	pending := s.assignment.PendingMissions()
	s.metrics.SetGauge(metrics.MissionsPending.Name, float64(len(pending)), nil)

	for _, missionID := range result.Assigned {
		records := s.assignment.MissionAssignments(missionID)
		s.metrics.AddCounter(metrics.MissionsAssigned.Name, float64(len(records)), metrics.Labels("algorithm", algorithm))

		for _, a := range records {
			s.enqueue(outbound{
				msgType: models.MsgMissionAssignment,
				target:  a.AgentID,
				payload: a,
			})
		}
	}
}
