package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/swarm"
)

// SwarmCreate is the payload of a swarm.create message. Members join in
// order, so the first one leads.
type SwarmCreate struct {
	Name      string          `json:"name"`
	Formation swarm.Formation `json:"formation"`
	Members   []string        `json:"members,omitempty"`
}

// SwarmRef addresses a swarm
type SwarmRef struct {
	SwarmID string `json:"swarm_id"`
}

// SwarmMembership is the payload of swarm.join and swarm.leave
type SwarmMembership struct {
	SwarmID string `json:"swarm_id"`
	AgentID string `json:"agent_id"`
}

// SwarmStatusUpdate is the payload of a swarm.status message
type SwarmStatusUpdate struct {
	SwarmID string       `json:"swarm_id"`
	Status  swarm.Status `json:"status"`
}

func (s *Service) registerSwarmHandlers() {
	s.RegisterHandler(models.MsgSwarmCreate, s.handleSwarmCreate)
	s.RegisterHandler(models.MsgSwarmJoin, s.handleSwarmJoin)
	s.RegisterHandler(models.MsgSwarmLeave, s.handleSwarmLeave)
	s.RegisterHandler(models.MsgSwarmMessage, s.handleSwarmMessage)
	s.RegisterHandler(models.MsgSwarmStatus, s.handleSwarmStatus)
	s.RegisterHandler(models.MsgSwarmEmergencyLand, s.handleSwarmEmergencyLand)
	s.RegisterHandler(models.MsgSwarmDissolve, s.handleSwarmDissolve)
}

// relayContext is the context swarm relays run under: the running service's
// when Run is active, otherwise the caller's
func (s *Service) relayContext(ctx context.Context) context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return ctx
}

func (s *Service) handleSwarmCreate(ctx context.Context, msg models.Message) error {
	var req SwarmCreate
	if err := msg.Decode(&req); err != nil {
		return err
	}
	for _, agentID := range req.Members {
		if !s.collision.IsRegistered(agentID) {
			return fmt.Errorf("create swarm %q with %s: %w", req.Name, agentID, models.ErrAgentNotFound)
		}
	}

	id, err := s.CreateSwarm(s.relayContext(ctx), req.Name, req.Formation)
	if err != nil {
		return err
	}
	for _, agentID := range req.Members {
		if err := s.AddAgentToSwarm(id, agentID); err != nil {
			return err
		}
	}
	s.logger.WithContext(logging.WithSwarmID(ctx, id)).Info("swarm formed",
		logging.String("name", req.Name),
		logging.Int("members", len(req.Members)),
	)
	return nil
}

func (s *Service) handleSwarmJoin(ctx context.Context, msg models.Message) error {
	var req SwarmMembership
	if err := msg.Decode(&req); err != nil {
		return err
	}
	return s.AddAgentToSwarm(req.SwarmID, req.AgentID)
}

func (s *Service) handleSwarmLeave(ctx context.Context, msg models.Message) error {
	var req SwarmMembership
	if err := msg.Decode(&req); err != nil {
		return err
	}
	return s.swarms.RemoveAgentFromSwarm(req.SwarmID, req.AgentID)
}

func (s *Service) handleSwarmMessage(ctx context.Context, msg models.Message) error {
	var sm swarm.Message
	if err := msg.Decode(&sm); err != nil {
		return err
	}
	if sm.SwarmID == "" {
		return &models.ValidationError{Field: "swarm_id", Message: "swarm ID is required"}
	}
	_, err := s.swarms.BroadcastToSwarm(sm.SwarmID, sm)
	return err
}

func (s *Service) handleSwarmStatus(ctx context.Context, msg models.Message) error {
	var req SwarmStatusUpdate
	if err := msg.Decode(&req); err != nil {
		return err
	}
	return s.swarms.SetSwarmStatus(req.SwarmID, req.Status)
}

func (s *Service) handleSwarmEmergencyLand(ctx context.Context, msg models.Message) error {
	var ref SwarmRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	delivered, err := s.swarms.EmergencyLandSwarm(ref.SwarmID)
	if err != nil {
		return err
	}
	if delivered == 0 {
		s.logger.WithContext(logging.WithSwarmID(ctx, ref.SwarmID)).Warn("emergency landing reached no relay")
	}
	return nil
}

func (s *Service) handleSwarmDissolve(ctx context.Context, msg models.Message) error {
	var ref SwarmRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	return s.swarms.DissolveSwarm(ref.SwarmID)
}

// AddAgentToSwarm adds a registered agent to a swarm, seeding the member
// from the agent's current state and capability profile
func (s *Service) AddAgentToSwarm(swarmID, agentID string) error {
	if !s.collision.IsRegistered(agentID) {
		return fmt.Errorf("add %s to swarm %s: %w", agentID, swarmID, models.ErrAgentNotFound)
	}

	member := swarm.Member{AgentID: agentID, Status: models.StatusIdle, Battery: 1}
	if state, err := s.coordination.GetAgentState(agentID); err == nil {
		member.Status = state.Status
		member.Battery = state.Battery
		member.Position = state.Position
	}
	profile, err := s.assignment.GetProfile(agentID)
	switch {
	case err == nil:
		member.Capabilities = append(profile.SensorTypes, profile.SpecialCapabilities...)
	case !errors.Is(err, models.ErrAgentNotFound):
		return err
	}
	return s.swarms.AddAgentToSwarm(swarmID, member)
}

// CreateSwarm creates a swarm and relays its broadcasts to the command
// topic until the swarm is dissolved or ctx is done
func (s *Service) CreateSwarm(ctx context.Context, name string, formation swarm.Formation) (string, error) {
	id, err := s.swarms.CreateSwarm(name, formation)
	if err != nil {
		return "", err
	}
	sub, err := s.swarms.Subscribe(id)
	if err != nil {
		return "", err
	}

	s.relays.Add(1)
	go s.relaySwarm(ctx, id, sub)
	return id, nil
}

func (s *Service) relaySwarm(ctx context.Context, swarmID string, sub *swarm.Subscription) {
	defer s.relays.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			s.relay(ctx, swarmID, msg)
		}
	}
}

// relay addresses a broadcast to each targeted member
func (s *Service) relay(ctx context.Context, swarmID string, msg swarm.Message) {
	info, err := s.swarms.GetSwarm(swarmID)
	if err != nil {
		return
	}
	for _, m := range info.Members {
		if msg.Target != swarm.TargetAll && msg.Target != m.AgentID {
			continue
		}
		if err := s.sender.send(ctx, models.MsgSwarmBroadcast, m.AgentID, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("swarm relay failed", logging.SwarmID(swarmID), logging.AgentID(m.AgentID), logging.Err(err))
		}
	}
	if dropped, err := s.swarms.Dropped(swarmID); err == nil {
		s.metrics.SetGauge(metrics.BroadcastDropped.Name, float64(dropped), metrics.Labels("swarm_id", swarmID))
	}
}

// Close waits for swarm relays started by CreateSwarm. Their contexts must
// be done or their swarms dissolved first.
func (s *Service) Close() {
	s.relays.Wait()
}
