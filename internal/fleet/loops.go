package fleet

import (
	"context"
	"time"

	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/snapshot"
	"github.com/syntor/fleetcore/pkg/swarm"
)

// SwarmSnapshot is the status document of one swarm
type SwarmSnapshot struct {
	Info   swarm.Info   `json:"info"`
	Health swarm.Health `json:"health"`
}

func (s *Service) reassessRisk(ctx context.Context) {
	pairs := s.collision.ReassessAll()
	status := s.collision.GetSystemStatus()
	s.metrics.SetGauge(metrics.TrackedAgents.Name, float64(status.TotalAgents), nil)
	s.metrics.SetGauge(metrics.AgentsAtRisk.Name, float64(status.AgentsAtRisk), nil)
	if len(pairs) > 0 {
		s.logger.Debug("risk reassessed", logging.Int("pairs_at_risk", len(pairs)))
	}
}

func (s *Service) evaluateRules(ctx context.Context) {
	start := time.Now()
	report, err := s.coordination.EvaluateRules(ctx)
	s.metrics.ObserveDuration(metrics.RuleEvaluationDuration.Name, start, nil)
	if err != nil {
		return
	}

	for _, t := range report.Triggered {
		s.metrics.IncrementCounter(metrics.RulesTriggered.Name, metrics.Labels("rule_id", t.Rule.ID))
	}
	if len(report.Triggered) == 0 {
		return
	}
	if err := s.coordination.Dispatch(ctx, report); err != nil && ctx.Err() == nil {
		s.logger.Error("coordination dispatch incomplete", logging.Err(err))
	}
}

func (s *Service) processMissions(ctx context.Context) {
	result := s.assignment.ProcessPendingMissions()
	s.announce(result)
	if result.Deferred > 0 {
		s.logger.Debug("missions deferred", logging.Int("deferred", result.Deferred))
	}
}

// Snapshot gathers every status document keyed for the snapshot store
func (s *Service) Snapshot() map[string]interface{} {
	docs := map[string]interface{}{
		snapshot.KeyCollision:    s.collision.GetSystemStatus(),
		snapshot.KeyCoordination: s.coordination.GetCoordinationStatus(),
		snapshot.KeyAssignment:   s.assignment.GetAssignmentStatistics(),
	}
	for _, info := range s.swarms.ListSwarms() {
		health, err := s.swarms.GetSwarmHealth(info.ID)
		if err != nil {
			continue
		}
		docs[snapshot.SwarmKey(info.ID)] = SwarmSnapshot{Info: info, Health: health}
		s.metrics.SetGauge(metrics.BroadcastDropped.Name, float64(info.Dropped), metrics.Labels("swarm_id", info.ID))
	}
	return docs
}

func (s *Service) publishSnapshots(ctx context.Context) {
	if err := s.publisher.Publish(ctx, s.Snapshot()); err != nil && ctx.Err() == nil {
		s.logger.Warn("snapshot publish failed", logging.Err(err))
	}
}
