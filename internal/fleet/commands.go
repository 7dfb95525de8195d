package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntor/fleetcore/pkg/collision"
	"github.com/syntor/fleetcore/pkg/coordination"
	"github.com/syntor/fleetcore/pkg/kafka"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/resilience"
)

// outbound is a command waiting for the publisher loop
type outbound struct {
	msgType models.MessageType
	target  string
	payload interface{}
}

// commandSender publishes to the command topic through the circuit breaker,
// retrying transient failures
type commandSender struct {
	bus     kafka.MessageBus
	source  string
	breaker *resilience.CircuitBreaker
	retryer *resilience.Retryer
	metrics metrics.Collector
	logger  logging.Logger
}

func (c *commandSender) send(ctx context.Context, msgType models.MessageType, target string, payload interface{}) error {
	msg, err := models.NewMessage(msgType, c.source, target, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	result := c.retryer.Execute(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.bus.Publish(ctx, kafka.TopicCommands, msg)
		})
		var verr *models.ValidationError
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) || errors.As(err, &verr) {
			return resilience.Permanent(err)
		}
		return err
	})

	status := "success"
	if !result.Success {
		status = "failed"
	}
	c.metrics.IncrementCounter(metrics.CommandsPublished.Name, metrics.Labels("message_type", string(msgType), "status", status))

	if err := result.Err(); err != nil {
		return fmt.Errorf("publish %s to %s after %d attempts: %w", msgType, target, result.Attempts, err)
	}
	return nil
}

// actionDispatcher delivers coordination actions, one message per agent so
// per-agent ordering holds on the keyed topic
type actionDispatcher struct {
	sender *commandSender
}

func (d actionDispatcher) Dispatch(ctx context.Context, action coordination.CoordinationAction) error {
	var errs []error
	for _, agentID := range action.AgentIDs {
		if err := d.sender.send(ctx, models.MsgCoordinationAction, agentID, action); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onManeuver runs on the telemetry goroutine, so it only queues the command
func (s *Service) onManeuver(ev collision.RiskEvent) {
	s.metrics.IncrementCounter(metrics.ManeuversPlanned.Name,
		metrics.Labels("maneuver", string(ev.Maneuver.Spec.Kind), "risk", ev.Risk.String()))
	s.logger.Info("avoidance maneuver planned",
		logging.AgentID(ev.AgentID),
		logging.String("maneuver", string(ev.Maneuver.Spec.Kind)),
		logging.String("rule_id", ev.Maneuver.RuleID),
		logging.String("reason", ev.Maneuver.Reason),
	)
	s.enqueue(outbound{msgType: models.MsgAvoidanceCommand, target: ev.AgentID, payload: ev.Command})
}

// enqueue hands a command to the publisher loop. A full outbox drops the
// command; the maneuver stays queryable through GetAvoidanceCommand.
func (s *Service) enqueue(cmd outbound) {
	select {
	case s.outbox <- cmd:
	default:
		s.metrics.IncrementCounter(metrics.CommandsPublished.Name,
			metrics.Labels("message_type", string(cmd.msgType), "status", "dropped"))
		s.logger.Warn("command outbox full, dropping command",
			logging.String("message_type", string(cmd.msgType)),
			logging.AgentID(cmd.target),
		)
	}
}

func (s *Service) runCommandPublisher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.outbox:
			if err := s.sender.send(ctx, cmd.msgType, cmd.target, cmd.payload); err != nil && ctx.Err() == nil {
				s.logger.Error("command publish failed",
					logging.String("message_type", string(cmd.msgType)),
					logging.AgentID(cmd.target),
					logging.Err(err),
				)
			}
		}
	}
}
