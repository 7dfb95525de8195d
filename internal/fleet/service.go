// Package fleet hosts the coordination engines behind the message bus.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntor/fleetcore/pkg/assignment"
	"github.com/syntor/fleetcore/pkg/collision"
	"github.com/syntor/fleetcore/pkg/config"
	"github.com/syntor/fleetcore/pkg/coordination"
	"github.com/syntor/fleetcore/pkg/kafka"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/resilience"
	"github.com/syntor/fleetcore/pkg/snapshot"
	"github.com/syntor/fleetcore/pkg/swarm"
)

// MessageHandler handles one inbound message type
type MessageHandler func(ctx context.Context, msg models.Message) error

// Service owns the four engines, feeds them from the bus and runs the
// periodic passes.
type Service struct {
	config config.FleetConfig
	bus    kafka.MessageBus
	logger logging.Logger

	collision    *collision.Engine
	coordination *coordination.Engine
	assignment   *assignment.Engine
	swarms       *swarm.Manager

	sender    *commandSender
	outbox    chan outbound
	publisher *snapshot.Publisher
	watcher   *config.RulesWatcher
	metrics   metrics.Collector

	handlers map[models.MessageType]MessageHandler

	relays sync.WaitGroup
	runMu  sync.Mutex
	runCtx context.Context
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithSnapshotPublisher enables the status mirror
func WithSnapshotPublisher(p *snapshot.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRulesWatcher hot-reloads the rule tables while running
func WithRulesWatcher(w *config.RulesWatcher) Option {
	return func(s *Service) { s.watcher = w }
}

// WithOutboxSize sets how many outbound commands may wait for the publisher
func WithOutboxSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.outbox = make(chan outbound, n)
		}
	}
}

// New builds the engines from cfg and rules
func New(cfg config.FleetConfig, bus kafka.MessageBus, rules config.RuleSet, opts ...Option) (*Service, error) {
	s := &Service{
		config:   cfg,
		bus:      bus,
		logger:   logging.NopLogger{},
		metrics:  metrics.NopCollector{},
		outbox:   make(chan outbound, 256),
		handlers: make(map[models.MessageType]MessageHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	breakerCfg := cfg.Resilience.Breaker
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		s.logger.Warn("command breaker state changed",
			logging.String("from", string(from)),
			logging.String("to", string(to)),
		)
	}
	s.sender = &commandSender{
		bus:     bus,
		source:  cfg.System.ServiceName,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		retryer: resilience.NewRetryer(cfg.Resilience.Retry),
		metrics: s.metrics,
		logger:  s.logger.With(logging.String("component", "commands")),
	}

	s.collision = collision.NewEngine(cfg.Collision, rules.Avoidance,
		collision.WithLogger(s.logger.With(logging.String("component", "collision"))),
		collision.WithManeuverListener(s.onManeuver),
	)

	coord, err := coordination.NewEngine(rules.Coordination,
		coordination.WithLogger(s.logger.With(logging.String("component", "coordination"))),
		coordination.WithDispatcher(actionDispatcher{sender: s.sender}),
	)
	if err != nil {
		return nil, fmt.Errorf("build coordination engine: %w", err)
	}
	s.coordination = coord

	s.assignment = assignment.NewEngine(cfg.Assignment,
		assignment.WithLogger(s.logger.With(logging.String("component", "assignment"))),
	)
	s.swarms = swarm.NewManager(cfg.Swarm,
		swarm.WithLogger(s.logger.With(logging.String("component", "swarm"))),
	)

	s.RegisterHandler(models.MsgTelemetry, s.handleTelemetry)
	s.RegisterHandler(models.MsgCapabilityProfile, s.handleProfile)
	s.RegisterHandler(models.MsgAgentDeregister, s.handleDeregister)
	s.RegisterHandler(models.MsgManeuverComplete, s.handleManeuverComplete)
	s.RegisterHandler(models.MsgMissionRequest, s.handleMissionRequest)
	s.RegisterHandler(models.MsgMissionCancel, s.handleMissionCancel)
	s.RegisterHandler(models.MsgAssignmentStatus, s.handleAssignmentStatus)
	s.registerSwarmHandlers()

	if s.watcher != nil {
		s.watcher.OnChange(s.applyRules)
	}
	return s, nil
}

// Collision returns the collision risk engine
func (s *Service) Collision() *collision.Engine { return s.collision }

// Coordination returns the coordination rule engine
func (s *Service) Coordination() *coordination.Engine { return s.coordination }

// Assignment returns the mission assignment engine
func (s *Service) Assignment() *assignment.Engine { return s.assignment }

// Swarms returns the swarm manager
func (s *Service) Swarms() *swarm.Manager { return s.swarms }

// RegisterHandler registers a handler for a message type
func (s *Service) RegisterHandler(msgType models.MessageType, handler MessageHandler) {
	s.handlers[msgType] = handler
}

// HandleMessage routes an inbound message by type. The returned error sends
// the message to the dead-letter topic.
func (s *Service) HandleMessage(ctx context.Context, msg models.Message) error {
	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.rejected(msg.Type, "unknown_type")
		return fmt.Errorf("no handler for message type: %s", msg.Type)
	}
	if err := handler(ctx, msg); err != nil {
		s.rejected(msg.Type, "handler")
		return fmt.Errorf("handle %s %s: %w", msg.Type, msg.ID, err)
	}
	return nil
}

func (s *Service) rejected(msgType models.MessageType, reason string) {
	s.metrics.IncrementCounter(metrics.IngestErrors.Name, metrics.Labels("message_type", string(msgType), "reason", reason))
}

// Run subscribes to the inbound topics and runs the background passes
// until ctx is done. The bus must already be connected.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.runMu.Lock()
	s.runCtx = gctx
	s.runMu.Unlock()

	if err := s.bus.SubscribeToMultiple(ctx, kafka.InboundTopics(), s.HandleMessage); err != nil {
		return fmt.Errorf("subscribe inbound topics: %w", err)
	}

	ctx = gctx
	iv := s.config.Intervals

	g.Go(func() error { return s.runCommandPublisher(ctx) })
	g.Go(func() error { return s.every(ctx, iv.RiskReassessment, s.reassessRisk) })
	g.Go(func() error { return s.every(ctx, iv.RuleEvaluation, s.evaluateRules) })
	g.Go(func() error { return s.every(ctx, iv.MissionProcessing, s.processMissions) })
	if s.publisher != nil {
		g.Go(func() error { return s.every(ctx, iv.SnapshotPublish, s.publishSnapshots) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Watch(ctx) })
	}

	s.logger.Info("fleet service running",
		logging.Duration("rule_evaluation", iv.RuleEvaluation),
		logging.Duration("mission_processing", iv.MissionProcessing),
		logging.Bool("snapshots", s.publisher != nil),
		logging.Bool("rules_watch", s.watcher != nil),
	)

	err := g.Wait()
	s.relays.Wait()
	return err
}

// every runs fn on each tick until ctx is done
func (s *Service) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// applyRules swaps both rule tables after a rules file reload
func (s *Service) applyRules(rs config.RuleSet) {
	s.collision.SetAvoidanceRules(rs.Avoidance)
	if err := s.coordination.SetRules(rs.Coordination); err != nil {
		s.logger.Error("coordination rules rejected", logging.Err(err))
		return
	}
	s.logger.Info("rule tables applied",
		logging.Int("avoidance", len(rs.Avoidance)),
		logging.Int("coordination", len(rs.Coordination)),
	)
}
