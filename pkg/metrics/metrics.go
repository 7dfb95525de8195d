package metrics

import (
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	SetGauge(name string, value float64, labels map[string]string)

	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	Register(metric Metric) error
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Fleet metrics
var (
	TrackedAgents = Metric{
		Name:   "fleet_tracked_agents",
		Type:   GaugeType,
		Help:   "Number of agents tracked by the collision engine",
		Labels: []string{},
	}

	AgentsAtRisk = Metric{
		Name:   "fleet_agents_at_risk",
		Type:   GaugeType,
		Help:   "Number of agents at medium collision risk or above",
		Labels: []string{},
	}

	ManeuversPlanned = Metric{
		Name:   "fleet_avoidance_maneuvers_total",
		Type:   CounterType,
		Help:   "Total number of avoidance maneuvers planned",
		Labels: []string{"maneuver", "risk"},
	}

	TelemetryUpdateDuration = Metric{
		Name:    "fleet_telemetry_update_duration_seconds",
		Type:    HistogramType,
		Help:    "Time spent applying one telemetry update including risk reassessment",
		Labels:  []string{},
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	}

	RulesTriggered = Metric{
		Name:   "fleet_rules_triggered_total",
		Type:   CounterType,
		Help:   "Total number of coordination rule triggers",
		Labels: []string{"rule_id"},
	}

	RuleEvaluationDuration = Metric{
		Name:    "fleet_rule_evaluation_duration_seconds",
		Type:    HistogramType,
		Help:    "Duration of a full coordination rule evaluation pass",
		Labels:  []string{},
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	}

	MissionsAssigned = Metric{
		Name:   "fleet_missions_assigned_total",
		Type:   CounterType,
		Help:   "Total number of missions allocated to agents",
		Labels: []string{"algorithm"},
	}

	MissionsPending = Metric{
		Name:   "fleet_missions_pending",
		Type:   GaugeType,
		Help:   "Number of missions waiting for eligible agents",
		Labels: []string{},
	}

	BroadcastDropped = Metric{
		Name:   "fleet_swarm_broadcast_dropped",
		Type:   GaugeType,
		Help:   "Messages dropped by swarm broadcast queues since the swarm was created",
		Labels: []string{"swarm_id"},
	}

	IngestErrors = Metric{
		Name:   "fleet_ingest_errors_total",
		Type:   CounterType,
		Help:   "Total number of inbound messages rejected",
		Labels: []string{"message_type", "reason"},
	}

	CommandsPublished = Metric{
		Name:   "fleet_commands_published_total",
		Type:   CounterType,
		Help:   "Total number of commands published to the dispatch topic",
		Labels: []string{"message_type", "status"},
	}
)

// FleetMetrics lists every metric the host registers
func FleetMetrics() []Metric {
	return []Metric{
		TrackedAgents,
		AgentsAtRisk,
		ManeuversPlanned,
		TelemetryUpdateDuration,
		RulesTriggered,
		RuleEvaluationDuration,
		MissionsAssigned,
		MissionsPending,
		BroadcastDropped,
		IngestErrors,
		CommandsPublished,
	}
}

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}
