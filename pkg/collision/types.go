package collision

import (
	"time"

	"github.com/syntor/fleetcore/pkg/models"
)

// Config holds the thresholds of the collision engine
type Config struct {
	HorizonSeconds   int              `yaml:"horizon_seconds" json:"horizon_seconds"`
	MinSeparation    float64          `yaml:"min_separation" json:"min_separation"`
	CriticalDistance float64          `yaml:"critical_distance" json:"critical_distance"`
	HighDistance     float64          `yaml:"high_distance" json:"high_distance"`
	MediumDistance   float64          `yaml:"medium_distance" json:"medium_distance"`
	LowDistance      float64          `yaml:"low_distance" json:"low_distance"`
	ManeuverDuration time.Duration    `yaml:"maneuver_duration" json:"maneuver_duration"`
	ShardCount       int              `yaml:"shard_count" json:"shard_count"`
	Home             *models.Position `yaml:"home,omitempty" json:"home,omitempty"`
}

// DefaultConfig returns the standard distance bands
func DefaultConfig() Config {
	return Config{
		HorizonSeconds:   30,
		MinSeparation:    25,
		CriticalDistance: 15,
		HighDistance:     25,
		MediumDistance:   50,
		LowDistance:      100,
		ManeuverDuration: 30 * time.Second,
		ShardCount:       32,
	}
}

// withDefaults fills every unset threshold from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HorizonSeconds <= 0 {
		c.HorizonSeconds = d.HorizonSeconds
	}
	if c.MinSeparation <= 0 {
		c.MinSeparation = d.MinSeparation
	}
	if c.CriticalDistance <= 0 {
		c.CriticalDistance = d.CriticalDistance
	}
	if c.HighDistance <= 0 {
		c.HighDistance = d.HighDistance
	}
	if c.MediumDistance <= 0 {
		c.MediumDistance = d.MediumDistance
	}
	if c.LowDistance <= 0 {
		c.LowDistance = d.LowDistance
	}
	if c.ManeuverDuration <= 0 {
		c.ManeuverDuration = d.ManeuverDuration
	}
	if c.ShardCount <= 0 {
		c.ShardCount = d.ShardCount
	}
	return c
}

// AvoidanceRule maps a risk situation onto a maneuver. Lower Priority wins.
type AvoidanceRule struct {
	ID              string              `yaml:"id" json:"id"`
	Name            string              `yaml:"name" json:"name"`
	Priority        int                 `yaml:"priority" json:"priority"`
	TriggerDistance float64             `yaml:"trigger_distance" json:"trigger_distance"`
	Maneuver        models.ManeuverSpec `yaml:"maneuver" json:"maneuver"`
	Enabled         bool                `yaml:"enabled" json:"enabled"`
}

// DefaultAvoidanceRules is the stock rule table
func DefaultAvoidanceRules() []AvoidanceRule {
	return []AvoidanceRule{
		{
			ID:              "emergency-stop",
			Name:            "Emergency stop",
			Priority:        1,
			TriggerDistance: 15,
			Maneuver:        models.ManeuverSpec{Kind: models.ManeuverEmergencyStop},
			Enabled:         true,
		},
		{
			ID:              "altitude-separation",
			Name:            "Vertical separation",
			Priority:        2,
			TriggerDistance: 25,
			Maneuver:        models.ManeuverSpec{Kind: models.ManeuverAltitudeChange, AltitudeDelta: 20},
			Enabled:         true,
		},
		{
			ID:              "horizontal-deviation",
			Name:            "Horizontal deviation",
			Priority:        3,
			TriggerDistance: 50,
			Maneuver:        models.ManeuverSpec{Kind: models.ManeuverHorizontalDeviation, Angle: 45, Distance: 30},
			Enabled:         true,
		},
		{
			ID:              "speed-reduction",
			Name:            "Speed reduction",
			Priority:        4,
			TriggerDistance: 100,
			Maneuver:        models.ManeuverSpec{Kind: models.ManeuverSpeedReduction, Factor: 0.5},
			Enabled:         true,
		},
	}
}

// CommandKind is the actionable form of a maneuver
type CommandKind string

const (
	CommandChangeAltitude     CommandKind = "change_altitude"
	CommandHorizontalManeuver CommandKind = "horizontal_maneuver"
	CommandChangeSpeed        CommandKind = "change_speed"
	CommandEmergencyStop      CommandKind = "emergency_stop"
	CommandReturnToBase       CommandKind = "return_to_base"
	CommandHover              CommandKind = "hover"
)

// Urgency of an avoidance command
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// UrgencyFor maps a risk level onto command urgency
func UrgencyFor(risk models.RiskLevel) Urgency {
	switch risk {
	case models.RiskCritical:
		return UrgencyEmergency
	case models.RiskHigh:
		return UrgencyHigh
	case models.RiskMedium:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// AvoidanceCommand is what the command-dispatch service sends to the drone
type AvoidanceCommand struct {
	AgentID        string           `json:"agent_id"`
	Kind           CommandKind      `json:"kind"`
	Urgency        Urgency          `json:"urgency,omitempty"`
	TargetAltitude float64          `json:"target_altitude,omitempty"`
	HeadingDelta   float64          `json:"heading_delta,omitempty"`
	Distance       float64          `json:"distance,omitempty"`
	SpeedFactor    float64          `json:"speed_factor,omitempty"`
	Duration       time.Duration    `json:"duration,omitempty"`
	Target         *models.Position `json:"target,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	IssuedAt       time.Time        `json:"issued_at"`
}

// PairRisk is the outcome of assessing two agents against each other
type PairRisk struct {
	AgentA             string           `json:"agent_a"`
	AgentB             string           `json:"agent_b"`
	Distance           float64          `json:"distance"`
	Risk               models.RiskLevel `json:"risk"`
	TrajectoryConflict bool             `json:"trajectory_conflict"`
}

// Assessment summarizes one telemetry update
type Assessment struct {
	AgentID string `json:"agent_id"`
	// Risk is the stored level after escalation.
	Risk     models.RiskLevel `json:"risk"`
	Pairs    []PairRisk       `json:"pairs,omitempty"`
	Planned  []string         `json:"planned,omitempty"`
	Assessed time.Time        `json:"assessed"`
}

// RiskEvent is emitted when a maneuver is planned for an agent
type RiskEvent struct {
	AgentID  string                   `json:"agent_id"`
	Risk     models.RiskLevel         `json:"risk"`
	Maneuver models.AvoidanceManeuver `json:"maneuver"`
	Command  AvoidanceCommand         `json:"command"`
}

// Status is the CollisionAvoidanceStatus snapshot
type Status struct {
	TotalAgents     int       `json:"total_agents"`
	AgentsAtRisk    int       `json:"agents_at_risk"`
	ActiveManeuvers int       `json:"active_maneuvers"`
	SystemHealth    float64   `json:"system_health"`
	UpdatedAt       time.Time `json:"updated_at"`
}
