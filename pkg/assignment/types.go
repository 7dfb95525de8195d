package assignment

import (
	"time"

	"github.com/syntor/fleetcore/pkg/models"
)

// Availability of an agent for new missions
type Availability string

const (
	Available   Availability = "available"
	Busy        Availability = "busy"
	Maintenance Availability = "maintenance"
	Charging    Availability = "charging"
	Reserved    Availability = "reserved"
)

// Profile is the AgentCapabilityProfile used for matching
type Profile struct {
	ID                  string       `json:"id" yaml:"id"`
	FlightTimeMinutes   float64      `json:"flight_time_minutes" yaml:"flight_time_minutes"`
	MaxSpeed            float64      `json:"max_speed" yaml:"max_speed"`
	PayloadCapacity     float64      `json:"payload_capacity" yaml:"payload_capacity"`
	SensorTypes         []string     `json:"sensor_types,omitempty" yaml:"sensor_types,omitempty"`
	SpecialCapabilities []string     `json:"special_capabilities,omitempty" yaml:"special_capabilities,omitempty"`
	Battery             float64      `json:"battery" yaml:"battery"`
	NextMaintenance     *time.Time   `json:"next_maintenance,omitempty" yaml:"next_maintenance,omitempty"`
	Availability        Availability `json:"availability" yaml:"availability"`
}

// Validate checks the profile fields
func (p Profile) Validate() error {
	if p.ID == "" {
		return &models.ValidationError{Field: "id", Message: "agent ID is required"}
	}
	if p.Battery < 0 || p.Battery > 1 {
		return &models.ValidationError{Field: "battery", Message: "battery must be within [0,1]"}
	}
	switch p.Availability {
	case Available, Busy, Maintenance, Charging, Reserved:
	default:
		return &models.ValidationError{Field: "availability", Message: "unknown availability " + string(p.Availability)}
	}
	return nil
}

func (p Profile) hasCapability(tag string) bool {
	for _, s := range p.SensorTypes {
		if s == tag {
			return true
		}
	}
	for _, s := range p.SpecialCapabilities {
		if s == tag {
			return true
		}
	}
	return false
}

func (p Profile) clone() Profile {
	out := p
	out.SensorTypes = append([]string(nil), p.SensorTypes...)
	out.SpecialCapabilities = append([]string(nil), p.SpecialCapabilities...)
	if p.NextMaintenance != nil {
		t := *p.NextMaintenance
		out.NextMaintenance = &t
	}
	return out
}

// Mission is a MissionRequest waiting for allocation
type Mission struct {
	ID                   string        `json:"id"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	Priority             int           `json:"priority"`
	Deadline             *time.Time    `json:"deadline,omitempty"`
	EstimatedDuration    time.Duration `json:"estimated_duration"`
	MinDrones            int           `json:"min_drones"`
	MaxDrones            int           `json:"max_drones"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Validate checks the mission fields
func (m Mission) Validate() error {
	if m.MinDrones < 1 {
		return &models.ValidationError{Field: "min_drones", Message: "at least one drone is required"}
	}
	if m.MaxDrones < m.MinDrones {
		return &models.ValidationError{Field: "max_drones", Message: "max_drones must not be below min_drones"}
	}
	if m.EstimatedDuration < 0 {
		return &models.ValidationError{Field: "estimated_duration", Message: "duration must not be negative"}
	}
	return nil
}

// Status of a drone assignment
type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the assignment still occupies the agent
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Role of an agent within a mission
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleSupport   Role = "support"
	RoleBackup    Role = "backup"
)

// Assignment is a DroneAssignment
type Assignment struct {
	AgentID             string    `json:"agent_id"`
	MissionID           string    `json:"mission_id"`
	AssignedAt          time.Time `json:"assigned_at"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Status              Status    `json:"status"`
	Role                Role      `json:"role"`
	WorkloadScore       float64   `json:"workload_score"`
}

// Algorithm selects agents among the eligible ones
type Algorithm string

const (
	AlgorithmFirstAvailable Algorithm = "first_available"
	AlgorithmBestFit        Algorithm = "best_fit"
	AlgorithmLoadBalanced   Algorithm = "load_balanced"
	AlgorithmPriorityBased  Algorithm = "priority_based"
	AlgorithmAuction        Algorithm = "auction"
)

// Valid reports whether a is a known algorithm name. LoadBalanced,
// PriorityBased and Auction are accepted but defer every mission.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmFirstAvailable, AlgorithmBestFit, AlgorithmLoadBalanced, AlgorithmPriorityBased, AlgorithmAuction:
		return true
	}
	return false
}

// Config configures the assignment engine
type Config struct {
	Algorithm     Algorithm `yaml:"algorithm" json:"algorithm"`
	LoadBalancing bool      `yaml:"load_balancing" json:"load_balancing"`
	MinBattery    float64   `yaml:"min_battery" json:"min_battery"`
	// ReserveAssignedAgents marks selected agents Busy until their
	// assignments reach a terminal status.
	ReserveAssignedAgents bool `yaml:"reserve_assigned_agents" json:"reserve_assigned_agents"`
}

// DefaultConfig returns the standard assignment configuration
func DefaultConfig() Config {
	return Config{
		Algorithm:             AlgorithmBestFit,
		LoadBalancing:         true,
		MinBattery:            MinBatteryFloor,
		ReserveAssignedAgents: true,
	}
}

// MinBatteryFloor is the lowest battery level an agent may be assigned at
const MinBatteryFloor = 0.2

// withDefaults fills an unset algorithm and lifts the battery threshold to
// MinBatteryFloor
func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmBestFit
	}
	if c.MinBattery < MinBatteryFloor {
		c.MinBattery = MinBatteryFloor
	}
	return c
}

// Statistics is the AssignmentStatistics snapshot
type Statistics struct {
	PendingMissions   int       `json:"total_pending_missions"`
	AssignedMissions  int       `json:"total_assigned_missions"`
	CompletedMissions int       `json:"completed_missions"`
	AverageWorkload   float64   `json:"average_workload"`
	SuccessRate       float64   `json:"success_rate"`
	DeferredPasses    int       `json:"deferred_passes"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PassResult is the outcome of one ProcessPendingMissions call
type PassResult struct {
	// Assigned lists the missions allocated in this pass.
	Assigned []string `json:"assigned,omitempty"`
	// Deferred counts missions left pending for lack of eligible agents.
	Deferred int `json:"deferred"`
}
