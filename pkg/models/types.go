package models

import (
	"fmt"
	"time"
)

// Position is a geodetic position. Altitude is in meters.
type Position struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
	Alt float64 `json:"alt" yaml:"alt"`
}

// Velocity is a local ENU velocity in m/s: VX east, VY north, VZ up.
type Velocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`
}

// RiskLevel is the discrete collision-proximity classification
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// MarshalText renders the level by name so snapshots stay readable
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a level name
func (r *RiskLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*r = RiskNone
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	case "critical":
		*r = RiskCritical
	default:
		return fmt.Errorf("unknown risk level %q", string(text))
	}
	return nil
}

// AgentStatus is the operational status reported for a drone
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusInMission AgentStatus = "in_mission"
	StatusReturning AgentStatus = "returning"
	StatusCharging  AgentStatus = "charging"
	StatusLanded    AgentStatus = "landed"
	StatusOffline   AgentStatus = "offline"
	StatusEmergency AgentStatus = "emergency"
)

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// AgentStateUpdate is a kinematic update pushed by the telemetry bridge
type AgentStateUpdate struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Position  Position  `json:"position"`
	Velocity  Velocity  `json:"velocity"`
	Heading   float64   `json:"heading"`
	// Battery is optional; nil leaves the stored level untouched.
	Battery *float64 `json:"battery,omitempty"`
	// CommQuality is optional link quality in [0,1].
	CommQuality *float64    `json:"comm_quality,omitempty"`
	Status      AgentStatus `json:"status,omitempty"`
}

// Validate checks the required fields of an update
func (u AgentStateUpdate) Validate() error {
	if u.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "agent ID is required"}
	}
	if u.Position.Lat < -90 || u.Position.Lat > 90 {
		return &ValidationError{Field: "position.lat", Message: "latitude out of range"}
	}
	if u.Position.Lon < -180 || u.Position.Lon > 180 {
		return &ValidationError{Field: "position.lon", Message: "longitude out of range"}
	}
	if u.Battery != nil && (*u.Battery < 0 || *u.Battery > 1) {
		return &ValidationError{Field: "battery", Message: "battery must be within [0,1]"}
	}
	return nil
}
