package swarm

import (
	"encoding/json"
	"time"

	"github.com/syntor/fleetcore/pkg/models"
)

// FormationKind names the formation shapes
type FormationKind string

const (
	FormationLine   FormationKind = "line"
	FormationGrid   FormationKind = "grid"
	FormationV      FormationKind = "v"
	FormationCircle FormationKind = "circle"
	FormationCustom FormationKind = "custom"
)

// Offset is a member position relative to the leader in meters
type Offset struct {
	North float64 `json:"north" yaml:"north"`
	East  float64 `json:"east" yaml:"east"`
	Up    float64 `json:"up" yaml:"up"`
}

// Formation is a formation shape; Offsets are only read for custom.
type Formation struct {
	Kind    FormationKind `json:"kind" yaml:"kind"`
	Spacing float64       `json:"spacing,omitempty" yaml:"spacing,omitempty"`
	Offsets []Offset      `json:"offsets,omitempty" yaml:"offsets,omitempty"`
}

// Valid reports whether the formation kind is known
func (f Formation) Valid() bool {
	switch f.Kind {
	case FormationLine, FormationGrid, FormationV, FormationCircle:
		return true
	case FormationCustom:
		return len(f.Offsets) > 0
	}
	return false
}

// Status of a swarm
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusForming    Status = "forming"
	StatusActive     Status = "active"
	StatusDispersing Status = "dispersing"
	StatusEmergency  Status = "emergency"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusForming, StatusActive, StatusDispersing, StatusEmergency:
		return true
	}
	return false
}

// Member is an agent's snapshot inside a swarm
type Member struct {
	AgentID      string             `json:"agent_id"`
	Status       models.AgentStatus `json:"status"`
	Battery      float64            `json:"battery"`
	Position     models.Position    `json:"position"`
	Capabilities []string           `json:"capabilities,omitempty"`
	JoinedAt     time.Time          `json:"joined_at"`
}

// Info is a read-only copy of a swarm
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Formation Formation `json:"formation"`
	Members   []Member  `json:"members"`
	LeaderID  string    `json:"leader_id,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	// Subscribers is the number of open broadcast subscriptions.
	Subscribers int `json:"subscribers"`
	// Dropped counts messages discarded by full subscriber queues.
	Dropped uint64 `json:"dropped"`
}

// MessageKind classifies swarm messages
type MessageKind string

const (
	KindCommand   MessageKind = "command"
	KindFormation MessageKind = "formation_update"
	KindStatus    MessageKind = "status"
	KindCustom    MessageKind = "custom"
)

// TargetAll addresses every member of the swarm
const TargetAll = "all"

// CommandEmergencyLand is the payload of an emergency landing command
const CommandEmergencyLand = "emergency_land"

// Message is a SwarmMessage
type Message struct {
	ID        string          `json:"id"`
	SwarmID   string          `json:"swarm_id"`
	Kind      MessageKind     `json:"kind"`
	Target    string          `json:"target"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Health is the SwarmHealth snapshot
type Health struct {
	SwarmID            string  `json:"swarm_id"`
	TotalMembers       int     `json:"total_members"`
	ActiveMembers      int     `json:"active_members"`
	AverageBattery     float64 `json:"average_battery"`
	FormationIntegrity float64 `json:"formation_integrity"`
	CommQuality        float64 `json:"comm_quality"`
	Status             Status  `json:"status"`
}

// Config configures the swarm manager
type Config struct {
	MaxMembers    int `yaml:"max_members" json:"max_members"`
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
}

// DefaultConfig returns the standard swarm limits
func DefaultConfig() Config {
	return Config{MaxMembers: 50, QueueCapacity: 100}
}
