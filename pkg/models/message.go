package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the category of message carried on the fleet bus
type MessageType string

const (
	MsgTelemetry          MessageType = "agent.telemetry"
	MsgCapabilityProfile  MessageType = "agent.profile"
	MsgAgentDeregister    MessageType = "agent.deregister"
	MsgManeuverComplete   MessageType = "agent.maneuver_complete"
	MsgMissionRequest     MessageType = "mission.request"
	MsgMissionCancel      MessageType = "mission.cancel"
	MsgAssignmentStatus   MessageType = "mission.status"
	MsgMissionAssignment  MessageType = "mission.assignment"
	MsgAvoidanceCommand   MessageType = "command.avoidance"
	MsgCoordinationAction MessageType = "command.coordination"
	MsgSwarmBroadcast     MessageType = "swarm.broadcast"

	MsgSwarmCreate        MessageType = "swarm.create"
	MsgSwarmJoin          MessageType = "swarm.join"
	MsgSwarmLeave         MessageType = "swarm.leave"
	MsgSwarmMessage       MessageType = "swarm.message"
	MsgSwarmStatus        MessageType = "swarm.status"
	MsgSwarmEmergencyLand MessageType = "swarm.emergency_land"
	MsgSwarmDissolve      MessageType = "swarm.dissolve"
)

// Message is the envelope exchanged with external collaborators
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage creates a message with a fresh ID and the payload encoded as JSON
func NewMessage(msgType MessageType, source, target string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Target:    target,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// WithCorrelationID adds a correlation ID to the message
func (m Message) WithCorrelationID(id string) Message {
	m.CorrelationID = id
	return m
}

// ToJSON serializes the message to JSON bytes
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON deserializes a message from JSON bytes
func MessageFromJSON(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Validate checks if the message has all required fields
func (m Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if m.Type == "" {
		return &ValidationError{Field: "type", Message: "message type is required"}
	}
	if m.Source == "" {
		return &ValidationError{Field: "source", Message: "message source is required"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "message timestamp is required"}
	}
	return nil
}
