package models

import "errors"

// Lookup and capacity failures shared by every engine. Callers wrap them with
// the offending id and test with errors.Is.
var (
	ErrAgentNotFound          = errors.New("agent not found")
	ErrAgentAlreadyRegistered = errors.New("agent already registered")
	ErrSwarmNotFound          = errors.New("swarm not found")
	ErrSwarmAtCapacity        = errors.New("swarm at capacity")
	ErrMissionNotFound        = errors.New("mission not found")
	ErrInvalidRuleCondition   = errors.New("invalid rule condition")
)

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
