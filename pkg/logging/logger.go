package logging

import (
	"context"
	"io"
	"os"
	"time"
)

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// AgentID tags a log line with a drone id
func AgentID(id string) Field { return String("agent_id", id) }

// SwarmID tags a log line with a swarm id
func SwarmID(id string) Field { return String("swarm_id", id) }

// MissionID tags a log line with a mission id
func MissionID(id string) Field { return String("mission_id", id) }

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	AgentIDKey       contextKey = "agent_id"
	SwarmIDKey       contextKey = "swarm_id"
	MissionIDKey     contextKey = "mission_id"
)

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithAgentID adds an agent ID to context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSwarmID adds a swarm ID to context
func WithSwarmID(ctx context.Context, swarmID string) context.Context {
	return context.WithValue(ctx, SwarmIDKey, swarmID)
}

// WithMissionID adds a mission ID to context
func WithMissionID(ctx context.Context, missionID string) context.Context {
	return context.WithValue(ctx, MissionIDKey, missionID)
}

// contextFields extracts the known correlation values from ctx
func contextFields(ctx context.Context) []Field {
	var fields []Field
	for _, key := range []contextKey{CorrelationIDKey, AgentIDKey, SwarmIDKey, MissionIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, String(string(key), v))
		}
	}
	return fields
}

// LogLevel represents log level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Format string // "json" or "text"
	Output io.Writer
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Format: "json",
		Output: os.Stdout,
	}
}

// ParseLevel parses log level from string
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// NopLogger discards everything. Engines use it when no logger is supplied.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)               {}
func (NopLogger) Info(string, ...Field)                {}
func (NopLogger) Warn(string, ...Field)                {}
func (NopLogger) Error(string, ...Field)               {}
func (n NopLogger) With(...Field) Logger               { return n }
func (n NopLogger) WithContext(context.Context) Logger { return n }
