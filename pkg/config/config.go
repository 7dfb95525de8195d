// Package config loads the fleetd configuration and rule tables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntor/fleetcore/pkg/assignment"
	"github.com/syntor/fleetcore/pkg/collision"
	"github.com/syntor/fleetcore/pkg/kafka"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/resilience"
	"github.com/syntor/fleetcore/pkg/snapshot"
	"github.com/syntor/fleetcore/pkg/swarm"
)

// Environment overrides
const (
	EnvKafkaBrokers = "FLEET_KAFKA_BROKERS"
	EnvRedisAddress = "FLEET_REDIS_ADDRESS"
	EnvLogLevel     = "FLEET_LOG_LEVEL"
	EnvMetricsPort  = "FLEET_METRICS_PORT"
	EnvEnvironment  = "FLEET_ENVIRONMENT"
	EnvRulesFile    = "FLEET_RULES_FILE"
	EnvWatchRules   = "FLEET_WATCH_RULES"
)

// FleetConfig holds the complete fleetd configuration
type FleetConfig struct {
	System     SystemSettings    `yaml:"system"`
	Collision  collision.Config  `yaml:"collision"`
	Assignment assignment.Config `yaml:"assignment"`
	Swarm      swarm.Config      `yaml:"swarm"`
	Kafka      kafka.BusConfig   `yaml:"kafka"`
	Redis      RedisConfig       `yaml:"redis"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Logging    LoggingConfig     `yaml:"logging"`
	Resilience ResilienceConfig  `yaml:"resilience"`
	Intervals  IntervalConfig    `yaml:"intervals"`
	RulesFile  string            `yaml:"rules_file"`
	WatchRules bool              `yaml:"watch_rules"`
}

// SystemSettings holds general process settings
type SystemSettings struct {
	Environment     string        `yaml:"environment"` // local, staging, production
	ServiceName     string        `yaml:"service_name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig enables the status snapshot mirror
type RedisConfig struct {
	Enabled              bool `yaml:"enabled"`
	snapshot.RedisConfig `yaml:",inline"`
}

// MonitoringConfig holds the metrics endpoint settings
type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	MetricsPath    string `yaml:"metrics_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// ResilienceConfig tunes command publishing
type ResilienceConfig struct {
	Retry   resilience.RetryConfig          `yaml:"retry"`
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`
}

// IntervalConfig holds the periods of the background loops
type IntervalConfig struct {
	RuleEvaluation    time.Duration `yaml:"rule_evaluation"`
	MissionProcessing time.Duration `yaml:"mission_processing"`
	RiskReassessment  time.Duration `yaml:"risk_reassessment"`
	SnapshotPublish   time.Duration `yaml:"snapshot_publish"`
}

// DefaultConfig returns the configuration for local development
func DefaultConfig() FleetConfig {
	return FleetConfig{
		System: SystemSettings{
			Environment:     "local",
			ServiceName:     "fleetd",
			ShutdownTimeout: 15 * time.Second,
		},
		Collision:  collision.DefaultConfig(),
		Assignment: assignment.DefaultConfig(),
		Swarm:      swarm.DefaultConfig(),
		Kafka:      kafka.DefaultBusConfig(),
		Redis: RedisConfig{
			Enabled:     false,
			RedisConfig: snapshot.DefaultRedisConfig(),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
			MetricsPath:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Resilience: ResilienceConfig{
			Retry:   resilience.DefaultRetryConfig(),
			Breaker: resilience.DefaultCircuitBreakerConfig("commands"),
		},
		Intervals: IntervalConfig{
			RuleEvaluation:    time.Second,
			MissionProcessing: 2 * time.Second,
			RiskReassessment:  time.Second,
			SnapshotPublish:   5 * time.Second,
		},
		WatchRules: true,
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*FleetConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from FLEET_* environment variables
func (c *FleetConfig) ApplyEnv() {
	if brokers := GetEnv(EnvKafkaBrokers, ""); brokers != "" {
		var list []string
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				list = append(list, b)
			}
		}
		c.Kafka.Brokers = list
	}
	if addr := GetEnv(EnvRedisAddress, ""); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	c.Logging.Level = GetEnv(EnvLogLevel, c.Logging.Level)
	c.Monitoring.MetricsPort = GetEnvInt(EnvMetricsPort, c.Monitoring.MetricsPort)
	c.System.Environment = GetEnv(EnvEnvironment, c.System.Environment)
	c.RulesFile = GetEnv(EnvRulesFile, c.RulesFile)
	c.WatchRules = GetEnvBool(EnvWatchRules, c.WatchRules)
}

// Validate checks the settings the engines cannot run without
func (c *FleetConfig) Validate() error {
	col := c.Collision
	if col.CriticalDistance <= 0 || col.CriticalDistance >= col.HighDistance ||
		col.HighDistance >= col.MediumDistance || col.MediumDistance >= col.LowDistance {
		return &models.ValidationError{Field: "collision", Message: "distance bands must be positive and strictly increasing"}
	}
	if col.HorizonSeconds <= 0 {
		return &models.ValidationError{Field: "collision.horizon_seconds", Message: "horizon must be positive"}
	}
	if col.MinSeparation <= 0 {
		return &models.ValidationError{Field: "collision.min_separation", Message: "minimum separation must be positive"}
	}
	if c.Assignment.MinBattery < assignment.MinBatteryFloor || c.Assignment.MinBattery > 1 {
		return &models.ValidationError{Field: "assignment.min_battery", Message: fmt.Sprintf("must be within [%.1f,1]", assignment.MinBatteryFloor)}
	}
	if !c.Assignment.Algorithm.Valid() {
		return &models.ValidationError{Field: "assignment.algorithm", Message: fmt.Sprintf("unknown algorithm %q", c.Assignment.Algorithm)}
	}
	if c.Swarm.MaxMembers <= 0 || c.Swarm.QueueCapacity <= 0 {
		return &models.ValidationError{Field: "swarm", Message: "max_members and queue_capacity must be positive"}
	}
	if len(c.Kafka.Brokers) == 0 {
		return &models.ValidationError{Field: "kafka.brokers", Message: "at least one broker is required"}
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return &models.ValidationError{Field: "redis.address", Message: "address is required when redis is enabled"}
	}
	iv := c.Intervals
	if iv.RuleEvaluation <= 0 || iv.MissionProcessing <= 0 || iv.RiskReassessment <= 0 || iv.SnapshotPublish <= 0 {
		return &models.ValidationError{Field: "intervals", Message: "all intervals must be positive"}
	}
	return nil
}

// LoggerConfig converts the logging section for logging.NewZapLogger
func (c LoggingConfig) LoggerConfig() (logging.Config, error) {
	var out io.Writer
	switch c.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		return logging.Config{}, errors.New("logging output must be stdout or stderr")
	}
	return logging.Config{
		Level:  logging.ParseLevel(c.Level),
		Format: c.Format,
		Output: out,
	}, nil
}

// GetEnv retrieves environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvBool retrieves environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
