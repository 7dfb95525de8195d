package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/fleetcore/pkg/assignment"
	"github.com/syntor/fleetcore/pkg/coordination"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15.0, cfg.Collision.CriticalDistance)
	assert.Equal(t, assignment.AlgorithmBestFit, cfg.Assignment.Algorithm)
	assert.Equal(t, 50, cfg.Swarm.MaxMembers)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fleetd.yaml", `
system:
  environment: staging
collision:
  horizon_seconds: 60
  maneuver_duration: 45s
assignment:
  algorithm: first_available
kafka:
  brokers: ["k1:9092", "k2:9092"]
intervals:
  rule_evaluation: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.System.Environment)
	assert.Equal(t, 60, cfg.Collision.HorizonSeconds)
	assert.Equal(t, 45*time.Second, cfg.Collision.ManeuverDuration)
	assert.Equal(t, 25.0, cfg.Collision.HighDistance, "unset fields keep defaults")
	assert.Equal(t, assignment.AlgorithmFirstAvailable, cfg.Assignment.Algorithm)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Intervals.RuleEvaluation)
	assert.Equal(t, 2*time.Second, cfg.Intervals.MissionProcessing)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fleetd", cfg.System.ServiceName)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeFile(t, t.TempDir(), "bad.yaml", "collision: [")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvKafkaBrokers, "a:9092, b:9092,")
	t.Setenv(EnvRedisAddress, "redis:6379")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvMetricsPort, "9191")
	t.Setenv(EnvWatchRules, "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9191, cfg.Monitoring.MetricsPort)
	assert.False(t, cfg.WatchRules)
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("FLEET_TEST_INT", "nine")
	assert.Equal(t, 7, GetEnvInt("FLEET_TEST_INT", 7))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FleetConfig)
		field  string
	}{
		{"bands out of order", func(c *FleetConfig) { c.Collision.HighDistance = 60 }, "collision"},
		{"zero horizon", func(c *FleetConfig) { c.Collision.HorizonSeconds = 0 }, "collision.horizon_seconds"},
		{"battery above one", func(c *FleetConfig) { c.Assignment.MinBattery = 1.5 }, "assignment.min_battery"},
		{"battery below floor", func(c *FleetConfig) { c.Assignment.MinBattery = 0.1 }, "assignment.min_battery"},
		{"battery unset", func(c *FleetConfig) { c.Assignment.MinBattery = 0 }, "assignment.min_battery"},
		{"algorithm", func(c *FleetConfig) { c.Assignment.Algorithm = "random" }, "assignment.algorithm"},
		{"swarm size", func(c *FleetConfig) { c.Swarm.MaxMembers = 0 }, "swarm"},
		{"no brokers", func(c *FleetConfig) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"redis address", func(c *FleetConfig) { c.Redis.Enabled = true; c.Redis.Address = "" }, "redis.address"},
		{"interval", func(c *FleetConfig) { c.Intervals.SnapshotPublish = 0 }, "intervals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			var verr *models.ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoggerConfig(t *testing.T) {
	lc, err := LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.WarnLevel, lc.Level)
	assert.Equal(t, os.Stderr, lc.Output)

	_, err = LoggingConfig{Output: "/var/log/fleetd.log"}.LoggerConfig()
	assert.Error(t, err)
}

const rulesYAML = `
avoidance:
  - id: climb
    name: Climb
    priority: 1
    trigger_distance: 25
    maneuver: {kind: altitude_change, altitude_delta: 15}
    enabled: true
coordination:
  - id: battery
    name: Battery
    priority: 0
    condition: {kind: battery_low, threshold: 0.25}
    action: {kind: return_to_base}
    enabled: true
  - id: link
    name: Link
    priority: 1
    condition: {kind: communication_loss, timeout: 45s}
    action: {kind: send_alert, message: link lost}
    enabled: true
`

func TestParseRules(t *testing.T) {
	rs, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	require.Len(t, rs.Avoidance, 1)
	assert.Equal(t, 15.0, rs.Avoidance[0].Maneuver.AltitudeDelta)
	require.Len(t, rs.Coordination, 2)
	assert.Equal(t, coordination.ConditionCommunicationLoss, rs.Coordination[1].Condition.Kind)
	assert.Equal(t, 45*time.Second, rs.Coordination[1].Condition.Timeout)
}

func TestParseRulesMissingSectionKeepsDefaults(t *testing.T) {
	rs, err := ParseRules([]byte(`
coordination:
  - id: only
    priority: 0
    condition: {kind: battery_low, threshold: 0.3}
    action: {kind: land_immediate}
    enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultRuleSet().Avoidance, rs.Avoidance)
	assert.Len(t, rs.Coordination, 1)
}

func TestParseRulesRejects(t *testing.T) {
	_, err := ParseRules(nil)
	assert.Error(t, err)

	_, err = ParseRules([]byte(`
coordination:
  - id: bad
    condition: {kind: proximity_alert}
    action: {kind: change_altitude}
`))
	assert.ErrorIs(t, err, models.ErrInvalidRuleCondition)

	_, err = ParseRules([]byte(`
avoidance:
  - {id: a, maneuver: {kind: hover}}
  - {id: a, maneuver: {kind: hover}}
`))
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = ParseRules([]byte(`
avoidance:
  - {id: slow, maneuver: {kind: speed_reduction, factor: 2}}
`))
	assert.ErrorAs(t, err, &verr)
}

func TestDefaultRuleSetIsValid(t *testing.T) {
	assert.NoError(t, DefaultRuleSet().Validate())
}

func TestRulesWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.yaml", rulesYAML)

	w, err := NewRulesWatcher(path, nil)
	require.NoError(t, err)
	require.Len(t, w.Current().Coordination, 2)

	changes := make(chan RuleSet, 10)
	w.OnChange(func(rs RuleSet) { changes <- rs })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)

	// invalid content is ignored
	writeFile(t, dir, "rules.yaml", "coordination: [{id: x, condition: {kind: nope}, action: {kind: send_alert}}]")
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, w.Current().Coordination, 2)

	// unrelated files are ignored
	writeFile(t, dir, "other.yaml", rulesYAML)

	writeFile(t, dir, "rules.yaml", `
coordination:
  - id: hot
    priority: 0
    condition: {kind: battery_low, threshold: 0.5}
    action: {kind: return_to_base}
    enabled: true
`)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case rs := <-changes:
			if len(rs.Coordination) == 1 && rs.Coordination[0].ID == "hot" {
				assert.Equal(t, "hot", w.Current().Coordination[0].ID)
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for rules reload")
		}
	}
}

func TestNewRulesWatcherRequiresValidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.yaml", "")
	_, err := NewRulesWatcher(path, nil)
	assert.Error(t, err)
}
