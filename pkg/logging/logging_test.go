package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewZapLogger(Config{Level: level, Format: "json", Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestZapLoggerFields(t *testing.T) {
	logger, buf := newBufferLogger(t, DebugLevel)

	logger.With(SwarmID("s-1")).Info("member added", AgentID("d-7"), Int("members", 3), Err(errors.New("boom")))

	entry := lastEntry(t, buf)
	assert.Equal(t, "member added", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "s-1", entry["swarm_id"])
	assert.Equal(t, "d-7", entry["agent_id"])
	assert.Equal(t, float64(3), entry["members"])
	assert.Equal(t, "boom", entry["error"])
}

func TestZapLoggerLevelFilter(t *testing.T) {
	logger, buf := newBufferLogger(t, WarnLevel)

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Equal(t, "kept", lastEntry(t, buf)["message"])
}

func TestZapLoggerWithContext(t *testing.T) {
	logger, buf := newBufferLogger(t, InfoLevel)

	ctx := WithMissionID(WithCorrelationID(context.Background(), "corr-1"), "m-9")
	logger.WithContext(ctx).Info("assigned")

	entry := lastEntry(t, buf)
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "m-9", entry["mission_id"])

	ctx = WithSwarmID(WithAgentID(context.Background(), "d-1"), "s-1")
	logger.WithContext(ctx).Info("joined")

	entry = lastEntry(t, buf)
	assert.Equal(t, "d-1", entry["agent_id"])
	assert.Equal(t, "s-1", entry["swarm_id"])
	assert.NotContains(t, entry, "mission_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.With(AgentID("x")).WithContext(context.Background()).Error("ignored")
}
