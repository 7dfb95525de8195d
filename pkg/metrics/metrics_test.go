package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestRegisterFleetMetrics(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterFleetMetrics())
	assert.Len(t, c.GetMetricNames(), len(FleetMetrics()))

	err := c.Register(TrackedAgents)
	assert.Error(t, err)
}

func TestCounterAndGauge(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterFleetMetrics())

	c.IncrementCounter(RulesTriggered.Name, Labels("rule_id", "battery-low"))
	c.AddCounter(RulesTriggered.Name, 2, Labels("rule_id", "battery-low"))
	c.SetGauge(TrackedAgents.Name, 7, nil)

	rules := findFamily(t, c, RulesTriggered.Name)
	require.Len(t, rules.Metric, 1)
	assert.Equal(t, 3.0, rules.Metric[0].GetCounter().GetValue())

	tracked := findFamily(t, c, TrackedAgents.Name)
	assert.Equal(t, 7.0, tracked.Metric[0].GetGauge().GetValue())
}

func TestHistogram(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterFleetMetrics())

	c.ObserveDuration(RuleEvaluationDuration.Name, time.Now().Add(-time.Millisecond), nil)

	h := findFamily(t, c, RuleEvaluationDuration.Name)
	assert.Equal(t, uint64(1), h.Metric[0].GetHistogram().GetSampleCount())
}

func TestUnknownMetricIgnored(t *testing.T) {
	c := NewPrometheusCollector()
	c.IncrementCounter("nope", nil)
	c.SetGauge("nope", 1, nil)
	c.ObserveHistogram("nope", 1, nil)
}

func TestHTTPHandler(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterFleetMetrics())
	c.SetGauge(MissionsPending.Name, 4, nil)

	rec := httptest.NewRecorder()
	c.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fleet_missions_pending 4"))
}

func TestLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, Labels("a", "1", "b", "2", "dangling"))
}

func TestNopCollector(t *testing.T) {
	var c Collector = NopCollector{}
	c.IncrementCounter(CommandsPublished.Name, Labels("status", "success"))
	c.AddCounter(MissionsAssigned.Name, 2, nil)
	c.SetGauge(TrackedAgents.Name, 3, nil)
	c.ObserveHistogram(RuleEvaluationDuration.Name, 0.1, nil)
	c.ObserveDuration(RuleEvaluationDuration.Name, time.Now(), nil)
	assert.NoError(t, c.Register(TrackedAgents))
}
