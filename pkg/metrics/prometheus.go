package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus client
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	metrics    map[string]Metric
	mu         sync.RWMutex
}

// NewPrometheusCollector creates a new Prometheus-based metrics collector
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	return &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		metrics:    make(map[string]Metric),
	}
}

// Register registers a new metric
func (c *PrometheusCollector) Register(metric Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.metrics[metric.Name]; exists {
		return fmt.Errorf("metric %s already registered", metric.Name)
	}

	switch metric.Type {
	case CounterType:
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric.Name,
			Help: metric.Help,
		}, metric.Labels)
		if err := c.registry.Register(counter); err != nil {
			return fmt.Errorf("failed to register counter %s: %w", metric.Name, err)
		}
		c.counters[metric.Name] = counter

	case GaugeType:
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metric.Name,
			Help: metric.Help,
		}, metric.Labels)
		if err := c.registry.Register(gauge); err != nil {
			return fmt.Errorf("failed to register gauge %s: %w", metric.Name, err)
		}
		c.gauges[metric.Name] = gauge

	case HistogramType:
		buckets := metric.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric.Name,
			Help:    metric.Help,
			Buckets: buckets,
		}, metric.Labels)
		if err := c.registry.Register(histogram); err != nil {
			return fmt.Errorf("failed to register histogram %s: %w", metric.Name, err)
		}
		c.histograms[metric.Name] = histogram

	default:
		return fmt.Errorf("unknown metric type: %s", metric.Type)
	}

	c.metrics[metric.Name] = metric
	return nil
}

// IncrementCounter increments a counter by 1
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *PrometheusCollector) AddCounter(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	counter.With(prometheus.Labels(labels)).Add(value)
}

// SetGauge sets the value of a gauge
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// ObserveHistogram records a value in a histogram
func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// ObserveDuration records a duration in a histogram
func (c *PrometheusCollector) ObserveDuration(name string, start time.Time, labels map[string]string) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// HTTPHandler returns an HTTP handler for Prometheus scraping
func (c *PrometheusCollector) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the underlying registry
func (c *PrometheusCollector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// GetMetricNames returns a list of registered metric names
func (c *PrometheusCollector) GetMetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterFleetMetrics registers every fleet metric
func (c *PrometheusCollector) RegisterFleetMetrics() error {
	var errors []string
	for _, metric := range FleetMetrics() {
		if err := c.Register(metric); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("failed to register some metrics: %s", strings.Join(errors, "; "))
	}
	return nil
}

// NopCollector drops every observation
type NopCollector struct{}

func (NopCollector) IncrementCounter(string, map[string]string)           {}
func (NopCollector) AddCounter(string, float64, map[string]string)        {}
func (NopCollector) SetGauge(string, float64, map[string]string)          {}
func (NopCollector) ObserveHistogram(string, float64, map[string]string)  {}
func (NopCollector) ObserveDuration(string, time.Time, map[string]string) {}
func (NopCollector) Register(Metric) error                                { return nil }
