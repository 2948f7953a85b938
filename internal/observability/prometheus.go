package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics implements Metrics on top of a prometheus registry.
// Collectors are created lazily on first use, keyed by name and label set.
type PromMetrics struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPromMetrics builds a prometheus-backed metrics collector. A nil registry
// allocates a private one.
func NewPromMetrics(registry *prometheus.Registry) *PromMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := new(PromMetrics)
	m.registry = registry
	m.counters = make(map[string]*prometheus.CounterVec)
	m.gauges = make(map[string]*prometheus.GaugeVec)
	return m
}

// Registry exposes the underlying registry for HTTP handlers.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }

// IncCounter adds value to the named counter.
func (m *PromMetrics) IncCounter(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Add(value)
}

// SetGauge records the latest value of the named gauge.
func (m *PromMetrics) SetGauge(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Set(value)
}

func labelKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
