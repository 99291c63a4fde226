// Package metrics defines the capability interface every agenc subsystem
// uses to emit numeric telemetry, plus in-memory and no-op sinks.
//
// Metric names carry fixed prefixes (agenc.verifier.*, agenc.replay.*,
// agenc.policy.*, agenc.audit.*). Label keys are sorted before any
// serialization so snapshot keys are stable.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Provider is the sink consumed by all subsystems. Implementations must be
// safe for concurrent use.
type Provider interface {
	Counter(name string, delta float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) Counter(string, float64, map[string]string)   {}
func (Nop) Gauge(string, float64, map[string]string)     {}
func (Nop) Histogram(string, float64, map[string]string) {}

// HistogramSnapshot is the recorded state of one histogram series.
type HistogramSnapshot struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

// Memory stores snapshots keyed by "name|k=v,k=v" with sorted label pairs.
type Memory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*HistogramSnapshot
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*HistogramSnapshot),
	}
}

func (m *Memory) Counter(name string, delta float64, labels map[string]string) {
	key := SeriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

func (m *Memory) Gauge(name string, value float64, labels map[string]string) {
	key := SeriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

func (m *Memory) Histogram(name string, value float64, labels map[string]string) {
	key := SeriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[key]
	if !ok {
		h = &HistogramSnapshot{Min: value, Max: value}
		m.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
}

// CounterValue returns the accumulated counter for a series, or 0.
func (m *Memory) CounterValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[SeriesKey(name, labels)]
}

// GaugeValue returns the last gauge value for a series, or 0.
func (m *Memory) GaugeValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[SeriesKey(name, labels)]
}

// HistogramValue returns a copy of the histogram snapshot for a series.
func (m *Memory) HistogramValue(name string, labels map[string]string) (HistogramSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[SeriesKey(name, labels)]
	if !ok {
		return HistogramSnapshot{}, false
	}
	return *h, true
}

// SeriesKeys returns every recorded series key, sorted.
func (m *Memory) SeriesKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.counters)+len(m.gauges)+len(m.histograms))
	for k := range m.counters {
		keys = append(keys, k)
	}
	for k := range m.gauges {
		keys = append(keys, k)
	}
	for k := range m.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SeriesKey builds the stable "name|k=v,k=v" key for a series.
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
