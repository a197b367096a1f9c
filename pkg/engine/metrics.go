package engine

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stojanov/taskrun/pkg/models"
)

// MetricRecorder appends timestamped samples under metric names and
// computes summary statistics over them. It is shared, mutable state:
// safe for concurrent use by drivers and reader callers.
type MetricRecorder struct {
	mu      sync.RWMutex
	samples map[string][]models.MetricSample
	cap     int
	logger  Logger
}

type MetricOption func(*MetricRecorder)

// WithMetricCap bounds the per-metric history: once a metric holds n
// samples, the oldest roll off. The default is unbounded.
func WithMetricCap(n int) MetricOption {
	return func(m *MetricRecorder) {
		m.cap = n
	}
}

func NewMetricRecorder(logger Logger, opts ...MetricOption) *MetricRecorder {
	m := &MetricRecorder{
		samples: make(map[string][]models.MetricSample),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends a timestamped sample under name.
func (m *MetricRecorder) Record(name string, value any, metadata map[string]any) {
	sample := models.MetricSample{
		Timestamp: time.Now(),
		Value:     value,
		Metadata:  metadata,
	}
	m.mu.Lock()
	history := append(m.samples[name], sample)
	if m.cap > 0 && len(history) > m.cap {
		history = history[len(history)-m.cap:]
	}
	m.samples[name] = history
	m.mu.Unlock()
}

// Summarize returns summary statistics for the named metric, optionally
// restricted to the trailing window. The second return is false when the
// metric is unknown or no sample falls inside the window. When samples
// exist but none are numeric, a count-only summary is returned.
func (m *MetricRecorder) Summarize(name string, window time.Duration) (models.MetricSummary, bool) {
	m.mu.RLock()
	history := m.samples[name]
	inRange := make([]models.MetricSample, 0, len(history))
	if window > 0 {
		cutoff := time.Now().Add(-window)
		for _, s := range history {
			if s.Timestamp.After(cutoff) {
				inRange = append(inRange, s)
			}
		}
	} else {
		inRange = append(inRange, history...)
	}
	m.mu.RUnlock()

	if len(inRange) == 0 {
		return models.MetricSummary{}, false
	}

	summary := models.MetricSummary{Count: len(inRange)}
	var sum float64
	var n int
	for _, s := range inRange {
		v, ok := numericValue(s.Value)
		if !ok {
			continue
		}
		if n == 0 || v < summary.Min {
			summary.Min = v
		}
		if n == 0 || v > summary.Max {
			summary.Max = v
		}
		sum += v
		summary.Latest = v
		n++
	}
	if n == 0 {
		return summary, true
	}
	summary.Avg = sum / float64(n)
	summary.Numeric = true
	return summary, true
}

// Export returns a deep copy of the full sample history keyed by metric name.
func (m *MetricRecorder) Export() map[string][]models.MetricSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]models.MetricSample, len(m.samples))
	for name, history := range m.samples {
		out[name] = append([]models.MetricSample(nil), history...)
	}
	return out
}

// Names returns the recorded metric names.
func (m *MetricRecorder) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.samples))
	for name := range m.samples {
		names = append(names, name)
	}
	return names
}

// ExportJSON writes the full sample history as an indented JSON document.
func (m *MetricRecorder) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m.Export())
}

// ExportFile writes the JSON export to path.
func (m *MetricRecorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.ExportJSON(f); err != nil {
		return err
	}
	m.logger.Infof("Exported metrics to %s", path)
	return nil
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return n.Seconds(), true
	default:
		return 0, false
	}
}
