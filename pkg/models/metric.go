package models

import "time"

// MetricSample is a single timestamped observation under a metric name.
type MetricSample struct {
	Timestamp time.Time      `json:"timestamp"`
	Value     any            `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetricSummary aggregates the numeric samples of a metric. Numeric is
// false when no sample in range carried a numeric value; Count still
// reflects all samples in range.
type MetricSummary struct {
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	Latest  float64 `json:"latest"`
	Numeric bool    `json:"-"`
}
