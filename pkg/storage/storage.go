package storage

import (
	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the execution-history archive. The engine runs entirely
// in memory; a store only ever receives terminal snapshots and metric
// samples for offline analysis.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Execution snapshots
	SaveExecution(e *models.Execution) error
	GetExecution(id string) (*models.Execution, error)
	ListExecutions() ([]*models.Execution, error)

	// Task records of an archived execution
	GetTasks(executionID string) ([]*models.Task, error)

	// Metric history
	SaveMetricSample(metric string, s models.MetricSample) error
	GetMetricSamples(metric string) ([]models.MetricSample, error)
}
