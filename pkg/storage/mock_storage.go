package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// mockStore implements Store with in-memory storage
type mockStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	metrics    map[string][]models.MetricSample
	committed  bool // Transaction state
}

func NewMockStore() Store {
	return &mockStore{
		executions: make(map[string]*models.Execution),
		metrics:    make(map[string][]models.MetricSample),
	}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

func (m *mockStore) Rollback() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveExecution(e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *mockStore) GetExecution(id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution '%s'", id)
	}
	return e.Clone(), nil
}

func (m *mockStore) ListExecutions() ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *mockStore) GetTasks(executionID string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution '%s'", executionID)
	}
	tasks := make([]*models.Task, len(e.Tasks))
	for i, t := range e.Tasks {
		tasks[i] = t.Clone()
	}
	return tasks, nil
}

func (m *mockStore) SaveMetricSample(metric string, s models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric] = append(m.metrics[metric], s)
	return nil
}

func (m *mockStore) GetMetricSamples(metric string) ([]models.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples, ok := m.metrics[metric]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "metric '%s'", metric)
	}
	return append([]models.MetricSample(nil), samples...), nil
}
