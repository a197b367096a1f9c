package engine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// DefinitionStore holds named workflow templates. A definition is
// immutable once stored; every execution starts from a fresh deep copy,
// so retries or mutations in one run never leak into another.
type DefinitionStore struct {
	mu     sync.RWMutex
	defs   map[string][]models.TaskSpec
	logger Logger
}

func NewDefinitionStore(logger Logger) *DefinitionStore {
	return &DefinitionStore{
		defs:   make(map[string][]models.TaskSpec),
		logger: logger,
	}
}

// Define stores the task specification list under name, replacing any
// previous definition with the same name.
func (s *DefinitionStore) Define(name string, specs []models.TaskSpec) error {
	if name == "" {
		return errors.New("workflow name cannot be empty")
	}
	if len(specs) == 0 {
		return errors.Errorf("workflow '%s' has no tasks", name)
	}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return errors.Errorf("workflow '%s' contains a task with no id", name)
		}
		if _, dup := seen[spec.ID]; dup {
			return errors.Errorf("workflow '%s' contains duplicate task id '%s'", name, spec.ID)
		}
		if spec.Operation == "" {
			return errors.Errorf("task '%s' in workflow '%s' has no operation", spec.ID, name)
		}
		seen[spec.ID] = struct{}{}
	}
	stored := make([]models.TaskSpec, len(specs))
	copy(stored, specs)
	s.mu.Lock()
	s.defs[name] = stored
	s.mu.Unlock()
	s.logger.Infof("Defined workflow '%s' with %d tasks", name, len(specs))
	return nil
}

// Materialize returns a fresh pending task list for starting a new
// execution of the named workflow.
func (s *DefinitionStore) Materialize(name string) ([]*models.Task, error) {
	s.mu.RLock()
	specs, ok := s.defs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownWorkflow, "'%s'", name)
	}
	tasks := make([]*models.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = models.NewTask(spec)
	}
	return tasks, nil
}

// List returns the defined workflow names, sorted.
func (s *DefinitionStore) List() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}
