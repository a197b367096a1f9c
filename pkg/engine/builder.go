package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// WorkflowBuilder accumulates task specifications for a named workflow.
// Validation beyond the basics happens in DefinitionStore.Define.
type WorkflowBuilder struct {
	name  string
	specs []models.TaskSpec
}

func NewWorkflowBuilder(name string) *WorkflowBuilder {
	return &WorkflowBuilder{name: name}
}

// AddTask appends a fully specified task.
func (b *WorkflowBuilder) AddTask(spec models.TaskSpec) *WorkflowBuilder {
	b.specs = append(b.specs, spec)
	return b
}

// AddSimpleTask appends a task with the common fields and defaults for
// the rest.
func (b *WorkflowBuilder) AddSimpleTask(id, name, operation string, params models.Params, dependsOn ...string) *WorkflowBuilder {
	return b.AddTask(models.TaskSpec{
		ID:        id,
		Name:      name,
		Operation: operation,
		Params:    params,
		DependsOn: dependsOn,
	})
}

// WithTimeout sets the timeout of the most recently added task.
func (b *WorkflowBuilder) WithTimeout(timeout time.Duration) *WorkflowBuilder {
	if len(b.specs) > 0 {
		b.specs[len(b.specs)-1].Timeout = timeout
	}
	return b
}

// WithRetries sets the retry budget of the most recently added task.
func (b *WorkflowBuilder) WithRetries(max int) *WorkflowBuilder {
	if len(b.specs) > 0 {
		b.specs[len(b.specs)-1].MaxRetries = max
	}
	return b
}

// Build returns the accumulated task list.
func (b *WorkflowBuilder) Build() ([]models.TaskSpec, error) {
	if b.name == "" {
		return nil, errors.New("workflow name must be set before building")
	}
	out := make([]models.TaskSpec, len(b.specs))
	copy(out, b.specs)
	return out, nil
}

// Define builds the task list and stores it in the definition store.
func (b *WorkflowBuilder) Define(store *DefinitionStore) error {
	specs, err := b.Build()
	if err != nil {
		return err
	}
	return store.Define(b.name, specs)
}
