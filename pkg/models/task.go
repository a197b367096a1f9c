package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// Terminal reports whether no further transition can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == SkippedTaskStatus
}

// Params is the flat parameter mapping passed to an operation.
type Params map[string]any

// Result is the value produced by a completed operation.
type Result any

// TaskSpec is the authoring shape of a task inside a workflow definition.
// A definition is an ordered list of specs; materializing an execution
// turns each spec into a fresh runtime Task.
type TaskSpec struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Operation   string        `json:"operation"`
	Params      Params        `json:"params,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty"`
}

// Task represents a runtime task owned by exactly one execution
type Task struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Operation   string        `json:"operation"`
	Params      Params        `json:"params,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxRetries  int           `json:"max_retries"`
	RetryCount  int           `json:"retry_count"`
	Status      TaskStatus    `json:"status"`
	Result      Result        `json:"result,omitempty"`
	ErrorMsg    string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// NewTask instantiates a pending runtime task from its spec. Params and
// DependsOn are copied so executions never share mutable state.
func NewTask(spec TaskSpec) *Task {
	t := &Task{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Operation:   spec.Operation,
		Params:      make(Params, len(spec.Params)),
		DependsOn:   append([]string(nil), spec.DependsOn...),
		Timeout:     spec.Timeout,
		MaxRetries:  spec.MaxRetries,
		Status:      PendingTaskStatus,
	}
	for k, v := range spec.Params {
		t.Params[k] = v
	}
	return t
}

// Duration returns the wall-clock execution time, zero until the task finishes.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to hand out while the original is being mutated.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Params = make(Params, len(t.Params))
	for k, v := range t.Params {
		cp.Params[k] = v
	}
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		cp.FinishedAt = &finished
	}
	return &cp
}
