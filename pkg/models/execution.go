package models

import "time"

type ExecutionStatus string

const (
	RunningExecutionStatus   ExecutionStatus = "RUNNING"
	CompletedExecutionStatus ExecutionStatus = "COMPLETED"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
	// PausedExecutionStatus is part of the status vocabulary but the base
	// scheduler never enters it. Reserved for conditional/resumable workflows.
	PausedExecutionStatus ExecutionStatus = "PAUSED"
)

// Terminal reports whether no further transition can happen from s.
func (s ExecutionStatus) Terminal() bool {
	return s == CompletedExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

// Execution is one concrete run of a workflow definition. Each execution
// owns a private copy of the definition's tasks; the driving scheduler is
// the only writer, readers get Clone()d snapshots.
type Execution struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	Status     ExecutionStatus `json:"status"`
	Tasks      []*Task         `json:"tasks"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// Duration returns the total wall-clock time, zero until the execution finishes.
func (e *Execution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Task returns the task with the given id, or nil.
func (e *Execution) Task(id string) *Task {
	for _, t := range e.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy of the execution and all its tasks.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Tasks = make([]*Task, len(e.Tasks))
	for i, t := range e.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	if e.FinishedAt != nil {
		finished := *e.FinishedAt
		cp.FinishedAt = &finished
	}
	cp.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
