package engine

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// RecoveryStrategy inspects a failed task and its error and reports
// whether the failure was repaired (e.g. a transient resource came back).
// A strategy returning an error counts as a failed recovery, never as a
// repaired task.
type RecoveryStrategy func(task *models.Task, taskErr error) (bool, error)

// RecoveryPolicyStore maps error classifications to recovery strategies.
// It is a facility offered to callers: the scheduler never consults it on
// its own. Wire it in through Config.OnTaskFailure (see Hook) to get
// automatic retry of recovered tasks.
type RecoveryPolicyStore struct {
	mu         sync.RWMutex
	strategies map[string]RecoveryStrategy
	logger     Logger
}

func NewRecoveryPolicyStore(logger Logger) *RecoveryPolicyStore {
	return &RecoveryPolicyStore{
		strategies: make(map[string]RecoveryStrategy),
		logger:     logger,
	}
}

// RegisterStrategy associates an error classification (see Kind) with a
// strategy, overwriting any previous one.
func (r *RecoveryPolicyStore) RegisterStrategy(kind string, strategy RecoveryStrategy) {
	r.mu.Lock()
	r.strategies[kind] = strategy
	r.mu.Unlock()
	r.logger.Infof("Registered recovery strategy for '%s'", kind)
}

// AttemptRecovery looks up a strategy by the error's classification and
// invokes it. On success the task is reset to pending, its retry count
// incremented and its error cleared, so the owning driver re-dispatches
// it. Recovery never exceeds the task's retry budget.
func (r *RecoveryPolicyStore) AttemptRecovery(task *models.Task, taskErr error) bool {
	kind := Kind(taskErr)
	r.mu.RLock()
	strategy, ok := r.strategies[kind]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if task.RetryCount >= task.MaxRetries {
		r.logger.Infof("Task %s exhausted its retry budget (%d), not recovering", task.ID, task.MaxRetries)
		return false
	}
	recovered, err := r.invoke(strategy, kind, task, taskErr)
	if err != nil {
		r.logger.Errorf("Recovery strategy '%s' failed for task %s: %v", kind, task.ID, err)
		return false
	}
	if !recovered {
		return false
	}
	task.Status = models.PendingTaskStatus
	task.RetryCount++
	task.ErrorMsg = ""
	task.Result = nil
	task.StartedAt = nil
	task.FinishedAt = nil
	r.logger.Infof("Recovered task %s from '%s' (attempt %d/%d)", task.ID, kind, task.RetryCount, task.MaxRetries)
	return true
}

// invoke runs a strategy with panic containment: a panicking strategy
// counts as a failed recovery, it never takes the driver down.
func (r *RecoveryPolicyStore) invoke(strategy RecoveryStrategy, kind string, task *models.Task, taskErr error) (recovered bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			recovered = false
			err = errors.Errorf("recovery strategy '%s' panicked: %v", kind, p)
		}
	}()
	return strategy(task, taskErr)
}

// ShouldRetry reports whether a failed task still has retry budget left.
func (r *RecoveryPolicyStore) ShouldRetry(task *models.Task) bool {
	return task.Status == models.FailedTaskStatus && task.RetryCount < task.MaxRetries
}

// Hook adapts the store to the scheduler's failure callback signature.
func (r *RecoveryPolicyStore) Hook() func(task *models.Task, taskErr error) bool {
	return r.AttemptRecovery
}
