package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
	"github.com/stojanov/taskrun/pkg/storage"
)

// Config tunes a Scheduler.
type Config struct {
	// Workers bounds parallel task execution across all executions.
	Workers int
	// DefaultTimeout applies to tasks that declare none.
	DefaultTimeout time.Duration
	// PropagateFailure controls the dependency-satisfaction policy. When
	// false (the default), a task whose dependency failed still dispatches
	// once the dependency is terminal. When true, dependents of a failed
	// or skipped task are marked skipped instead of dispatched.
	PropagateFailure bool
	// OnTaskFailure, when set, is invoked on every task failure before the
	// task is marked terminal. Returning true with the task reset to
	// pending (see RecoveryPolicyStore.AttemptRecovery) makes the driver
	// re-dispatch it. The callback runs on the driver goroutine while the
	// execution is locked and must not call back into the scheduler.
	OnTaskFailure func(task *models.Task, taskErr error) bool
	// Archive, when set, receives a snapshot of every execution that
	// reaches a terminal status. The hot path never touches it.
	Archive storage.Store
}

// executionState pairs an execution with its synchronization. The driver
// is the only writer; Status readers clone under the read lock.
type executionState struct {
	mu         sync.RWMutex
	exec       *models.Execution
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func (st *executionState) cancelled() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.exec.Status == models.CancelledExecutionStatus
}

// Scheduler instantiates workflow definitions into live executions and
// drives them to a terminal status. One driver goroutine runs per
// execution; ready tasks go onto a shared bounded worker pool.
type Scheduler struct {
	cfg      Config
	registry *OperationRegistry
	defs     *DefinitionStore
	pool     *WorkerPool
	logger   Logger
	ctx      context.Context

	mu         sync.RWMutex
	executions map[string]*executionState
	seq        atomic.Int64
	drivers    sync.WaitGroup
}

func NewScheduler(ctx context.Context, cfg Config, registry *OperationRegistry, defs *DefinitionStore, logger Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	pool := NewWorkerPool(ctx, registry, logger)
	pool.Start(cfg.Workers)
	return &Scheduler{
		cfg:        cfg,
		registry:   registry,
		defs:       defs,
		pool:       pool,
		logger:     logger,
		ctx:        ctx,
		executions: make(map[string]*executionState),
	}
}

// Stop waits for all drivers to finish and shuts the worker pool down.
func (s *Scheduler) Stop() {
	s.drivers.Wait()
	s.pool.Stop()
}

// Start materializes the named workflow into a new execution and launches
// its driver. It returns the execution id immediately, never blocking on
// task completion.
func (s *Scheduler) Start(workflow string) (string, error) {
	tasks, err := s.defs.Materialize(workflow)
	if err != nil {
		return "", err
	}
	execID := fmt.Sprintf("%s-%d-%s", workflow, s.seq.Add(1), uuid.NewString()[:8])
	st := &executionState{
		exec: &models.Execution{
			ID:        execID,
			Workflow:  workflow,
			Status:    models.RunningExecutionStatus,
			Tasks:     tasks,
			StartedAt: time.Now(),
			Metadata: map[string]any{
				"workers":           s.cfg.Workers,
				"propagate_failure": s.cfg.PropagateFailure,
			},
		},
		cancelCh: make(chan struct{}),
	}
	s.mu.Lock()
	s.executions[execID] = st
	s.mu.Unlock()

	s.drivers.Add(1)
	go s.drive(st)
	s.logger.Infof("Started execution %s of workflow '%s' with %d tasks", execID, workflow, len(tasks))
	return execID, nil
}

// Status returns a deep-copy snapshot of the execution, safe to read
// while the driver keeps mutating the original.
func (s *Scheduler) Status(execID string) (*models.Execution, error) {
	s.mu.RLock()
	st, ok := s.executions[execID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownExecution, "'%s'", execID)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.exec.Clone(), nil
}

// Executions returns snapshots of every known execution.
func (s *Scheduler) Executions() []*models.Execution {
	s.mu.RLock()
	states := make([]*executionState, 0, len(s.executions))
	for _, st := range s.executions {
		states = append(states, st)
	}
	s.mu.RUnlock()
	out := make([]*models.Execution, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		out = append(out, st.exec.Clone())
		st.mu.RUnlock()
	}
	return out
}

// Cancel cooperatively cancels a running execution. The driver stops
// dispatching once it observes the flip; tasks already handed to the pool
// run to completion. Returns false for terminal or unknown executions.
func (s *Scheduler) Cancel(execID string) bool {
	s.mu.RLock()
	st, ok := s.executions[execID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	if st.exec.Status != models.RunningExecutionStatus {
		st.mu.Unlock()
		return false
	}
	st.exec.Status = models.CancelledExecutionStatus
	st.mu.Unlock()
	st.cancelOnce.Do(func() { close(st.cancelCh) })
	s.logger.Infof("Cancelled execution %s", execID)
	return true
}

// drive advances one execution until every task is terminal or the
// execution is cancelled. The loop blocks on completion notifications
// from the pool rather than polling on an interval.
func (s *Scheduler) drive(st *executionState) {
	defer s.drivers.Done()

	total := len(st.exec.Tasks)
	completed := make(map[string]struct{}, total)
	inflight := make(map[string]struct{})
	done := make(chan taskOutcome, total)

	for len(completed) < total {
		if st.cancelled() {
			// Stop dispatching, let in-flight tasks finish.
			for len(inflight) > 0 {
				s.collect(st, <-done, completed, inflight)
			}
			break
		}

		if s.cfg.PropagateFailure {
			s.skipDependentsOfFailed(st, completed, inflight)
		}
		dispatched := s.dispatchReady(st, completed, inflight, done)
		if len(completed) == total {
			break
		}
		if len(inflight) == 0 {
			if dispatched == 0 {
				// Nothing running and nothing dispatchable: the remaining
				// pending tasks have dependencies that can never be
				// satisfied (dangling ids or a cycle).
				s.skipStranded(st, completed)
			}
			continue
		}

		select {
		case outcome := <-done:
			s.collect(st, outcome, completed, inflight)
		case <-st.cancelCh:
		}
	}

	s.finalize(st)
}

// dispatchReady submits every pending task whose dependencies are all
// terminal. Dependency satisfaction means "reached a terminal per-task
// status", not "succeeded": with PropagateFailure off, a failed
// dependency still unblocks its dependents.
func (s *Scheduler) dispatchReady(st *executionState, completed, inflight map[string]struct{}, done chan taskOutcome) int {
	st.mu.Lock()
	var ready []*models.Task
	for _, t := range st.exec.Tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		if _, dispatched := inflight[t.ID]; dispatched {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if _, ok := completed[dep]; !ok {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		now := time.Now()
		t.Status = models.RunningTaskStatus
		t.StartedAt = &now
		t.FinishedAt = nil
		inflight[t.ID] = struct{}{}
		ready = append(ready, t)
	}
	items := make([]workItem, len(ready))
	for i, t := range ready {
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		items[i] = workItem{
			ctx:       s.ctx,
			execID:    st.exec.ID,
			taskID:    t.ID,
			operation: t.Operation,
			params:    t.Params,
			timeout:   timeout,
			done:      done,
		}
	}
	st.mu.Unlock()

	// Submit outside the lock: the pool applies backpressure when full.
	for _, item := range items {
		s.pool.Submit(item)
	}
	return len(items)
}

// collect applies one completion notification to the execution.
func (s *Scheduler) collect(st *executionState, outcome taskOutcome, completed, inflight map[string]struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(inflight, outcome.taskID)
	t := st.exec.Task(outcome.taskID)
	if t == nil {
		s.logger.Errorf("Execution %s received outcome for unknown task %s", st.exec.ID, outcome.taskID)
		return
	}
	now := time.Now()
	if outcome.err == nil {
		t.Status = models.CompletedTaskStatus
		t.Result = outcome.result
		t.FinishedAt = &now
		completed[t.ID] = struct{}{}
		s.logger.Infof("Task %s in execution %s completed in %s", t.ID, st.exec.ID, t.Duration())
		return
	}

	t.Status = models.FailedTaskStatus
	t.ErrorMsg = outcome.err.Error()
	t.FinishedAt = &now
	if s.cfg.OnTaskFailure != nil && s.cfg.OnTaskFailure(t, outcome.err) && t.Status == models.PendingTaskStatus {
		// The failure hook repaired the task and reset it to pending; the
		// next dispatch pass picks it up again.
		s.logger.Infof("Task %s in execution %s recovered, re-dispatching (attempt %d/%d)",
			t.ID, st.exec.ID, t.RetryCount, t.MaxRetries)
		return
	}
	t.Status = models.FailedTaskStatus
	completed[t.ID] = struct{}{}
	s.logger.Errorf("Task %s in execution %s failed: %v", t.ID, st.exec.ID, outcome.err)
}

// skipDependentsOfFailed marks pending tasks blocked behind a failed or
// skipped dependency as skipped. Only active under PropagateFailure.
func (s *Scheduler) skipDependentsOfFailed(st *executionState, completed, inflight map[string]struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for changed := true; changed; {
		changed = false
		for _, t := range st.exec.Tasks {
			if t.Status != models.PendingTaskStatus {
				continue
			}
			if _, dispatched := inflight[t.ID]; dispatched {
				continue
			}
			for _, dep := range t.DependsOn {
				d := st.exec.Task(dep)
				if d == nil {
					continue
				}
				if d.Status == models.FailedTaskStatus || d.Status == models.SkippedTaskStatus {
					t.Status = models.SkippedTaskStatus
					completed[t.ID] = struct{}{}
					changed = true
					s.logger.Infof("Task %s in execution %s skipped: dependency %s is %s", t.ID, st.exec.ID, dep, d.Status)
					break
				}
			}
		}
	}
}

// skipStranded resolves tasks whose dependencies can never be satisfied,
// so the driver always terminates.
func (s *Scheduler) skipStranded(st *executionState, completed map[string]struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.exec.Tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = models.SkippedTaskStatus
		completed[t.ID] = struct{}{}
		s.logger.Errorf("Task %s in execution %s skipped: dependencies can never be satisfied", t.ID, st.exec.ID)
	}
}

// finalize stamps the end of the execution and derives its status from
// the task outcomes, then archives the snapshot if a store is configured.
func (s *Scheduler) finalize(st *executionState) {
	st.mu.Lock()
	now := time.Now()
	st.exec.FinishedAt = &now
	if st.exec.Status == models.RunningExecutionStatus {
		st.exec.Status = models.CompletedExecutionStatus
		for _, t := range st.exec.Tasks {
			if t.Status == models.FailedTaskStatus {
				st.exec.Status = models.FailedExecutionStatus
				break
			}
		}
	}
	snapshot := st.exec.Clone()
	st.mu.Unlock()

	s.logger.Infof("Execution %s finished with status %s in %s", snapshot.ID, snapshot.Status, snapshot.Duration())

	if s.cfg.Archive != nil {
		if err := s.archive(snapshot); err != nil {
			s.logger.Errorf("Failed to archive execution %s: %v", snapshot.ID, err)
		}
	}
}

func (s *Scheduler) archive(snapshot *models.Execution) (err error) {
	txStore, err := s.cfg.Archive.Begin()
	if err != nil {
		return errors.Wrap(err, "begin archive transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback archive: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit archive: %v", commitErr)
			err = commitErr
		}
	}()
	if err = txStore.SaveExecution(snapshot); err != nil {
		return errors.Wrapf(err, "archive execution %s", snapshot.ID)
	}
	return nil
}
