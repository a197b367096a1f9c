package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

const (
	// DefaultWorkers caps how many tasks run truly in parallel across all
	// executions sharing the pool.
	DefaultWorkers = 4
	// DefaultTaskTimeout applies when a task declares no timeout.
	DefaultTaskTimeout = 5 * time.Minute
)

// workItem is one task attempt handed to the pool by a driver.
type workItem struct {
	ctx       context.Context
	execID    string
	taskID    string
	operation string
	params    models.Params
	timeout   time.Duration
	done      chan<- taskOutcome
}

// taskOutcome is the completion notification a worker sends back to the
// driver that dispatched the task.
type taskOutcome struct {
	taskID string
	result models.Result
	err    error
}

// WorkerPool bounds parallel task execution. Drivers submit ready tasks;
// workers invoke the operation with a per-attempt timeout and notify the
// driver through the item's done channel. The pool is shared across all
// executions of a scheduler.
type WorkerPool struct {
	registry *OperationRegistry
	items    chan workItem
	wg       sync.WaitGroup
	ctx      context.Context
	logger   Logger
}

func NewWorkerPool(ctx context.Context, registry *OperationRegistry, logger Logger) *WorkerPool {
	return &WorkerPool{
		registry: registry,
		ctx:      ctx,
		logger:   logger,
	}
}

// Start launches the given number of workers.
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	wp.items = make(chan workItem, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop closes the pool and waits for in-flight tasks to drain. Submit
// must not be called after Stop.
func (wp *WorkerPool) Stop() {
	close(wp.items)
	wp.wg.Wait()
}

// Submit queues one task attempt. Blocks while all workers are busy and
// the submission buffer is full, which is what bounds dispatch.
func (wp *WorkerPool) Submit(item workItem) {
	wp.items <- item
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for item := range wp.items {
		item.done <- wp.run(item)
	}
}

// run performs a single attempt. The operation executes in its own
// goroutine so a timeout fires even when the operation ignores its
// context; the abandoned goroutine finishes in the background.
func (wp *WorkerPool) run(item workItem) taskOutcome {
	if err := wp.ctx.Err(); err != nil {
		return taskOutcome{taskID: item.taskID, err: errors.Wrap(err, "worker pool shutting down")}
	}

	timeout := item.timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	attemptCtx, cancel := context.WithTimeout(item.ctx, timeout)
	defer cancel()

	resultCh := make(chan taskOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- taskOutcome{taskID: item.taskID, err: errors.Errorf("operation '%s' panicked: %v", item.operation, r)}
			}
		}()
		result, err := wp.registry.Invoke(attemptCtx, item.operation, item.params)
		resultCh <- taskOutcome{taskID: item.taskID, result: result, err: err}
	}()

	select {
	case outcome := <-resultCh:
		return outcome
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			wp.logger.Infof("Task %s in execution %s timed out after %s", item.taskID, item.execID, timeout)
			return taskOutcome{
				taskID: item.taskID,
				err:    WithKind(KindTimeout, errors.Wrap(ErrTaskTimeout, fmt.Sprintf("after %s", timeout))),
			}
		}
		return taskOutcome{taskID: item.taskID, err: attemptCtx.Err()}
	}
}
