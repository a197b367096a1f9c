package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/stojanov/taskrun/pkg/engine"
	"github.com/stojanov/taskrun/pkg/models"
	"github.com/stojanov/taskrun/pkg/storage"
)

// testLogger implements engine.Logger for tests
type testLogger struct{}

func (l testLogger) Infof(format string, args ...interface{})  {}
func (l testLogger) Errorf(format string, args ...interface{}) {}

func newEngine(t *testing.T, cfg engine.Config) (*engine.OperationRegistry, *engine.DefinitionStore, *engine.Scheduler) {
	t.Helper()
	registry := engine.NewOperationRegistry(testLogger{})
	defs := engine.NewDefinitionStore(testLogger{})
	scheduler := engine.NewScheduler(context.Background(), cfg, registry, defs, testLogger{})
	t.Cleanup(scheduler.Stop)
	return registry, defs, scheduler
}

func waitTerminal(t *testing.T, scheduler *engine.Scheduler, execID string) *models.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := scheduler.Status(execID)
		assert.NoError(t, err)
		if snapshot.Status.Terminal() {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status", execID)
	return nil
}

func noopOp(ctx context.Context, params models.Params) (models.Result, error) {
	return "ok", nil
}

func TestScheduler_ChainCompletesInDependencyOrder(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("chain", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "step"},
		{ID: "b", Name: "B", Operation: "step", DependsOn: []string{"a"}},
		{ID: "c", Name: "C", Operation: "step", DependsOn: []string{"b"}},
	}))

	execID, err := scheduler.Start("chain")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.CompletedExecutionStatus, snapshot.Status)
	assert.NotNil(t, snapshot.FinishedAt)
	assert.Greater(t, snapshot.Duration(), time.Duration(0))

	for _, id := range []string{"a", "b", "c"} {
		task := snapshot.Task(id)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		assert.Equal(t, "ok", task.Result)
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.FinishedAt)
	}
	// A task never starts before its dependency reached a terminal time.
	assert.False(t, snapshot.Task("b").StartedAt.Before(*snapshot.Task("a").FinishedAt))
	assert.False(t, snapshot.Task("c").StartedAt.Before(*snapshot.Task("b").FinishedAt))
}

func TestScheduler_FailedDependencyStillUnblocksDependent(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("boom", func(ctx context.Context, params models.Params) (models.Result, error) {
		return nil, errors.New("exploded")
	}))
	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "boom"},
		{ID: "b", Name: "B", Operation: "step", DependsOn: []string{"a"}},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	// Baseline policy: terminal means satisfied, so b ran even though a failed.
	assert.Equal(t, models.FailedTaskStatus, snapshot.Task("a").Status)
	assert.Equal(t, "exploded", snapshot.Task("a").ErrorMsg)
	assert.Equal(t, models.CompletedTaskStatus, snapshot.Task("b").Status)
	assert.Equal(t, models.FailedExecutionStatus, snapshot.Status)
}

func TestScheduler_PropagateFailureSkipsDependents(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2, PropagateFailure: true})

	assert.NoError(t, registry.Register("boom", func(ctx context.Context, params models.Params) (models.Result, error) {
		return nil, errors.New("exploded")
	}))
	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "boom"},
		{ID: "b", Name: "B", Operation: "step", DependsOn: []string{"a"}},
		{ID: "c", Name: "C", Operation: "step", DependsOn: []string{"b"}},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.FailedTaskStatus, snapshot.Task("a").Status)
	assert.Equal(t, models.SkippedTaskStatus, snapshot.Task("b").Status)
	assert.Equal(t, models.SkippedTaskStatus, snapshot.Task("c").Status)
	assert.Equal(t, models.FailedExecutionStatus, snapshot.Status)
	assert.Nil(t, snapshot.Task("b").StartedAt)
}

func TestScheduler_UnknownOperationFailsTaskNotSiblings(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "good", Name: "Good", Operation: "step"},
		{ID: "bad", Name: "Bad", Operation: "nonexistent"},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.CompletedTaskStatus, snapshot.Task("good").Status)
	assert.Equal(t, models.FailedTaskStatus, snapshot.Task("bad").Status)
	assert.Contains(t, snapshot.Task("bad").ErrorMsg, "unknown operation")
	assert.Equal(t, models.FailedExecutionStatus, snapshot.Status)
}

func TestScheduler_StartUnknownWorkflow(t *testing.T) {
	_, _, scheduler := newEngine(t, engine.Config{Workers: 2})

	_, err := scheduler.Start("nonexistent")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrUnknownWorkflow))
}

func TestScheduler_StatusUnknownExecution(t *testing.T) {
	_, _, scheduler := newEngine(t, engine.Config{Workers: 2})

	_, err := scheduler.Status("nope")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrUnknownExecution))
}

func TestScheduler_TerminalSnapshotIsIdempotent(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "step"},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)
	first := waitTerminal(t, scheduler, execID)

	second, err := scheduler.Status(execID)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	// Snapshots are copies: mutating one does not leak into the engine.
	second.Tasks[0].Status = models.PendingTaskStatus
	third, err := scheduler.Status(execID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, third.Tasks[0].Status)
}

func TestScheduler_CancelSemantics(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	release := make(chan struct{})
	assert.NoError(t, registry.Register("slow", func(ctx context.Context, params models.Params) (models.Result, error) {
		<-release
		return "done", nil
	}))
	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("slow-chain", []models.TaskSpec{
		{ID: "first", Name: "First", Operation: "slow"},
		{ID: "second", Name: "Second", Operation: "step", DependsOn: []string{"first"}},
	}))
	assert.NoError(t, defs.Define("quick", []models.TaskSpec{
		{ID: "only", Name: "Only", Operation: "step"},
	}))

	t.Run("CancelRunning", func(t *testing.T) {
		execID, err := scheduler.Start("slow-chain")
		assert.NoError(t, err)

		// Wait until the first task is actually dispatched.
		deadline := time.Now().Add(5 * time.Second)
		for {
			snapshot, err := scheduler.Status(execID)
			assert.NoError(t, err)
			if snapshot.Task("first").Status == models.RunningTaskStatus {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("first task never started")
			}
			time.Sleep(5 * time.Millisecond)
		}

		assert.True(t, scheduler.Cancel(execID))
		assert.False(t, scheduler.Cancel(execID), "second cancel on the same execution")

		close(release)
		// The status flips to cancelled immediately; wait for the driver to
		// drain the in-flight task before inspecting it.
		var snapshot *models.Execution
		for {
			snapshot = waitTerminal(t, scheduler, execID)
			if snapshot.Task("first").Status.Terminal() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("in-flight task never drained")
			}
			time.Sleep(5 * time.Millisecond)
		}
		assert.Equal(t, models.CancelledExecutionStatus, snapshot.Status)
		// The in-flight task ran to completion, nothing new was dispatched.
		assert.Equal(t, models.CompletedTaskStatus, snapshot.Task("first").Status)
		assert.Equal(t, models.PendingTaskStatus, snapshot.Task("second").Status)
		assert.Nil(t, snapshot.Task("second").StartedAt)
	})

	t.Run("CancelTerminal", func(t *testing.T) {
		execID, err := scheduler.Start("quick")
		assert.NoError(t, err)
		snapshot := waitTerminal(t, scheduler, execID)
		assert.Equal(t, models.CompletedExecutionStatus, snapshot.Status)

		assert.False(t, scheduler.Cancel(execID))
		after, err := scheduler.Status(execID)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, after.Status)
	})

	t.Run("CancelUnknown", func(t *testing.T) {
		assert.False(t, scheduler.Cancel("nope"))
	})
}

func TestScheduler_TaskTimeoutBecomesFailure(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("hang", func(ctx context.Context, params models.Params) (models.Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "hang", Name: "Hang", Operation: "hang", Timeout: 50 * time.Millisecond},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	task := snapshot.Task("hang")
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Contains(t, task.ErrorMsg, "timed out")
	assert.Equal(t, models.FailedExecutionStatus, snapshot.Status)
}

func TestScheduler_DanglingDependencyIsSkipped(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "step"},
		{ID: "b", Name: "B", Operation: "step", DependsOn: []string{"ghost"}},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.CompletedTaskStatus, snapshot.Task("a").Status)
	assert.Equal(t, models.SkippedTaskStatus, snapshot.Task("b").Status)
	assert.Equal(t, models.CompletedExecutionStatus, snapshot.Status)
}

func TestScheduler_RecoveryHookRedispatches(t *testing.T) {
	recovery := engine.NewRecoveryPolicyStore(testLogger{})
	recovery.RegisterStrategy(engine.KindGeneric, func(task *models.Task, taskErr error) (bool, error) {
		return true, nil
	})
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2, OnTaskFailure: recovery.Hook()})

	var attempts atomic.Int32
	assert.NoError(t, registry.Register("flaky", func(ctx context.Context, params models.Params) (models.Result, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "flaky", Name: "Flaky", Operation: "flaky", MaxRetries: 3},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	task := snapshot.Task("flaky")
	assert.Equal(t, models.CompletedTaskStatus, task.Status)
	assert.Equal(t, "recovered", task.Result)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, task.ErrorMsg)
	assert.Equal(t, models.CompletedExecutionStatus, snapshot.Status)
}

func TestScheduler_RecoveryRespectsRetryBudget(t *testing.T) {
	recovery := engine.NewRecoveryPolicyStore(testLogger{})
	recovery.RegisterStrategy(engine.KindGeneric, func(task *models.Task, taskErr error) (bool, error) {
		return true, nil
	})
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2, OnTaskFailure: recovery.Hook()})

	var attempts atomic.Int32
	assert.NoError(t, registry.Register("doomed", func(ctx context.Context, params models.Params) (models.Result, error) {
		attempts.Add(1)
		return nil, errors.New("always fails")
	}))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "doomed", Name: "Doomed", Operation: "doomed", MaxRetries: 1},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	task := snapshot.Task("doomed")
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, models.FailedExecutionStatus, snapshot.Status)
}

func TestScheduler_WorkerPoolBoundsParallelism(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	var running, peak atomic.Int32
	assert.NoError(t, registry.Register("busy", func(ctx context.Context, params models.Params) (models.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}))
	specs := make([]models.TaskSpec, 6)
	for i, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		specs[i] = models.TaskSpec{ID: id, Name: id, Operation: "busy"}
	}
	assert.NoError(t, defs.Define("parallel", specs))

	execID, err := scheduler.Start("parallel")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.CompletedExecutionStatus, snapshot.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestScheduler_ExecutionsAreIsolated(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 4})

	var mu sync.Mutex
	count := 0
	assert.NoError(t, registry.Register("count", func(ctx context.Context, params models.Params) (models.Result, error) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		return n, nil
	}))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "count"},
	}))

	first, err := scheduler.Start("wf")
	assert.NoError(t, err)
	second, err := scheduler.Start("wf")
	assert.NoError(t, err)
	assert.NotEqual(t, first, second)

	firstSnap := waitTerminal(t, scheduler, first)
	secondSnap := waitTerminal(t, scheduler, second)
	assert.Equal(t, models.CompletedExecutionStatus, firstSnap.Status)
	assert.Equal(t, models.CompletedExecutionStatus, secondSnap.Status)
	// Each execution materialized its own task copies.
	assert.NotEqual(t, firstSnap.Tasks[0].Result, secondSnap.Tasks[0].Result)

	all := scheduler.Executions()
	assert.Len(t, all, 2)
}

func TestScheduler_ArchivesTerminalExecutions(t *testing.T) {
	store := storage.NewMockStore()
	registry := engine.NewOperationRegistry(testLogger{})
	defs := engine.NewDefinitionStore(testLogger{})
	scheduler := engine.NewScheduler(context.Background(), engine.Config{Workers: 2, Archive: store}, registry, defs, testLogger{})
	t.Cleanup(scheduler.Stop)

	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "step"},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)
	waitTerminal(t, scheduler, execID)

	// The archive write happens right after finalize on the driver goroutine.
	deadline := time.Now().Add(5 * time.Second)
	for {
		archived, err := store.GetExecution(execID)
		if err == nil {
			assert.Equal(t, models.CompletedExecutionStatus, archived.Status)
			assert.Len(t, archived.Tasks, 1)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s never archived: %v", execID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_OperationPanicIsContained(t *testing.T) {
	registry, defs, scheduler := newEngine(t, engine.Config{Workers: 2})

	assert.NoError(t, registry.Register("panicky", func(ctx context.Context, params models.Params) (models.Result, error) {
		panic("boom")
	}))
	assert.NoError(t, registry.Register("step", noopOp))
	assert.NoError(t, defs.Define("wf", []models.TaskSpec{
		{ID: "a", Name: "A", Operation: "panicky"},
		{ID: "b", Name: "B", Operation: "step"},
	}))

	execID, err := scheduler.Start("wf")
	assert.NoError(t, err)

	snapshot := waitTerminal(t, scheduler, execID)
	assert.Equal(t, models.FailedTaskStatus, snapshot.Task("a").Status)
	assert.Contains(t, snapshot.Task("a").ErrorMsg, "panicked")
	assert.Equal(t, models.CompletedTaskStatus, snapshot.Task("b").Status)
}
