package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
)

// Operation is a named invocable a task delegates its work to. It receives
// the task's flat parameter mapping and must honor ctx cancellation if it
// wants cooperative timeouts.
type Operation func(ctx context.Context, params models.Params) (models.Result, error)

// OperationRegistry maps operation names to callables. It is owned by the
// caller and handed to the scheduler constructor; there is no process-wide
// registry. Registration is safe concurrently with invocation, though
// workflows normally register everything before scheduling begins.
type OperationRegistry struct {
	mu     sync.RWMutex
	ops    map[string]Operation
	logger Logger
}

func NewOperationRegistry(logger Logger) *OperationRegistry {
	return &OperationRegistry{
		ops:    make(map[string]Operation),
		logger: logger,
	}
}

// Register stores op under name, silently overwriting on collision.
// The operation signature is enforced by the type system; nil callables
// and empty names are rejected here rather than at invocation time.
func (r *OperationRegistry) Register(name string, op Operation) error {
	if name == "" {
		return errors.New("empty operation name")
	}
	if op == nil {
		return errors.Errorf("nil operation for '%s'", name)
	}
	r.mu.Lock()
	r.ops[name] = op
	r.mu.Unlock()
	r.logger.Infof("Registered operation '%s'", name)
	return nil
}

// Invoke looks up the operation and calls it with the supplied parameters.
func (r *OperationRegistry) Invoke(ctx context.Context, name string, params models.Params) (models.Result, error) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, WithKind(KindUnknownOperation, errors.Wrapf(ErrUnknownOperation, "'%s'", name))
	}
	return op(ctx, params)
}

// Names returns the registered operation names, sorted.
func (r *OperationRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
