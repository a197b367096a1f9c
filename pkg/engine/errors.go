package engine

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownWorkflow is returned when starting or materializing a
	// workflow name that was never defined.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownOperation is surfaced as a task-level failure when a task
	// references an operation name absent from the registry.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownExecution is returned by Status for an id the scheduler
	// never produced.
	ErrUnknownExecution = errors.New("unknown execution")
	// ErrTaskTimeout marks a task attempt that exceeded its timeout.
	ErrTaskTimeout = errors.New("task timed out")
)

// Error classifications used by the recovery policy store.
const (
	KindUnknownOperation = "unknown_operation"
	KindTimeout          = "timeout"
	KindGeneric          = "error"
)

type kindError struct {
	kind string
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with a recovery classification. The kind travels
// through wrapping and is recovered with Kind.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Kind extracts the recovery classification of err, falling back to
// KindGeneric for untagged errors.
func Kind(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, ErrUnknownOperation) {
		return KindUnknownOperation
	}
	if errors.Is(err, ErrTaskTimeout) {
		return KindTimeout
	}
	return KindGeneric
}
