package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/taskstore"
)

// Errors callers of the engine see. All are matched with errors.Is/As.
var (
	ErrDuplicateTaskID    = taskstore.ErrDuplicateTaskID
	ErrTaskNotFound       = taskstore.ErrTaskNotFound
	ErrInvalidTransition  = taskstore.ErrInvalidTransition
	ErrPermissionDenied   = permission.ErrPermissionDenied
	ErrInvalidResponseTag = permission.ErrInvalidResponseTag
	ErrStoreUnavailable   = datastore.ErrStoreUnavailable

	ErrTaskCancelled    = errors.New("task cancelled")
	ErrSandboxExecution = errors.New("sandbox execution failed")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrInternal         = errors.New("internal task failure")
	ErrEngineClosed     = errors.New("engine is shut down")
)

type (
	ExecutionError = sandbox.ExecutionError
	DeniedError    = permission.DeniedError
)

// classifyFailure maps how a run ended to the error recorded on the task.
// A nil result means the run completed.
func classifyFailure(ctx context.Context, runErr error) *taskstore.TaskError {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &taskstore.TaskError{Kind: taskstore.ErrorTimeout, Message: "task timeout exceeded"}
	case errors.Is(ctxErr, context.Canceled):
		return &taskstore.TaskError{Kind: taskstore.ErrorCancelled, Message: "task stopped"}
	}
	if runErr == nil {
		return nil
	}

	var denied *permission.DeniedError
	var execErr *sandbox.ExecutionError
	switch {
	case errors.As(runErr, &denied):
		return &taskstore.TaskError{Kind: taskstore.ErrorPermissionDenied, Message: denied.Error()}
	case errors.As(runErr, &execErr), errors.Is(runErr, sandbox.ErrNoEngine):
		return &taskstore.TaskError{Kind: taskstore.ErrorSandboxExecution, Message: runErr.Error()}
	default:
		return &taskstore.TaskError{Kind: taskstore.ErrorInternal, Message: runErr.Error()}
	}
}

// TaskErr converts a terminal snapshot into an error wrapping the matching
// sentinel. Completed and non-terminal tasks yield nil.
func TaskErr(snap taskstore.Snapshot) error {
	if snap.Error == nil {
		if snap.State == taskstore.StateCancelled {
			return ErrTaskCancelled
		}
		return nil
	}
	var sentinel error
	switch snap.Error.Kind {
	case taskstore.ErrorCancelled:
		sentinel = ErrTaskCancelled
	case taskstore.ErrorPermissionDenied:
		sentinel = ErrPermissionDenied
	case taskstore.ErrorSandboxExecution:
		sentinel = ErrSandboxExecution
	case taskstore.ErrorTimeout:
		sentinel = ErrTaskTimeout
	default:
		sentinel = ErrInternal
	}
	return fmt.Errorf("task %s: %w: %s", snap.ID, sentinel, snap.Error.Message)
}
