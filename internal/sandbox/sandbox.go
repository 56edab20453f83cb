// Package sandbox defines the boundary between the task runner and the
// engines that execute submitted code.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/powblocs/internal/permission"
)

// Host is the task-side view a running engine gets. One Host serves exactly
// one task.
type Host interface {
	TaskID() string
	ActionName() string
	ActionData() string
	// Check blocks until the capability is granted or refused. A refusal is a
	// *permission.DeniedError.
	Check(ctx context.Context, kind permission.Kind, access permission.Access, descriptor string) error
	// Emit publishes a custom event from the script.
	Emit(name, data string)
	Logger() *slog.Logger
}

// Result is what an engine produced once its run loop drained.
type Result struct {
	// Value is the JSON text of the script's return value.
	Value    string
	HasValue bool
}

// Engine executes code for a single task. Implementations must return
// promptly once ctx ends, at the latest at their next step boundary.
type Engine interface {
	Name() string
	Accepts(code string) bool
	Run(ctx context.Context, code string, host Host) (Result, error)
}

// ErrNoEngine is returned by Select when no engine accepts the code.
var ErrNoEngine = errors.New("no sandbox engine accepts this code")

// Phase locates an ExecutionError.
type Phase string

const (
	PhaseLoad   Phase = "load"
	PhaseRun    Phase = "run"
	PhaseAction Phase = "action"
)

// ExecutionError reports that the script failed to load or threw.
type ExecutionError struct {
	Engine string
	Phase  Phase
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Select returns the first engine that accepts code.
func Select(engines []Engine, code string) (Engine, error) {
	for _, eng := range engines {
		if eng.Accepts(code) {
			return eng, nil
		}
	}
	return nil, ErrNoEngine
}
