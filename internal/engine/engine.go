// Package engine runs tasks: it owns the worker goroutine of every task, the
// cancellation of those workers and the operations the presentation layer
// calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/otel"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/shared"
	"github.com/basket/powblocs/internal/taskstore"
	"github.com/basket/powblocs/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	// MaxConcurrentTasks bounds running workers. 0 = unlimited; tasks over
	// the limit stay Pending until a slot frees.
	MaxConcurrentTasks int
	// TaskTimeout fails a task that runs longer. 0 = no limit.
	TaskTimeout time.Duration
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otel.Metrics
}

type Status struct {
	ActiveTasks        int32          `json:"active_tasks"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	Tasks              map[string]int `json:"tasks"`
	PendingPrompts     int            `json:"pending_prompts"`
	LastError          string         `json:"last_error,omitempty"`
}

type Engine struct {
	store   *taskstore.Store
	gate    *permission.Gate
	engines []sandbox.Engine
	config  Config
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	sem chan struct{}

	baseCtx  context.Context
	stopAll  context.CancelFunc
	closed   atomic.Bool
	wg       sync.WaitGroup
	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

// New wires the runner to the store and gate. Engines are tried in order
// for each task's code.
func New(store *taskstore.Store, gate *permission.Gate, engines []sandbox.Engine, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	baseCtx, stopAll := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		gate:    gate,
		engines: engines,
		config:  cfg,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		baseCtx: baseCtx,
		stopAll: stopAll,
		cancels: map[string]context.CancelFunc{},
	}
	if cfg.MaxConcurrentTasks > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrentTasks)
	}
	gate.SetHooks(permission.Hooks{
		Prompted: e.onPrompted,
		Resolved: e.onResolved,
	})
	return e
}

// StartTask registers a Pending task and spawns its worker. Only setup
// failures are returned; everything the script does ends up in the task's
// terminal state.
func (e *Engine) StartTask(ctx context.Context, id, actionName, actionData, code string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if _, err := e.store.Create(id, taskstore.Meta{
		ActionName: actionName,
		ActionData: actionData,
		Code:       code,
	}); err != nil {
		return err
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	taskCtx := shared.WithTraceID(e.baseCtx, traceID)
	taskCtx = shared.WithTaskID(taskCtx, id)
	taskCtx = shared.WithRunID(taskCtx, shared.NewRunID())

	var cancel context.CancelFunc
	if e.config.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, e.config.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(taskCtx)
	}

	e.cancelMu.Lock()
	e.cancels[id] = cancel
	e.cancelMu.Unlock()

	if m := e.metrics; m != nil {
		m.TasksStarted.Add(ctx, 1)
	}
	e.wg.Add(1)
	go e.runTask(taskCtx, cancel, id)
	return nil
}

func (e *Engine) runTask(ctx context.Context, cancel context.CancelFunc, id string) {
	logger := telemetry.ForTask(ctx, e.logger, id)
	e.activeTasks.Add(1)
	if m := e.metrics; m != nil {
		m.ActiveTasks.Add(ctx, 1)
	}
	defer func() {
		e.activeTasks.Add(-1)
		if m := e.metrics; m != nil {
			m.ActiveTasks.Add(context.WithoutCancel(ctx), -1)
		}
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, id)
		e.cancelMu.Unlock()
		e.gate.Forget(id)
		e.wg.Done()
	}()
	// A panic anywhere below fails this task only.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task worker panic", "panic", r, "stack", string(debug.Stack()))
			e.finish(ctx, logger, id, &taskstore.TaskError{
				Kind:    taskstore.ErrorInternal,
				Message: fmt.Sprintf("worker panic: %v", r),
			}, nil)
		}
	}()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			e.finish(ctx, logger, id, classifyFailure(ctx, nil), nil)
			return
		}
	}

	code, snap, err := e.store.Begin(id)
	if err != nil {
		// Stopped while Pending.
		logger.Debug("task not started", "error", err)
		return
	}

	eng, err := sandbox.Select(e.engines, code)
	if err != nil {
		e.finish(ctx, logger, id, classifyFailure(ctx, err), nil)
		return
	}

	ctx, span := otel.StartSpan(ctx, e.tracer, "task.run",
		otel.AttrTaskID.String(id),
		otel.AttrActionName.String(snap.ActionName),
		otel.AttrEngine.String(eng.Name()),
	)
	defer span.End()
	logger = logger.With("engine", eng.Name())
	logger.Info("task running", "action", snap.ActionName)

	start := time.Now()
	host := &taskHost{
		e:          e,
		id:         id,
		actionName: snap.ActionName,
		actionData: snap.ActionData,
		logger:     logger,
	}
	res, runErr := eng.Run(ctx, code, host)
	if m := e.metrics; m != nil {
		m.TaskDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrEngine.String(eng.Name())))
	}

	taskErr := classifyFailure(ctx, runErr)
	if taskErr != nil {
		span.SetStatus(codes.Error, taskErr.Message)
		span.SetAttributes(otel.AttrErrorKind.String(string(taskErr.Kind)))
		e.finish(ctx, logger, id, taskErr, nil)
		return
	}
	var value *string
	if res.HasValue {
		v := res.Value
		value = &v
	}
	e.finish(ctx, logger, id, nil, value)
}

// finish records the terminal state. If the task already reached one (a
// stop won the race) the write is dropped.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, id string, taskErr *taskstore.TaskError, value *string) {
	to := taskstore.StateCompleted
	u := taskstore.Update{ReturnValue: value}
	if taskErr != nil {
		to = taskstore.StateFailed
		if taskErr.Kind == taskstore.ErrorCancelled {
			to = taskstore.StateCancelled
		}
		u = taskstore.Update{Error: taskErr}
	}

	if _, err := e.store.Transition(id, to, u); err != nil {
		if errors.Is(err, taskstore.ErrTaskFinished) || errors.Is(err, taskstore.ErrTaskNotFound) {
			logger.Debug("terminal write discarded", "state", to, "error", err)
			return
		}
		e.setLastError(err)
		logger.Error("task transition failed", "state", to, "error", err)
		return
	}
	if m := e.metrics; m != nil {
		m.TasksFinished.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(otel.AttrState.String(string(to))))
	}
	if taskErr != nil {
		logger.Info("task finished", "state", to, "error_kind", taskErr.Kind, "error", taskErr.Message)
		return
	}
	logger.Info("task finished", "state", to)
}

// StopTask cancels a task. The Cancelled transition is applied first so it
// beats any completion the worker is about to write; the worker then
// observes its context at the next permission wait or run-loop step.
// Stopping a terminal task is a no-op.
func (e *Engine) StopTask(ctx context.Context, id string) error {
	snap, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if snap.State.Terminal() {
		return nil
	}
	_, err = e.store.Transition(id, taskstore.StateCancelled, taskstore.Update{
		Error: &taskstore.TaskError{Kind: taskstore.ErrorCancelled, Message: "task stopped"},
	})
	if err != nil && !errors.Is(err, taskstore.ErrTaskFinished) {
		return err
	}
	e.cancelTask(id)
	e.logger.Info("task stop requested", "task_id", id, "trace_id", shared.TraceID(ctx))
	return nil
}

func (e *Engine) cancelTask(id string) bool {
	e.cancelMu.RLock()
	cancel, ok := e.cancels[id]
	e.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) TaskState(id string) (taskstore.Snapshot, error) {
	return e.store.Get(id)
}

func (e *Engine) ListTasks() []taskstore.Snapshot {
	return e.store.List()
}

// ClearCompletedTasks reaps every terminal task and returns the reaped ids.
func (e *Engine) ClearCompletedTasks() []string {
	ids := e.store.ReapTerminal()
	for _, id := range ids {
		e.gate.Forget(id)
	}
	if len(ids) > 0 {
		e.logger.Info("cleared completed tasks", "count", len(ids))
	}
	return ids
}

// RespondToPermissionPrompt parses tag and hands the decision to the task's
// outstanding request. A task without one is left untouched.
func (e *Engine) RespondToPermissionPrompt(id, tag string) error {
	resp, err := permission.ParseResponse(tag)
	if err != nil {
		return err
	}
	if _, err := e.store.Get(id); err != nil {
		return err
	}
	if !e.gate.Respond(id, resp) {
		e.logger.Debug("permission response ignored, nothing outstanding", "task_id", id, "response", resp.Tag())
	}
	return nil
}

// PendingPrompts lists outstanding permission requests across all tasks.
func (e *Engine) PendingPrompts() []permission.Request {
	return e.gate.Outstanding()
}

// WaitTask blocks until the task is terminal or ctx ends.
func (e *Engine) WaitTask(ctx context.Context, id string) (taskstore.Snapshot, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := e.store.Get(id)
		if err != nil {
			return taskstore.Snapshot{}, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain stops accepting tasks and waits for workers to finish. Workers still
// running at the deadline are cancelled.
func (e *Engine) Drain(timeout time.Duration) {
	e.closed.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return
	case <-time.After(timeout):
	}
	e.logger.Warn("engine drain timeout; stopping remaining tasks", "timeout", timeout)
	for _, snap := range e.store.List() {
		if !snap.State.Terminal() {
			_ = e.StopTask(context.Background(), snap.ID)
		}
	}
	e.stopAll()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Error("task workers did not exit after cancellation", "active", e.activeTasks.Load())
	}
}

func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Status() Status {
	counts := e.store.Counts()
	tasks := make(map[string]int, len(counts))
	for state, n := range counts {
		tasks[string(state)] = n
	}
	status := Status{
		ActiveTasks:        e.activeTasks.Load(),
		MaxConcurrentTasks: e.config.MaxConcurrentTasks,
		Tasks:              tasks,
		PendingPrompts:     len(e.gate.Outstanding()),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
