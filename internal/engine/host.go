package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/otel"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/taskstore"
	"go.opentelemetry.io/otel/metric"
)

// taskHost is the sandbox.Host for one task run.
type taskHost struct {
	e          *Engine
	id         string
	actionName string
	actionData string
	logger     *slog.Logger
}

func (h *taskHost) TaskID() string       { return h.id }
func (h *taskHost) ActionName() string   { return h.actionName }
func (h *taskHost) ActionData() string   { return h.actionData }
func (h *taskHost) Logger() *slog.Logger { return h.logger }

func (h *taskHost) Check(ctx context.Context, kind permission.Kind, access permission.Access, descriptor string) error {
	start := time.Now()
	err := h.e.gate.Check(ctx, permission.Request{
		TaskID:     h.id,
		Kind:       kind,
		Access:     access,
		Descriptor: descriptor,
	})
	if m := h.e.metrics; m != nil {
		outcome := "allowed"
		if err != nil {
			outcome = "denied"
		}
		attrs := metric.WithAttributes(otel.AttrPermKind.String(string(kind)), otel.AttrPermOutcome.String(outcome))
		m.PermissionWait.Record(ctx, time.Since(start).Seconds(), attrs)
		m.PermissionDecision.Add(ctx, 1, attrs)
	}
	return err
}

func (h *taskHost) Emit(name, data string) {
	h.logger.Debug("task event", "event", name)
	h.e.bus.Publish(bus.TopicTaskEvent, bus.TaskEvent{TaskID: h.id, Name: name, Data: data})
}

// onPrompted mirrors a prompt into the task record. It fails when the task
// already finished, which makes the gate give up the wait.
func (e *Engine) onPrompted(ctx context.Context, req permission.Request) error {
	_, err := e.store.Transition(req.TaskID, taskstore.StateAwaitingPermission, taskstore.Update{
		Pending: &taskstore.PendingRequest{
			Kind:       string(req.Kind),
			Access:     string(req.Access),
			Descriptor: req.Descriptor,
			Scope:      string(req.Scope),
		},
	})
	return err
}

func (e *Engine) onResolved(ctx context.Context, req permission.Request, resp permission.Response, src permission.Source) {
	_, err := e.store.Transition(req.TaskID, taskstore.StateRunning, taskstore.Update{
		Resolved: &taskstore.PermissionRecord{
			Kind:       string(req.Kind),
			Access:     string(req.Access),
			Descriptor: req.Descriptor,
			Response:   resp.Tag(),
		},
	})
	if err != nil {
		e.logger.Debug("permission resolution not recorded", "task_id", req.TaskID, "source", src, "error", err)
	}
}
