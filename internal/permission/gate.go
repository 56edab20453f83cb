package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/audit"
	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/policy"
)

// ErrRequestOutstanding is returned when a task raises a second request
// while one is still unresolved. Sandboxes issue checks sequentially, so
// this indicates a bug.
var ErrRequestOutstanding = errors.New("permission request already outstanding")

// Hooks let the task runner mirror the prompt in the task record.
type Hooks struct {
	// Prompted runs before the gate blocks. A non-nil error aborts the wait
	// and resolves the request as if the task had been cancelled.
	Prompted func(ctx context.Context, req Request) error
	// Resolved runs after a prompted request resolves, before Request returns.
	Resolved func(ctx context.Context, req Request, resp Response, src Source)
}

type Options struct {
	Policy policy.Checker // nil: every request is prompted
	Audit  *audit.Trail   // nil: decisions are not audited
	Bus    *bus.Bus
	Logger *slog.Logger
	// PromptTimeout resolves an unanswered prompt as DenyOnce. 0 waits until
	// the task's context ends.
	PromptTimeout time.Duration
	Hooks         Hooks
}

type slot struct {
	req Request
	ch  chan Response
}

// Gate mediates capability checks between sandboxed tasks and the operator.
// Each task has at most one outstanding request, held in a single-slot
// channel created on demand and removed once resolved.
type Gate struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
	cache map[string]map[string]Response
}

func NewGate(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		opts:   opts,
		logger: logger,
		slots:  make(map[string]*slot),
		cache:  make(map[string]map[string]Response),
	}
}

// SetHooks replaces the prompt hooks. It must be called before any Request.
func (g *Gate) SetHooks(h Hooks) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opts.Hooks = h
}

// Request blocks until req is resolved. It returns promptly when a cached
// "always" decision or the standing policy covers the request. When ctx ends
// while waiting the request resolves as DenyAlways.
func (g *Gate) Request(ctx context.Context, req Request) (Response, error) {
	resp, _, err := g.decide(ctx, req)
	return resp, err
}

// Check resolves req and reports a refusal as a *DeniedError.
func (g *Gate) Check(ctx context.Context, req Request) error {
	resp, src, err := g.decide(ctx, req)
	if err != nil {
		return err
	}
	if resp.Allowed() {
		return nil
	}
	if req.Scope == "" {
		req.Scope = DefaultScope(req.Kind)
	}
	return &DeniedError{Request: req, Response: resp, Source: src}
}

func (g *Gate) decide(ctx context.Context, req Request) (Response, Source, error) {
	if req.TaskID == "" {
		return 0, "", fmt.Errorf("permission request: empty task id")
	}
	if !req.Kind.valid() {
		return 0, "", fmt.Errorf("permission request: unknown resource kind %q", req.Kind)
	}
	if req.Scope == "" {
		req.Scope = DefaultScope(req.Kind)
	}
	if err := ctx.Err(); err != nil {
		g.record(ctx, req, DenyAlways, SourceCancel)
		return DenyAlways, SourceCancel, nil
	}

	key := req.key()

	g.mu.Lock()
	if cached, ok := g.cache[req.TaskID][key]; ok {
		g.mu.Unlock()
		g.record(ctx, req, cached, SourceCache)
		return cached, SourceCache, nil
	}
	g.mu.Unlock()

	if g.opts.Policy != nil {
		switch g.opts.Policy.Decide(string(req.Kind), string(req.Access), req.Descriptor) {
		case policy.Allow:
			g.record(ctx, req, AllowOnce, SourcePolicy)
			return AllowOnce, SourcePolicy, nil
		case policy.Deny:
			g.record(ctx, req, DenyOnce, SourcePolicy)
			return DenyOnce, SourcePolicy, nil
		}
	}

	g.mu.Lock()
	if _, busy := g.slots[req.TaskID]; busy {
		g.mu.Unlock()
		return 0, "", fmt.Errorf("task %q: %w", req.TaskID, ErrRequestOutstanding)
	}
	s := &slot{req: req, ch: make(chan Response, 1)}
	g.slots[req.TaskID] = s
	hooks := g.opts.Hooks
	g.mu.Unlock()

	if hooks.Prompted != nil {
		if err := hooks.Prompted(ctx, req); err != nil {
			g.release(s)
			g.logger.Debug("permission prompt aborted", "task_id", req.TaskID, "error", err)
			g.record(ctx, req, DenyAlways, SourceCancel)
			return DenyAlways, SourceCancel, nil
		}
	}

	g.opts.Bus.Publish(bus.TopicPermissionRequested, bus.PermissionRequestedEvent{
		TaskID:     req.TaskID,
		Kind:       string(req.Kind),
		Access:     string(req.Access),
		Descriptor: req.Descriptor,
		Scope:      string(req.Scope),
	})
	g.logger.Info("permission requested",
		"task_id", req.TaskID, "kind", req.Kind, "access", req.Access, "descriptor", req.Descriptor)

	var timeout <-chan time.Time
	if g.opts.PromptTimeout > 0 {
		timer := time.NewTimer(g.opts.PromptTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		resp Response
		src  Source
	)
	select {
	case resp = <-s.ch:
		src = SourceOperator
	case <-ctx.Done():
		resp, src = DenyAlways, SourceCancel
	case <-timeout:
		resp, src = DenyOnce, SourceTimeout
	}
	g.release(s)

	if resp.Always() && src == SourceOperator {
		g.mu.Lock()
		byKey := g.cache[req.TaskID]
		if byKey == nil {
			byKey = make(map[string]Response)
			g.cache[req.TaskID] = byKey
		}
		byKey[key] = resp
		g.mu.Unlock()
	}

	if hooks.Resolved != nil {
		hooks.Resolved(ctx, req, resp, src)
	}
	g.record(ctx, req, resp, src)
	return resp, src, nil
}

// Respond delivers an operator decision to the task's outstanding request.
// It reports whether a request was waiting; unmatched or late responses are
// ignored.
func (g *Gate) Respond(taskID string, resp Response) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[taskID]
	if !ok {
		return false
	}
	delete(g.slots, taskID)
	// The slot is buffered and removed from the map before the send, so at
	// most one value is ever delivered.
	s.ch <- resp
	return true
}

// Pending returns the outstanding request for a task, if any.
func (g *Gate) Pending(taskID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[taskID]
	if !ok {
		return Request{}, false
	}
	return s.req, true
}

// Outstanding lists every unresolved request.
func (g *Gate) Outstanding() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.slots))
	for _, s := range g.slots {
		out = append(out, s.req)
	}
	return out
}

// Forget drops the decision cache of a finished task.
func (g *Gate) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, taskID)
}

func (g *Gate) release(s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.slots[s.req.TaskID]; ok && cur == s {
		delete(g.slots, s.req.TaskID)
	}
}

func (g *Gate) record(ctx context.Context, req Request, resp Response, src Source) {
	version := ""
	if g.opts.Policy != nil {
		version = g.opts.Policy.PolicyVersion()
	}
	g.opts.Audit.Record(ctx, audit.Entry{
		TaskID:        req.TaskID,
		Kind:          string(req.Kind),
		Access:        string(req.Access),
		Descriptor:    req.Descriptor,
		Decision:      resp.String(),
		Source:        string(src),
		PolicyVersion: version,
	})
	g.opts.Bus.Publish(bus.TopicPermissionResolved, bus.PermissionResolvedEvent{
		TaskID:     req.TaskID,
		Kind:       string(req.Kind),
		Descriptor: req.Descriptor,
		Response:   resp.String(),
		Source:     string(src),
	})
}
