package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/engine"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/sandbox/script"
	"github.com/basket/powblocs/internal/sandbox/wasm"
	"github.com/basket/powblocs/internal/taskstore"
	"github.com/basket/powblocs/internal/telemetry"
)

type harness struct {
	eng     *engine.Engine
	bus     *bus.Bus
	workDir string
}

func newHarness(t *testing.T, cfg engine.Config, extra ...sandbox.Engine) *harness {
	t.Helper()
	b := bus.New()
	store := taskstore.New(b)
	gate := permission.NewGate(permission.Options{Bus: b, Logger: telemetry.Discard()})
	workDir := t.TempDir()
	caps := &sandbox.Capabilities{WorkDir: workDir}
	engines := append(extra,
		wasm.New(wasm.Config{Caps: caps}),
		script.New(script.Config{Caps: caps}),
	)
	cfg.Bus = b
	cfg.Logger = telemetry.Discard()
	eng := engine.New(store, gate, engines, cfg)
	t.Cleanup(func() { eng.Drain(500 * time.Millisecond) })
	return &harness{eng: eng, bus: b, workDir: workDir}
}

func (h *harness) start(t *testing.T, id, action, code string) {
	t.Helper()
	if err := h.eng.StartTask(context.Background(), id, action, "{}", code); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
}

func waitForState(t *testing.T, e *engine.Engine, id string, want taskstore.State, timeout time.Duration) taskstore.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := e.TaskState(id)
		if err == nil && snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, err := e.TaskState(id)
	t.Fatalf("timed out waiting for task %s state %s, got %#v (err %v)", id, want, snap, err)
	return taskstore.Snapshot{}
}

func waitTerminal(t *testing.T, e *engine.Engine, id string) taskstore.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.WaitTask(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return snap
}

func TestScenario_DeniedReadFails(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "read", `pow.ReadFile("/etc/passwd")`)

	snap := waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)
	if snap.PendingRequest == nil {
		t.Fatal("expected a pending request")
	}
	if snap.PendingRequest.Kind != string(permission.KindFile) {
		t.Fatalf("resource kind = %q, want file", snap.PendingRequest.Kind)
	}
	if !strings.Contains(snap.PendingRequest.Descriptor, "/etc/passwd") {
		t.Fatalf("descriptor %q does not name the path", snap.PendingRequest.Descriptor)
	}

	if err := h.eng.RespondToPermissionPrompt("t1", "deny"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	snap = waitTerminal(t, h.eng, "t1")
	if snap.State != taskstore.StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != taskstore.ErrorPermissionDenied {
		t.Fatalf("error = %+v, want permission_denied", snap.Error)
	}
	if !errors.Is(engine.TaskErr(snap), engine.ErrPermissionDenied) {
		t.Fatalf("TaskErr does not wrap ErrPermissionDenied: %v", engine.TaskErr(snap))
	}
	if snap.PendingRequest != nil {
		t.Fatal("terminal task must not carry a pending request")
	}
	if len(snap.PermissionHistory) != 1 || snap.PermissionHistory[0].Response != "deny" {
		t.Fatalf("unexpected permission history: %+v", snap.PermissionHistory)
	}
}

func TestScenario_ReturnValue(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t2", "noop", "42")

	snap := waitTerminal(t, h.eng, "t2")
	if snap.State != taskstore.StateCompleted {
		t.Fatalf("state = %s (%+v), want completed", snap.State, snap.Error)
	}
	if snap.ReturnValue == nil || *snap.ReturnValue != "42" {
		t.Fatalf("return value = %v, want 42", snap.ReturnValue)
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Fatal("expected start and finish timestamps")
	}
}

func TestScenario_StopInfiniteLoop(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t3", "loop", "for {}")
	waitForState(t, h.eng, "t3", taskstore.StateRunning, 5*time.Second)

	if err := h.eng.StopTask(context.Background(), "t3"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap := waitTerminal(t, h.eng, "t3")
	if snap.State != taskstore.StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}
	if !errors.Is(engine.TaskErr(snap), engine.ErrTaskCancelled) {
		t.Fatalf("TaskErr does not wrap ErrTaskCancelled: %v", engine.TaskErr(snap))
	}

	time.Sleep(50 * time.Millisecond)
	snap, _ = h.eng.TaskState("t3")
	if snap.State != taskstore.StateCancelled || snap.ReturnValue != nil {
		t.Fatalf("cancelled task changed afterwards: %+v", snap)
	}
}

func TestScenario_ClearReapsTerminal(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "read", `pow.ReadFile("/etc/passwd")`)
	h.start(t, "t2", "noop", "42")

	waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)
	if err := h.eng.RespondToPermissionPrompt("t1", "deny"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	waitTerminal(t, h.eng, "t1")
	waitTerminal(t, h.eng, "t2")

	ids := h.eng.ClearCompletedTasks()
	if !reflect.DeepEqual(ids, []string{"t1", "t2"}) {
		t.Fatalf("reaped %v, want [t1 t2]", ids)
	}
	for _, id := range []string{"t1", "t2"} {
		if _, err := h.eng.TaskState(id); !errors.Is(err, engine.ErrTaskNotFound) {
			t.Fatalf("%s: expected ErrTaskNotFound, got %v", id, err)
		}
	}
}

func TestScenario_DuplicateID(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t4", "sleep", "pow.Sleep(60000)")
	before, _ := h.eng.TaskState("t4")

	err := h.eng.StartTask(context.Background(), "t4", "other", "{}", "42")
	if !errors.Is(err, engine.ErrDuplicateTaskID) {
		t.Fatalf("expected ErrDuplicateTaskID, got %v", err)
	}
	after, _ := h.eng.TaskState("t4")
	if after.ActionName != before.ActionName || after.State.Terminal() {
		t.Fatalf("first task was affected: %+v", after)
	}
	_ = h.eng.StopTask(context.Background(), "t4")
	waitTerminal(t, h.eng, "t4")
}

func TestStartTask_ImmediateStateIsPendingOrRunning(t *testing.T) {
	h := newHarness(t, engine.Config{})
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%d", i)
		h.start(t, id, "read", `pow.ReadFile("/etc/passwd")`)
		snap, err := h.eng.TaskState(id)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if snap.State != taskstore.StatePending && snap.State != taskstore.StateRunning {
			t.Fatalf("%s: state right after start = %s", id, snap.State)
		}
	}
}

func TestStopTask_TerminalIsNoop(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "noop", "42")
	before := waitTerminal(t, h.eng, "t1")

	if err := h.eng.StopTask(context.Background(), "t1"); err != nil {
		t.Fatalf("stop terminal: %v", err)
	}
	if err := h.eng.RespondToPermissionPrompt("t1", "allow"); err != nil {
		t.Fatalf("respond terminal: %v", err)
	}
	after, _ := h.eng.TaskState("t1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("terminal task changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestStopTask_NotFound(t *testing.T) {
	h := newHarness(t, engine.Config{})
	if err := h.eng.StopTask(context.Background(), "nope"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStopTask_WhileAwaitingPermission(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "read", `pow.ReadFile("/etc/passwd")`)
	waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)

	if err := h.eng.StopTask(context.Background(), "t1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap := waitTerminal(t, h.eng, "t1")
	if snap.State != taskstore.StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}
	if snap.PendingRequest != nil {
		t.Fatal("cancelled task still shows a pending request")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.eng.PendingPrompts()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("gate slot not released after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRespond_NoOutstandingRequestIsNoop(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "sleep", "pow.Sleep(60000)")
	waitForState(t, h.eng, "t1", taskstore.StateRunning, 5*time.Second)
	before, _ := h.eng.TaskState("t1")

	if err := h.eng.RespondToPermissionPrompt("t1", "allow_always"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	after, _ := h.eng.TaskState("t1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("unmatched response changed the task")
	}
}

func TestRespond_Errors(t *testing.T) {
	h := newHarness(t, engine.Config{})
	if err := h.eng.RespondToPermissionPrompt("nope", "maybe"); !errors.Is(err, engine.ErrInvalidResponseTag) {
		t.Fatalf("expected ErrInvalidResponseTag before lookup, got %v", err)
	}
	if err := h.eng.RespondToPermissionPrompt("nope", "allow"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestAllowAlways_CoversRepeatRequests(t *testing.T) {
	h := newHarness(t, engine.Config{})
	path := filepath.Join(h.workDir, "data.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code := fmt.Sprintf(`a, _ := pow.ReadFile(%q)
b, _ := pow.ReadFile(%q)
pow.ReturnValue(a + b)`, path, path)
	h.start(t, "t1", "read", code)

	waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)
	if err := h.eng.RespondToPermissionPrompt("t1", "allow_always"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	snap := waitTerminal(t, h.eng, "t1")
	if snap.State != taskstore.StateCompleted {
		t.Fatalf("state = %s (%+v), want completed", snap.State, snap.Error)
	}
	if *snap.ReturnValue != `"payloadpayload"` {
		t.Fatalf("return value = %s", *snap.ReturnValue)
	}
	if len(snap.PermissionHistory) != 1 {
		t.Fatalf("expected a single prompt, got %d", len(snap.PermissionHistory))
	}
}

func TestClearCompleted_LeavesLiveTasksIdentical(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "done", "noop", "1")
	h.start(t, "waiting", "read", `pow.ReadFile("/etc/passwd")`)
	h.start(t, "sleeping", "sleep", "pow.Sleep(60000)")
	waitTerminal(t, h.eng, "done")
	waitForState(t, h.eng, "waiting", taskstore.StateAwaitingPermission, 5*time.Second)
	waitForState(t, h.eng, "sleeping", taskstore.StateRunning, 5*time.Second)

	waiting, _ := h.eng.TaskState("waiting")
	sleeping, _ := h.eng.TaskState("sleeping")
	h.eng.ClearCompletedTasks()

	if _, err := h.eng.TaskState("done"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("terminal task not reaped: %v", err)
	}
	if got, _ := h.eng.TaskState("waiting"); !reflect.DeepEqual(got, waiting) {
		t.Fatalf("awaiting task changed by clear")
	}
	if got, _ := h.eng.TaskState("sleeping"); !reflect.DeepEqual(got, sleeping) {
		t.Fatalf("running task changed by clear")
	}
	_ = h.eng.StopTask(context.Background(), "waiting")
	_ = h.eng.StopTask(context.Background(), "sleeping")
}

func TestConcurrentTasksAreIsolated(t *testing.T) {
	h := newHarness(t, engine.Config{})
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			code := fmt.Sprintf(`pow.Sleep(%d)
pow.ReturnValue(pow.TaskID())`, (n-i)*5)
			if err := h.eng.StartTask(context.Background(), id, "noop", "{}", code); err != nil {
				t.Errorf("start %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-%d", i)
		snap := waitTerminal(t, h.eng, id)
		if snap.State != taskstore.StateCompleted {
			t.Fatalf("%s: state %s (%+v)", id, snap.State, snap.Error)
		}
		if want := fmt.Sprintf("%q", id); *snap.ReturnValue != want {
			t.Fatalf("%s: return value %s, want %s", id, *snap.ReturnValue, want)
		}
	}
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness(t, engine.Config{TaskTimeout: 100 * time.Millisecond})
	h.start(t, "t1", "loop", "for {}")
	snap := waitTerminal(t, h.eng, "t1")
	if snap.State != taskstore.StateFailed || snap.Error.Kind != taskstore.ErrorTimeout {
		t.Fatalf("expected failed timeout, got %s %+v", snap.State, snap.Error)
	}
}

func TestMaxConcurrentTasks(t *testing.T) {
	h := newHarness(t, engine.Config{MaxConcurrentTasks: 1})
	h.start(t, "busy", "loop", "for {}")
	waitForState(t, h.eng, "busy", taskstore.StateRunning, 5*time.Second)
	h.start(t, "queued", "noop", "42")

	time.Sleep(50 * time.Millisecond)
	if snap, _ := h.eng.TaskState("queued"); snap.State != taskstore.StatePending {
		t.Fatalf("queued task state = %s, want pending", snap.State)
	}
	if err := h.eng.StopTask(context.Background(), "busy"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap := waitTerminal(t, h.eng, "queued"); snap.State != taskstore.StateCompleted {
		t.Fatalf("queued task state = %s, want completed", snap.State)
	}
}

func TestScriptErrorFailsTask(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "compile", "noop", "this is not go")
	h.start(t, "panic", "noop", `panic("boom")`)
	for _, id := range []string{"compile", "panic"} {
		snap := waitTerminal(t, h.eng, id)
		if snap.State != taskstore.StateFailed || snap.Error.Kind != taskstore.ErrorSandboxExecution {
			t.Fatalf("%s: expected sandbox_execution failure, got %s %+v", id, snap.State, snap.Error)
		}
		if !errors.Is(engine.TaskErr(snap), engine.ErrSandboxExecution) {
			t.Fatalf("%s: TaskErr = %v", id, engine.TaskErr(snap))
		}
	}
}

type panickyEngine struct{}

func (panickyEngine) Name() string             { return "panicky" }
func (panickyEngine) Accepts(code string) bool { return code == "PANIC" }
func (panickyEngine) Run(context.Context, string, sandbox.Host) (sandbox.Result, error) {
	panic("engine bug")
}

func TestWorkerPanicIsContained(t *testing.T) {
	h := newHarness(t, engine.Config{}, panickyEngine{})
	h.start(t, "bad", "noop", "PANIC")
	h.start(t, "good", "noop", "42")

	bad := waitTerminal(t, h.eng, "bad")
	if bad.State != taskstore.StateFailed || bad.Error.Kind != taskstore.ErrorInternal {
		t.Fatalf("expected internal failure, got %s %+v", bad.State, bad.Error)
	}
	if good := waitTerminal(t, h.eng, "good"); good.State != taskstore.StateCompleted {
		t.Fatalf("sibling task affected: %s", good.State)
	}
}

func TestRegisteredActionRuns(t *testing.T) {
	h := newHarness(t, engine.Config{})
	code := `pow.RegisterAction("greet", func(data string) {
	pow.ReturnValue("hello " + data)
})`
	if err := h.eng.StartTask(context.Background(), "t1", "greet", "world", code); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitTerminal(t, h.eng, "t1")
	if snap.ReturnValue == nil || *snap.ReturnValue != `"hello world"` {
		t.Fatalf("return value = %v", snap.ReturnValue)
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, engine.Config{})
	sub := h.bus.Subscribe("")
	defer h.bus.Unsubscribe(sub)

	h.start(t, "t1", "read", `pow.Send("progress", 1)
pow.ReadFile("/etc/passwd")`)
	waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)
	_ = h.eng.RespondToPermissionPrompt("t1", "deny")
	waitTerminal(t, h.eng, "t1")

	var states []string
	var sawPrompt, sawEvent bool
	timeout := time.After(2 * time.Second)
	for len(states) < 5 || !sawPrompt || !sawEvent {
		select {
		case ev := <-sub.Ch():
			switch p := ev.Payload.(type) {
			case bus.TaskStateChangedEvent:
				states = append(states, p.NewState)
			case bus.PermissionRequestedEvent:
				sawPrompt = p.TaskID == "t1" && p.Kind == "file"
			case bus.TaskEvent:
				sawEvent = p.Name == "progress" && p.Data == "1"
			}
		case <-timeout:
			t.Fatalf("missing events: states=%v prompt=%v event=%v", states, sawPrompt, sawEvent)
		}
	}
	want := []string{"pending", "running", "awaiting_permission", "running", "failed"}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("state sequence = %v, want %v", states, want)
	}
}

func TestDrainRejectsNewTasks(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "t1", "loop", "for {}")
	waitForState(t, h.eng, "t1", taskstore.StateRunning, 5*time.Second)

	h.eng.Drain(50 * time.Millisecond)
	if snap, _ := h.eng.TaskState("t1"); snap.State != taskstore.StateCancelled {
		t.Fatalf("drained task state = %s, want cancelled", snap.State)
	}
	if err := h.eng.StartTask(context.Background(), "t2", "noop", "{}", "1"); !errors.Is(err, engine.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, engine.Config{MaxConcurrentTasks: 3})
	h.start(t, "t1", "read", `pow.ReadFile("/etc/passwd")`)
	waitForState(t, h.eng, "t1", taskstore.StateAwaitingPermission, 5*time.Second)

	st := h.eng.Status()
	if st.MaxConcurrentTasks != 3 || st.PendingPrompts != 1 || st.Tasks["awaiting_permission"] != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	_ = h.eng.StopTask(context.Background(), "t1")
}

func TestScriptGoroutinePanicCannotReachProcess(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.start(t, "other", "noop", "pow.Sleep(300)\n7")
	h.start(t, "bad", "noop", "go func() { panic(\"boom\") }()\npow.Sleep(100)\n1")
	h.start(t, "bad-denied", "noop", "go func() { pow.ReadFile(\"/etc/passwd\") }()\npow.Sleep(100)\n1")

	for _, id := range []string{"bad", "bad-denied"} {
		snap := waitTerminal(t, h.eng, id)
		if snap.State != taskstore.StateFailed || snap.Error.Kind != taskstore.ErrorSandboxExecution {
			t.Fatalf("%s: expected sandbox_execution failure, got %s %+v", id, snap.State, snap.Error)
		}
		if len(snap.PermissionHistory) != 0 {
			t.Fatalf("%s: rejected script must not prompt: %+v", id, snap.PermissionHistory)
		}
	}
	other := waitTerminal(t, h.eng, "other")
	if other.State != taskstore.StateCompleted || other.ReturnValue == nil || *other.ReturnValue != "7" {
		t.Fatalf("sibling task affected: %s %+v", other.State, other.Error)
	}
}
