// Package wasm runs WebAssembly task code under wazero. Each task gets its
// own runtime, so nothing a module does survives the task.
package wasm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/powblocs/internal/sandbox"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages is 256 pages = 16MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 256

// DataURLPrefix marks base64 encoded module bytes submitted as text.
const DataURLPrefix = "data:application/wasm;base64,"

const hostModule = "pow"

var magic = []byte{0x00, 0x61, 0x73, 0x6d}

// entryPoints are tried in order; the first export found is called.
var entryPoints = []string{"run", "_start", "main"}

var (
	ErrNoEntryPoint = errors.New("module exports none of run, _start, main")
	ErrBadEncoding  = errors.New("invalid wasm data url")
)

type Config struct {
	Caps *sandbox.Capabilities
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

type Engine struct {
	caps     *sandbox.Capabilities
	memPages uint32
}

func New(cfg Config) *Engine {
	if cfg.Caps == nil {
		cfg.Caps = &sandbox.Capabilities{}
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	return &Engine{caps: cfg.Caps, memPages: cfg.MemoryLimitPages}
}

func (e *Engine) Name() string { return "wasm" }

func (e *Engine) Accepts(code string) bool {
	return strings.HasPrefix(code, string(magic)) || strings.HasPrefix(code, DataURLPrefix)
}

func decode(code string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(code, DataURLPrefix); ok {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadEncoding, err)
		}
		if !bytes.HasPrefix(b, magic) {
			return nil, fmt.Errorf("%w: missing magic", ErrBadEncoding)
		}
		return b, nil
	}
	return []byte(code), nil
}

// run is the per-task state the host functions close over.
type run struct {
	host sandbox.Host
	caps *sandbox.Capabilities

	mu       sync.Mutex
	value    string
	hasValue bool
	// denied is the first refused capability; it aborts the module.
	denied error
}

func (e *Engine) Run(ctx context.Context, code string, host sandbox.Host) (sandbox.Result, error) {
	wasmBytes, err := decode(code)
	if err != nil {
		return sandbox.Result{}, &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: err}
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(e.memPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	r := &run{host: host, caps: e.caps}
	if err := r.instantiateHost(ctx, rt); err != nil {
		return sandbox.Result{}, &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: err}
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return sandbox.Result{}, &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: err}
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return sandbox.Result{}, &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: err}
	}

	logw := &logWriter{logger: host.Logger()}
	modCfg := wazero.NewModuleConfig().
		WithName("task").
		WithStartFunctions().
		WithStdout(logw).
		WithStderr(logw)
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return sandbox.Result{}, r.fault(ctx, sandbox.PhaseLoad, err)
	}

	var fn api.Function
	for _, name := range entryPoints {
		if fn = mod.ExportedFunction(name); fn != nil {
			break
		}
	}
	if fn == nil {
		return sandbox.Result{}, &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: ErrNoEntryPoint}
	}

	results, err := fn.Call(ctx)
	if err != nil {
		if ferr := r.fault(ctx, sandbox.PhaseRun, err); ferr != nil {
			return sandbox.Result{}, ferr
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasValue {
		return sandbox.Result{Value: r.value, HasValue: true}, nil
	}
	if len(results) > 0 {
		return sandbox.Result{Value: resultJSON(fn.Definition().ResultTypes()[0], results[0]), HasValue: true}, nil
	}
	return sandbox.Result{}, nil
}

// fault maps a module error to what the runner expects: the context error
// when the task was stopped, the denial that aborted the module, or an
// ExecutionError. A clean proc_exit(0) is not a fault.
func (r *run) fault(ctx context.Context, phase sandbox.Phase, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.mu.Lock()
	denied := r.denied
	r.mu.Unlock()
	if denied != nil {
		return denied
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return &sandbox.ExecutionError{Engine: "wasm", Phase: phase, Err: err}
}

func resultJSON(t api.ValueType, raw uint64) string {
	switch t {
	case api.ValueTypeI32:
		return fmt.Sprint(int32(raw))
	case api.ValueTypeI64:
		return fmt.Sprint(int64(raw))
	case api.ValueTypeF32:
		return floatJSON(float64(api.DecodeF32(raw)), 32)
	case api.ValueTypeF64:
		return floatJSON(api.DecodeF64(raw), 64)
	}
	return "null"
}

// floatJSON encodes f as a JSON number. NaN and infinities have no JSON
// number form and become strings such as "NaN" and "+Inf".
func floatJSON(f float64, bits int) string {
	var v any = f
	if bits == 32 {
		v = float32(f)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	b, _ := json.Marshal(strconv.FormatFloat(f, 'g', -1, bits))
	return string(b)
}

func (r *run) setValue(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
	r.hasValue = true
}

// deny records the refusal and aborts the guest. wazero turns the panic
// into an error returned from Call.
func (r *run) deny(err error) {
	r.mu.Lock()
	if r.denied == nil {
		r.denied = err
	}
	r.mu.Unlock()
	panic(err)
}

// asJSON keeps valid JSON as is and quotes anything else.
func asJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	b, _ := json.Marshal(s)
	return string(b)
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Info("wasm guest output", "output", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
