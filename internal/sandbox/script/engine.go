// Package script runs Go source under the yaegi interpreter. A script is
// either a list of statements or a complete package main; it reaches the
// outside world only through the pow package.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/scanner"
	"go/token"
	"io/fs"
	"log/slog"
	"reflect"
	"strings"

	"github.com/basket/powblocs/internal/sandbox"
	"github.com/traefik/yaegi/interp"
)

type Config struct {
	Caps *sandbox.Capabilities
}

type Engine struct {
	caps *sandbox.Capabilities
}

func New(cfg Config) *Engine {
	if cfg.Caps == nil {
		cfg.Caps = &sandbox.Capabilities{}
	}
	return &Engine{caps: cfg.Caps}
}

func (e *Engine) Name() string { return "script" }

// Accepts takes any non-empty text. Register it after engines that match
// on a binary header.
func (e *Engine) Accepts(code string) bool {
	return strings.TrimSpace(code) != ""
}

// mode is how the source opens.
type mode int

const (
	modeStatements mode = iota
	modeImports
	modeProgram
)

func sourceMode(code string) mode {
	var s scanner.Scanner
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(code))
	s.Init(file, []byte(code), nil, 0)
	for {
		_, tok, _ := s.Scan()
		switch tok {
		case token.SEMICOLON:
			continue
		case token.PACKAGE:
			return modeProgram
		case token.IMPORT:
			return modeImports
		default:
			return modeStatements
		}
	}
}

// ErrGoStatement rejects scripts that start goroutines. A panic or a
// refused capability on such a goroutine is out of reach of the task worker.
var ErrGoStatement = errors.New("go statements are not supported")

// findGoStatement reports the first go keyword in code. Strings and
// comments scan as single tokens, so only real statements match.
func findGoStatement(code string) (token.Position, bool) {
	var s scanner.Scanner
	fset := token.NewFileSet()
	file := fset.AddFile("script", fset.Base(), len(code))
	s.Init(file, []byte(code), nil, 0)
	for {
		pos, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return token.Position{}, false
		case token.GO:
			return fset.Position(pos), true
		}
	}
}

// noSource refuses every source import so only the curated binary
// packages resolve.
type noSource struct{}

func (noSource) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

func (e *Engine) Run(ctx context.Context, code string, host sandbox.Host) (sandbox.Result, error) {
	if pos, found := findGoStatement(code); found {
		return sandbox.Result{}, e.loadErr(fmt.Errorf("line %d: %w", pos.Line, ErrGoStatement))
	}

	logger := host.Logger()
	out := &logWriter{logger: logger}
	i := interp.New(interp.Options{
		Stdin:                strings.NewReader(""),
		Stdout:               out,
		Stderr:               out,
		Env:                  []string{},
		SourcecodeFilesystem: noSource{},
	})

	p := newPow(ctx, host, e.caps)
	if err := i.Use(stdSymbols); err != nil {
		return sandbox.Result{}, e.loadErr(err)
	}
	if err := i.Use(p.exports()); err != nil {
		return sandbox.Result{}, e.loadErr(err)
	}
	if sourceMode(code) == modeStatements {
		i.ImportUsed()
	}

	v, err := i.EvalWithContext(ctx, code)
	if ferr := p.fault(ctx, sandbox.PhaseRun, err); ferr != nil {
		return sandbox.Result{}, ferr
	}

	if p.hasAction(host.ActionName()) {
		if _, err := i.Eval(`import __powactions "powactions"`); err != nil {
			return sandbox.Result{}, e.loadErr(err)
		}
		_, err := i.EvalWithContext(ctx, `__powactions.Evaluate()`)
		if ferr := p.fault(ctx, sandbox.PhaseAction, err); ferr != nil {
			return sandbox.Result{}, ferr
		}
	}

	if res, ok := p.result(); ok {
		return res, nil
	}
	if s, ok := lastValue(v); ok {
		return sandbox.Result{Value: s, HasValue: true}, nil
	}
	return sandbox.Result{}, nil
}

func (e *Engine) loadErr(err error) error {
	return &sandbox.ExecutionError{Engine: e.Name(), Phase: sandbox.PhaseLoad, Err: err}
}

// fault orders the ways a run can end: a stopped task, then a refused
// capability, then the script's own error. Compile errors are load faults.
func (p *pow) fault(ctx context.Context, phase sandbox.Phase, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if denied := p.deniedErr(); denied != nil {
		return denied
	}
	if err == nil {
		return nil
	}
	var panicErr interp.Panic
	if phase == sandbox.PhaseRun && !errors.As(err, &panicErr) {
		phase = sandbox.PhaseLoad
	}
	return &sandbox.ExecutionError{Engine: "script", Phase: phase, Err: err}
}

// lastValue encodes the value of the script's final expression.
func lastValue(v reflect.Value) (string, bool) {
	if !v.IsValid() || !v.CanInterface() {
		return "", false
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", false
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return "", false
	}
	return string(b), true
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Info("script output", "output", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
