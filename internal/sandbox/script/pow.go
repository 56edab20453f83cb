package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/traefik/yaegi/interp"
)

const (
	powPath     = "pow/pow"
	actionsPath = "powactions/powactions"
)

// pow is the per-task state behind the pow package a script sees.
type pow struct {
	ctx  context.Context
	host sandbox.Host
	caps *sandbox.Capabilities

	mu       sync.Mutex
	value    string
	hasValue bool
	actions  map[string]func(string)
	// denied is the first refused capability. A refusal is fatal to the
	// task even when the script recovers from it.
	denied error
}

func newPow(ctx context.Context, host sandbox.Host, caps *sandbox.Capabilities) *pow {
	return &pow{ctx: ctx, host: host, caps: caps, actions: map[string]func(string){}}
}

func (p *pow) exports() interp.Exports {
	return interp.Exports{
		powPath: {
			"ReturnValue":    reflect.ValueOf(p.ReturnValue),
			"Send":           reflect.ValueOf(p.Send),
			"RegisterAction": reflect.ValueOf(p.RegisterAction),
			"CallAction":     reflect.ValueOf(p.CallAction),
			"ActionName":     reflect.ValueOf(p.host.ActionName),
			"ActionData":     reflect.ValueOf(p.host.ActionData),
			"TaskID":         reflect.ValueOf(p.host.TaskID),
			"Sleep":          reflect.ValueOf(p.Sleep),
			"Log":            reflect.ValueOf(p.Log),
			"DirPath":        reflect.ValueOf(p.DirPath),
			"ReadFile":       reflect.ValueOf(p.ReadFile),
			"WriteFile":      reflect.ValueOf(p.WriteFile),
			"ReadDir":        reflect.ValueOf(p.ReadDir),
			"Getenv":         reflect.ValueOf(p.Getenv),
			"Hostname":       reflect.ValueOf(p.Hostname),
			"HTTPGet":        reflect.ValueOf(p.HTTPGet),
			"Exec":           reflect.ValueOf(p.Exec),
			"ExecResult":     reflect.ValueOf((*sandbox.ExecResult)(nil)),
		},
		actionsPath: {
			"Evaluate": reflect.ValueOf(p.evaluateActions),
		},
	}
}

// ReturnValue records v as the task result. Later calls overwrite earlier ones.
func (p *pow) ReturnValue(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("return value: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = string(b)
	p.hasValue = true
	return nil
}

func (p *pow) result() (sandbox.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sandbox.Result{Value: p.value, HasValue: p.hasValue}, p.hasValue
}

func (p *pow) Send(name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	p.host.Emit(name, string(b))
	return nil
}

func (p *pow) RegisterAction(name string, fn func(data string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[name] = fn
}

// CallAction runs a registered action. Unknown names do nothing.
func (p *pow) CallAction(name, data string) {
	p.mu.Lock()
	fn := p.actions[name]
	p.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (p *pow) hasAction(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return name != "" && p.actions[name] != nil
}

// evaluateActions dispatches the task's action once the main body is done.
func (p *pow) evaluateActions() {
	p.CallAction(p.host.ActionName(), p.host.ActionData())
}

// Sleep pauses the script for ms milliseconds or until the task is stopped.
func (p *pow) Sleep(ms int) {
	if ms <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

func (p *pow) Log(level, msg string) {
	logger := p.host.Logger()
	switch strings.ToLower(level) {
	case "error":
		logger.Error("script log", "msg", msg)
	case "warn":
		logger.Warn("script log", "msg", msg)
	case "debug":
		logger.Debug("script log", "msg", msg)
	default:
		logger.Info("script log", "msg", msg)
	}
}

// DirPath returns the path of name under the task working directory.
func (p *pow) DirPath(name string) string {
	if name == "" {
		return p.caps.DirPath()
	}
	return filepath.Join(p.caps.DirPath(), filepath.Clean("/"+name))
}

// check turns a refusal into a script abort and passes other errors back.
func (p *pow) check(err error) error {
	var denied *permission.DeniedError
	if errors.As(err, &denied) {
		p.mu.Lock()
		if p.denied == nil {
			p.denied = denied
		}
		p.mu.Unlock()
		panic(denied)
	}
	return err
}

func (p *pow) deniedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.denied
}

func (p *pow) ReadFile(path string) (string, error) {
	out, err := p.caps.ReadFile(p.ctx, p.host, path)
	return out, p.check(err)
}

func (p *pow) WriteFile(path, data string) error {
	return p.check(p.caps.WriteFile(p.ctx, p.host, path, data))
}

func (p *pow) ReadDir(path string) ([]string, error) {
	out, err := p.caps.ReadDir(p.ctx, p.host, path)
	return out, p.check(err)
}

func (p *pow) Getenv(name string) (string, error) {
	out, err := p.caps.Getenv(p.ctx, p.host, name)
	return out, p.check(err)
}

func (p *pow) Hostname() (string, error) {
	out, err := p.caps.Hostname(p.ctx, p.host)
	return out, p.check(err)
}

func (p *pow) HTTPGet(url string) (string, error) {
	out, err := p.caps.HTTPGet(p.ctx, p.host, url)
	return out, p.check(err)
}

func (p *pow) Exec(name string, args ...string) (sandbox.ExecResult, error) {
	out, err := p.caps.Exec(p.ctx, p.host, name, args)
	return out, p.check(err)
}
