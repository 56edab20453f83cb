package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/powblocs/internal/permission"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostFunctions lists the exports of the pow host module.
var HostFunctions = []string{
	"return_value", "send", "log", "action_name", "action_data",
	"read_file", "getenv", "http_get",
}

func (r *run) instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder(hostModule)
	builder.NewFunctionBuilder().WithFunc(r.hostReturnValue).Export("return_value")
	builder.NewFunctionBuilder().WithFunc(r.hostSend).Export("send")
	builder.NewFunctionBuilder().WithFunc(r.hostLog).Export("log")
	builder.NewFunctionBuilder().WithFunc(r.hostActionName).Export("action_name")
	builder.NewFunctionBuilder().WithFunc(r.hostActionData).Export("action_data")
	builder.NewFunctionBuilder().WithFunc(r.hostReadFile).Export("read_file")
	builder.NewFunctionBuilder().WithFunc(r.hostGetenv).Export("getenv")
	builder.NewFunctionBuilder().WithFunc(r.hostHTTPGet).Export("http_get")
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeWASMString copies s into guest memory through the guest's alloc
// export and returns ptr<<32|len, or 0 when the guest cannot take it.
func (r *run) writeWASMString(ctx context.Context, module api.Module, s string) uint64 {
	if s == "" {
		return 0
	}
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		r.host.Logger().Warn("wasm guest has no alloc export, dropping host result", "len", len(s))
		return 0
	}
	results, err := allocFn.Call(ctx, uint64(len(s)))
	if err != nil || len(results) == 0 {
		r.host.Logger().Warn("wasm guest alloc failed", "error", err)
		return 0
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, []byte(s)) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(uint32(len(s)))
}

func (r *run) hostReturnValue(ctx context.Context, module api.Module, ptr, length uint32) {
	v, ok := readWASMString(module, ptr, length)
	if !ok {
		r.host.Logger().Warn("return_value: failed to read from wasm memory", "ptr", ptr, "len", length)
		return
	}
	r.setValue(asJSON(v))
}

func (r *run) hostSend(ctx context.Context, module api.Module, namePtr, nameLen, dataPtr, dataLen uint32) {
	name, ok := readWASMString(module, namePtr, nameLen)
	if !ok {
		return
	}
	data, ok := readWASMString(module, dataPtr, dataLen)
	if !ok {
		return
	}
	r.host.Emit(name, asJSON(data))
}

func (r *run) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	logger := r.host.Logger()
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		logger.Warn("log: failed to read message from wasm memory")
		return
	}

	switch strings.ToLower(level) {
	case "error":
		logger.Error("wasm guest log", "msg", msg)
	case "warn":
		logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		logger.Debug("wasm guest log", "msg", msg)
	default:
		logger.Info("wasm guest log", "msg", msg)
	}
}

func (r *run) hostActionName(ctx context.Context, module api.Module) uint64 {
	return r.writeWASMString(ctx, module, r.host.ActionName())
}

func (r *run) hostActionData(ctx context.Context, module api.Module) uint64 {
	return r.writeWASMString(ctx, module, r.host.ActionData())
}

// gated runs a capability call. A refusal aborts the module; any other
// failure is reported to the guest as 0.
func (r *run) gated(ctx context.Context, module api.Module, call func() (string, error)) uint64 {
	out, err := call()
	if err != nil {
		var denied *permission.DeniedError
		if errors.As(err, &denied) {
			r.deny(denied)
		}
		r.host.Logger().Warn("wasm host call failed", "error", err)
		return 0
	}
	return r.writeWASMString(ctx, module, out)
}

func (r *run) hostReadFile(ctx context.Context, module api.Module, ptr, length uint32) uint64 {
	path, ok := readWASMString(module, ptr, length)
	if !ok {
		return 0
	}
	return r.gated(ctx, module, func() (string, error) {
		return r.caps.ReadFile(ctx, r.host, path)
	})
}

func (r *run) hostGetenv(ctx context.Context, module api.Module, ptr, length uint32) uint64 {
	name, ok := readWASMString(module, ptr, length)
	if !ok {
		return 0
	}
	return r.gated(ctx, module, func() (string, error) {
		return r.caps.Getenv(ctx, r.host, name)
	})
}

func (r *run) hostHTTPGet(ctx context.Context, module api.Module, ptr, length uint32) uint64 {
	rawURL, ok := readWASMString(module, ptr, length)
	if !ok {
		r.host.Logger().Error("http_get: failed to read URL from wasm memory", "ptr", ptr, "len", length)
		return 0
	}
	return r.gated(ctx, module, func() (string, error) {
		return r.caps.HTTPGet(ctx, r.host, rawURL)
	})
}
