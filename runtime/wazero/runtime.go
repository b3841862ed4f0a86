// Package wazero implements runtime.Runtime on top of github.com/tetratelabs/wazero.
package wazero

import (
	"context"
	"fmt"
	"os"

	"github.com/stealthrocket/wasi-go"
	wasigo "github.com/stealthrocket/wasi-go/imports"
	"github.com/stealthrocket/wasi-go/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/otelwasm/wasmsqlite/runtime"
)

const (
	// guestExportMemory is the memory every guest must export.
	guestExportMemory = "memory"

	// guestStartFunction initializes a reactor module before its exports
	// are called.
	guestStartFunction = "_initialize"

	// guestName is the program name the guest sees through WASI.
	guestName = "sqlite3"
)

type wazeroRuntime struct {
	runtime wazero.Runtime
	config  runtime.Config
}

type wazeroCompiledModule struct {
	module wazero.CompiledModule
}

// wazeroContext owns everything linked into one guest instance.
type wazeroContext struct {
	sys         wasi.System
	wasi        *wasi_snapshot_preview1.Module
	hostModules []api.Module
}

// Compile compiles binary and checks that it exports its memory.
func (r *wazeroRuntime) Compile(ctx context.Context, binary []byte) (runtime.CompiledModule, error) {
	compiled, err := r.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("wazero compile error: %v: %w", err, runtime.ErrModuleCompileFailed)
	}

	if _, ok := compiled.ExportedMemories()[guestExportMemory]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("wasm: guest doesn't export memory[%s]: %w", guestExportMemory, runtime.ErrMemoryExportNotFound)
	}

	return &wazeroCompiledModule{module: compiled}, nil
}

// InstantiateWithHost links WASI and the host modules, then instantiates the
// guest and runs its reactor initializer.
func (r *wazeroRuntime) InstantiateWithHost(ctx context.Context, module runtime.CompiledModule, hostModules ...*runtime.HostModule) (runtime.ModuleInstance, runtime.Context, error) {
	compiled, ok := module.(*wazeroCompiledModule)
	if !ok {
		return nil, nil, fmt.Errorf("invalid module type for wazero runtime: %w", runtime.ErrInvalidConfiguration)
	}

	ctx, rc, err := r.linkWASI(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, hm := range hostModules {
		mod, err := r.linkHostModule(ctx, hm)
		if err != nil {
			rc.Close(ctx)
			return nil, nil, fmt.Errorf("host module %q instantiation failed: %w", hm.Name, err)
		}
		rc.hostModules = append(rc.hostModules, mod)
	}

	config := wazero.NewModuleConfig().
		WithName(guestName).
		WithStartFunctions(guestStartFunction)

	instance, err := r.runtime.InstantiateModule(ctx, compiled.module, config)
	if err != nil {
		rc.Close(ctx)
		return nil, nil, fmt.Errorf("guest module instantiation failed: %v: %w", err, runtime.ErrModuleInstantiateFailed)
	}

	return &moduleInstance{instance: instance}, rc, nil
}

// linkWASI instantiates wasi_snapshot_preview1. The guest gets no
// environment or preopened directories: files reach it only through the host
// module. Guest stdout goes to stderr so it cannot mix with command output.
func (r *wazeroRuntime) linkWASI(ctx context.Context) (context.Context, *wazeroContext, error) {
	ctx, sys, err := wasigo.NewBuilder().
		WithName(guestName).
		WithStdio(int(os.Stdin.Fd()), int(os.Stderr.Fd()), int(os.Stderr.Fd())).
		Instantiate(ctx, r.runtime)
	if err != nil {
		return nil, nil, fmt.Errorf("wasi instantiation failed: %w", err)
	}

	// wasi-go keeps the module state in the context it returns, and calls
	// made later with another context must carry the same instance.
	mod, ok := moduleInstanceFor[*wasi_snapshot_preview1.Module](ctx)
	if !ok {
		sys.Close(ctx)
		return nil, nil, fmt.Errorf("failed to retrieve wasi host module instance: %w", runtime.ErrInvalidConfiguration)
	}
	return ctx, &wazeroContext{sys: sys, wasi: mod}, nil
}

// Close closes the runtime and everything instantiated in it.
func (r *wazeroRuntime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func (m *wazeroCompiledModule) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// WithRuntimeContext returns ctx carrying the WASI instance guest calls need.
func (c *wazeroContext) WithRuntimeContext(ctx context.Context) context.Context {
	return withModuleInstance(ctx, c.wasi)
}

// Close closes the host modules in reverse link order, then WASI.
func (c *wazeroContext) Close(ctx context.Context) error {
	for i := len(c.hostModules) - 1; i >= 0; i-- {
		c.hostModules[i].Close(ctx)
	}
	c.hostModules = nil
	return c.sys.Close(ctx)
}
