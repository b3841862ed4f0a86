package wazero

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/otelwasm/wasmsqlite/runtime"
)

func init() {
	runtime.Register(runtime.TypeWazero, newWazeroRuntime)
}

// newWazeroRuntime creates a new Wazero runtime instance
func newWazeroRuntime(config runtime.Config) (runtime.Runtime, error) {
	// Create wazero runtime config based on mode
	var wrc wazero.RuntimeConfig
	switch config.Mode {
	case runtime.ModeCompiled:
		wrc = wazero.NewRuntimeConfigCompiler()
	default:
		wrc = wazero.NewRuntimeConfigInterpreter()
	}
	if config.MemoryLimitPages > 0 {
		wrc = wrc.WithMemoryLimitPages(config.MemoryLimitPages)
	}

	return &wazeroRuntime{
		runtime: wazero.NewRuntimeWithConfig(context.Background(), wrc),
		config:  config,
	}, nil
}

// New wraps an existing wazero runtime. The caller keeps ownership of r
// until the returned runtime is closed.
func New(r wazero.Runtime) runtime.Runtime {
	return &wazeroRuntime{runtime: r}
}
