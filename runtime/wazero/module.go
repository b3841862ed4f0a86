package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/otelwasm/wasmsqlite/runtime"
)

type moduleInstance struct {
	instance api.Module
}

func (m *moduleInstance) Function(name string) runtime.FunctionInstance {
	fn := m.instance.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	return function{fn}
}

// Global reads an exported global. Engines export the addresses of their
// shared cells this way.
func (m *moduleInstance) Global(name string) (uint64, bool) {
	g := m.instance.ExportedGlobal(name)
	if g == nil {
		return 0, false
	}
	return g.Get(), true
}

func (m *moduleInstance) Memory() runtime.Memory {
	return memoryOf(m.instance)
}

func (m *moduleInstance) Close(ctx context.Context) error {
	return m.instance.Close(ctx)
}

type function struct {
	fn api.Function
}

func (f function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn.Call(ctx, params...)
}

// memoryView exposes wazero memory without copying. Slices returned by Read
// alias the guest's memory and are invalidated when it grows.
type memoryView struct {
	api.Memory
}

func memoryOf(mod api.Module) runtime.Memory {
	mem := mod.Memory()
	if mem == nil {
		return nil
	}
	return memoryView{mem}
}
