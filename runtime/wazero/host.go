package wazero

import (
	"context"
	"fmt"

	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero/api"

	"github.com/otelwasm/wasmsqlite/runtime"
)

var valueTypes = map[runtime.ValueType]api.ValueType{
	runtime.ValueTypeI32: api.ValueTypeI32,
	runtime.ValueTypeI64: api.ValueTypeI64,
	runtime.ValueTypeF32: api.ValueTypeF32,
	runtime.ValueTypeF64: api.ValueTypeF64,
}

func convertValueTypes(vts []runtime.ValueType) ([]api.ValueType, error) {
	out := make([]api.ValueType, len(vts))
	for i, vt := range vts {
		t, ok := valueTypes[vt]
		if !ok {
			return nil, fmt.Errorf("value type %s: %w", vt, runtime.ErrInvalidConfiguration)
		}
		out[i] = t
	}
	return out, nil
}

// linkHostModule instantiates hm so the guest can import its functions.
func (r *wazeroRuntime) linkHostModule(ctx context.Context, hm *runtime.HostModule) (api.Module, error) {
	builder := r.runtime.NewHostModuleBuilder(hm.Name)

	for _, hf := range hm.Functions {
		if hf.Function == nil {
			return nil, fmt.Errorf("no implementation for host function %s: %w", hf.FunctionName, runtime.ErrHostFunctionNotFound)
		}
		params, err := convertValueTypes(hf.ParamTypes)
		if err != nil {
			return nil, fmt.Errorf("%s params: %w", hf.FunctionName, err)
		}
		results, err := convertValueTypes(hf.ResultTypes)
		if err != nil {
			return nil, fmt.Errorf("%s results: %w", hf.FunctionName, err)
		}

		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(goModuleFunc(hf.Function), params, results).
			WithName(hf.FunctionName).
			Export(hf.FunctionName)
	}

	return builder.Instantiate(ctx)
}

// goModuleFunc adapts a runtime-agnostic host function. The memory view is
// taken from the calling module on every invocation.
func goModuleFunc(fn runtime.HostFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		fn(ctx, memoryOf(mod), stack)
	}
}

// moduleInstanceFor returns the wazergo module instance stored in ctx.
func moduleInstanceFor[T wazergo.Module](ctx context.Context) (res T, ok bool) {
	res, ok = ctx.Value((*wazergo.ModuleInstance[T])(nil)).(T)
	return
}

// withModuleInstance returns ctx carrying instance, which wazergo host
// functions use to find their receiver.
func withModuleInstance[T wazergo.Module](ctx context.Context, instance T) context.Context {
	return context.WithValue(ctx, (*wazergo.ModuleInstance[T])(nil), instance)
}
