package runtime

import "context"

// HostFunc is a runtime-agnostic host function. The memory is the calling
// module's linear memory, valid only for the duration of the call. Params are
// read from and results written to stack, as in the guest's signature.
type HostFunc func(ctx context.Context, mem Memory, stack []uint64)

// HostFunctionDefinition defines a host function with its signature and implementation
type HostFunctionDefinition struct {
	FunctionName string
	ParamTypes   []ValueType
	ResultTypes  []ValueType
	Function     HostFunc
}

// HostModule represents a collection of host functions that can be instantiated in any runtime
type HostModule struct {
	Name      string
	Functions []HostFunctionDefinition
}

// NewHostModule creates a new host module with the given name
func NewHostModule(name string) *HostModule {
	return &HostModule{
		Name:      name,
		Functions: make([]HostFunctionDefinition, 0),
	}
}

// AddFunction adds a host function to the module
func (hm *HostModule) AddFunction(name string, paramTypes, resultTypes []ValueType, fn HostFunc) *HostModule {
	hm.Functions = append(hm.Functions, HostFunctionDefinition{
		FunctionName: name,
		ParamTypes:   paramTypes,
		ResultTypes:  resultTypes,
		Function:     fn,
	})
	return hm
}

// Lookup returns the definition exported under name.
func (hm *HostModule) Lookup(name string) (HostFunctionDefinition, bool) {
	for _, def := range hm.Functions {
		if def.FunctionName == name {
			return def, true
		}
	}
	return HostFunctionDefinition{}, false
}
