// Package runtime provides an abstraction layer for WebAssembly runtime engines.
package runtime

import "context"

// Runtime represents a Wasm runtime engine
type Runtime interface {
	// Compile compiles the given Wasm binary into a CompiledModule
	Compile(ctx context.Context, binary []byte) (CompiledModule, error)
	// InstantiateWithHost instantiates the host modules first, then the guest
	// module that imports them, together with any runtime-specific setup.
	InstantiateWithHost(ctx context.Context, module CompiledModule, hostModules ...*HostModule) (ModuleInstance, Context, error)
	// Close closes the runtime and releases all resources
	Close(ctx context.Context) error
}

// CompiledModule represents a compiled Wasm module, ready for instantiation
type CompiledModule interface {
	// Close releases the resources associated with the compiled module
	Close(ctx context.Context) error
}

// ModuleInstance represents an instantiated Wasm module
type ModuleInstance interface {
	// Function returns a handle to an exported function
	// Returns nil if the function is not found
	Function(name string) FunctionInstance
	// Global returns the current value of an exported global.
	// The second result is false if the global is not exported.
	Global(name string) (uint64, bool)
	// Memory returns the memory instance of the module
	// Returns nil if the module does not export memory
	Memory() Memory
	// Close closes the instance and releases its resources
	Close(ctx context.Context) error
}

// FunctionInstance represents an exported function from a Wasm module
type FunctionInstance interface {
	// Call executes the function with the given parameters
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Memory represents the linear memory of a Wasm module instance.
//
// A Memory is a view that may be invalidated when the guest grows its
// memory. Callers obtain it from ModuleInstance.Memory right before use and
// must not keep it across calls into the guest.
type Memory interface {
	// Read reads 'size' bytes from the memory at 'offset'.
	// The returned slice may alias guest memory.
	Read(offset uint32, size uint32) ([]byte, bool)
	// Write writes 'data' to the memory at 'offset'
	Write(offset uint32, data []byte) bool
	// ReadUint32Le reads a little-endian uint32 at 'offset'
	ReadUint32Le(offset uint32) (uint32, bool)
	// WriteUint32Le writes a little-endian uint32 at 'offset'
	WriteUint32Le(offset uint32, v uint32) bool
	// Size returns the current size of the memory in bytes
	Size() uint32
}

// Context holds runtime-specific state (WASI, host modules, etc.)
// This is opaque to callers and managed entirely by runtime adapters
type Context interface {
	// WithRuntimeContext returns a context carrying the runtime-specific
	// state that guest calls need.
	WithRuntimeContext(ctx context.Context) context.Context
	// Close releases runtime-specific resources
	Close(ctx context.Context) error
}
