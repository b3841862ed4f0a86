package runtime

import "fmt"

// ValueType represents WASM value types
type ValueType int

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
)

// String returns the wasm text format name of the type.
func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Shorthands used when declaring host function signatures.
var (
	I32 = ValueTypeI32
	I64 = ValueTypeI64
	F64 = ValueTypeF64
)

// Types returns its arguments as a slice.
func Types(vs ...ValueType) []ValueType {
	if vs == nil {
		return []ValueType{}
	}
	return vs
}
