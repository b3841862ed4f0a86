package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tetratelabs/wazero/api"
)

// Value type tags reported by sqlite3_value_type.
const (
	tagInteger = 1
	tagFloat   = 2
	tagText    = 3
	tagBlob    = 4
	tagNull    = 5
)

// Kind discriminates the variants of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Value is a column, parameter or changeset value. The zero Value is null.
type Value struct {
	kind Kind
	num  float64
	text string
	blob []byte
}

// Null returns the null value.
func Null() Value { return Value{} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Blob returns a binary value. A nil slice is an empty blob, not null.
func Blob(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBlob, blob: b}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float returns the number held by v.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the text held by v.
func (v Value) Str() (string, bool) { return v.text, v.kind == KindText }

// Bytes returns the blob held by v.
func (v Value) Bytes() ([]byte, bool) { return v.blob, v.kind == KindBlob }

// Any returns nil, float64, string or []byte.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.text
	case KindBlob:
		return v.blob
	default:
		return nil
	}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindText:
		return v.text == o.text
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.text)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.blob)
	default:
		return "NULL"
	}
}

// MarshalJSON encodes blobs as base64 strings, like []byte.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// ValueOf converts a Go value into a Value.
func ValueOf(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		if x {
			return Number(1), nil
		}
		return Number(0), nil
	case int:
		return Number(float64(x)), nil
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case float32:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(x), nil
	default:
		return Value{}, fmt.Errorf("%T: %w", x, ErrUnsupportedType)
	}
}

// decodeValue reads an engine value handle. The null handle decodes to null;
// patchsets use it for columns they do not carry.
func (e *Engine) decodeValue(ctx context.Context, handle uint32) (Value, error) {
	if handle == 0 {
		return Null(), nil
	}
	tag, err := e.call(ctx, fnValueType, uint64(handle))
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case tagInteger, tagFloat:
		bits, err := e.call(ctx, fnValueDouble, uint64(handle))
		if err != nil {
			return Value{}, err
		}
		return Number(api.DecodeF64(bits)), nil
	case tagText:
		ptr, err := e.call(ctx, fnValueText, uint64(handle))
		if err != nil {
			return Value{}, err
		}
		n, err := e.call(ctx, fnValueBytes, uint64(handle))
		if err != nil {
			return Value{}, err
		}
		s, err := e.mem.String(uint32(ptr), uint32(n))
		if err != nil {
			return Value{}, err
		}
		return Text(s), nil
	case tagBlob:
		ptr, err := e.call(ctx, fnValueBlob, uint64(handle))
		if err != nil {
			return Value{}, err
		}
		n, err := e.call(ctx, fnValueBytes, uint64(handle))
		if err != nil {
			return Value{}, err
		}
		if ptr == 0 {
			return Blob(nil), nil
		}
		b, err := e.mem.Read(uint32(ptr), uint32(n))
		if err != nil {
			return Value{}, err
		}
		return Blob(b), nil
	case tagNull:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("value type %d: %w", tag, ErrInvalidValueType)
	}
}
