package sqlite

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	ErrRequiredFunctionNotExported = errors.New("required function not exported")
	ErrGlobalNotExported           = errors.New("required global not exported")
	ErrSessionUnsupported          = errors.New("engine built without the session extension")
	ErrInvalidValueType            = errors.New("invalid value type")
	ErrUnsupportedType             = errors.New("unsupported Go type")
	ErrUnknownOperation            = errors.New("unknown changeset operation")
	ErrNoParameter                 = errors.New("no such parameter")
	ErrRowReturned                 = errors.New("statement returned a row")
	ErrClosed                      = errors.New("use of closed handle")
)

// Engine result codes the bridge interprets.
const (
	CodeOK         = 0
	CodeError      = 1
	CodeAbort      = 4
	CodeNoMem      = 7
	CodeCantOpen   = 14
	CodeConstraint = 19
	CodeMisuse     = 21
	CodeRange      = 25
	CodeRow        = 100
	CodeDone       = 101
)

// Error is a result code reported by the engine.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sqlite3 error: %d: %s", e.Code, e.Msg)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// sameCode reports whether both errors carry the same engine result code.
func sameCode(a, b error) bool {
	code := ErrorCode(a)
	return code != -1 && code == ErrorCode(b)
}

// appendCleanup adds the error of a cleanup step to err. The engine repeats
// a failed step's code from reset, so a cleanup error carrying the same code
// is dropped.
func appendCleanup(err, cerr error) error {
	if sameCode(cerr, err) {
		return err
	}
	return multierr.Append(err, cerr)
}

// ErrorCode returns the engine result code carried by err, or -1.
func ErrorCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}
