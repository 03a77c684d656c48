package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/pkg/value"
)

// ErrRegistersExhausted is returned when no register is free for allocation.
var ErrRegistersExhausted = errors.New("vm: registers exhausted")

// ErrorKind classifies a runtime error. The kind, not the message, decides
// which errors a program can tell apart.
type ErrorKind uint8

const (
	KindTypeError     ErrorKind = iota // operand kind mismatch or invalid cast
	KindValueError                     // overflow, division by zero, bad conversion
	KindIndexError                     // out-of-bounds array or string access
	KindRuntimeError                   // malformed bytecode, stack overflow, user throw
	KindArgumentError                  // arity mismatch
)

var errorKindNames = [...]string{
	KindTypeError:     "TypeError",
	KindValueError:    "ValueError",
	KindIndexError:    "IndexError",
	KindRuntimeError:  "RuntimeError",
	KindArgumentError: "ArgumentError",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// ParseErrorKind maps an error kind name back to its kind.
func ParseErrorKind(name string) (ErrorKind, bool) {
	for k, n := range errorKindNames {
		if n == name {
			return ErrorKind(k), true
		}
	}
	return 0, false
}

// Location is the source position of the failing instruction.
type Location struct {
	Function string
	Offset   int
	Line     uint32
	Column   uint16
}

func (l Location) String() string {
	if l.Line == 0 {
		return fmt.Sprintf("%s+%04X", l.Function, l.Offset)
	}
	return fmt.Sprintf("%s:%d:%d", l.Function, l.Line, l.Column)
}

// RuntimeError is raised by an instruction. Payload, when set, is the
// value a program threw; a catch binds it instead of a fresh error value.
type RuntimeError struct {
	Kind     ErrorKind
	Message  string
	Location Location
	Payload  value.Value
	located  bool
}

func (e *RuntimeError) Error() string {
	if e.located {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Value returns the value bound to a catch register for this error.
func (e *RuntimeError) Value() value.Value {
	if !e.Payload.IsNil() {
		return e.Payload
	}
	return value.Error(e.Kind.String(), e.Message)
}

// IsKind reports whether err is a RuntimeError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Kind == k
}

func typeError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindTypeError, Message: fmt.Sprintf(format, args...)}
}

func valueError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindValueError, Message: fmt.Sprintf(format, args...)}
}

func indexError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindIndexError, Message: fmt.Sprintf(format, args...)}
}

func runtimeError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindRuntimeError, Message: fmt.Sprintf(format, args...)}
}

func argumentError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindArgumentError, Message: fmt.Sprintf(format, args...)}
}

// arithError maps a checked-arithmetic failure to a value error.
func arithError(op byte, k value.Kind, e value.ArithError) *RuntimeError {
	return valueError("%s %c: %s", k, op, e.Error())
}

// InterpretResult is the outcome code of a Run.
type InterpretResult uint8

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

func (r InterpretResult) String() string {
	switch r {
	case InterpretOK:
		return "ok"
	case InterpretCompileError:
		return "compile error"
	case InterpretRuntimeError:
		return "runtime error"
	}
	return "unknown"
}
