// Package value defines the boxed runtime value shared by the compiler's
// constant pool and the register VM.
package value

import (
	"math"
	"strconv"
	"strings"
)

// Kind tags the payload held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindI32
	KindI64
	KindU32
	KindU64
	KindF64
	KindString
	KindArray
	KindFunction
	KindClosure
	KindIterator
	KindError
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "bool",
	KindI32:      "i32",
	KindI64:      "i64",
	KindU32:      "u32",
	KindU64:      "u64",
	KindF64:      "f64",
	KindString:   "string",
	KindArray:    "array",
	KindFunction: "function",
	KindClosure:  "closure",
	KindIterator: "iterator",
	KindError:    "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// IsNumeric reports whether k is one of the five arithmetic kinds.
func (k Kind) IsNumeric() bool {
	return k >= KindI32 && k <= KindF64
}

// IsInteger reports whether k is a signed or unsigned integer kind.
func (k Kind) IsInteger() bool {
	return k >= KindI32 && k <= KindU64
}

// Value is a tagged value. Scalars live in bits; heap payloads
// (strings, arrays, closures, iterators, errors) live in ref.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Nil is the zero Value.
var Nil = Value{}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func I32(v int32) Value   { return Value{kind: KindI32, bits: uint64(uint32(v))} }
func I64(v int64) Value   { return Value{kind: KindI64, bits: uint64(v)} }
func U32(v uint32) Value  { return Value{kind: KindU32, bits: uint64(v)} }
func U64(v uint64) Value  { return Value{kind: KindU64, bits: v} }
func F64(v float64) Value { return Value{kind: KindF64, bits: math.Float64bits(v)} }

func String(s string) Value { return Value{kind: KindString, ref: s} }

// NewArray wraps elems in a fresh heap array.
func NewArray(elems []Value) Value {
	return Value{kind: KindArray, ref: &Array{Elems: elems}}
}

// Function references a function by its index in the program table.
func Function(index int) Value {
	return Value{kind: KindFunction, bits: uint64(index)}
}

// Closure boxes a VM closure object.
func Closure(c any) Value { return Value{kind: KindClosure, ref: c} }

// Iterator boxes a VM iterator object.
func Iterator(it any) Value { return Value{kind: KindIterator, ref: it} }

// Error boxes a raised error so it can be bound to a catch register.
func Error(kind, message string) Value {
	return Value{kind: KindError, ref: &ErrorObject{Kind: kind, Message: message}}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNil() bool  { return v.kind == KindNil }
func (v Value) Bits() uint64 { return v.bits }
func (v Value) Ref() any     { return v.ref }

func (v Value) AsBool() bool   { return v.bits != 0 }
func (v Value) AsI32() int32   { return int32(uint32(v.bits)) }
func (v Value) AsI64() int64   { return int64(v.bits) }
func (v Value) AsU32() uint32  { return uint32(v.bits) }
func (v Value) AsU64() uint64  { return v.bits }
func (v Value) AsF64() float64 { return math.Float64frombits(v.bits) }

// FunctionIndex returns the program table index of a function value.
func (v Value) FunctionIndex() int { return int(v.bits) }

func (v Value) AsString() string {
	s, _ := v.ref.(string)
	return s
}

func (v Value) AsArray() *Array {
	a, _ := v.ref.(*Array)
	return a
}

func (v Value) AsError() *ErrorObject {
	e, _ := v.ref.(*ErrorObject)
	return e
}

// FromBits rebuilds a scalar Value of kind k from its raw payload.
// It is the inverse of Bits for bool and numeric kinds.
func FromBits(k Kind, bits uint64) Value {
	switch k {
	case KindBool:
		return Bool(bits != 0)
	case KindI32:
		return Value{kind: KindI32, bits: uint64(uint32(bits))}
	case KindU32:
		return Value{kind: KindU32, bits: uint64(uint32(bits))}
	case KindI64, KindU64, KindF64:
		return Value{kind: k, bits: bits}
	}
	return Nil
}

// AsFloat converts any numeric value to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindI32:
		return float64(v.AsI32()), true
	case KindI64:
		return float64(v.AsI64()), true
	case KindU32:
		return float64(v.AsU32()), true
	case KindU64:
		return float64(v.AsU64()), true
	case KindF64:
		return v.AsF64(), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Heap payloads
// ---------------------------------------------------------------------------

// Array is a growable array of values with reference semantics.
type Array struct {
	Elems []Value
}

// ErrorObject is the payload bound to a catch variable.
type ErrorObject struct {
	Kind    string
	Message string
}

// ---------------------------------------------------------------------------
// Equality and formatting
// ---------------------------------------------------------------------------

// Equal compares two values. Values of different kinds are never equal.
// Arrays compare element-wise.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindF64:
		return a.AsF64() == b.AsF64()
	case KindString:
		return a.AsString() == b.AsString()
	case KindArray:
		x, y := a.AsArray(), b.AsArray()
		if x == y {
			return true
		}
		if x == nil || y == nil || len(x.Elems) != len(y.Elems) {
			return false
		}
		for i := range x.Elems {
			if !Equal(x.Elems[i], y.Elems[i]) {
				return false
			}
		}
		return true
	case KindClosure, KindIterator, KindError:
		return a.ref == b.ref
	default:
		return a.bits == b.bits
	}
}

// String returns the canonical textual form used by print and string
// concatenation.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case KindI32:
		return strconv.FormatInt(int64(v.AsI32()), 10)
	case KindI64:
		return strconv.FormatInt(v.AsI64(), 10)
	case KindU32:
		return strconv.FormatUint(uint64(v.AsU32()), 10)
	case KindU64:
		return strconv.FormatUint(v.AsU64(), 10)
	case KindF64:
		return FormatFloat(v.AsF64())
	case KindString:
		return v.AsString()
	case KindArray:
		a := v.AsArray()
		if a == nil {
			return "[]"
		}
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range a.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			if e.kind == KindString {
				sb.WriteString(strconv.Quote(e.AsString()))
			} else {
				sb.WriteString(e.String())
			}
		}
		sb.WriteByte(']')
		return sb.String()
	case KindFunction:
		return "<function " + strconv.Itoa(v.FunctionIndex()) + ">"
	case KindClosure:
		return "<closure>"
	case KindIterator:
		return "<iterator>"
	case KindError:
		e := v.AsError()
		if e == nil {
			return "<error>"
		}
		return e.Kind + ": " + e.Message
	}
	return "<?>"
}

// FormatFloat renders f the way print does: integral values keep no
// fractional part, everything else uses the shortest round-trip form.
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
