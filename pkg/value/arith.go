package value

import (
	"math"
	"math/bits"
)

// Checked integer arithmetic shared by the constant folder and the VM.
// Each helper returns ok=false instead of wrapping.

func AddI32(a, b int32) (int32, bool) {
	r := int64(a) + int64(b)
	return int32(r), r >= math.MinInt32 && r <= math.MaxInt32
}

func SubI32(a, b int32) (int32, bool) {
	r := int64(a) - int64(b)
	return int32(r), r >= math.MinInt32 && r <= math.MaxInt32
}

func MulI32(a, b int32) (int32, bool) {
	r := int64(a) * int64(b)
	return int32(r), r >= math.MinInt32 && r <= math.MaxInt32
}

func AddI64(a, b int64) (int64, bool) {
	r := a + b
	return r, !((a > 0 && b > 0 && r < 0) || (a < 0 && b < 0 && r >= 0))
}

func SubI64(a, b int64) (int64, bool) {
	r := a - b
	return r, !((a >= 0 && b < 0 && r < 0) || (a < 0 && b > 0 && r >= 0))
}

func MulI64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	r := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return r, false
	}
	return r, r/b == a
}

func AddU32(a, b uint32) (uint32, bool) {
	r := a + b
	return r, r >= a
}

func SubU32(a, b uint32) (uint32, bool) {
	return a - b, b <= a
}

func MulU32(a, b uint32) (uint32, bool) {
	r := uint64(a) * uint64(b)
	return uint32(r), r <= math.MaxUint32
}

func AddU64(a, b uint64) (uint64, bool) {
	r, carry := bits.Add64(a, b, 0)
	return r, carry == 0
}

func SubU64(a, b uint64) (uint64, bool) {
	r, borrow := bits.Sub64(a, b, 0)
	return r, borrow == 0
}

func MulU64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// ArithError classifies why a checked operation refused to produce a result.
type ArithError uint8

const (
	ArithOK ArithError = iota
	ArithOverflow
	ArithUnderflow
	ArithDivByZero
	ArithNonFinite
)

func (e ArithError) Error() string {
	switch e {
	case ArithOverflow:
		return "integer overflow"
	case ArithUnderflow:
		return "unsigned integer underflow"
	case ArithDivByZero:
		return "division by zero"
	case ArithNonFinite:
		return "floating-point result is not finite"
	}
	return "ok"
}

// Arith evaluates a op b for two values of the same numeric kind using
// the VM's exact semantics: checked integer arithmetic, MIN / -1 and
// MIN % -1 as overflow, and division by zero as an error for integers.
// For f64, + - * reject non-finite results while / and % follow IEEE 754.
// The caller guarantees a and b share a numeric kind.
func Arith(op byte, a, b Value) (Value, ArithError) {
	switch a.kind {
	case KindI32:
		x, y := a.AsI32(), b.AsI32()
		var r int32
		ok := true
		switch op {
		case '+':
			r, ok = AddI32(x, y)
		case '-':
			r, ok = SubI32(x, y)
		case '*':
			r, ok = MulI32(x, y)
		case '/', '%':
			if y == 0 {
				return Nil, ArithDivByZero
			}
			if x == math.MinInt32 && y == -1 {
				return Nil, ArithOverflow
			}
			if op == '/' {
				r = x / y
			} else {
				r = x % y
			}
		}
		if !ok {
			return Nil, ArithOverflow
		}
		return I32(r), ArithOK
	case KindI64:
		x, y := a.AsI64(), b.AsI64()
		var r int64
		ok := true
		switch op {
		case '+':
			r, ok = AddI64(x, y)
		case '-':
			r, ok = SubI64(x, y)
		case '*':
			r, ok = MulI64(x, y)
		case '/', '%':
			if y == 0 {
				return Nil, ArithDivByZero
			}
			if x == math.MinInt64 && y == -1 {
				return Nil, ArithOverflow
			}
			if op == '/' {
				r = x / y
			} else {
				r = x % y
			}
		}
		if !ok {
			return Nil, ArithOverflow
		}
		return I64(r), ArithOK
	case KindU32:
		x, y := a.AsU32(), b.AsU32()
		var r uint32
		ok := true
		switch op {
		case '+':
			r, ok = AddU32(x, y)
		case '-':
			if r, ok = SubU32(x, y); !ok {
				return Nil, ArithUnderflow
			}
		case '*':
			r, ok = MulU32(x, y)
		case '/', '%':
			if y == 0 {
				return Nil, ArithDivByZero
			}
			if op == '/' {
				r = x / y
			} else {
				r = x % y
			}
		}
		if !ok {
			return Nil, ArithOverflow
		}
		return U32(r), ArithOK
	case KindU64:
		x, y := a.AsU64(), b.AsU64()
		var r uint64
		ok := true
		switch op {
		case '+':
			r, ok = AddU64(x, y)
		case '-':
			if r, ok = SubU64(x, y); !ok {
				return Nil, ArithUnderflow
			}
		case '*':
			r, ok = MulU64(x, y)
		case '/', '%':
			if y == 0 {
				return Nil, ArithDivByZero
			}
			if op == '/' {
				r = x / y
			} else {
				r = x % y
			}
		}
		if !ok {
			return Nil, ArithOverflow
		}
		return U64(r), ArithOK
	case KindF64:
		x, y := a.AsF64(), b.AsF64()
		var r float64
		switch op {
		case '+':
			r = x + y
		case '-':
			r = x - y
		case '*':
			r = x * y
		case '/':
			return F64(x / y), ArithOK
		case '%':
			return F64(math.Mod(x, y)), ArithOK
		}
		if math.IsInf(r, 0) || math.IsNaN(r) {
			return Nil, ArithNonFinite
		}
		return F64(r), ArithOK
	}
	return Nil, ArithOverflow
}

// Compare orders two values of the same numeric kind. It returns -1, 0
// or 1; for NaN operands ordered is false.
func Compare(a, b Value) (c int, ordered bool) {
	switch a.kind {
	case KindI32:
		return cmp3(int64(a.AsI32()), int64(b.AsI32())), true
	case KindI64:
		return cmp3(a.AsI64(), b.AsI64()), true
	case KindU32:
		return cmpU(uint64(a.AsU32()), uint64(b.AsU32())), true
	case KindU64:
		return cmpU(a.AsU64(), b.AsU64()), true
	case KindF64:
		x, y := a.AsF64(), b.AsF64()
		if math.IsNaN(x) || math.IsNaN(y) {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func cmp3(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpU(x, y uint64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Relational applies one of < <= > >= to two same-kind numeric values.
func Relational(op string, a, b Value) (bool, bool) {
	c, ordered := Compare(a, b)
	if !ordered {
		return false, a.kind == KindF64
	}
	switch op {
	case "<":
		return c < 0, true
	case "<=":
		return c <= 0, true
	case ">":
		return c > 0, true
	case ">=":
		return c >= 0, true
	}
	return false, false
}
