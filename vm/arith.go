package vm

import (
	"math"
	"strings"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/value"
)

// ---------------------------------------------------------------------------
// Typed arithmetic and comparison
//
// Each typed handler tries the unboxed cache of both operands first. On a
// miss it falls back to the boxed values, checks their kinds, computes,
// and re-seeds both operand caches so the next iteration hits.
// ---------------------------------------------------------------------------

func execTypedArith(vm *VM, sym byte, k bytecode.NumKind) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	tag := tagForNumKind(k)
	kind := tag.Kind()
	sa, sb := w.Slot(a), w.Slot(b)

	if ab, ok := sa.cached(tag); ok {
		if bb, ok := sb.cached(tag); ok {
			r, e := value.Arith(sym, value.FromBits(kind, ab), value.FromBits(kind, bb))
			if e != value.ArithOK {
				return arithError(sym, kind, e)
			}
			w.StoreTyped(dst, tag, r.Bits())
			return nil
		}
	}

	x, y := sa.Value(), sb.Value()
	if sym == '+' && (x.Kind() == value.KindString || y.Kind() == value.KindString) {
		w.Set(dst, value.String(x.String()+y.String()))
		return nil
	}
	if x.Kind() != kind || y.Kind() != kind {
		return typeError("%s %c %s: expected %s operands (use explicit conversion)", x.Kind(), sym, y.Kind(), kind)
	}
	r, e := value.Arith(sym, x, y)
	if e != value.ArithOK {
		return arithError(sym, kind, e)
	}
	sa.seed(x)
	sb.seed(y)
	w.StoreTyped(dst, tag, r.Bits())
	return nil
}

func execTypedCompare(vm *VM, sym string, k bytecode.NumKind) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	tag := tagForNumKind(k)
	kind := tag.Kind()
	sa, sb := w.Slot(a), w.Slot(b)

	if ab, ok := sa.cached(tag); ok {
		if bb, ok := sb.cached(tag); ok {
			res, _ := value.Relational(sym, value.FromBits(kind, ab), value.FromBits(kind, bb))
			w.StoreTypedBool(dst, res)
			return nil
		}
	}

	x, y := sa.Value(), sb.Value()
	if x.Kind() != kind || y.Kind() != kind {
		return typeError("%s %s %s: expected %s operands", x.Kind(), sym, y.Kind(), kind)
	}
	res, _ := value.Relational(sym, x, y)
	sa.seed(x)
	sb.seed(y)
	w.StoreTypedBool(dst, res)
	return nil
}

// ---------------------------------------------------------------------------
// Generic (boxed) arithmetic and comparison
// ---------------------------------------------------------------------------

func execGenericArith(vm *VM, sym byte) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	x, y := w.Value(a), w.Value(b)
	if sym == '+' && (x.Kind() == value.KindString || y.Kind() == value.KindString) {
		w.Set(dst, value.String(x.String()+y.String()))
		return nil
	}
	if !x.Kind().IsNumeric() || x.Kind() != y.Kind() {
		return typeError("%s %c %s: operand kinds do not match (use explicit conversion)", x.Kind(), sym, y.Kind())
	}
	r, e := value.Arith(sym, x, y)
	if e != value.ArithOK {
		return arithError(sym, x.Kind(), e)
	}
	w.storeValue(dst, r)
	return nil
}

func execGenericCompare(vm *VM, sym string) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	x, y := w.Value(a), w.Value(b)
	var res bool
	switch {
	case x.Kind().IsNumeric() && x.Kind() == y.Kind():
		res, _ = value.Relational(sym, x, y)
	case x.Kind() == value.KindString && y.Kind() == value.KindString:
		c := strings.Compare(x.AsString(), y.AsString())
		switch sym {
		case "<":
			res = c < 0
		case "<=":
			res = c <= 0
		case ">":
			res = c > 0
		case ">=":
			res = c >= 0
		}
	default:
		return typeError("%s %s %s: operands are not comparable", x.Kind(), sym, y.Kind())
	}
	w.StoreTypedBool(dst, res)
	return nil
}

func execEquality(vm *VM, negate bool) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	eq := value.Equal(w.Value(a), w.Value(b))
	w.StoreTypedBool(dst, eq != negate)
	return nil
}

// ---------------------------------------------------------------------------
// Immediate, increment and unary operations
// ---------------------------------------------------------------------------

// readI32Operand reads register r as an i32, cache first.
func readI32Operand(w *Window, r int) (int32, bool) {
	s := w.Slot(r)
	if bits, ok := s.cached(TypedI32); ok {
		return int32(uint32(bits)), true
	}
	v := s.Value()
	if v.Kind() != value.KindI32 {
		return 0, false
	}
	s.seed(v)
	return v.AsI32(), true
}

func execImmediate(vm *VM, sym byte) error {
	fr := vm.fr
	dst, a := fr.readByte(), fr.readByte()
	imm := fr.readI32()
	w := fr.win
	x, ok := readI32Operand(w, a)
	if !ok {
		return typeError("%s %c i32 immediate: expected i32 operand", w.Value(a).Kind(), sym)
	}
	r, e := value.Arith(sym, value.I32(x), value.I32(imm))
	if e != value.ArithOK {
		return arithError(sym, value.KindI32, e)
	}
	w.StoreTypedI32(dst, r.AsI32())
	return nil
}

var incrementOnes = map[TypedTag]value.Value{
	TypedI32: value.I32(1),
	TypedI64: value.I64(1),
	TypedU32: value.U32(1),
	TypedU64: value.U64(1),
}

func execIncrement(vm *VM, tag TypedTag) error {
	fr := vm.fr
	r := fr.readByte()
	w := fr.win
	s := w.Slot(r)
	kind := tag.Kind()

	var cur value.Value
	if bits, ok := s.cached(tag); ok {
		cur = value.FromBits(kind, bits)
	} else {
		cur = s.Value()
		if cur.Kind() != kind {
			w.PromoteToHeap(r)
			return typeError("increment: register holds %s, expected %s", cur.Kind(), kind)
		}
	}
	next, e := value.Arith('+', cur, incrementOnes[tag])
	if e != value.ArithOK {
		return arithError('+', kind, e)
	}
	w.StoreTyped(r, tag, next.Bits())
	return nil
}

func opNeg(vm *VM) error {
	fr := vm.fr
	dst, src := fr.readByte(), fr.readByte()
	w := fr.win
	v := w.Value(src)
	switch v.Kind() {
	case value.KindI32:
		if v.AsI32() == math.MinInt32 {
			return valueError("i32 negation: integer overflow")
		}
		w.StoreTypedI32(dst, -v.AsI32())
	case value.KindI64:
		if v.AsI64() == math.MinInt64 {
			return valueError("i64 negation: integer overflow")
		}
		w.StoreTypedI64(dst, -v.AsI64())
	case value.KindF64:
		w.StoreTypedF64(dst, -v.AsF64())
	default:
		return typeError("cannot negate %s", v.Kind())
	}
	return nil
}

func opNot(vm *VM) error {
	fr := vm.fr
	dst, src := fr.readByte(), fr.readByte()
	w := fr.win
	v := w.Value(src)
	if v.Kind() != value.KindBool {
		return typeError("not: expected bool, got %s", v.Kind())
	}
	w.StoreTypedBool(dst, !v.AsBool())
	return nil
}

func opConcat(vm *VM) error {
	fr := vm.fr
	dst, a, b := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	w.Set(dst, value.String(w.Value(a).String()+w.Value(b).String()))
	return nil
}

func opCast(vm *VM) error {
	fr := vm.fr
	dst, src, kind := fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	v, err := castValue(w.Value(src), bytecode.NumKind(kind))
	if err != nil {
		return err
	}
	w.storeValue(dst, v)
	return nil
}

// castValue converts v to the target kind. Numeric conversions that would
// lose the integer part or leave the target range are value errors;
// conversions between unrelated kinds are type errors.
func castValue(v value.Value, target bytecode.NumKind) (value.Value, *RuntimeError) {
	switch target {
	case bytecode.KindString:
		return value.String(v.String()), nil
	case bytecode.KindBool:
		if v.Kind() == value.KindBool {
			return v, nil
		}
		return value.Nil, typeError("cannot cast %s to bool", v.Kind())
	}
	if !v.Kind().IsNumeric() {
		return value.Nil, typeError("cannot cast %s to %s", v.Kind(), target)
	}
	if target == bytecode.KindF64 {
		f, _ := v.AsFloat()
		return value.F64(f), nil
	}

	if v.Kind() == value.KindF64 {
		f := v.AsF64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return value.Nil, valueError("cannot cast %s to %s", value.FormatFloat(f), target)
		}
		f = math.Trunc(f)
		switch target {
		case bytecode.KindI32:
			if f >= math.MinInt32 && f <= math.MaxInt32 {
				return value.I32(int32(f)), nil
			}
		case bytecode.KindI64:
			if f >= -(1<<63) && f < 1<<63 {
				return value.I64(int64(f)), nil
			}
		case bytecode.KindU32:
			if f >= 0 && f <= math.MaxUint32 {
				return value.U32(uint32(f)), nil
			}
		case bytecode.KindU64:
			if f >= 0 && f < 1<<64 {
				return value.U64(uint64(f)), nil
			}
		}
		return value.Nil, valueError("%s out of range for %s", value.FormatFloat(v.AsF64()), target)
	}

	signed := v.Kind() == value.KindI32 || v.Kind() == value.KindI64
	var i int64
	var u uint64
	if signed {
		if v.Kind() == value.KindI32 {
			i = int64(v.AsI32())
		} else {
			i = v.AsI64()
		}
	} else if v.Kind() == value.KindU32 {
		u = uint64(v.AsU32())
	} else {
		u = v.AsU64()
	}

	switch target {
	case bytecode.KindI32:
		if signed && i >= math.MinInt32 && i <= math.MaxInt32 {
			return value.I32(int32(i)), nil
		}
		if !signed && u <= math.MaxInt32 {
			return value.I32(int32(u)), nil
		}
	case bytecode.KindI64:
		if signed {
			return value.I64(i), nil
		}
		if u <= math.MaxInt64 {
			return value.I64(int64(u)), nil
		}
	case bytecode.KindU32:
		if signed && i >= 0 && i <= math.MaxUint32 {
			return value.U32(uint32(i)), nil
		}
		if !signed && u <= math.MaxUint32 {
			return value.U32(uint32(u)), nil
		}
	case bytecode.KindU64:
		if signed && i >= 0 {
			return value.U64(uint64(i)), nil
		}
		if !signed {
			return value.U64(u), nil
		}
	default:
		return value.Nil, typeError("unknown cast target %s", target)
	}
	return value.Nil, valueError("%s out of range for %s", v, target)
}
