package vm

import (
	"github.com/chazu/strata/pkg/value"
)

// Iterator produces the values of a for-in loop. Next reports false once
// the sequence is exhausted.
type Iterator interface {
	Next() (value.Value, bool, error)
}

// newIterator builds the iterator GET_ITER uses for v: an integer n counts
// 0 up to n exclusive, an array yields its elements.
func newIterator(v value.Value) (Iterator, error) {
	switch {
	case v.Kind().IsInteger():
		zero, _ := castToKind(0, v.Kind())
		one, _ := castToKind(1, v.Kind())
		return newRangeIterator(zero, v, one, false)
	case v.Kind() == value.KindArray:
		return &arrayIterator{arr: v.AsArray()}, nil
	}
	return nil, typeError("%s is not iterable", v.Kind())
}

func castToKind(n int64, k value.Kind) (value.Value, bool) {
	switch k {
	case value.KindI32:
		return value.I32(int32(n)), true
	case value.KindI64:
		return value.I64(n), true
	case value.KindU32:
		return value.U32(uint32(n)), true
	case value.KindU64:
		return value.U64(uint64(n)), true
	case value.KindF64:
		return value.F64(float64(n)), true
	}
	return value.Nil, false
}

// rangeIterator walks start, start+step, ... while the current value has
// not passed end. A positive step counts up, a negative step counts down.
// A step that leaves the kind's range raises once the last in-range value
// has been consumed, the same as a counted register loop.
type rangeIterator struct {
	cur, end, step value.Value
	inclusive      bool
	descending     bool
	done           bool
	overflow       value.ArithError
}

func newRangeIterator(start, end, step value.Value, inclusive bool) (*rangeIterator, error) {
	k := start.Kind()
	if step.Kind() == value.KindNil {
		// A missing step counts by one in the bounds' kind.
		step, _ = castToKind(1, k)
	}
	if !k.IsNumeric() || end.Kind() != k || step.Kind() != k {
		return nil, typeError("range bounds must share a numeric kind, got %s, %s and %s", start.Kind(), end.Kind(), step.Kind())
	}
	zero, _ := castToKind(0, k)
	c, ordered := value.Compare(step, zero)
	if !ordered || c == 0 {
		return nil, valueError("range step must be non-zero, got %s", step)
	}
	return &rangeIterator{
		cur:        start,
		end:        end,
		step:       step,
		inclusive:  inclusive,
		descending: c < 0,
	}, nil
}

func (it *rangeIterator) inRange(v value.Value) bool {
	op := "<"
	switch {
	case it.descending && it.inclusive:
		op = ">="
	case it.descending:
		op = ">"
	case it.inclusive:
		op = "<="
	}
	ok, _ := value.Relational(op, v, it.end)
	return ok
}

func (it *rangeIterator) Next() (value.Value, bool, error) {
	if it.done {
		return value.Nil, false, nil
	}
	if it.overflow != value.ArithOK {
		it.done = true
		return value.Nil, false, arithError('+', it.cur.Kind(), it.overflow)
	}
	if !it.inRange(it.cur) {
		it.done = true
		return value.Nil, false, nil
	}
	v := it.cur
	next, e := value.Arith('+', it.cur, it.step)
	if e != value.ArithOK {
		it.overflow = e
	} else {
		it.cur = next
	}
	return v, true, nil
}

type arrayIterator struct {
	arr *value.Array
	pos int
}

func (it *arrayIterator) Next() (value.Value, bool, error) {
	if it.arr == nil || it.pos >= len(it.arr.Elems) {
		return value.Nil, false, nil
	}
	v := it.arr.Elems[it.pos]
	it.pos++
	return v, true, nil
}
