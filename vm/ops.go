package vm

import (
	"strings"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/value"
)

// ---------------------------------------------------------------------------
// Loads, moves and module registers
// ---------------------------------------------------------------------------

func opNop(vm *VM) error { return nil }

func opLoadConst(vm *VM) error {
	fr := vm.fr
	dst := fr.readByte()
	idx := fr.readU16()
	if idx >= len(fr.consts) {
		return runtimeError("constant index %d out of range", idx)
	}
	fr.win.storeValue(dst, fr.consts[idx])
	return nil
}

func opLoadNil(vm *VM) error {
	vm.fr.win.Set(vm.fr.readByte(), value.Nil)
	return nil
}

func opLoadTrue(vm *VM) error {
	vm.fr.win.StoreTypedBool(vm.fr.readByte(), true)
	return nil
}

func opLoadFalse(vm *VM) error {
	vm.fr.win.StoreTypedBool(vm.fr.readByte(), false)
	return nil
}

func opLoadI32(vm *VM) error {
	fr := vm.fr
	dst := fr.readByte()
	fr.win.StoreTypedI32(dst, fr.readI32())
	return nil
}

func opMove(vm *VM) error {
	fr := vm.fr
	dst, src := fr.readByte(), fr.readByte()
	if dst != src {
		fr.win.copySlot(dst, fr.win, src)
	}
	return nil
}

func opLoadGlobal(vm *VM) error {
	fr := vm.fr
	dst, m := fr.readByte(), fr.readByte()
	fr.win.copySlot(dst, vm.module, m)
	return nil
}

func opStoreGlobal(vm *VM) error {
	fr := vm.fr
	m, src := fr.readByte(), fr.readByte()
	vm.module.copySlot(m, fr.win, src)
	return nil
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// truthy reports whether a register value counts as true for a
// conditional jump: nil and false are falsy, everything else is truthy.
func truthy(s *Slot) bool {
	if bits, ok := s.cached(TypedBool); ok {
		return bits != 0
	}
	v := s.Value()
	switch v.Kind() {
	case value.KindNil:
		return false
	case value.KindBool:
		return v.AsBool()
	}
	return true
}

func opJump(vm *VM) error {
	fr := vm.fr
	off := fr.readU16()
	fr.ip += off
	return nil
}

func opJumpIfNot(vm *VM) error {
	fr := vm.fr
	cond := fr.readByte()
	off := fr.readU16()
	if !truthy(fr.win.Slot(cond)) {
		fr.ip += off
	}
	return nil
}

func opJumpIf(vm *VM) error {
	fr := vm.fr
	cond := fr.readByte()
	off := fr.readU16()
	if truthy(fr.win.Slot(cond)) {
		fr.ip += off
	}
	return nil
}

func opLoop(vm *VM) error {
	fr := vm.fr
	off := fr.readU16()
	if off > fr.ip {
		return runtimeError("loop offset %d before start of code", off)
	}
	fr.ip -= off
	if vm.profiler != nil {
		vm.profiler.BackEdge(fr.fn, fr.ip)
	}
	return nil
}

func opGuardTyped(vm *VM) error {
	fr := vm.fr
	r, kind := fr.readByte(), bytecode.NumKind(fr.readByte())
	tag := tagForNumKind(kind)
	s := fr.win.Slot(r)
	if _, ok := s.cached(tag); ok {
		return nil
	}
	v := s.Value()
	if tag == TypedNone || v.Kind() != tag.Kind() {
		return typeError("typed guard: register holds %s, expected %s", v.Kind(), kind)
	}
	s.seed(v)
	return nil
}

func opLoopEnter(vm *VM) error {
	fr := vm.fr
	site := fr.readU16()
	if vm.profiler != nil {
		vm.profiler.EnterLoop(fr.fn, site)
	}
	return nil
}

func opHalt(vm *VM) error {
	vm.fr.win.ReconcileAll(vm.fr.fn.RegisterCount)
	vm.halted = true
	return nil
}

// ---------------------------------------------------------------------------
// Calls, returns and closures
// ---------------------------------------------------------------------------

func opCall(vm *VM) error {
	fr := vm.fr
	fn, first, argc, dst := fr.readByte(), fr.readByte(), fr.readByte(), fr.readByte()
	return vm.call(fr.win.Value(fn), first, argc, dst)
}

func opReturn(vm *VM) error {
	v := vm.fr.win.Value(vm.fr.readByte())
	vm.doReturn(v)
	return nil
}

func opReturnVoid(vm *VM) error {
	vm.doReturn(value.Nil)
	return nil
}

func opClosure(vm *VM) error {
	fr := vm.fr
	dst := fr.readByte()
	idx := fr.readU16()
	fn := vm.function(idx)
	if fn == nil {
		return runtimeError("closure over missing function %d", idx)
	}
	c := &Closure{Fn: idx, Upvalues: make([]*Upvalue, len(fn.Upvalues))}
	for i, d := range fn.Upvalues {
		if d.IsLocal {
			c.Upvalues[i] = vm.captureUpvalue(fr.win, int(d.Index))
			continue
		}
		if fr.closure == nil || int(d.Index) >= len(fr.closure.Upvalues) {
			return runtimeError("%s: upvalue %d not available in %s", fn.Name, d.Index, fr.fn.Name)
		}
		c.Upvalues[i] = fr.closure.Upvalues[d.Index]
	}
	fr.win.Set(dst, value.Closure(c))
	return nil
}

func (vm *VM) upvalue(idx int) (*Upvalue, error) {
	c := vm.fr.closure
	if c == nil || idx >= len(c.Upvalues) {
		return nil, runtimeError("upvalue %d out of range in %s", idx, vm.fr.fn.Name)
	}
	return c.Upvalues[idx], nil
}

func opGetUpvalue(vm *VM) error {
	fr := vm.fr
	dst, idx := fr.readByte(), fr.readByte()
	u, err := vm.upvalue(idx)
	if err != nil {
		return err
	}
	fr.win.storeValue(dst, u.Get())
	return nil
}

func opSetUpvalue(vm *VM) error {
	fr := vm.fr
	idx, src := fr.readByte(), fr.readByte()
	u, err := vm.upvalue(idx)
	if err != nil {
		return err
	}
	u.Set(fr.win.Value(src))
	return nil
}

func opCloseUpvalue(vm *VM) error {
	fr := vm.fr
	vm.closeUpvalue(fr.win, fr.readByte())
	return nil
}

// ---------------------------------------------------------------------------
// Print and arrays
// ---------------------------------------------------------------------------

func opPrint(vm *VM) error {
	fr := vm.fr
	first, count, newline := fr.readByte(), fr.readByte(), fr.readByte()
	var sb strings.Builder
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(fr.win.Value(first + i).String())
	}
	if newline != 0 {
		sb.WriteByte('\n')
	}
	if _, err := vm.out.Write([]byte(sb.String())); err != nil {
		return runtimeError("print: %v", err)
	}
	return nil
}

func opMakeArray(vm *VM) error {
	fr := vm.fr
	dst, first, count := fr.readByte(), fr.readByte(), fr.readByte()
	elems := make([]value.Value, count)
	for i := range elems {
		elems[i] = fr.win.Value(first + i)
	}
	fr.win.Set(dst, value.NewArray(elems))
	return nil
}

// index converts v to a position in a sequence of length n.
func index(v value.Value, n int) (int, error) {
	var i int64
	switch v.Kind() {
	case value.KindI32:
		i = int64(v.AsI32())
	case value.KindI64:
		i = v.AsI64()
	case value.KindU32:
		i = int64(v.AsU32())
	case value.KindU64:
		if v.AsU64() > uint64(n) {
			return 0, indexError("index %s out of bounds for length %d", v, n)
		}
		i = int64(v.AsU64())
	default:
		return 0, typeError("index must be an integer, got %s", v.Kind())
	}
	if i < 0 || i >= int64(n) {
		return 0, indexError("index %d out of bounds for length %d", i, n)
	}
	return int(i), nil
}

func opArrayGet(vm *VM) error {
	fr := vm.fr
	dst, a, ix := fr.readByte(), fr.readByte(), fr.readByte()
	target := fr.win.Value(a)
	switch target.Kind() {
	case value.KindArray:
		arr := target.AsArray()
		i, err := index(fr.win.Value(ix), len(arr.Elems))
		if err != nil {
			return err
		}
		fr.win.storeValue(dst, arr.Elems[i])
	case value.KindString:
		s := target.AsString()
		i, err := index(fr.win.Value(ix), len(s))
		if err != nil {
			return err
		}
		fr.win.Set(dst, value.String(s[i:i+1]))
	default:
		return typeError("cannot index %s", target.Kind())
	}
	return nil
}

func arrayOperand(w *Window, r int) (*value.Array, error) {
	v := w.Value(r)
	if v.Kind() != value.KindArray {
		return nil, typeError("expected array, got %s", v.Kind())
	}
	return v.AsArray(), nil
}

func opArraySet(vm *VM) error {
	fr := vm.fr
	a, ix, src := fr.readByte(), fr.readByte(), fr.readByte()
	arr, err := arrayOperand(fr.win, a)
	if err != nil {
		return err
	}
	i, err := index(fr.win.Value(ix), len(arr.Elems))
	if err != nil {
		return err
	}
	arr.Elems[i] = fr.win.Value(src)
	return nil
}

func opArrayLen(vm *VM) error {
	fr := vm.fr
	dst, a := fr.readByte(), fr.readByte()
	v := fr.win.Value(a)
	switch v.Kind() {
	case value.KindArray:
		fr.win.StoreTypedI32(dst, int32(len(v.AsArray().Elems)))
	case value.KindString:
		fr.win.StoreTypedI32(dst, int32(len(v.AsString())))
	default:
		return typeError("len of %s", v.Kind())
	}
	return nil
}

func opArrayPush(vm *VM) error {
	fr := vm.fr
	a, src := fr.readByte(), fr.readByte()
	arr, err := arrayOperand(fr.win, a)
	if err != nil {
		return err
	}
	arr.Elems = append(arr.Elems, fr.win.Value(src))
	return nil
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

func opGetIter(vm *VM) error {
	fr := vm.fr
	dst, src := fr.readByte(), fr.readByte()
	it, err := newIterator(fr.win.Value(src))
	if err != nil {
		return err
	}
	fr.win.Set(dst, value.Iterator(it))
	return nil
}

func opIterNext(vm *VM) error {
	fr := vm.fr
	dst, src, more := fr.readByte(), fr.readByte(), fr.readByte()
	v := fr.win.Value(src)
	it, ok := v.Ref().(Iterator)
	if v.Kind() != value.KindIterator || !ok {
		return typeError("expected iterator, got %s", v.Kind())
	}
	next, has, err := it.Next()
	if err != nil {
		return err
	}
	if has {
		fr.win.storeValue(dst, next)
	}
	fr.win.StoreTypedBool(more, has)
	return nil
}

func opRangeIter(vm *VM) error {
	fr := vm.fr
	dst, start, end, step, inclusive := fr.readByte(), fr.readByte(), fr.readByte(), fr.readByte(), fr.readByte()
	w := fr.win
	it, err := newRangeIterator(w.Value(start), w.Value(end), w.Value(step), inclusive != 0)
	if err != nil {
		return err
	}
	w.Set(dst, value.Iterator(it))
	return nil
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func opTryBegin(vm *VM) error {
	fr := vm.fr
	catchReg := byte(fr.readByte())
	off := fr.readU16()
	vm.tries = append(vm.tries, tryFrame{
		depth:    len(vm.frames) - 1,
		handler:  fr.ip + off,
		catchReg: catchReg,
	})
	return nil
}

func opTryEnd(vm *VM) error {
	depth := len(vm.frames) - 1
	if n := len(vm.tries); n > 0 && vm.tries[n-1].depth == depth {
		vm.tries = vm.tries[:n-1]
		return nil
	}
	return runtimeError("try end without matching try")
}

// opThrow raises a register value. A thrown error value keeps its kind;
// any other value is raised as a runtime error carrying it as payload.
func opThrow(vm *VM) error {
	v := vm.fr.win.Value(vm.fr.readByte())
	if v.Kind() == value.KindError {
		if e := v.AsError(); e != nil {
			kind, ok := ParseErrorKind(e.Kind)
			if !ok {
				kind = KindRuntimeError
			}
			return &RuntimeError{Kind: kind, Message: e.Message, Payload: v}
		}
	}
	return &RuntimeError{Kind: KindRuntimeError, Message: v.String(), Payload: v}
}
