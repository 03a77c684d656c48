package vm

import (
	"fmt"

	"github.com/chazu/strata/pkg/bytecode"
)

// handler executes one instruction whose opcode byte has been consumed.
type handler func(vm *VM) error

// handlers is the canonical opcode table. Both dispatch strategies run
// the same handler for an opcode.
var handlers [256]handler

func typedArith(sym byte, k bytecode.NumKind) handler {
	return func(vm *VM) error { return execTypedArith(vm, sym, k) }
}

func typedCompare(sym string, k bytecode.NumKind) handler {
	return func(vm *VM) error { return execTypedCompare(vm, sym, k) }
}

func init() {
	handlers[bytecode.OpNop] = opNop
	handlers[bytecode.OpLoadConst] = opLoadConst
	handlers[bytecode.OpLoadNil] = opLoadNil
	handlers[bytecode.OpLoadTrue] = opLoadTrue
	handlers[bytecode.OpLoadFalse] = opLoadFalse
	handlers[bytecode.OpLoadI32] = opLoadI32
	handlers[bytecode.OpMove] = opMove
	handlers[bytecode.OpLoadGlobal] = opLoadGlobal
	handlers[bytecode.OpStoreGlobal] = opStoreGlobal

	for _, op := range bytecode.AllOpcodes() {
		sym, k, ok := bytecode.TypedFamily(op)
		if !ok {
			continue
		}
		if op <= bytecode.OpModF64R {
			handlers[op] = typedArith(sym[0], k)
		} else {
			handlers[op] = typedCompare(sym, k)
		}
	}

	handlers[bytecode.OpAddR] = func(vm *VM) error { return execGenericArith(vm, '+') }
	handlers[bytecode.OpSubR] = func(vm *VM) error { return execGenericArith(vm, '-') }
	handlers[bytecode.OpMulR] = func(vm *VM) error { return execGenericArith(vm, '*') }
	handlers[bytecode.OpDivR] = func(vm *VM) error { return execGenericArith(vm, '/') }
	handlers[bytecode.OpModR] = func(vm *VM) error { return execGenericArith(vm, '%') }
	handlers[bytecode.OpAddI32Imm] = func(vm *VM) error { return execImmediate(vm, '+') }
	handlers[bytecode.OpSubI32Imm] = func(vm *VM) error { return execImmediate(vm, '-') }
	handlers[bytecode.OpMulI32Imm] = func(vm *VM) error { return execImmediate(vm, '*') }
	handlers[bytecode.OpIncI32] = func(vm *VM) error { return execIncrement(vm, TypedI32) }
	handlers[bytecode.OpIncI64] = func(vm *VM) error { return execIncrement(vm, TypedI64) }
	handlers[bytecode.OpIncU32] = func(vm *VM) error { return execIncrement(vm, TypedU32) }
	handlers[bytecode.OpIncU64] = func(vm *VM) error { return execIncrement(vm, TypedU64) }
	handlers[bytecode.OpNeg] = opNeg
	handlers[bytecode.OpNot] = opNot
	handlers[bytecode.OpConcat] = opConcat
	handlers[bytecode.OpCast] = opCast

	handlers[bytecode.OpLtR] = func(vm *VM) error { return execGenericCompare(vm, "<") }
	handlers[bytecode.OpLeR] = func(vm *VM) error { return execGenericCompare(vm, "<=") }
	handlers[bytecode.OpGtR] = func(vm *VM) error { return execGenericCompare(vm, ">") }
	handlers[bytecode.OpGeR] = func(vm *VM) error { return execGenericCompare(vm, ">=") }
	handlers[bytecode.OpEqR] = func(vm *VM) error { return execEquality(vm, false) }
	handlers[bytecode.OpNeR] = func(vm *VM) error { return execEquality(vm, true) }

	handlers[bytecode.OpJump] = opJump
	handlers[bytecode.OpJumpIfNot] = opJumpIfNot
	handlers[bytecode.OpJumpIf] = opJumpIf
	handlers[bytecode.OpLoop] = opLoop
	handlers[bytecode.OpGuardTyped] = opGuardTyped
	handlers[bytecode.OpLoopEnter] = opLoopEnter
	handlers[bytecode.OpHalt] = opHalt

	handlers[bytecode.OpCall] = opCall
	handlers[bytecode.OpReturn] = opReturn
	handlers[bytecode.OpReturnVoid] = opReturnVoid
	handlers[bytecode.OpClosure] = opClosure
	handlers[bytecode.OpGetUpvalue] = opGetUpvalue
	handlers[bytecode.OpSetUpvalue] = opSetUpvalue
	handlers[bytecode.OpCloseUpvalue] = opCloseUpvalue

	handlers[bytecode.OpPrint] = opPrint
	handlers[bytecode.OpMakeArray] = opMakeArray
	handlers[bytecode.OpArrayGet] = opArrayGet
	handlers[bytecode.OpArraySet] = opArraySet
	handlers[bytecode.OpArrayLen] = opArrayLen
	handlers[bytecode.OpArrayPush] = opArrayPush

	handlers[bytecode.OpGetIter] = opGetIter
	handlers[bytecode.OpIterNext] = opIterNext
	handlers[bytecode.OpRangeIter] = opRangeIter

	handlers[bytecode.OpTryBegin] = opTryBegin
	handlers[bytecode.OpTryEnd] = opTryEnd
	handlers[bytecode.OpThrow] = opThrow
}

// Dispatcher executes a decoded opcode against the VM.
type Dispatcher interface {
	Name() string
	Dispatch(vm *VM, op bytecode.Opcode) error
}

// NewDispatcher returns the named strategy: "switch" (also the empty
// name) or "table".
func NewDispatcher(name string) (Dispatcher, error) {
	switch name {
	case "", "switch":
		return SwitchDispatch{}, nil
	case "table":
		return TableDispatch{}, nil
	}
	return nil, fmt.Errorf("vm: unknown dispatch strategy %q", name)
}

// TableDispatch indexes the handler table directly.
type TableDispatch struct{}

func (TableDispatch) Name() string { return "table" }

func (TableDispatch) Dispatch(vm *VM, op bytecode.Opcode) error {
	h := handlers[op]
	if h == nil {
		return runtimeError("unimplemented opcode 0x%02X", byte(op))
	}
	return h(vm)
}

// SwitchDispatch selects the handler with a switch over opcode groups.
type SwitchDispatch struct{}

func (SwitchDispatch) Name() string { return "switch" }

func (SwitchDispatch) Dispatch(vm *VM, op bytecode.Opcode) error {
	switch {
	case op >= bytecode.OpAddI32R && op <= bytecode.OpModF64R:
		sym, k, _ := bytecode.TypedFamily(op)
		return execTypedArith(vm, sym[0], k)
	case op >= bytecode.OpLtI32R && op <= bytecode.OpGeF64R:
		sym, k, _ := bytecode.TypedFamily(op)
		return execTypedCompare(vm, sym, k)
	}

	switch op {
	case bytecode.OpNop:
		return nil
	case bytecode.OpLoadConst:
		return opLoadConst(vm)
	case bytecode.OpLoadNil:
		return opLoadNil(vm)
	case bytecode.OpLoadTrue:
		return opLoadTrue(vm)
	case bytecode.OpLoadFalse:
		return opLoadFalse(vm)
	case bytecode.OpLoadI32:
		return opLoadI32(vm)
	case bytecode.OpMove:
		return opMove(vm)
	case bytecode.OpLoadGlobal:
		return opLoadGlobal(vm)
	case bytecode.OpStoreGlobal:
		return opStoreGlobal(vm)

	case bytecode.OpAddR:
		return execGenericArith(vm, '+')
	case bytecode.OpSubR:
		return execGenericArith(vm, '-')
	case bytecode.OpMulR:
		return execGenericArith(vm, '*')
	case bytecode.OpDivR:
		return execGenericArith(vm, '/')
	case bytecode.OpModR:
		return execGenericArith(vm, '%')
	case bytecode.OpAddI32Imm:
		return execImmediate(vm, '+')
	case bytecode.OpSubI32Imm:
		return execImmediate(vm, '-')
	case bytecode.OpMulI32Imm:
		return execImmediate(vm, '*')
	case bytecode.OpIncI32:
		return execIncrement(vm, TypedI32)
	case bytecode.OpIncI64:
		return execIncrement(vm, TypedI64)
	case bytecode.OpIncU32:
		return execIncrement(vm, TypedU32)
	case bytecode.OpIncU64:
		return execIncrement(vm, TypedU64)
	case bytecode.OpNeg:
		return opNeg(vm)
	case bytecode.OpNot:
		return opNot(vm)
	case bytecode.OpConcat:
		return opConcat(vm)
	case bytecode.OpCast:
		return opCast(vm)

	case bytecode.OpLtR:
		return execGenericCompare(vm, "<")
	case bytecode.OpLeR:
		return execGenericCompare(vm, "<=")
	case bytecode.OpGtR:
		return execGenericCompare(vm, ">")
	case bytecode.OpGeR:
		return execGenericCompare(vm, ">=")
	case bytecode.OpEqR:
		return execEquality(vm, false)
	case bytecode.OpNeR:
		return execEquality(vm, true)

	case bytecode.OpJump:
		return opJump(vm)
	case bytecode.OpJumpIfNot:
		return opJumpIfNot(vm)
	case bytecode.OpJumpIf:
		return opJumpIf(vm)
	case bytecode.OpLoop:
		return opLoop(vm)
	case bytecode.OpGuardTyped:
		return opGuardTyped(vm)
	case bytecode.OpLoopEnter:
		return opLoopEnter(vm)
	case bytecode.OpHalt:
		return opHalt(vm)

	case bytecode.OpCall:
		return opCall(vm)
	case bytecode.OpReturn:
		return opReturn(vm)
	case bytecode.OpReturnVoid:
		return opReturnVoid(vm)
	case bytecode.OpClosure:
		return opClosure(vm)
	case bytecode.OpGetUpvalue:
		return opGetUpvalue(vm)
	case bytecode.OpSetUpvalue:
		return opSetUpvalue(vm)
	case bytecode.OpCloseUpvalue:
		return opCloseUpvalue(vm)

	case bytecode.OpPrint:
		return opPrint(vm)
	case bytecode.OpMakeArray:
		return opMakeArray(vm)
	case bytecode.OpArrayGet:
		return opArrayGet(vm)
	case bytecode.OpArraySet:
		return opArraySet(vm)
	case bytecode.OpArrayLen:
		return opArrayLen(vm)
	case bytecode.OpArrayPush:
		return opArrayPush(vm)

	case bytecode.OpGetIter:
		return opGetIter(vm)
	case bytecode.OpIterNext:
		return opIterNext(vm)
	case bytecode.OpRangeIter:
		return opRangeIter(vm)

	case bytecode.OpTryBegin:
		return opTryBegin(vm)
	case bytecode.OpTryEnd:
		return opTryEnd(vm)
	case bytecode.OpThrow:
		return opThrow(vm)
	}
	return runtimeError("unimplemented opcode 0x%02X", byte(op))
}
