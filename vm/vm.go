package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/pkg/value"
)

var log = commonlog.GetLogger("strata.vm")

// DefaultMaxFrames bounds call depth.
const DefaultMaxFrames = 1024

// Config selects VM behavior.
type Config struct {
	Dispatch  string    // "switch" (default) or "table"
	Trace     bool      // log every instruction at debug level
	Profile   bool      // collect loop and function samples
	Out       io.Writer // print destination; os.Stdout when nil
	MaxFrames int       // call depth limit; DefaultMaxFrames when 0
}

// ConfigForHints derives a VM configuration from backend hints: computed
// goto maps to the table dispatcher.
func ConfigForHints(h pgo.VMHints) Config {
	cfg := Config{Dispatch: "switch"}
	if h.ComputedGoto {
		cfg.Dispatch = "table"
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Frames, closures and upvalues
// ---------------------------------------------------------------------------

// frame is the execution state of one function activation.
type frame struct {
	fn      *bytecode.Function
	closure *Closure
	code    []byte
	consts  []value.Value
	ip      int
	win     *Window
	retDst  int // caller register receiving the result
	entered int64
}

func (f *frame) readByte() int {
	b := f.code[f.ip]
	f.ip++
	return int(b)
}

func (f *frame) readU16() int {
	v := bytecode.ReadU16(f.code, f.ip)
	f.ip += 2
	return int(v)
}

func (f *frame) readI32() int32 {
	v := bytecode.ReadI32(f.code, f.ip)
	f.ip += 4
	return v
}

// Closure is a function together with its captured variables.
type Closure struct {
	Fn       int
	Upvalues []*Upvalue
}

// Upvalue is a captured variable. While open it aliases a register of a
// live frame; once that frame returns it holds its own copy.
type Upvalue struct {
	win    *Window
	index  int
	closed value.Value
}

// IsOpen reports whether the upvalue still aliases a register.
func (u *Upvalue) IsOpen() bool { return u.win != nil }

// Get returns the captured variable's current value.
func (u *Upvalue) Get() value.Value {
	if u.win != nil {
		return u.win.Value(u.index)
	}
	return u.closed
}

// Set assigns the captured variable.
func (u *Upvalue) Set(v value.Value) {
	if u.win != nil {
		u.win.Set(u.index, v)
		return
	}
	u.closed = v
}

// tryFrame is an installed handler. depth is the index of the frame that
// installed it.
type tryFrame struct {
	depth    int
	handler  int
	catchReg byte
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// VM executes register bytecode. A VM is not safe for concurrent use.
type VM struct {
	cfg        Config
	out        io.Writer
	dispatcher Dispatcher
	profiler   *Profiler

	prog     *bytecode.Program
	module   *Window
	frames   []frame
	fr       *frame
	windows  []*Window
	open     []*Upvalue
	tries    []tryFrame
	result   value.Value
	halted   bool
	executed uint64
}

// New creates a VM. It fails only for an unknown dispatch strategy.
func New(cfg Config) (*VM, error) {
	d, err := NewDispatcher(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	vm := &VM{
		cfg:        cfg,
		out:        out,
		dispatcher: d,
		module:     NewModuleWindow(),
	}
	if cfg.Profile {
		vm.profiler = NewProfiler()
	}
	return vm, nil
}

// Dispatcher returns the active dispatch strategy.
func (vm *VM) Dispatcher() Dispatcher { return vm.dispatcher }

// Profiler returns the loop profiler, or nil when profiling is off.
func (vm *VM) Profiler() *Profiler { return vm.profiler }

// Module returns the module register window.
func (vm *VM) Module() *Window { return vm.module }

// Result returns the value returned by the entry function of the last Run.
func (vm *VM) Result() value.Value { return vm.result }

// InstructionCount returns the number of instructions executed by the
// last Run.
func (vm *VM) InstructionCount() uint64 { return vm.executed }

// Run executes p from its entry function in the module window. A runtime
// error that no try frame catches ends execution and is returned with
// InterpretRuntimeError.
func (vm *VM) Run(p *bytecode.Program) (InterpretResult, error) {
	entry := p.EntryFunction()
	if entry == nil || entry.Chunk == nil {
		return InterpretCompileError, errors.New("vm: program has no entry function")
	}
	for i, fn := range p.Functions {
		if err := Verify(fn); err != nil {
			return InterpretCompileError, fmt.Errorf("vm: function %d: %w", i, err)
		}
	}

	vm.prog = p
	vm.module = NewModuleWindow()
	vm.frames = make([]frame, 0, vm.cfg.MaxFrames)
	vm.tries = vm.tries[:0]
	vm.open = vm.open[:0]
	vm.result = value.Nil
	vm.halted = false
	vm.executed = 0
	if vm.profiler != nil {
		vm.profiler.bind(p)
	}

	vm.pushFrame(entry, nil, vm.module, -1)
	if err := vm.execute(); err != nil {
		log.Errorf("uncaught %s", err)
		return InterpretRuntimeError, err
	}
	return InterpretOK, nil
}

func (vm *VM) execute() error {
	for !vm.halted {
		fr := vm.fr
		if fr.ip >= len(fr.code) {
			vm.doReturn(value.Nil)
			continue
		}
		start := fr.ip
		op := bytecode.Opcode(fr.code[fr.ip])
		fr.ip++
		vm.executed++
		if vm.cfg.Trace {
			log.Debugf("%s %04X %s", fr.fn.Name, start, op)
		}
		if err := vm.dispatcher.Dispatch(vm, op); err != nil {
			re := vm.locate(err, fr, start)
			if !vm.unwind(re) {
				return re
			}
		}
	}
	return nil
}

// locate attaches the failing instruction's position to err.
func (vm *VM) locate(err error, fr *frame, offset int) *RuntimeError {
	var re *RuntimeError
	if !errors.As(err, &re) {
		re = &RuntimeError{Kind: KindRuntimeError, Message: err.Error()}
	}
	if !re.located {
		line, col := fr.fn.Chunk.GetSourceLocation(uint32(offset))
		re.Location = Location{Function: fr.fn.Name, Offset: offset, Line: line, Column: col}
		re.located = true
	}
	return re
}

// unwind transfers control to the innermost try frame, popping call
// frames above it. It reports false when no handler is installed.
func (vm *VM) unwind(re *RuntimeError) bool {
	if len(vm.tries) == 0 {
		return false
	}
	t := vm.tries[len(vm.tries)-1]
	vm.tries = vm.tries[:len(vm.tries)-1]
	for len(vm.frames)-1 > t.depth {
		vm.popFrame()
	}
	fr := vm.fr
	fr.ip = t.handler
	if t.catchReg != bytecode.NoRegister {
		fr.win.Set(int(t.catchReg), re.Value())
	}
	log.Debugf("caught %s in %s", re.Kind, fr.fn.Name)
	return true
}

func (vm *VM) windowFor(depth int) *Window {
	for len(vm.windows) <= depth {
		vm.windows = append(vm.windows, NewWindow())
	}
	return vm.windows[depth]
}

func (vm *VM) pushFrame(fn *bytecode.Function, c *Closure, win *Window, retDst int) {
	vm.frames = append(vm.frames, frame{
		fn:      fn,
		closure: c,
		code:    fn.Chunk.Code,
		consts:  fn.Chunk.Constants,
		win:     win,
		retDst:  retDst,
	})
	vm.fr = &vm.frames[len(vm.frames)-1]
	if vm.profiler != nil {
		vm.fr.entered = vm.profiler.enterFunction(fn)
	}
}

// popFrame discards the current frame: its try frames are dropped, its
// upvalues closed and its typed registers reconciled.
func (vm *VM) popFrame() {
	depth := len(vm.frames) - 1
	fr := vm.fr
	for len(vm.tries) > 0 && vm.tries[len(vm.tries)-1].depth >= depth {
		vm.tries = vm.tries[:len(vm.tries)-1]
	}
	vm.closeUpvalues(fr.win, 0)
	fr.win.ReconcileAll(fr.fn.RegisterCount)
	if vm.profiler != nil {
		vm.profiler.exitFunction(fr.fn, fr.entered)
	}
	vm.frames = vm.frames[:depth]
	if depth > 0 {
		vm.fr = &vm.frames[depth-1]
	} else {
		vm.fr = nil
	}
}

func (vm *VM) doReturn(v value.Value) {
	retDst := vm.fr.retDst
	vm.popFrame()
	if vm.fr == nil {
		vm.result = v
		vm.halted = true
		return
	}
	vm.fr.win.storeValue(retDst, v)
}

// call invokes callee with argc arguments starting at register first of
// the current window.
func (vm *VM) call(callee value.Value, first, argc, dst int) error {
	var (
		fn *bytecode.Function
		c  *Closure
	)
	switch callee.Kind() {
	case value.KindFunction:
		fn = vm.function(callee.FunctionIndex())
	case value.KindClosure:
		c, _ = callee.Ref().(*Closure)
		if c != nil {
			fn = vm.function(c.Fn)
		}
	default:
		return typeError("value of kind %s is not callable", callee.Kind())
	}
	if fn == nil {
		return runtimeError("call to missing function %s", callee)
	}
	if argc != fn.Arity {
		return argumentError("%s expects %d arguments, got %d", fn.Name, fn.Arity, argc)
	}
	if len(vm.frames) >= vm.cfg.MaxFrames {
		return runtimeError("stack overflow: call depth exceeds %d", vm.cfg.MaxFrames)
	}

	caller := vm.fr.win
	win := vm.windowFor(len(vm.frames))
	win.reset(bytecode.WindowSize)
	for i := 0; i < argc; i++ {
		win.copySlot(bytecode.FirstParam+i, caller, first+i)
	}
	vm.pushFrame(fn, c, win, dst)
	return nil
}

func (vm *VM) function(i int) *bytecode.Function {
	if i < 0 || i >= len(vm.prog.Functions) {
		return nil
	}
	return vm.prog.Functions[i]
}

// captureUpvalue returns the open upvalue for register r of win, creating
// it if needed, so closures over the same variable share it.
func (vm *VM) captureUpvalue(win *Window, r int) *Upvalue {
	for _, u := range vm.open {
		if u.win == win && u.index == r {
			return u
		}
	}
	u := &Upvalue{win: win, index: r}
	vm.open = append(vm.open, u)
	return u
}

// closeUpvalues closes every open upvalue of win at register from or above.
func (vm *VM) closeUpvalues(win *Window, from int) {
	kept := vm.open[:0]
	for _, u := range vm.open {
		if u.win == win && u.index >= from {
			u.closed = win.Value(u.index)
			u.win = nil
			continue
		}
		kept = append(kept, u)
	}
	clear(vm.open[len(kept):])
	vm.open = kept
}

// closeUpvalue closes the open upvalue of register r of win, if any. A
// block-scoped variable gets a fresh upvalue the next time it is captured.
func (vm *VM) closeUpvalue(win *Window, r int) {
	for i, u := range vm.open {
		if u.win == win && u.index == r {
			u.closed = win.Value(r)
			u.win = nil
			vm.open = append(vm.open[:i], vm.open[i+1:]...)
			return
		}
	}
}

// Verify checks that fn's code decodes into whole, known instructions.
func Verify(fn *bytecode.Function) error {
	if fn == nil || fn.Chunk == nil {
		return errors.New("missing chunk")
	}
	code := fn.Chunk.Code
	for ip := 0; ip < len(code); {
		op := bytecode.Opcode(code[ip])
		if !op.IsValid() {
			return fmt.Errorf("unimplemented opcode 0x%02X at %04X", byte(op), ip)
		}
		n := op.InstructionLen()
		if ip+n > len(code) {
			return fmt.Errorf("truncated %s at %04X", op, ip)
		}
		ip += n
	}
	return nil
}
