package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/value"
	"github.com/chazu/strata/vm"
)

// ---------------------------------------------------------------------------
// Codegen: lower the typed AST to register bytecode
// ---------------------------------------------------------------------------

// EntryName is the name of the function holding the top-level code.
const EntryName = "<main>"

// local is a named variable living in a register of the current window.
type local struct {
	name     string
	reg      byte
	typ      *ast.Type
	mutable  bool
	module   bool // declared at the top level of the entry function
	captured bool
}

type scope struct {
	locals []*local
}

type loopState struct {
	header          int
	scopeDepth      int // scopes opened inside the loop start here
	tryDepth        int
	continueForward bool // continue jumps forward to the increment
	breaks          []int
	continues       []int
}

// funcState is the emitter state of one function under construction.
type funcState struct {
	parent      *funcState
	fn          *bytecode.Function
	chunk       *bytecode.Chunk
	regs        *vm.RegisterState
	scopes      []*scope
	loops       []*loopState
	tryDepth    int
	isEntry     bool
	hasClosures bool
}

func (fs *funcState) lookup(name string) *local {
	for i := len(fs.scopes) - 1; i >= 0; i-- {
		ls := fs.scopes[i].locals
		for j := len(ls) - 1; j >= 0; j-- {
			if ls[j].name == name {
				return ls[j]
			}
		}
	}
	return nil
}

func (fs *funcState) addUpvalue(isLocal bool, index byte) int {
	for i, u := range fs.fn.Upvalues {
		if u.IsLocal == isLocal && u.Index == index {
			return i
		}
	}
	fs.fn.Upvalues = append(fs.fn.Upvalues, bytecode.UpvalueDesc{IsLocal: isLocal, Index: index})
	return len(fs.fn.Upvalues) - 1
}

type varKind uint8

const (
	varLocal varKind = iota
	varUpvalue
	varModule
	varFunction
)

// binding is a resolved name: a register, an upvalue slot, a module
// register or a function index, depending on kind.
type binding struct {
	kind    varKind
	index   int
	typ     *ast.Type
	mutable bool
}

// Emitter lowers one compilation unit to a bytecode program. Errors are
// collected and reported together; an Emitter is used once.
type Emitter struct {
	ctx       *OptimizationContext
	prog      *bytecode.Program
	fs        *funcState
	functions map[string]int         // top-level function name -> index
	module    map[*ast.VarDecl]*local // pre-allocated module variables
	errs      []error
}

// NewEmitter creates an emitter reading loop plans from ctx. A nil ctx
// emits without loop specialization.
func NewEmitter(ctx *OptimizationContext) *Emitter {
	if ctx == nil {
		ctx = NewOptimizationContext(Config{})
	}
	return &Emitter{
		ctx:       ctx,
		functions: make(map[string]int),
		module:    make(map[*ast.VarDecl]*local),
	}
}

// Emit lowers root, normally an *ast.Program, to a program. Functions[0]
// is the entry function holding the top-level statements; top-level
// variables become module registers and top-level functions are called
// by index.
func (e *Emitter) Emit(root ast.Node) (*bytecode.Program, error) {
	if root == nil {
		return nil, errors.New("compiler: emit: nil root")
	}
	decls := []ast.Node{root}
	if p, ok := root.(*ast.Program); ok {
		decls = p.Decls
	}

	e.prog = &bytecode.Program{}
	entry := &bytecode.Function{Name: EntryName, Chunk: bytecode.NewChunk()}
	e.prog.Functions = append(e.prog.Functions, entry)
	e.fs = e.newFuncState(nil, entry, root)
	e.fs.isEntry = true
	e.pushScope()

	// Top-level names are visible everywhere, including before their
	// declaration.
	for _, d := range decls {
		switch d := d.(type) {
		case *ast.Function:
			if _, dup := e.functions[d.Name]; dup {
				e.errorf(d, "function %q redeclared", d.Name)
				continue
			}
			e.functions[d.Name] = len(e.prog.Functions)
			e.prog.Functions = append(e.prog.Functions, &bytecode.Function{Name: d.Name})
		case *ast.VarDecl:
			if e.fs.lookup(d.Name) != nil {
				e.errorf(d, "module variable %q redeclared", d.Name)
				continue
			}
			l := e.declare(d.Name, e.alloc(false), declType(d), d.Mutable)
			e.module[d] = l
		}
	}
	for name := range e.functions {
		if e.fs.lookup(name) != nil {
			e.errs = append(e.errs, fmt.Errorf("%q declared as both function and variable", name))
		}
	}

	for _, d := range decls {
		if fn, ok := d.(*ast.Function); ok {
			if idx, ok := e.functions[fn.Name]; ok && e.prog.Functions[idx].Chunk == nil {
				e.compileFunction(fn, e.prog.Functions[idx])
			}
			continue
		}
		e.stmt(d)
	}
	e.fs.chunk.Emit(bytecode.OpHalt)
	e.finish(e.fs)
	e.prog.ModuleRegisters = entry.RegisterCount

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	return e.prog, nil
}

func (e *Emitter) newFuncState(parent *funcState, fn *bytecode.Function, body ast.Node) *funcState {
	fs := &funcState{
		parent: parent,
		fn:     fn,
		chunk:  fn.Chunk,
		regs:   vm.NewRegisterState(),
	}
	ast.Walk(body, ast.Visitor{Pre: func(n ast.Node) bool {
		if _, ok := n.(*ast.Function); ok && n != body {
			fs.hasClosures = true
			return false
		}
		return !fs.hasClosures
	}})
	return fs
}

func (e *Emitter) compileFunction(n *ast.Function, fn *bytecode.Function) {
	fn.Name = n.Name
	fn.NodeID = n.ID
	fn.Arity = len(n.Params)
	fn.Chunk = bytecode.NewChunk()
	if bytecode.FirstParam+len(n.Params) > bytecode.WindowSize {
		e.errorf(n, "function %q has too many parameters", n.Name)
		return
	}

	saved := e.fs
	e.fs = e.newFuncState(saved, fn, n)
	e.pushScope()
	for i, p := range n.Params {
		r := bytecode.FirstParam + i
		if err := e.fs.regs.Reserve(r); err != nil {
			e.errorf(n, "parameter %q: %v", p.Name, err)
			continue
		}
		e.declare(p.Name, byte(r), p.Type, true)
	}
	e.stmt(n.Body)
	e.mark(n)
	e.fs.chunk.Emit(bytecode.OpReturnVoid)
	e.finish(e.fs)
	e.fs = saved
}

func (e *Emitter) finish(fs *funcState) {
	fs.fn.RegisterCount = fs.regs.HighWaterMark
	if err := fs.regs.Validate(); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", fs.fn.Name, err))
	}
}

// ---------------------------------------------------------------------------
// Errors, source positions and raw emission
// ---------------------------------------------------------------------------

func (e *Emitter) errorf(n ast.Node, format string, args ...any) {
	pos := n.Meta().Span.Start
	e.errs = append(e.errs, fmt.Errorf("%d:%d: %s", pos.Line, pos.Column, fmt.Sprintf(format, args...)))
}

func (e *Emitter) unsupported(n ast.Node, what string) {
	pos := n.Meta().Span.Start
	e.errs = append(e.errs, fmt.Errorf("%d:%d: %s: %w", pos.Line, pos.Column, what, ErrUnsupported))
}

// mark maps the next instruction to n's source position.
func (e *Emitter) mark(n ast.Node) {
	pos := n.Meta().Span.Start
	if pos.Line <= 0 {
		return
	}
	c := e.fs.chunk
	c.AddSourceLocation(uint32(c.CurrentOffset()), uint32(pos.Line), uint16(pos.Column))
}

func (e *Emitter) use(r byte, off int) {
	if int(r) >= bytecode.PinnedRegisters && r != bytecode.NoRegister {
		e.fs.regs.MarkUse(r, off)
	}
}

// op emits an instruction whose operands are all single bytes and records
// a use of every register operand.
func (e *Emitter) op(op bytecode.Opcode, operands ...byte) int {
	off := e.fs.chunk.EmitWithOperand(op, operands...)
	shape := bytecode.GetOpcodeInfo(op).Shape
	for i := 0; i < len(shape) && i < len(operands); i++ {
		if shape[i] == bytecode.ShapeReg {
			e.use(operands[i], off)
		}
	}
	return off
}

func (e *Emitter) jump(op bytecode.Opcode, lead ...byte) int {
	for _, r := range lead {
		e.use(r, e.fs.chunk.CurrentOffset())
	}
	return e.fs.chunk.EmitJump(op, lead...)
}

func (e *Emitter) patch(placeholder int) {
	if err := e.fs.chunk.PatchJump(placeholder); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", e.fs.fn.Name, err))
	}
}

func (e *Emitter) loopBack(header int) {
	if err := e.fs.chunk.EmitLoop(header); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", e.fs.fn.Name, err))
	}
}

// ---------------------------------------------------------------------------
// Registers and scopes
// ---------------------------------------------------------------------------

func (e *Emitter) alloc(isLoopVar bool) byte {
	r, err := e.fs.regs.Allocate(isLoopVar)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", e.fs.fn.Name, err))
	}
	return r
}

// allocBlock reserves n consecutive registers, at least one.
func (e *Emitter) allocBlock(n int) (byte, int) {
	if n < 1 {
		n = 1
	}
	r, err := e.fs.regs.AllocateBlock(n)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", e.fs.fn.Name, err))
	}
	return r, n
}

func (e *Emitter) free(r byte) {
	if int(r) < bytecode.PinnedRegisters {
		return // allocation already failed and was reported
	}
	if err := e.fs.regs.Free(r); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", e.fs.fn.Name, err))
	}
}

func (e *Emitter) freeBlock(first byte, n int) {
	for i := 0; i < n; i++ {
		e.free(first + byte(i))
	}
}

func (e *Emitter) pushScope() {
	e.fs.scopes = append(e.fs.scopes, &scope{})
}

// popScope closes captured locals of the innermost scope and releases
// their registers.
func (e *Emitter) popScope() {
	fs := e.fs
	s := fs.scopes[len(fs.scopes)-1]
	fs.scopes = fs.scopes[:len(fs.scopes)-1]
	for i := len(s.locals) - 1; i >= 0; i-- {
		l := s.locals[i]
		if l.captured {
			e.op(bytecode.OpCloseUpvalue, l.reg)
		}
		e.free(l.reg)
	}
}

// closeScopes emits upvalue closes for the locals of the scopes a break
// or continue leaves.
func (e *Emitter) closeScopes(depth int) {
	fs := e.fs
	if !fs.hasClosures {
		return
	}
	for i := len(fs.scopes) - 1; i >= depth; i-- {
		for _, l := range fs.scopes[i].locals {
			e.op(bytecode.OpCloseUpvalue, l.reg)
		}
	}
}

func (e *Emitter) declare(name string, r byte, t *ast.Type, mutable bool) *local {
	fs := e.fs
	l := &local{
		name:    name,
		reg:     r,
		typ:     t,
		mutable: mutable,
		module:  fs.isEntry && len(fs.scopes) == 1,
	}
	s := fs.scopes[len(fs.scopes)-1]
	s.locals = append(s.locals, l)
	return l
}

func declType(d *ast.VarDecl) *ast.Type {
	if d.DeclType != nil {
		return d.DeclType
	}
	if t := ast.TypeOf(d.Init); t != nil {
		return t
	}
	return d.Type
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

// resolve finds name as a local, then as an upvalue of an enclosing
// function, then as a module variable, then as a top-level function.
func (e *Emitter) resolve(name string) (binding, bool) {
	fs := e.fs
	if l := fs.lookup(name); l != nil {
		return localBinding(fs, l), true
	}
	if fs.parent != nil {
		if b, ok := e.resolveUpvalue(fs, name); ok {
			return b, true
		}
	}
	if idx, ok := e.functions[name]; ok {
		return binding{kind: varFunction, index: idx}, true
	}
	return binding{}, false
}

func localBinding(fs *funcState, l *local) binding {
	if l.module && !fs.isEntry {
		return binding{kind: varModule, index: int(l.reg), typ: l.typ, mutable: l.mutable}
	}
	return binding{kind: varLocal, index: int(l.reg), typ: l.typ, mutable: l.mutable}
}

func (e *Emitter) resolveUpvalue(fs *funcState, name string) (binding, bool) {
	parent := fs.parent
	if l := parent.lookup(name); l != nil {
		if l.module {
			return binding{kind: varModule, index: int(l.reg), typ: l.typ, mutable: l.mutable}, true
		}
		l.captured = true
		return binding{kind: varUpvalue, index: fs.addUpvalue(true, l.reg), typ: l.typ, mutable: l.mutable}, true
	}
	if parent.parent == nil {
		return binding{}, false
	}
	b, ok := e.resolveUpvalue(parent, name)
	if !ok || b.kind != varUpvalue {
		return b, ok
	}
	b.index = fs.addUpvalue(false, byte(b.index))
	return b, true
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (e *Emitter) stmt(n ast.Node) {
	if n == nil {
		return
	}
	e.mark(n)
	switch n := n.(type) {
	case *ast.Block:
		e.pushScope()
		for _, s := range n.Stmts {
			e.stmt(s)
		}
		e.popScope()
	case *ast.Program:
		for _, d := range n.Decls {
			e.stmt(d)
		}
	case *ast.VarDecl:
		e.varDecl(n)
	case *ast.Assign:
		e.assign(n)
	case *ast.ArrayAssign:
		a, i, v := e.expr(n.Array), e.expr(n.Index), e.expr(n.Value)
		e.mark(n)
		e.op(bytecode.OpArraySet, a.reg, i.reg, v.reg)
		e.release(v, i, a)
	case *ast.MemberAssign:
		e.unsupported(n, "member assignment")
	case *ast.If:
		e.ifStmt(n)
	case *ast.While:
		e.whileLoop(n)
	case *ast.ForRange:
		e.forRange(n)
	case *ast.ForIter:
		e.forIter(n)
	case *ast.Break:
		e.loopExit(n, true)
	case *ast.Continue:
		e.loopExit(n, false)
	case *ast.Return:
		if n.Value == nil {
			e.fs.chunk.Emit(bytecode.OpReturnVoid)
			return
		}
		o := e.expr(n.Value)
		e.op(bytecode.OpReturn, o.reg)
		e.release(o)
	case *ast.Print:
		first, count := e.allocBlock(len(n.Args))
		for i, a := range n.Args {
			e.exprTo(a, first+byte(i))
		}
		nl := byte(0)
		if n.Newline {
			nl = 1
		}
		e.mark(n)
		e.op(bytecode.OpPrint, first, byte(len(n.Args)), nl)
		e.freeBlock(first, count)
	case *ast.Try:
		e.tryStmt(n)
	case *ast.Throw:
		o := e.expr(n.Value)
		e.mark(n)
		e.op(bytecode.OpThrow, o.reg)
		e.release(o)
	case *ast.Function:
		e.nestedFunction(n)
	default:
		e.release(e.expr(n))
	}
}

func (e *Emitter) varDecl(n *ast.VarDecl) {
	if l, ok := e.module[n]; ok {
		if n.Init != nil {
			e.exprTo(n.Init, l.reg)
		} else {
			e.op(bytecode.OpLoadNil, l.reg)
		}
		return
	}
	r := e.alloc(false)
	if n.Init != nil {
		e.exprTo(n.Init, r)
	} else {
		e.op(bytecode.OpLoadNil, r)
	}
	// Declared after the initializer so it can read a shadowed outer name.
	e.declare(n.Name, r, declType(n), n.Mutable)
}

func (e *Emitter) assign(n *ast.Assign) {
	b, ok := e.resolve(n.Name)
	if !ok {
		e.errorf(n, "assignment to undefined variable %q", n.Name)
		return
	}
	if b.kind != varFunction && !b.mutable {
		e.errorf(n, "cannot assign to immutable variable %q", n.Name)
		return
	}
	switch b.kind {
	case varLocal:
		e.exprTo(n.Value, byte(b.index))
	case varUpvalue:
		o := e.expr(n.Value)
		e.op(bytecode.OpSetUpvalue, byte(b.index), o.reg)
		e.release(o)
	case varModule:
		o := e.expr(n.Value)
		e.op(bytecode.OpStoreGlobal, byte(b.index), o.reg)
		e.release(o)
	case varFunction:
		e.errorf(n, "cannot assign to function %q", n.Name)
	}
}

func (e *Emitter) ifStmt(n *ast.If) {
	c := e.expr(n.Cond)
	skip := e.jump(bytecode.OpJumpIfNot, c.reg)
	e.release(c)
	e.scoped(n.Then)
	if n.Else == nil {
		e.patch(skip)
		return
	}
	done := e.jump(bytecode.OpJump)
	e.patch(skip)
	e.scoped(n.Else)
	e.patch(done)
}

// scoped compiles a statement in its own scope.
func (e *Emitter) scoped(n ast.Node) {
	e.pushScope()
	e.stmt(n)
	e.popScope()
}

func (e *Emitter) nestedFunction(n *ast.Function) {
	// Declared before the body so the function can call itself.
	r := e.alloc(false)
	e.declare(n.Name, r, n.Type, false)
	idx := len(e.prog.Functions)
	if idx > 0xFFFF {
		e.errorf(n, "too many functions")
		return
	}
	fn := &bytecode.Function{Name: n.Name}
	e.prog.Functions = append(e.prog.Functions, fn)
	e.compileFunction(n, fn)
	e.mark(n)
	e.use(r, e.fs.chunk.CurrentOffset())
	e.fs.chunk.EmitU16(bytecode.OpClosure, uint16(idx), r)
}

func (e *Emitter) tryStmt(n *ast.Try) {
	catch := bytecode.NoRegister
	if n.CatchVar != "" {
		catch = e.alloc(false)
	}
	begin := e.jump(bytecode.OpTryBegin, catch)
	e.fs.tryDepth++
	e.scoped(n.Body)
	e.fs.tryDepth--
	e.fs.chunk.Emit(bytecode.OpTryEnd)
	done := e.jump(bytecode.OpJump)

	e.patch(begin)
	e.pushScope()
	if catch != bytecode.NoRegister {
		// The handler scope owns the catch register.
		e.declare(n.CatchVar, catch, nil, true)
	}
	e.stmt(n.Handler)
	e.popScope()
	e.patch(done)
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// loopHeader records a loop site and, when profiling, emits its entry
// marker. It returns the header offset back edges target.
func (e *Emitter) loopHeader(n ast.Node, typed bool) int {
	fs := e.fs
	info := n.Meta()
	site := bytecode.LoopSite{
		Site:       uint16(len(fs.fn.LoopSites)),
		NodeID:     info.ID,
		Offset:     fs.chunk.CurrentOffset(),
		EscapeMask: info.EscapeMask,
		Typed:      typed,
	}
	if e.ctx.Config.EmitProfiling {
		fs.chunk.EmitU16(bytecode.OpLoopEnter, site.Site)
	}
	fs.fn.LoopSites = append(fs.fn.LoopSites, site)
	return fs.chunk.CurrentOffset()
}

func (e *Emitter) pushLoop(header int) *loopState {
	l := &loopState{header: header, scopeDepth: len(e.fs.scopes), tryDepth: e.fs.tryDepth}
	e.fs.loops = append(e.fs.loops, l)
	return l
}

// popLoop patches the loop's breaks to the current offset.
func (e *Emitter) popLoop(l *loopState) {
	for _, j := range l.breaks {
		e.patch(j)
	}
	e.fs.loops = e.fs.loops[:len(e.fs.loops)-1]
}

func (e *Emitter) loopExit(n ast.Node, isBreak bool) {
	fs := e.fs
	if len(fs.loops) == 0 {
		e.errorf(n, "%s outside of a loop", n.Kind())
		return
	}
	l := fs.loops[len(fs.loops)-1]
	for i := l.tryDepth; i < fs.tryDepth; i++ {
		fs.chunk.Emit(bytecode.OpTryEnd)
	}
	e.closeScopes(l.scopeDepth)
	switch {
	case isBreak:
		l.breaks = append(l.breaks, e.jump(bytecode.OpJump))
	case l.continueForward:
		l.continues = append(l.continues, e.jump(bytecode.OpJump))
	default:
		e.loopBack(l.header)
	}
}

func (e *Emitter) whileLoop(n *ast.While) {
	b := e.ctx.Affinity(n)
	typed := b != nil && b.PreferTypedRegisters
	if plan := e.ctx.Residency(n); plan != nil {
		if plan.LeftRequiresResidency {
			e.guard(plan.GuardLeft)
		}
		if plan.RightRequiresResidency {
			e.guard(plan.GuardRight)
		}
	}
	header := e.loopHeader(n, typed)
	l := e.pushLoop(header)
	c := e.expr(n.Cond)
	exit := e.jump(bytecode.OpJumpIfNot, c.reg)
	e.release(c)
	e.scoped(n.Body)
	e.loopBack(header)
	e.patch(exit)
	e.popLoop(l)
}

// guard seeds the typed cache of a resident operand once before its loop.
// Only operands held in a local register can be guarded.
func (e *Emitter) guard(n ast.Node) {
	id, ok := n.(*ast.Identifier)
	if !ok {
		return
	}
	k, ok := numKind(ast.KindOf(id.Type))
	if !ok {
		return
	}
	if b, found := e.resolve(id.Name); found && b.kind == varLocal {
		e.op(bytecode.OpGuardTyped, byte(b.index), byte(k))
	}
}

// forRange lowers a counted loop. With a known step direction it becomes
// compare-body-increment over registers, typed when the loop has a typed
// affinity binding; otherwise it runs on a range iterator.
func (e *Emitter) forRange(n *ast.ForRange) {
	b := e.ctx.Affinity(n)
	vt := rangeCandidateType(n)
	if b != nil && b.LoopVariableType != nil {
		vt = b.LoopVariableType
	}
	kind, numeric := numKind(ast.KindOf(vt))
	dir := 0
	if n.Step == nil {
		dir = 1
	} else if s, ok := constantNumericValue(n.Step); ok && s != 0 {
		dir = 1
		if s < 0 {
			dir = -1
		}
	}
	sameKind := ast.KindOf(ast.TypeOf(n.End)) == ast.KindOf(vt) &&
		(n.Step == nil || ast.KindOf(ast.TypeOf(n.Step)) == ast.KindOf(vt))
	if !numeric || dir == 0 || !sameKind {
		e.rangeIterLoop(n, vt)
		return
	}
	typed := b != nil && b.PreferTypedRegisters

	e.pushScope()
	v := e.alloc(true)
	e.exprTo(n.Start, v)
	end := e.alloc(false)
	e.exprTo(n.End, end)
	// Typed integer loops without a step count with an increment.
	useInc := typed && n.Step == nil && kind != bytecode.KindF64
	step := bytecode.NoRegister
	if !useInc {
		step = e.alloc(false)
		if n.Step != nil {
			e.exprTo(n.Step, step)
		} else {
			e.loadLiteral(step, unitValue(kind))
		}
	}
	if typed {
		if plan := e.ctx.Residency(n); plan != nil {
			if plan.EndPrefersTyped {
				e.op(bytecode.OpGuardTyped, end, byte(kind))
			}
			if plan.StepPrefersTyped && step != bytecode.NoRegister {
				e.op(bytecode.OpGuardTyped, step, byte(kind))
			}
		}
	}
	e.declare(n.Var, v, vt, true)

	header := e.loopHeader(n, typed)
	l := e.pushLoop(header)
	l.continueForward = true
	cmp := rangeCompare(dir, n.Inclusive)
	var cmpOp bytecode.Opcode
	if typed {
		cmpOp, _ = bytecode.TypedCompare(cmp, kind)
	} else {
		cmpOp, _ = bytecode.GenericBinary(cmp)
	}
	c := e.alloc(false)
	e.mark(n)
	e.op(cmpOp, c, v, end)
	exit := e.jump(bytecode.OpJumpIfNot, c)
	e.free(c)

	e.scoped(n.Body)

	for _, j := range l.continues {
		e.patch(j)
	}
	e.mark(n)
	switch {
	case useInc:
		e.op(incrementOp(kind), v)
	case typed:
		add, _ := bytecode.TypedArith("+", kind)
		e.op(add, v, v, step)
	default:
		e.op(bytecode.OpAddR, v, v, step)
	}
	e.loopBack(header)
	e.patch(exit)
	e.popLoop(l)
	e.popScope()
	if step != bytecode.NoRegister {
		e.free(step)
	}
	e.free(end)
}

func rangeCompare(dir int, inclusive bool) string {
	switch {
	case dir < 0 && inclusive:
		return ">="
	case dir < 0:
		return ">"
	case inclusive:
		return "<="
	}
	return "<"
}

func incrementOp(k bytecode.NumKind) bytecode.Opcode {
	switch k {
	case bytecode.KindI64:
		return bytecode.OpIncI64
	case bytecode.KindU32:
		return bytecode.OpIncU32
	case bytecode.KindU64:
		return bytecode.OpIncU64
	}
	return bytecode.OpIncI32
}

// rangeIterLoop lowers a range loop whose step direction is only known at
// run time.
func (e *Emitter) rangeIterLoop(n *ast.ForRange, vt *ast.Type) {
	e.pushScope()
	it := e.alloc(false)
	start, end := e.expr(n.Start), e.expr(n.End)
	var step operand
	if n.Step != nil {
		step = e.expr(n.Step)
	} else {
		step = operand{reg: e.alloc(false), temp: true}
		e.op(bytecode.OpLoadNil, step.reg)
	}
	incl := byte(0)
	if n.Inclusive {
		incl = 1
	}
	e.mark(n)
	e.op(bytecode.OpRangeIter, it, start.reg, end.reg, step.reg, incl)
	e.release(step, end, start)

	v := e.alloc(true)
	e.declare(n.Var, v, vt, true)
	e.iterate(n, n.Body, it, v, false)
	e.popScope()
	e.free(it)
}

func (e *Emitter) forIter(n *ast.ForIter) {
	b := e.ctx.Affinity(n)
	typed := b != nil && b.PreferTypedRegisters

	e.pushScope()
	src := e.expr(n.Iterable)
	it := e.alloc(false)
	e.mark(n)
	e.op(bytecode.OpGetIter, it, src.reg)
	e.release(src)

	v := e.alloc(true)
	e.declare(n.Var, v, iterElementType(n), true)
	e.iterate(n, n.Body, it, v, typed)
	e.popScope()
	e.free(it)
}

// iterate emits the iterator-driven loop shared by for-in and dynamic
// range loops.
func (e *Emitter) iterate(n, body ast.Node, it, v byte, typed bool) {
	more := e.alloc(false)
	header := e.loopHeader(n, typed)
	l := e.pushLoop(header)
	e.mark(n)
	e.op(bytecode.OpIterNext, v, it, more)
	exit := e.jump(bytecode.OpJumpIfNot, more)
	e.scoped(body)
	e.loopBack(header)
	e.patch(exit)
	e.popLoop(l)
	e.free(more)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// operand is a register holding an expression result. Temporaries are
// released by the consumer; local registers are borrowed.
type operand struct {
	reg  byte
	temp bool
}

func (e *Emitter) expr(n ast.Node) operand {
	if id, ok := n.(*ast.Identifier); ok {
		if b, found := e.resolve(id.Name); found && b.kind == varLocal {
			return operand{reg: byte(b.index)}
		}
	}
	r := e.alloc(false)
	e.exprTo(n, r)
	return operand{reg: r, temp: true}
}

func (e *Emitter) release(ops ...operand) {
	for _, o := range ops {
		if o.temp {
			e.free(o.reg)
		}
	}
}

// exprTo evaluates n into dst. dst is written only by the last
// instruction, so n may read the variable dst holds.
func (e *Emitter) exprTo(n ast.Node, dst byte) {
	switch n := n.(type) {
	case nil:
		e.op(bytecode.OpLoadNil, dst)
	case *ast.Literal:
		e.loadLiteral(dst, n.Value)
	case *ast.Identifier:
		e.loadVar(n, dst)
	case *ast.Binary:
		e.binary(n, dst)
	case *ast.Unary:
		e.unary(n, dst)
	case *ast.Cast:
		k, ok := castKind(ast.KindOf(n.Target))
		if !ok {
			e.errorf(n, "cannot cast to %s", n.Target)
			return
		}
		src := e.expr(n.Expr)
		e.mark(n)
		e.op(bytecode.OpCast, dst, src.reg, byte(k))
		e.release(src)
	case *ast.Ternary:
		c := e.expr(n.Cond)
		skip := e.jump(bytecode.OpJumpIfNot, c.reg)
		e.release(c)
		e.exprTo(n.Then, dst)
		done := e.jump(bytecode.OpJump)
		e.patch(skip)
		e.exprTo(n.Else, dst)
		e.patch(done)
	case *ast.Call:
		e.call(n, dst)
	case *ast.ArrayLit:
		first, count := e.allocBlock(len(n.Elems))
		for i, el := range n.Elems {
			e.exprTo(el, first+byte(i))
		}
		e.op(bytecode.OpMakeArray, dst, first, byte(len(n.Elems)))
		e.freeBlock(first, count)
	case *ast.IndexExpr:
		a, i := e.expr(n.Array), e.expr(n.Index)
		e.mark(n)
		e.op(bytecode.OpArrayGet, dst, a.reg, i.reg)
		e.release(i, a)
	case *ast.Member:
		e.unsupported(n, "member access")
	default:
		e.errorf(n, "%s is not an expression", n.Kind())
	}
}

func (e *Emitter) loadLiteral(dst byte, v value.Value) {
	switch v.Kind() {
	case value.KindNil:
		e.op(bytecode.OpLoadNil, dst)
	case value.KindBool:
		if v.AsBool() {
			e.op(bytecode.OpLoadTrue, dst)
		} else {
			e.op(bytecode.OpLoadFalse, dst)
		}
	case value.KindI32:
		e.use(dst, e.fs.chunk.CurrentOffset())
		e.fs.chunk.EmitI32(bytecode.OpLoadI32, v.AsI32(), dst)
	default:
		e.use(dst, e.fs.chunk.CurrentOffset())
		e.fs.chunk.EmitConstant(dst, v)
	}
}

func (e *Emitter) loadVar(n *ast.Identifier, dst byte) {
	b, ok := e.resolve(n.Name)
	if !ok {
		e.errorf(n, "undefined variable %q", n.Name)
		return
	}
	switch b.kind {
	case varLocal:
		if byte(b.index) != dst {
			e.op(bytecode.OpMove, dst, byte(b.index))
		}
	case varUpvalue:
		e.op(bytecode.OpGetUpvalue, dst, byte(b.index))
	case varModule:
		e.op(bytecode.OpLoadGlobal, dst, byte(b.index))
	case varFunction:
		e.loadLiteral(dst, value.Function(b.index))
	}
}

func (e *Emitter) binary(n *ast.Binary, dst byte) {
	if n.Op == "and" || n.Op == "or" {
		e.logical(n, dst)
		return
	}
	lk, rk := ast.KindOf(ast.TypeOf(n.Left)), ast.KindOf(ast.TypeOf(n.Right))
	kind, typed := numKind(lk)
	typed = typed && lk == rk

	if typed && kind == bytecode.KindI32 {
		if imm, ok := i32Literal(n.Right); ok {
			if op, ok := immediateOp(n.Op); ok {
				l := e.expr(n.Left)
				e.mark(n)
				e.use(dst, e.fs.chunk.CurrentOffset())
				e.use(l.reg, e.fs.chunk.CurrentOffset())
				e.fs.chunk.EmitI32(op, imm, dst, l.reg)
				e.release(l)
				return
			}
		}
	}

	var (
		op bytecode.Opcode
		ok bool
	)
	if typed {
		if op, ok = bytecode.TypedArith(n.Op, kind); !ok {
			op, ok = bytecode.TypedCompare(n.Op, kind)
		}
	}
	if !ok {
		op, ok = bytecode.GenericBinary(n.Op)
	}
	if !ok {
		e.errorf(n, "unknown binary operator %q", n.Op)
		return
	}
	l, r := e.expr(n.Left), e.expr(n.Right)
	e.mark(n)
	e.op(op, dst, l.reg, r.reg)
	e.release(r, l)
}

// logical short-circuits and/or. The result is built in a temporary since
// the right side may read the variable held in dst.
func (e *Emitter) logical(n *ast.Binary, dst byte) {
	t := e.alloc(false)
	e.exprTo(n.Left, t)
	skip := bytecode.OpJumpIfNot
	if n.Op == "or" {
		skip = bytecode.OpJumpIf
	}
	j := e.jump(skip, t)
	e.exprTo(n.Right, t)
	e.patch(j)
	e.op(bytecode.OpMove, dst, t)
	e.free(t)
}

func (e *Emitter) unary(n *ast.Unary, dst byte) {
	var op bytecode.Opcode
	switch n.Op {
	case "+":
		e.exprTo(n.Operand, dst)
		return
	case "-":
		op = bytecode.OpNeg
	case "not", "!":
		op = bytecode.OpNot
	default:
		e.errorf(n, "unknown unary operator %q", n.Op)
		return
	}
	o := e.expr(n.Operand)
	e.mark(n)
	e.op(op, dst, o.reg)
	e.release(o)
}

func (e *Emitter) call(n *ast.Call, dst byte) {
	if len(n.Args) > 255 {
		e.errorf(n, "too many arguments")
		return
	}
	callee := e.expr(n.Callee)
	first, count := e.allocBlock(len(n.Args))
	for i, a := range n.Args {
		e.exprTo(a, first+byte(i))
	}
	e.mark(n)
	e.op(bytecode.OpCall, callee.reg, first, byte(len(n.Args)), dst)
	e.freeBlock(first, count)
	e.release(callee)
}

// ---------------------------------------------------------------------------
// Type helpers
// ---------------------------------------------------------------------------

// numKind maps a numeric type to its typed opcode family.
func numKind(k ast.TypeKind) (bytecode.NumKind, bool) {
	switch k {
	case ast.TypeI32:
		return bytecode.KindI32, true
	case ast.TypeI64:
		return bytecode.KindI64, true
	case ast.TypeU32:
		return bytecode.KindU32, true
	case ast.TypeU64:
		return bytecode.KindU64, true
	case ast.TypeF64:
		return bytecode.KindF64, true
	}
	return 0, false
}

func castKind(k ast.TypeKind) (bytecode.NumKind, bool) {
	switch k {
	case ast.TypeBool:
		return bytecode.KindBool, true
	case ast.TypeString:
		return bytecode.KindString, true
	}
	return numKind(k)
}

func unitValue(k bytecode.NumKind) value.Value {
	switch k {
	case bytecode.KindI64:
		return value.I64(1)
	case bytecode.KindU32:
		return value.U32(1)
	case bytecode.KindU64:
		return value.U64(1)
	case bytecode.KindF64:
		return value.F64(1)
	}
	return value.I32(1)
}

func i32Literal(n ast.Node) (int32, bool) {
	lit, ok := n.(*ast.Literal)
	if !ok || lit.Value.Kind() != value.KindI32 {
		return 0, false
	}
	return lit.Value.AsI32(), true
}

func immediateOp(op string) (bytecode.Opcode, bool) {
	switch op {
	case "+":
		return bytecode.OpAddI32Imm, true
	case "-":
		return bytecode.OpSubI32Imm, true
	case "*":
		return bytecode.OpMulI32Imm, true
	}
	return bytecode.OpNop, false
}
