package compiler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/pkg/value"
	"github.com/chazu/strata/vm"
)

func param(name string, t *ast.Type) ast.Param { return ast.Param{Name: name, Type: t} }

func findFunction(t *testing.T, p *bytecode.Program, name string) *bytecode.Function {
	t.Helper()
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	t.Fatalf("no function %q", name)
	return nil
}

func TestEmitModuleVariablesAndFunctions(t *testing.T) {
	// var total = 0
	// fn add(n: i32) { total = total + n }
	// for i in 0..5 { add(i) }
	// print(total)
	addT := ast.FunctionOf(ast.Void, ast.I32)
	b := func(a *ast.Arena) ast.Node {
		return a.Program(
			a.Var("total", i32(a, 0)),
			a.Function("add", []ast.Param{param("n", ast.I32)}, ast.Void, a.Block(
				a.Assign("total", a.Binary("+", a.Ident("total", ast.I32), a.Ident("n", ast.I32), ast.I32)),
			)),
			a.ForRange("i", i32(a, 0), i32(a, 5), nil, a.Block(
				a.Call(a.Ident("add", addT), ast.Void, a.Ident("i", ast.I32)),
			)),
			a.Print(a.Ident("total", ast.I32)),
		)
	}
	if out := runAll(t, b); out != "10\n" {
		t.Errorf("output = %q, want %q", out, "10\n")
	}

	prog := compileWith(t, b, pgo.BackendFast, Config{}).Program
	if prog.Functions[0].Name != EntryName {
		t.Errorf("Functions[0] = %s, want the entry", prog.Functions[0].Name)
	}
	if prog.ModuleRegisters != prog.Functions[0].RegisterCount {
		t.Errorf("ModuleRegisters = %d, entry uses %d", prog.ModuleRegisters, prog.Functions[0].RegisterCount)
	}
	add := findFunction(t, prog, "add")
	if add.Arity != 1 {
		t.Errorf("arity = %d, want 1", add.Arity)
	}
	ops := opcodes(t, add)
	if !hasOp(ops, bytecode.OpLoadGlobal) || !hasOp(ops, bytecode.OpStoreGlobal) {
		t.Errorf("add does not reach total through module registers: %v", ops)
	}
	for _, fn := range prog.Functions {
		if err := vm.Verify(fn); err != nil {
			t.Errorf("Verify(%s): %v", fn.Name, err)
		}
		if fn.RegisterCount > bytecode.WindowSize {
			t.Errorf("%s uses %d registers", fn.Name, fn.RegisterCount)
		}
	}
}

func TestEmitRecursion(t *testing.T) {
	fibT := ast.FunctionOf(ast.I32, ast.I32)
	out := runAll(t, func(a *ast.Arena) ast.Node {
		n := func() ast.Node { return a.Ident("n", ast.I32) }
		fib := func(arg ast.Node) ast.Node { return a.Call(a.Ident("fib", fibT), ast.I32, arg) }
		return a.Program(
			a.Function("fib", []ast.Param{param("n", ast.I32)}, ast.I32, a.Block(
				a.If(a.Binary("<", n(), i32(a, 2), ast.Bool), a.Block(a.Return(n())), nil),
				a.Return(a.Binary("+",
					fib(a.Binary("-", n(), i32(a, 1), ast.I32)),
					fib(a.Binary("-", n(), i32(a, 2), ast.I32)), ast.I32)),
			)),
			a.Print(fib(i32(a, 10))),
		)
	})
	if out != "55\n" {
		t.Errorf("output = %q, want %q", out, "55\n")
	}
}

func TestEmitClosures(t *testing.T) {
	incT := ast.FunctionOf(ast.I32)
	mkT := ast.FunctionOf(incT)
	b := func(a *ast.Arena) ast.Node {
		c := func() ast.Node { return a.Ident("c", ast.I32) }
		call := func(name string) ast.Node { return a.Call(a.Ident(name, incT), ast.I32) }
		return a.Program(
			a.Function("makeCounter", nil, incT, a.Block(
				a.Var("c", i32(a, 0)),
				a.Function("inc", nil, ast.I32, a.Block(
					a.Assign("c", a.Binary("+", c(), i32(a, 1), ast.I32)),
					a.Return(c()),
				)),
				a.Return(a.Ident("inc", incT)),
			)),
			a.Var("f", a.Call(a.Ident("makeCounter", mkT), incT)),
			a.Var("g", a.Call(a.Ident("makeCounter", mkT), incT)),
			call("f"),
			call("f"),
			call("g"),
			a.Print(call("f"), call("g")),
		)
	}
	if out := runAll(t, b); out != "3 2\n" {
		t.Errorf("output = %q, want %q", out, "3 2\n")
	}

	prog := compileWith(t, b, pgo.BackendFast, Config{}).Program
	inc := findFunction(t, prog, "inc")
	if len(inc.Upvalues) != 1 || !inc.Upvalues[0].IsLocal {
		t.Errorf("inc upvalues = %+v, want one local capture", inc.Upvalues)
	}
	if !hasOp(opcodes(t, findFunction(t, prog, "makeCounter")), bytecode.OpClosure) {
		t.Errorf("makeCounter does not build a closure")
	}
}

func TestEmitLoopControl(t *testing.T) {
	i := func(a *ast.Arena) ast.Node { return a.Ident("i", ast.I32) }
	eq := func(a *ast.Arena, n int32) ast.Node { return a.Binary("==", i(a), i32(a, n), ast.Bool) }
	tests := []struct {
		name  string
		build build
		want  string
	}{
		{"break and continue", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForRange("i", i32(a, 0), i32(a, 10), nil, a.Block(
				a.If(eq(a, 3), a.Block(a.Continue()), nil),
				a.If(eq(a, 6), a.Block(a.Break()), nil),
				a.Print(i(a)),
			)))
		}, "0\n1\n2\n4\n5\n"},
		{"while with break", func(a *ast.Arena) ast.Node {
			n := func() ast.Node { return a.Ident("n", ast.I32) }
			return a.Program(
				a.Var("n", i32(a, 0)),
				a.While(a.Binary("<", n(), i32(a, 100), ast.Bool), a.Block(
					a.Assign("n", a.Binary("+", n(), i32(a, 1), ast.I32)),
					a.If(a.Binary("==", n(), i32(a, 4), ast.Bool), a.Block(a.Break()), nil),
				)),
				a.Print(n()),
			)
		}, "4\n"},
		{"inclusive range", func(a *ast.Arena) ast.Node {
			loop := a.ForRange("i", i32(a, 1), i32(a, 3), nil, a.Block(a.Print(i(a))))
			loop.Inclusive = true
			return a.Program(loop)
		}, "1\n2\n3\n"},
		{"negative constant step", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForRange("i", i32(a, 5), i32(a, 0), i32(a, -2), a.Block(a.Print(i(a)))))
		}, "5\n3\n1\n"},
		{"step known only at run time", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.Var("s", i32(a, -3)),
				a.ForRange("i", i32(a, 10), i32(a, 0), a.Ident("s", ast.I32), a.Block(a.Print(i(a)))),
			)
		}, "10\n7\n4\n1\n"},
		{"i64 range", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForRange("i", i64(a, 1<<33), i64(a, 1<<33+2), nil, a.Block(
				a.Print(a.Ident("i", ast.I64)),
			)))
		}, "8589934592\n8589934593\n"},
		{"empty range", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForRange("i", i32(a, 3), i32(a, 3), nil, a.Block(a.Print(i(a)))), a.Print(a.Lit(value.String("end"))))
		}, "end\n"},
		{"iterate an array", func(a *ast.Arena) ast.Node {
			arr := a.ArrayLit(ast.ArrayOf(ast.I32), i32(a, 4), i32(a, 5), i32(a, 6))
			return a.Program(a.ForIter("x", arr, a.Block(a.Print(a.Ident("x", ast.I32)))))
		}, "4\n5\n6\n"},
		{"iterate an integer", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForIter("x", i32(a, 3), a.Block(a.Print(a.Ident("x", ast.I32)))))
		}, "0\n1\n2\n"},
		{"nested loops", func(a *ast.Arena) ast.Node {
			return a.Program(a.ForRange("i", i32(a, 0), i32(a, 2), nil, a.Block(
				a.ForRange("j", i32(a, 0), i32(a, 2), nil, a.Block(
					a.Print(i(a), a.Ident("j", ast.I32)),
				)),
			)))
		}, "0 0\n0 1\n1 0\n1 1\n"},
		{"break out of a try", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.ForRange("i", i32(a, 0), i32(a, 5), nil, a.Block(
					a.Try(a.Block(
						a.If(eq(a, 2), a.Block(a.Break()), nil),
						a.Print(i(a)),
					), "e", a.Block(a.Print(a.Ident("e", ast.Any)))),
				)),
				a.Print(a.Lit(value.String("done"))),
			)
		}, "0\n1\ndone\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := runAll(t, tt.build); out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestEmitExpressions(t *testing.T) {
	sideT := ast.FunctionOf(ast.Bool)
	tests := []struct {
		name  string
		build build
		want  string
	}{
		{"arrays", func(a *ast.Arena) ast.Node {
			xs := func() ast.Node { return a.Ident("xs", ast.ArrayOf(ast.I32)) }
			return a.Program(
				a.Var("xs", a.ArrayLit(ast.ArrayOf(ast.I32), i32(a, 1), i32(a, 2), i32(a, 3))),
				a.ArrayAssign(xs(), i32(a, 1), i32(a, 20)),
				a.Print(a.Index(xs(), i32(a, 1), ast.I32), xs()),
			)
		}, "20 [1, 20, 3]\n"},
		{"ternary", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.Var("n", i32(a, 7)),
				a.Print(a.Ternary(a.Binary(">", a.Ident("n", ast.I32), i32(a, 5), ast.Bool),
					a.Lit(value.String("big")), a.Lit(value.String("small")), ast.String)),
			)
		}, "big\n"},
		{"short circuit", func(a *ast.Arena) ast.Node {
			side := func() ast.Node { return a.Call(a.Ident("side", sideT), ast.Bool) }
			return a.Program(
				a.Function("side", nil, ast.Bool, a.Block(
					a.Print(a.Lit(value.String("called"))),
					a.Return(boolean(a, true)),
				)),
				a.Var("f", boolean(a, false)),
				a.Var("t", boolean(a, true)),
				a.Print(a.Binary("and", a.Ident("f", ast.Bool), side(), ast.Bool)),
				a.Print(a.Binary("or", a.Ident("t", ast.Bool), side(), ast.Bool)),
				a.Print(a.Binary("or", a.Ident("f", ast.Bool), side(), ast.Bool)),
			)
		}, "false\ntrue\ncalled\ntrue\n"},
		{"cast and concat", func(a *ast.Arena) ast.Node {
			return a.Program(a.Print(a.Binary("+", a.Cast(i32(a, 42), ast.String), a.Lit(value.String("!")), ast.String)))
		}, "42!\n"},
		{"unary", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.Var("n", i32(a, 4)),
				a.Var("b", boolean(a, true)),
				a.Print(a.Unary("-", a.Ident("n", ast.I32), ast.I32), a.Unary("not", a.Ident("b", ast.Bool), ast.Bool)),
			)
		}, "-4 false\n"},
		{"shadowing", func(a *ast.Arena) ast.Node {
			x := func() ast.Node { return a.Ident("x", ast.I32) }
			return a.Program(
				a.Var("x", i32(a, 1)),
				a.Block(
					a.Var("x", a.Binary("+", x(), i32(a, 10), ast.I32)),
					a.Print(x()),
				),
				a.Print(x()),
			)
		}, "11\n1\n"},
		{"function value", func(a *ast.Arena) ast.Node {
			dblT := ast.FunctionOf(ast.I32, ast.I32)
			return a.Program(
				a.Function("double", []ast.Param{param("n", ast.I32)}, ast.I32, a.Block(
					a.Return(a.Binary("*", a.Ident("n", ast.I32), i32(a, 2), ast.I32)),
				)),
				a.Var("g", a.Ident("double", dblT)),
				a.Print(a.Call(a.Ident("g", dblT), ast.I32, i32(a, 21))),
			)
		}, "42\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := runAll(t, tt.build); out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestEmitTryCatch(t *testing.T) {
	failT := ast.FunctionOf(ast.Void)
	out := runAll(t, func(a *ast.Arena) ast.Node {
		return a.Program(
			a.Function("fail", nil, ast.Void, a.Block(a.Throw(a.Lit(value.String("deep"))))),
			a.Try(a.Block(a.Throw(a.Lit(value.String("boom")))), "e", a.Block(a.Print(a.Ident("e", ast.Any)))),
			a.Try(a.Block(a.Call(a.Ident("fail", failT), ast.Void)), "e", a.Block(a.Print(a.Ident("e", ast.Any)))),
			a.Try(a.Block(
				a.Print(a.Index(a.ArrayLit(ast.ArrayOf(ast.I32), i32(a, 1)), i32(a, 5), ast.I32)),
			), "", a.Block(a.Print(a.Lit(value.String("caught"))))),
		)
	})
	if out != "boom\ndeep\ncaught\n" {
		t.Errorf("output = %q", out)
	}
}

func TestEmitRuntimeErrors(t *testing.T) {
	tests := []struct {
		name  string
		build build
		kind  vm.ErrorKind
	}{
		{"call a non-callable", func(a *ast.Arena) ast.Node {
			return a.Program(a.Var("x", i32(a, 3)), a.Call(a.Ident("x", ast.I32), ast.Any))
		}, vm.KindTypeError},
		{"arity mismatch", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.Function("one", []ast.Param{param("n", ast.I32)}, ast.Void, a.Block()),
				a.Call(a.Ident("one", ast.FunctionOf(ast.Void, ast.I32)), ast.Void, i32(a, 1), i32(a, 2)),
			)
		}, vm.KindArgumentError},
		{"index out of range", func(a *ast.Arena) ast.Node {
			return a.Program(a.Print(a.Index(a.ArrayLit(ast.ArrayOf(ast.I32)), i32(a, 0), ast.I32)))
		}, vm.KindIndexError},
		{"uncaught throw", func(a *ast.Arena) ast.Node {
			return a.Program(a.Throw(a.Lit(value.String("x"))))
		}, vm.KindRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runErr(t, tt.build)
			if !vm.IsKind(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestEmitCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *ast.Arena) ast.Node
		want  string
	}{
		{"undefined variable", func(a *ast.Arena) ast.Node {
			return a.Program(a.Print(a.Ident("nope", ast.I32)))
		}, "undefined variable"},
		{"immutable assignment", func(a *ast.Arena) ast.Node {
			v := a.Var("k", i32(a, 1))
			v.Mutable = false
			return a.Program(v, a.Assign("k", i32(a, 2)))
		}, "immutable"},
		{"break outside a loop", func(a *ast.Arena) ast.Node {
			return a.Program(a.Break())
		}, "outside of a loop"},
		{"function redeclared", func(a *ast.Arena) ast.Node {
			return a.Program(
				a.Function("f", nil, ast.Void, a.Block()),
				a.Function("f", nil, ast.Void, a.Block()),
			)
		}, "redeclared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEmitter(nil).Emit(tt.build(ast.NewArena()))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEmitMemberIsUnsupported(t *testing.T) {
	a := ast.NewArena()
	m := &ast.Member{Object: a.Ident("p", ast.Any), Name: "x"}
	a.Track(m)
	_, err := NewEmitter(nil).Emit(a.Program(a.Var("p", a.Lit(value.Nil)), a.Print(m)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestEmitTypedRangeLoop(t *testing.T) {
	b := func(a *ast.Arena) ast.Node {
		return a.Program(a.ForRange("i", i32(a, 0), i32(a, 10), nil, a.Block(a.Print(a.Ident("i", ast.I32)))))
	}
	typedLt, _ := bytecode.TypedCompare("<", bytecode.KindI32)
	genericLt, _ := bytecode.GenericBinary("<")

	hybrid := compileWith(t, b, pgo.BackendHybrid, Config{})
	ops := opcodes(t, hybrid.Program.Functions[0])
	for _, want := range []bytecode.Opcode{typedLt, bytecode.OpIncI32, bytecode.OpGuardTyped} {
		if !hasOp(ops, want) {
			t.Errorf("hybrid: missing %s in %v", want, ops)
		}
	}
	if hasOp(ops, genericLt) {
		t.Errorf("hybrid: generic compare in a typed loop")
	}
	if hybrid.Affinity != 1 || hybrid.Residency != 1 {
		t.Errorf("hybrid: affinity=%d residency=%d, want 1 1", hybrid.Affinity, hybrid.Residency)
	}

	fast := compileWith(t, b, pgo.BackendFast, Config{})
	ops = opcodes(t, fast.Program.Functions[0])
	if !hasOp(ops, genericLt) || !hasOp(ops, bytecode.OpAddR) {
		t.Errorf("fast: want generic compare and add, got %v", ops)
	}
	if hasOp(ops, bytecode.OpGuardTyped) || hasOp(ops, typedLt) {
		t.Errorf("fast: typed instructions emitted")
	}
}

func TestEmitLoopSites(t *testing.T) {
	var loopID int
	b := func(a *ast.Arena) ast.Node {
		loop := a.ForRange("i", i32(a, 0), i32(a, 10), nil, a.Block())
		loopID = loop.ID
		return a.Program(loop)
	}

	plain := compileWith(t, b, pgo.BackendHybrid, Config{}).Program.Functions[0]
	if len(plain.LoopSites) != 1 {
		t.Fatalf("got %d loop sites, want 1", len(plain.LoopSites))
	}
	if hasOp(opcodes(t, plain), bytecode.OpLoopEnter) {
		t.Errorf("loop entry marker emitted without profiling")
	}

	prog := compileWith(t, b, pgo.BackendHybrid, Config{EmitProfiling: true}).Program
	entry := prog.Functions[0]
	site := entry.LoopSites[0]
	if site.NodeID != loopID || !site.Typed {
		t.Errorf("site = %+v, want node %d typed", site, loopID)
	}
	if bytecode.Opcode(entry.Chunk.Code[site.Offset]) != bytecode.OpLoopEnter {
		t.Fatalf("site offset %d does not hold the loop entry marker", site.Offset)
	}

	m, err := vm.New(vm.Config{Profile: true, Out: &strings.Builder{}})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	if _, err := m.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lp := m.Profiler().Loop(entry, site.Site)
	if lp == nil {
		t.Fatal("loop site not profiled")
	}
	if got := lp.Entries.Load(); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
	if got := lp.Iterations.Load(); got != 10 {
		t.Errorf("iterations = %d, want 10", got)
	}
	found := false
	for _, s := range m.Profiler().Samples() {
		if s.NodeID == loopID && s.IsLoop {
			found = true
		}
	}
	if !found {
		t.Errorf("no sample for loop node %d", loopID)
	}
}

func TestEmitSourceLocations(t *testing.T) {
	a := ast.NewArena()
	p := a.Print(i32(a, 1))
	p.Span.Start = ast.Position{Line: 3, Column: 5}
	prog, err := NewEmitter(nil).Emit(a.Program(p))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	entry := prog.Functions[0]
	off := -1
	code := entry.Chunk.Code
	for ip := 0; ip < len(code); ip += bytecode.Opcode(code[ip]).InstructionLen() {
		if bytecode.Opcode(code[ip]) == bytecode.OpPrint {
			off = ip
		}
	}
	if off < 0 {
		t.Fatal("no print instruction")
	}
	line, col := entry.Chunk.GetSourceLocation(uint32(off))
	if line != 3 || col != 5 {
		t.Errorf("location = %d:%d, want 3:5", line, col)
	}
}

// A counted loop steps with checked arithmetic whichever way it is
// lowered: a step that leaves the kind's range raises after the last
// in-range value, and a range that ends inside the kind finishes cleanly.
func TestRangeBoundsAcrossLoweringPaths(t *testing.T) {
	type stepForm int
	const (
		noStep stepForm = iota
		literalStep
		runtimeStep
	)
	loop := func(start, end, step int32, inclusive bool, form stepForm) build {
		return func(a *ast.Arena) ast.Node {
			var s ast.Node
			switch form {
			case literalStep:
				s = i32(a, step)
			case runtimeStep:
				s = a.Ident("s", ast.I32)
			}
			r := a.ForRange("i", i32(a, start), i32(a, end), s, a.Block(a.Print(a.Ident("i", ast.I32))))
			r.Inclusive = inclusive
			return a.Program(a.Var("s", i32(a, step)), r)
		}
	}
	tests := []struct {
		name             string
		start, end, step int32
		inclusive        bool
		forms            []stepForm
		want             string
		overflow         bool
	}{
		{"inclusive up to max", math.MaxInt32 - 1, math.MaxInt32, 1, true,
			[]stepForm{noStep, literalStep, runtimeStep}, "2147483646\n2147483647\n", true},
		{"exclusive up to max", math.MaxInt32 - 2, math.MaxInt32, 1, false,
			[]stepForm{noStep, literalStep, runtimeStep}, "2147483645\n2147483646\n", false},
		{"inclusive down to min", math.MinInt32 + 1, math.MinInt32, -1, true,
			[]stepForm{literalStep, runtimeStep}, "-2147483647\n-2147483648\n", true},
		{"step jumps past max", 0, math.MaxInt32, 1 << 30, true,
			[]stepForm{literalStep, runtimeStep}, "0\n1073741824\n", true},
	}
	for _, tt := range tests {
		for _, form := range tt.forms {
			b := loop(tt.start, tt.end, tt.step, tt.inclusive, form)
			for _, backend := range backends {
				prog := compileWith(t, b, backend, Config{}).Program
				for _, d := range []string{"switch", "table"} {
					var out strings.Builder
					m, err := vm.New(vm.Config{Dispatch: d, Out: &out})
					if err != nil {
						t.Fatalf("vm.New: %v", err)
					}
					_, err = m.Run(prog)
					where := fmt.Sprintf("%s/form %d/%s/%s", tt.name, form, backend, d)
					if out.String() != tt.want {
						t.Errorf("%s: output = %q, want %q", where, out.String(), tt.want)
					}
					switch {
					case tt.overflow && !vm.IsKind(err, vm.KindValueError):
						t.Errorf("%s: err = %v, want an overflow value error", where, err)
					case tt.overflow && !strings.Contains(err.Error(), "overflow"):
						t.Errorf("%s: err = %v, want an overflow", where, err)
					case !tt.overflow && err != nil:
						t.Errorf("%s: err = %v", where, err)
					}
				}
			}
		}
	}
}
