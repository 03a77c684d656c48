package compiler

import (
	"bytes"
	"testing"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/pkg/value"
	"github.com/chazu/strata/vm"
)

// build constructs a fresh tree. Passes rewrite trees in place, so every
// compilation gets its own.
type build func(a *ast.Arena) ast.Node

var backends = []pgo.Backend{pgo.BackendFast, pgo.BackendHybrid, pgo.BackendOptimized}

func compileWith(t *testing.T, b build, backend pgo.Backend, cfg Config) *Result {
	t.Helper()
	p := &Pipeline{Config: cfg, Backend: backend}
	res, err := p.Compile(b(ast.NewArena()))
	if err != nil {
		t.Fatalf("Compile(%s): %v", backend, err)
	}
	return res
}

// execute runs prog on both dispatchers and returns the printed output,
// failing when they disagree.
func execute(t *testing.T, prog *bytecode.Program) string {
	t.Helper()
	var outs []string
	for _, d := range []string{"switch", "table"} {
		var out bytes.Buffer
		m, err := vm.New(vm.Config{Dispatch: d, Out: &out})
		if err != nil {
			t.Fatalf("vm.New: %v", err)
		}
		if _, err := m.Run(prog); err != nil {
			t.Fatalf("%s: Run: %v\n%s", d, err, out.String())
		}
		outs = append(outs, out.String())
	}
	if outs[0] != outs[1] {
		t.Fatalf("dispatch mismatch:\nswitch: %q\ntable:  %q", outs[0], outs[1])
	}
	return outs[0]
}

// runAll compiles and runs b on every backend and returns the output,
// which must be the same for all of them.
func runAll(t *testing.T, b build) string {
	t.Helper()
	var first string
	for i, backend := range backends {
		out := execute(t, compileWith(t, b, backend, Config{}).Program)
		if i == 0 {
			first = out
			continue
		}
		if out != first {
			t.Fatalf("%s output differs from %s:\n%q\n%q", backend, backends[0], out, first)
		}
	}
	return first
}

// runErr compiles b with the fast backend and returns the runtime error.
func runErr(t *testing.T, b build) error {
	t.Helper()
	prog := compileWith(t, b, pgo.BackendFast, Config{}).Program
	var out bytes.Buffer
	m, err := vm.New(vm.Config{Out: &out})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	_, err = m.Run(prog)
	if err == nil {
		t.Fatalf("Run succeeded, output %q", out.String())
	}
	return err
}

func i32(a *ast.Arena, v int32) *ast.Literal { return a.Lit(value.I32(v)) }
func i64(a *ast.Arena, v int64) *ast.Literal { return a.Lit(value.I64(v)) }
func boolean(a *ast.Arena, v bool) *ast.Literal { return a.Lit(value.Bool(v)) }

// opcodes decodes fn's instruction stream.
func opcodes(t *testing.T, fn *bytecode.Function) []bytecode.Opcode {
	t.Helper()
	var ops []bytecode.Opcode
	code := fn.Chunk.Code
	for ip := 0; ip < len(code); {
		op := bytecode.Opcode(code[ip])
		n := op.InstructionLen()
		if n <= 0 {
			t.Fatalf("%s: bad opcode %d at %d", fn.Name, code[ip], ip)
		}
		ops = append(ops, op)
		ip += n
	}
	return ops
}

func hasOp(ops []bytecode.Opcode, want bytecode.Opcode) bool {
	for _, op := range ops {
		if op == want {
			return true
		}
	}
	return false
}
