package vm

import (
	"bytes"
	"testing"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/value"
)

// fn builds a function around a fresh chunk.
func fn(name string, arity int) *bytecode.Function {
	return &bytecode.Function{
		Name:          name,
		Arity:         arity,
		Chunk:         bytecode.NewChunk(),
		RegisterCount: bytecode.WindowSize,
	}
}

func program(fns ...*bytecode.Function) *bytecode.Program {
	return &bytecode.Program{Functions: fns, ModuleRegisters: bytecode.WindowSize}
}

// run executes p with the given dispatcher and returns the result, the
// printed output and the error.
func run(t *testing.T, dispatch string, p *bytecode.Program) (value.Value, string, error) {
	t.Helper()
	var out bytes.Buffer
	m, err := New(Config{Dispatch: dispatch, Out: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.Run(p)
	return m.Result(), out.String(), err
}

// runOK runs p on both dispatchers, fails on error or when the
// dispatchers disagree, and returns the result.
func runOK(t *testing.T, p *bytecode.Program) (value.Value, string) {
	t.Helper()
	sv, sout, err := run(t, "switch", p)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	tv, tout, err := run(t, "table", p)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if !value.Equal(sv, tv) || sout != tout {
		t.Fatalf("dispatch mismatch: switch=%v %q table=%v %q", sv, sout, tv, tout)
	}
	return sv, sout
}

// runErr runs p on both dispatchers and returns the runtime error, which
// must have the same kind on both.
func runErr(t *testing.T, p *bytecode.Program) *RuntimeError {
	t.Helper()
	var kinds [2]ErrorKind
	var last *RuntimeError
	for i, d := range []string{"switch", "table"} {
		_, _, err := run(t, d, p)
		re, ok := err.(*RuntimeError)
		if !ok {
			t.Fatalf("%s: err = %v, want *RuntimeError", d, err)
		}
		kinds[i] = re.Kind
		last = re
	}
	if kinds[0] != kinds[1] {
		t.Fatalf("dispatch mismatch: switch=%s table=%s", kinds[0], kinds[1])
	}
	return last
}

func emitReturn(c *bytecode.Chunk, r byte) {
	c.EmitWithOperand(bytecode.OpReturn, r)
}
