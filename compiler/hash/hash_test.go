package hash

import (
	"testing"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/value"
)

// adder builds fn add(x, y) { return x + y } with the given parameter
// names, plus a top-level call.
func adder(a *ast.Arena, x, y string) ast.Node {
	fnT := ast.FunctionOf(ast.I32, ast.I32, ast.I32)
	return a.Program(
		a.Function("add", []ast.Param{{Name: x, Type: ast.I32}, {Name: y, Type: ast.I32}}, ast.I32, a.Block(
			a.Return(a.Binary("+", a.Ident(x, ast.I32), a.Ident(y, ast.I32), ast.I32)),
		)),
		a.Print(a.Call(a.Ident("add", fnT), ast.I32, a.Lit(value.I32(1)), a.Lit(value.I32(2)))),
	)
}

func TestHashNonZeroAndDeterministic(t *testing.T) {
	h1 := HashNode(adder(ast.NewArena(), "x", "y"))
	h2 := HashNode(adder(ast.NewArena(), "x", "y"))
	if h1.IsZero() {
		t.Fatal("hash should be non-zero")
	}
	if h1 != h2 {
		t.Error("same tree should produce identical hashes")
	}
	if len(h1.String()) != 64 {
		t.Errorf("hex digest has %d characters", len(h1.String()))
	}
}

func TestHashAlphaEquivalent(t *testing.T) {
	if HashNode(adder(ast.NewArena(), "x", "y")) != HashNode(adder(ast.NewArena(), "a", "b")) {
		t.Error("renaming parameters should not change the hash")
	}
}

func TestHashParameterOrderMatters(t *testing.T) {
	a := ast.NewArena()
	swapped := a.Function("add", []ast.Param{{Name: "x", Type: ast.I32}, {Name: "y", Type: ast.I32}}, ast.I32, a.Block(
		a.Return(a.Binary("+", a.Ident("y", ast.I32), a.Ident("x", ast.I32), ast.I32)),
	))
	b := ast.NewArena()
	straight := b.Function("add", []ast.Param{{Name: "x", Type: ast.I32}, {Name: "y", Type: ast.I32}}, ast.I32, b.Block(
		b.Return(b.Binary("+", b.Ident("x", ast.I32), b.Ident("y", ast.I32), ast.I32)),
	))
	if HashNode(swapped) == HashNode(straight) {
		t.Error("x + y and y + x should hash differently")
	}
}

func TestHashDifferences(t *testing.T) {
	base := func(a *ast.Arena) ast.Node {
		return a.Program(a.Var("n", a.Lit(value.I32(1))), a.Print(a.Ident("n", ast.I32)))
	}
	tests := []struct {
		name  string
		build func(a *ast.Arena) ast.Node
	}{
		{"literal value", func(a *ast.Arena) ast.Node {
			return a.Program(a.Var("n", a.Lit(value.I32(2))), a.Print(a.Ident("n", ast.I32)))
		}},
		{"literal kind", func(a *ast.Arena) ast.Node {
			return a.Program(a.Var("n", a.Lit(value.I64(1))), a.Print(a.Ident("n", ast.I64)))
		}},
		{"module variable name", func(a *ast.Arena) ast.Node {
			return a.Program(a.Var("m", a.Lit(value.I32(1))), a.Print(a.Ident("m", ast.I32)))
		}},
		{"mutability", func(a *ast.Arena) ast.Node {
			v := a.Var("n", a.Lit(value.I32(1)))
			v.Mutable = false
			return a.Program(v, a.Print(a.Ident("n", ast.I32)))
		}},
		{"print without newline", func(a *ast.Arena) ast.Node {
			p := a.Print(a.Ident("n", ast.I32))
			p.Newline = false
			return a.Program(a.Var("n", a.Lit(value.I32(1))), p)
		}},
	}
	want := HashNode(base(ast.NewArena()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if HashNode(tt.build(ast.NewArena())) == want {
				t.Error("hash did not change")
			}
		})
	}
}

func TestHashIgnoresMetadata(t *testing.T) {
	a := ast.NewArena()
	plain := adder(a, "x", "y")

	b := ast.NewArena()
	b.Lit(value.Nil) // shift every node ID by one
	noisy := adder(b, "x", "y")
	ast.Walk(noisy, ast.Visitor{Pre: func(n ast.Node) bool {
		info := n.Meta()
		info.Span.Start = ast.Position{Line: 9, Column: 9}
		info.EscapeMask = 0xFF
		info.PreferTypedRegister = true
		return true
	}})
	if HashNode(plain) != HashNode(noisy) {
		t.Error("IDs, spans and analysis metadata should not affect the hash")
	}
}

func TestHashLoopVariablesAreLocal(t *testing.T) {
	loop := func(name string) ast.Node {
		a := ast.NewArena()
		return a.Program(a.ForRange(name, a.Lit(value.I32(0)), a.Lit(value.I32(3)), nil, a.Block(
			a.Print(a.Ident(name, ast.I32)),
		)))
	}
	if HashNode(loop("i")) != HashNode(loop("k")) {
		t.Error("renaming a loop variable should not change the hash")
	}
}

func TestSerializeStartsWithVersion(t *testing.T) {
	data := Serialize(adder(ast.NewArena(), "x", "y"))
	if len(data) < 2 || data[0] != HashVersion || data[1] != TagProgram {
		t.Errorf("prefix = % x", data[:2])
	}
}
