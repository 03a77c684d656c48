package compiler

import (
	"math"
	"testing"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/pkg/value"
)

func TestFoldNestedArithmetic(t *testing.T) {
	a := ast.NewArena()
	// 2 + (3 * 4)
	expr := a.Binary("+", i32(a, 2), a.Binary("*", i32(a, 3), i32(a, 4), ast.I32), ast.I32)
	out, st := FoldConstants(expr, nil)

	lit, ok := out.(*ast.Literal)
	if !ok {
		t.Fatalf("got %T, want *ast.Literal", out)
	}
	if !value.Equal(lit.Value, value.I32(14)) {
		t.Errorf("value = %v, want 14", lit.Value)
	}
	if lit.ID != expr.ID {
		t.Errorf("literal ID = %d, want the folded node's %d", lit.ID, expr.ID)
	}
	if !lit.IsConstant {
		t.Errorf("folded literal not marked constant")
	}
	if st.ConstantsFolded != 2 || st.BinaryExpressionsFolded != 2 {
		t.Errorf("stats = %+v, want 2 folds", st)
	}
}

func TestFoldLeavesInexactExpressions(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *ast.Arena) ast.Node
	}{
		{"i32 overflow", func(a *ast.Arena) ast.Node {
			return a.Binary("+", i32(a, math.MaxInt32), i32(a, 1), ast.I32)
		}},
		{"i64 overflow", func(a *ast.Arena) ast.Node {
			return a.Binary("*", i64(a, math.MaxInt64), i64(a, 2), ast.I64)
		}},
		{"u32 underflow", func(a *ast.Arena) ast.Node {
			return a.Binary("-", a.Lit(value.U32(0)), a.Lit(value.U32(1)), ast.U32)
		}},
		{"division by zero", func(a *ast.Arena) ast.Node {
			return a.Binary("/", i32(a, 7), i32(a, 0), ast.I32)
		}},
		{"modulo by zero", func(a *ast.Arena) ast.Node {
			return a.Binary("%", i64(a, 7), i64(a, 0), ast.I64)
		}},
		{"mixed kinds", func(a *ast.Arena) ast.Node {
			return a.Binary("+", i32(a, 1), i64(a, 2), ast.Any)
		}},
		{"MIN / -1", func(a *ast.Arena) ast.Node {
			return a.Binary("/", i32(a, math.MinInt32), i32(a, -1), ast.I32)
		}},
		{"negate MIN", func(a *ast.Arena) ast.Node {
			return a.Unary("-", i32(a, math.MinInt32), ast.I32)
		}},
		{"not on an integer", func(a *ast.Arena) ast.Node {
			return a.Unary("not", i32(a, 1), ast.Bool)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.build(ast.NewArena())
			out, st := FoldConstants(in, nil)
			if out != in {
				t.Errorf("expression replaced with %T", out)
			}
			if st.ConstantsFolded != 0 {
				t.Errorf("ConstantsFolded = %d, want 0", st.ConstantsFolded)
			}
		})
	}
}

func TestFoldAlgebraicIdentities(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *ast.Arena) ast.Node
		want  value.Value
	}{
		{"x * 0", func(a *ast.Arena) ast.Node {
			return a.Binary("*", a.Ident("x", ast.I32), i32(a, 0), ast.I32)
		}, value.I32(0)},
		{"0 * x", func(a *ast.Arena) ast.Node {
			return a.Binary("*", i64(a, 0), a.Ident("x", ast.I64), ast.I64)
		}, value.I64(0)},
		{"x and false", func(a *ast.Arena) ast.Node {
			return a.Binary("and", a.Ident("x", ast.Bool), boolean(a, false), ast.Bool)
		}, value.Bool(false)},
		{"x or true", func(a *ast.Arena) ast.Node {
			return a.Binary("or", a.Ident("x", ast.Bool), boolean(a, true), ast.Bool)
		}, value.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, st := FoldConstants(tt.build(ast.NewArena()), nil)
			lit, ok := out.(*ast.Literal)
			if !ok {
				t.Fatalf("got %T, want *ast.Literal", out)
			}
			if !value.Equal(lit.Value, tt.want) {
				t.Errorf("value = %v, want %v", lit.Value, tt.want)
			}
			if st.NodesEliminated != 1 {
				t.Errorf("NodesEliminated = %d, want 1", st.NodesEliminated)
			}
		})
	}

	// x and true, x + 0 are not identities the folder applies.
	a := ast.NewArena()
	keep := a.Binary("and", a.Ident("x", ast.Bool), boolean(a, true), ast.Bool)
	if out, _ := FoldConstants(keep, nil); out != keep {
		t.Errorf("x and true folded to %T", out)
	}
}

func TestFoldIsIdempotent(t *testing.T) {
	a := ast.NewArena()
	root := a.Program(
		a.Var("x", a.Binary("-", i32(a, 10), a.Unary("-", i32(a, 3), ast.I32), ast.I32)),
		a.Print(a.Binary("+", a.Ident("x", ast.I32), a.Binary("*", i32(a, 2), i32(a, 5), ast.I32), ast.I32)),
	)
	once, first := FoldConstants(root, nil)
	if first.ConstantsFolded == 0 {
		t.Fatal("nothing folded on the first run")
	}
	before := ast.CountNodes(once)
	twice, second := FoldConstants(once, nil)
	if second.ConstantsFolded != 0 || second.OptimizationsApplied != 0 {
		t.Errorf("second run changed the tree: %+v", second)
	}
	if after := ast.CountNodes(twice); after != before {
		t.Errorf("node count %d -> %d", before, after)
	}
}

// Folding at compile time and evaluating at run time must agree.
func TestFoldAgreesWithRuntime(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *ast.Arena) ast.Node
	}{
		{"i32 add", func(a *ast.Arena) ast.Node { return a.Binary("+", i32(a, 40), i32(a, 2), ast.I32) }},
		{"i32 sub negative", func(a *ast.Arena) ast.Node { return a.Binary("-", i32(a, 3), i32(a, 10), ast.I32) }},
		{"i32 truncating div", func(a *ast.Arena) ast.Node { return a.Binary("/", i32(a, -7), i32(a, 2), ast.I32) }},
		{"i32 mod sign", func(a *ast.Arena) ast.Node { return a.Binary("%", i32(a, -7), i32(a, 3), ast.I32) }},
		{"i64 mul", func(a *ast.Arena) ast.Node { return a.Binary("*", i64(a, 1<<40), i64(a, 3), ast.I64) }},
		{"u32 div", func(a *ast.Arena) ast.Node {
			return a.Binary("/", a.Lit(value.U32(4000000000)), a.Lit(value.U32(3)), ast.U32)
		}},
		{"u64 add", func(a *ast.Arena) ast.Node {
			return a.Binary("+", a.Lit(value.U64(math.MaxUint64-5)), a.Lit(value.U64(5)), ast.U64)
		}},
		{"f64 div", func(a *ast.Arena) ast.Node {
			return a.Binary("/", a.Lit(value.F64(1)), a.Lit(value.F64(4)), ast.F64)
		}},
		{"i32 less", func(a *ast.Arena) ast.Node { return a.Binary("<", i32(a, 1), i32(a, 2), ast.Bool) }},
		{"i64 greater-equal", func(a *ast.Arena) ast.Node { return a.Binary(">=", i64(a, 1), i64(a, 2), ast.Bool) }},
		{"string equality", func(a *ast.Arena) ast.Node {
			return a.Binary("==", a.Lit(value.String("a")), a.Lit(value.String("a")), ast.Bool)
		}},
		{"string concat", func(a *ast.Arena) ast.Node {
			return a.Binary("+", a.Lit(value.String("ab")), a.Lit(value.String("cd")), ast.String)
		}},
		{"bool and", func(a *ast.Arena) ast.Node { return a.Binary("and", boolean(a, true), boolean(a, true), ast.Bool) }},
		{"not", func(a *ast.Arena) ast.Node { return a.Unary("not", boolean(a, false), ast.Bool) }},
		{"negate f64", func(a *ast.Arena) ast.Node { return a.Unary("-", a.Lit(value.F64(2.5)), ast.F64) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := func(a *ast.Arena) ast.Node { return a.Program(a.Print(tt.build(a))) }
			folded := compileWith(t, prog, pgo.BackendFast, Config{})
			if folded.Stats.ConstantsFolded == 0 {
				t.Fatalf("expression was not folded")
			}
			plain := compileWith(t, prog, pgo.BackendFast, Config{Passes: map[string]bool{"constantfold": false}})
			if plain.Stats.ConstantsFolded != 0 {
				t.Fatalf("folded with constantfold disabled")
			}
			if got, want := execute(t, folded.Program), execute(t, plain.Program); got != want {
				t.Errorf("folded prints %q, run time prints %q", got, want)
			}
		})
	}
}

func TestFoldOverflowRaisesAtRuntime(t *testing.T) {
	err := runErr(t, func(a *ast.Arena) ast.Node {
		return a.Program(a.Print(a.Binary("+", i32(a, math.MaxInt32), i32(a, 1), ast.I32)))
	})
	if err == nil {
		t.Fatal("expected overflow error")
	}
}
