package compiler

import (
	"math"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/value"
)

// FoldStats counts what one constant-folding run changed.
type FoldStats struct {
	OptimizationsApplied    int
	ConstantsFolded         int
	BinaryExpressionsFolded int
	NodesEliminated         int
}

// FoldConstants folds literal-only expressions bottom-up and applies the
// algebraic identities x*0, x and false, x or true. Anything it cannot
// evaluate exactly (overflow, division by zero, mixed kinds) is left
// alone. ctx may be nil; when it is not, the counts are added to its
// stats.
func FoldConstants(root ast.Node, ctx *OptimizationContext) (ast.Node, FoldStats) {
	var st FoldStats
	out := ast.Rewrite(root, func(n ast.Node) ast.Node {
		switch n := n.(type) {
		case *ast.Binary:
			return foldBinary(n, &st)
		case *ast.Unary:
			return foldUnary(n, &st)
		}
		return n
	})
	if ctx != nil {
		ctx.Stats.OptimizationsApplied += st.OptimizationsApplied
		ctx.Stats.ConstantsFolded += st.ConstantsFolded
		ctx.Stats.BinaryExpressionsFolded += st.BinaryExpressionsFolded
		ctx.Stats.NodesEliminated += st.NodesEliminated
	}
	return out, st
}

func foldBinary(b *ast.Binary, st *FoldStats) ast.Node {
	l, lok := b.Left.(*ast.Literal)
	r, rok := b.Right.(*ast.Literal)

	if lok && rok {
		v, ok := evalBinary(b.Op, l.Value, r.Value)
		if !ok {
			return b
		}
		st.OptimizationsApplied++
		st.ConstantsFolded++
		st.BinaryExpressionsFolded++
		return ast.ReplaceWithLiteral(b, v)
	}

	if lit := algebraicLiteral(b); lit != nil {
		st.OptimizationsApplied++
		st.ConstantsFolded++
		st.BinaryExpressionsFolded++
		st.NodesEliminated++
		return ast.ReplaceWithLiteral(b, lit.Value)
	}
	return b
}

// algebraicLiteral returns the literal operand that decides b on its own.
func algebraicLiteral(b *ast.Binary) *ast.Literal {
	var match func(value.Value) bool
	switch b.Op {
	case "*":
		match = isNumericZero
	case "and":
		match = func(v value.Value) bool { return v.Kind() == value.KindBool && !v.AsBool() }
	case "or":
		match = func(v value.Value) bool { return v.Kind() == value.KindBool && v.AsBool() }
	default:
		return nil
	}
	if l, ok := b.Left.(*ast.Literal); ok && match(l.Value) {
		return l
	}
	if r, ok := b.Right.(*ast.Literal); ok && match(r.Value) {
		return r
	}
	return nil
}

func isNumericZero(v value.Value) bool {
	switch v.Kind() {
	case value.KindI32, value.KindI64, value.KindU32, value.KindU64:
		return v.Bits() == 0
	case value.KindF64:
		return v.AsF64() == 0
	}
	return false
}

// evalBinary evaluates a literal binary expression. ok is false when the
// combination is unsupported or the result is not exactly representable.
func evalBinary(op string, a, b value.Value) (v value.Value, ok bool) {
	switch op {
	case "and", "or":
		if a.Kind() != value.KindBool || b.Kind() != value.KindBool {
			return value.Nil, false
		}
		if op == "and" {
			return value.Bool(a.AsBool() && b.AsBool()), true
		}
		return value.Bool(a.AsBool() || b.AsBool()), true

	case "==", "!=":
		if a.Kind() != b.Kind() || !foldableScalar(a.Kind()) {
			return value.Nil, false
		}
		eq := value.Equal(a, b)
		if op == "!=" {
			eq = !eq
		}
		return value.Bool(eq), true

	case "<", "<=", ">", ">=":
		if a.Kind() != b.Kind() || !a.Kind().IsNumeric() {
			return value.Nil, false
		}
		res, ok := value.Relational(op, a, b)
		if !ok {
			return value.Nil, false
		}
		return value.Bool(res), true

	case "+", "-", "*", "/", "%":
		if op == "+" && a.Kind() == value.KindString && b.Kind() == value.KindString {
			return value.String(a.AsString() + b.AsString()), true
		}
		if a.Kind() != b.Kind() || !a.Kind().IsNumeric() {
			return value.Nil, false
		}
		if (op == "/" || op == "%") && isNumericZero(b) {
			return value.Nil, false
		}
		res, aerr := value.Arith(op[0], a, b)
		if aerr != value.ArithOK {
			return value.Nil, false
		}
		return res, true
	}
	return value.Nil, false
}

func foldableScalar(k value.Kind) bool {
	switch k {
	case value.KindNil, value.KindBool, value.KindString:
		return true
	}
	return k.IsNumeric()
}

func foldUnary(u *ast.Unary, st *FoldStats) ast.Node {
	lit, ok := u.Operand.(*ast.Literal)
	if !ok {
		return u
	}
	v := lit.Value
	var res value.Value
	switch u.Op {
	case "not":
		if v.Kind() != value.KindBool {
			return u
		}
		res = value.Bool(!v.AsBool())
	case "-":
		switch v.Kind() {
		case value.KindI32:
			if v.AsI32() == math.MinInt32 {
				return u
			}
			res = value.I32(-v.AsI32())
		case value.KindI64:
			if v.AsI64() == math.MinInt64 {
				return u
			}
			res = value.I64(-v.AsI64())
		case value.KindF64:
			res = value.F64(-v.AsF64())
		default:
			return u
		}
	case "+":
		if !v.Kind().IsNumeric() {
			return u
		}
		res = v
	default:
		return u
	}
	st.OptimizationsApplied++
	st.ConstantsFolded++
	return ast.ReplaceWithLiteral(u, res)
}

// foldExpr folds a single expression subtree, used to clean up hoisted
// initializers.
func foldExpr(n ast.Node, ctx *OptimizationContext) ast.Node {
	out, _ := FoldConstants(n, ctx)
	return out
}
