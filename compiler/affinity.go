package compiler

import (
	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/value"
)

// AffinityBinding records which operands of one loop can stay in typed
// registers. Exactly one of IsRangeLoop, IsIteratorLoop and IsWhileLoop is
// set.
type AffinityBinding struct {
	Loop      ast.Node
	BindingID int // from 1
	LoopDepth int // 0 for an outermost loop

	IsRangeLoop    bool
	IsIteratorLoop bool
	IsWhileLoop    bool

	// Range loops
	LoopVariableType       *ast.Type
	StartPrefersTyped      bool
	EndPrefersTyped        bool
	StepPrefersTyped       bool
	StartRequiresResidency bool
	EndRequiresResidency   bool
	StepRequiresResidency  bool
	HasConstantStart       bool
	HasConstantEnd         bool
	HasConstantStep        bool
	StepKnownPositive      bool
	StepKnownNegative      bool
	Inclusive              bool
	ProvenNumericBounds    bool

	// While loops
	GuardOperator          string
	LeftPrefersTyped       bool
	RightPrefersTyped      bool
	LeftRequiresResidency  bool
	RightRequiresResidency bool

	PreferTypedRegisters bool
}

// AnalyzeLoopAffinity records a binding for every analyzable loop under
// root, replacing any bindings from an earlier run. It returns the number
// recorded.
func AnalyzeLoopAffinity(root ast.Node, ctx *OptimizationContext) int {
	ctx.affinity = nil
	depth := 0
	recorded := 0
	ast.Walk(root, ast.Visitor{
		Pre: func(n ast.Node) bool {
			if !ast.IsLoop(n) {
				return true
			}
			var b *AffinityBinding
			switch loop := n.(type) {
			case *ast.ForRange:
				b = rangeBinding(loop)
			case *ast.While:
				b = whileBinding(loop)
			case *ast.ForIter:
				b = iterBinding(loop)
			}
			if b != nil {
				b.Loop = n
				b.LoopDepth = depth
				b.BindingID = len(ctx.affinity) + 1
				ctx.addAffinity(b)
				info := n.Meta()
				info.PreferTypedRegister = b.PreferTypedRegisters
				info.LoopBindingID = b.BindingID
				switch {
				case b.IsRangeLoop:
					info.RequiresLoopResidency = b.PreferTypedRegisters && b.ProvenNumericBounds
				default:
					info.RequiresLoopResidency = b.PreferTypedRegisters
				}
				recorded++
			}
			depth++
			return true
		},
		Post: func(n ast.Node) {
			if ast.IsLoop(n) && depth > 0 {
				depth--
			}
		},
	})
	return recorded
}

func rangeBinding(loop *ast.ForRange) *AffinityBinding {
	startT, endT, stepT := ast.TypeOf(loop.Start), ast.TypeOf(loop.End), ast.TypeOf(loop.Step)
	candidate := rangeCandidateType(loop)

	b := &AffinityBinding{
		IsRangeLoop:          true,
		LoopVariableType:     candidate,
		Inclusive:            loop.Inclusive,
		PreferTypedRegisters: prefersTyped(candidate),
		StartPrefersTyped:    prefersTyped(startT),
		EndPrefersTyped:      prefersTyped(endT),
		StepPrefersTyped:     prefersTyped(stepT),
		HasConstantStart:     isConstantNode(loop.Start),
		HasConstantEnd:       isConstantNode(loop.End),
		HasConstantStep:      isConstantNode(loop.Step),
	}
	b.ProvenNumericBounds = b.StartPrefersTyped && b.EndPrefersTyped && b.PreferTypedRegisters

	if loop.Step == nil {
		b.StepKnownPositive = true
		b.HasConstantStep = true
	} else if step, ok := constantNumericValue(loop.Step); ok {
		b.StepKnownPositive = step > 0
		b.StepKnownNegative = step < 0
	}

	b.StartRequiresResidency = b.StartPrefersTyped && !b.HasConstantStart
	b.EndRequiresResidency = b.EndPrefersTyped && !b.HasConstantEnd
	b.StepRequiresResidency = b.StepPrefersTyped && !b.HasConstantStep
	return b
}

func whileBinding(loop *ast.While) *AffinityBinding {
	guard, ok := relationalGuard(loop.Cond)
	if !ok {
		return nil
	}
	b := &AffinityBinding{
		IsWhileLoop:       true,
		GuardOperator:     guard.Op,
		LeftPrefersTyped:  prefersTyped(ast.TypeOf(guard.Left)),
		RightPrefersTyped: prefersTyped(ast.TypeOf(guard.Right)),
	}
	b.PreferTypedRegisters = b.LeftPrefersTyped && b.RightPrefersTyped
	b.LeftRequiresResidency = b.LeftPrefersTyped && !isConstantNode(guard.Left)
	b.RightRequiresResidency = b.RightPrefersTyped && !isConstantNode(guard.Right)
	return b
}

func iterBinding(loop *ast.ForIter) *AffinityBinding {
	return &AffinityBinding{
		IsIteratorLoop:       true,
		LoopVariableType:     iterElementType(loop),
		PreferTypedRegisters: iterPrefersTyped(loop),
	}
}

// ---------------------------------------------------------------------------
// Shared typed-preference rules (also used by residency)
// ---------------------------------------------------------------------------

func prefersTyped(t *ast.Type) bool {
	return ast.KindOf(t).SupportsTypedRegister()
}

func isIntegerKind(k ast.TypeKind) bool {
	switch k {
	case ast.TypeI32, ast.TypeI64, ast.TypeU32, ast.TypeU64:
		return true
	}
	return false
}

// rangeCandidateType is the loop variable's type: start's, else end's,
// else step's.
func rangeCandidateType(loop *ast.ForRange) *ast.Type {
	if t := ast.TypeOf(loop.Start); t != nil {
		return t
	}
	if t := ast.TypeOf(loop.End); t != nil {
		return t
	}
	return ast.TypeOf(loop.Step)
}

// relationalGuard returns the loop condition when it is a top-level
// < <= > or >= comparison.
func relationalGuard(cond ast.Node) (*ast.Binary, bool) {
	b, ok := cond.(*ast.Binary)
	if !ok || b.Left == nil || b.Right == nil {
		return nil, false
	}
	switch b.Op {
	case "<", "<=", ">", ">=":
		return b, true
	}
	return nil, false
}

// iterPrefersTyped holds only for integer iterables, which produce a range
// iterator over unboxed integers.
func iterPrefersTyped(loop *ast.ForIter) bool {
	return isIntegerKind(ast.KindOf(ast.TypeOf(loop.Iterable)))
}

func iterElementType(loop *ast.ForIter) *ast.Type {
	t := ast.TypeOf(loop.Iterable)
	if t != nil && t.Kind == ast.TypeArray {
		return t.Elem
	}
	return t
}

// loopPrefersTyped is the loop-level typed preference that both affinity
// and residency build on, so a residency plan always implies a typed
// affinity binding.
func loopPrefersTyped(loop ast.Node) bool {
	switch n := loop.(type) {
	case *ast.ForRange:
		return prefersTyped(rangeCandidateType(n))
	case *ast.While:
		g, ok := relationalGuard(n.Cond)
		return ok && prefersTyped(ast.TypeOf(g.Left)) && prefersTyped(ast.TypeOf(g.Right))
	case *ast.ForIter:
		return iterPrefersTyped(n)
	}
	return false
}

// isConstantNode is a shallow check: folded constants and literals. A
// missing node counts as constant.
func isConstantNode(n ast.Node) bool {
	if n == nil {
		return true
	}
	if n.Meta().IsConstant {
		return true
	}
	return ast.IsLiteral(n)
}

// constantNumericValue reads a numeric literal, or a negated one, as a
// float64.
func constantNumericValue(n ast.Node) (float64, bool) {
	switch e := n.(type) {
	case *ast.Literal:
		return literalFloat(e.Value)
	case *ast.Unary:
		if e.Op != "-" {
			return 0, false
		}
		if lit, ok := e.Operand.(*ast.Literal); ok {
			if f, ok := literalFloat(lit.Value); ok {
				return -f, true
			}
		}
	}
	return 0, false
}

func literalFloat(v value.Value) (float64, bool) {
	if !v.Kind().IsNumeric() {
		return 0, false
	}
	return v.AsFloat()
}
