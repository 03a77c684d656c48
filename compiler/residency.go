package compiler

import (
	"github.com/chazu/strata/pkg/ast"
)

// ResidencyPlan lists the loop operands that can be loaded into a typed
// register once and stay there for the whole loop.
type ResidencyPlan struct {
	Loop ast.Node

	// Range loops
	RangeEnd              ast.Node
	RangeStep             ast.Node
	EndPrefersTyped       bool
	EndRequiresResidency  bool
	StepPrefersTyped      bool
	StepRequiresResidency bool

	// While loops
	GuardLeft              ast.Node
	GuardRight             ast.Node
	LeftPrefersTyped       bool
	LeftRequiresResidency  bool
	RightPrefersTyped      bool
	RightRequiresResidency bool
}

// AnalyzeLoopResidency records a plan for every range or while loop under
// root with at least one qualifying operand, replacing earlier plans. It
// returns the number recorded.
func AnalyzeLoopResidency(root ast.Node, ctx *OptimizationContext) int {
	ctx.residency = nil
	recorded := 0
	ast.Walk(root, ast.Visitor{Pre: func(n ast.Node) bool {
		var p *ResidencyPlan
		switch loop := n.(type) {
		case *ast.ForRange:
			p = rangePlan(loop)
		case *ast.While:
			p = whilePlan(loop)
		}
		if p != nil {
			p.Loop = n
			ctx.addResidency(p)
			recorded++
		}
		return true
	}})
	return recorded
}

func rangePlan(loop *ast.ForRange) *ResidencyPlan {
	if !loopPrefersTyped(loop) {
		return nil
	}
	p := &ResidencyPlan{RangeEnd: loop.End, RangeStep: loop.Step}
	if operandQualifies(loop.End, loop.Body) {
		p.EndPrefersTyped = true
		p.EndRequiresResidency = !isConstantNode(loop.End)
	}
	if operandQualifies(loop.Step, loop.Body) {
		p.StepPrefersTyped = true
		p.StepRequiresResidency = !isConstantNode(loop.Step)
	}
	if !p.EndPrefersTyped && !p.StepPrefersTyped {
		return nil
	}
	return p
}

func whilePlan(loop *ast.While) *ResidencyPlan {
	guard, ok := relationalGuard(loop.Cond)
	if !ok || !loopPrefersTyped(loop) {
		return nil
	}
	p := &ResidencyPlan{GuardLeft: guard.Left, GuardRight: guard.Right}
	if operandQualifies(guard.Left, loop.Body) {
		p.LeftPrefersTyped = true
		p.LeftRequiresResidency = !isConstantNode(guard.Left)
	}
	if operandQualifies(guard.Right, loop.Body) {
		p.RightPrefersTyped = true
		p.RightRequiresResidency = !isConstantNode(guard.Right)
	}
	if !p.LeftPrefersTyped && !p.RightPrefersTyped {
		return nil
	}
	return p
}

func operandQualifies(operand, body ast.Node) bool {
	if operand == nil || !prefersTyped(ast.TypeOf(operand)) {
		return false
	}
	return typeInvariant(operand, body)
}

// typeInvariant reports whether every identifier expr references keeps
// its type throughout body. Identifiers without a resolved type make the
// answer no.
func typeInvariant(expr, body ast.Node) bool {
	types := make(map[string]*ast.Type)
	missing := false
	ast.Walk(expr, ast.Visitor{Pre: func(n ast.Node) bool {
		if id, ok := n.(*ast.Identifier); ok {
			if id.Type == nil {
				missing = true
			} else if _, seen := types[id.Name]; !seen {
				types[id.Name] = id.Type
			}
		}
		return true
	}})
	if missing {
		return false
	}
	if len(types) == 0 || body == nil {
		return true
	}

	rebound := false
	check := func(name string, t *ast.Type) {
		want, ok := types[name]
		if !ok {
			return
		}
		if t == nil || !want.Equal(t) {
			rebound = true
		}
	}
	ast.Walk(body, ast.Visitor{Pre: func(n ast.Node) bool {
		if rebound {
			return false
		}
		switch n := n.(type) {
		case *ast.Assign:
			check(n.Name, ast.TypeOf(n.Value))
		case *ast.VarDecl:
			check(n.Name, ast.TypeOf(n.Init))
		case *ast.ForRange:
			check(n.Var, rangeCandidateType(n))
		case *ast.ForIter:
			check(n.Var, iterElementType(n))
		case *ast.ArrayAssign:
			if referencesAny(n.Array, types) {
				rebound = true
			}
		case *ast.MemberAssign:
			if referencesAny(n.Object, types) {
				rebound = true
			}
		}
		return !rebound
	}})
	return !rebound
}

func referencesAny(n ast.Node, names map[string]*ast.Type) bool {
	found := false
	ast.Walk(n, ast.Visitor{Pre: func(n ast.Node) bool {
		if id, ok := n.(*ast.Identifier); ok {
			if _, hit := names[id.Name]; hit {
				found = true
			}
		}
		return !found
	}})
	return found
}
