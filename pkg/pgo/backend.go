package pgo

import "github.com/chazu/strata/pkg/ast"

// Backend is a compilation strategy.
type Backend uint8

const (
	BackendFast Backend = iota
	BackendOptimized
	BackendHybrid
	BackendAuto
)

var backendNames = [...]string{
	BackendFast:      "fast",
	BackendOptimized: "optimized",
	BackendHybrid:    "hybrid",
	BackendAuto:      "auto",
}

func (b Backend) String() string {
	if int(b) < len(backendNames) {
		return backendNames[b]
	}
	return "unknown"
}

// ParseBackend maps a backend name to its value. Unknown names yield
// BackendAuto and false.
func ParseBackend(name string) (Backend, bool) {
	for b, n := range backendNames {
		if n == name {
			return Backend(b), true
		}
	}
	return BackendAuto, false
}

// CompilationContext carries what backend selection knows about the code
// being compiled besides its shape.
type CompilationContext struct {
	Debug   bool
	HotPath bool
	PGO     *Context
}

// Complexity summarizes the shape of a subtree.
type Complexity struct {
	FunctionCount          int
	LoopCount              int
	NestedLoopDepth        int // loops on the deepest nesting path
	CallCount              int
	ComplexExpressionCount int // * / % casts and ternaries
	HasBreakContinue       bool
	HasComplexArithmetic   bool
}

// Score weighs the counters into a single complexity figure.
func (c Complexity) Score() float64 {
	s := float64(c.FunctionCount)*3 +
		float64(c.LoopCount)*2 +
		float64(c.NestedLoopDepth)*4 +
		float64(c.CallCount) +
		float64(c.ComplexExpressionCount)*1.5
	if c.HasBreakContinue {
		s += 3
	}
	if c.HasComplexArithmetic {
		s += 2
	}
	return s
}

// Benefit estimates, in [0, 1], how much the optimized backend would pay
// off for code of this shape. Nesting counts levels beyond the first loop.
func (c Complexity) Benefit() float64 {
	nesting := 0
	if c.NestedLoopDepth > 1 {
		nesting = c.NestedLoopDepth - 1
	}
	b := float64(c.LoopCount)*0.4 +
		float64(nesting)*0.2 +
		float64(c.ComplexExpressionCount)*0.1 +
		float64(c.CallCount)*0.15
	if c.HasComplexArithmetic {
		b += 0.3
	}
	if b > 1 {
		return 1
	}
	return b
}

// AnalyzeComplexity walks n and counts the features that drive backend
// selection. Nested function bodies are included.
func AnalyzeComplexity(n ast.Node) Complexity {
	var c Complexity
	analyzeComplexity(n, 0, &c)
	return c
}

func analyzeComplexity(n ast.Node, depth int, c *Complexity) {
	if n == nil {
		return
	}
	switch n := n.(type) {
	case *ast.Function:
		c.FunctionCount++
	case *ast.While, *ast.ForRange, *ast.ForIter:
		c.LoopCount++
		depth++
		if depth > c.NestedLoopDepth {
			c.NestedLoopDepth = depth
		}
	case *ast.Call:
		c.CallCount++
	case *ast.Break, *ast.Continue:
		c.HasBreakContinue = true
	case *ast.Binary:
		switch n.Op {
		case "*", "/", "%":
			c.ComplexExpressionCount++
			c.HasComplexArithmetic = true
		}
	case *ast.Cast, *ast.Ternary:
		c.ComplexExpressionCount++
	}
	for _, child := range ast.Children(n) {
		analyzeComplexity(child, depth, c)
	}
}

// IsSimpleExpression reports whether n is a literal, an identifier, or a
// sum or difference of simple expressions.
func IsSimpleExpression(n ast.Node) bool {
	switch n := n.(type) {
	case *ast.Literal, *ast.Identifier:
		return true
	case *ast.Binary:
		if n.Op == "+" || n.Op == "-" {
			return IsSimpleExpression(n.Left) && IsSimpleExpression(n.Right)
		}
	}
	return false
}

// ChooseBackend selects a backend for n. Debug builds always use the fast
// backend; profile data, when it asks for more than fast, wins over the
// shape heuristics.
func ChooseBackend(n ast.Node, cc CompilationContext) Backend {
	if cc.Debug {
		return BackendFast
	}
	if cc.PGO != nil && cc.PGO.Enabled && n != nil {
		if hp := cc.PGO.Lookup(n.Meta().ID); hp != nil {
			if b := cc.PGO.ChooseBackend(hp, BackendFast); b != BackendFast {
				return b
			}
		}
	}
	if IsSimpleExpression(n) {
		return BackendFast
	}
	c := AnalyzeComplexity(n)
	if c.NestedLoopDepth > 1 || c.CallCount >= 3 || c.Benefit() >= 0.5 {
		return BackendOptimized
	}
	if cc.HotPath {
		return BackendOptimized
	}
	return BackendFast
}

// VMHints tune the register allocator and dispatcher for a backend.
type VMHints struct {
	PreferRegisterReuse bool
	MinimizeSpilling    bool
	OptimizeForSpeed    bool
	TargetRegisterCount int
	ComputedGoto        bool // use the table dispatcher
}

// HintsFor returns the VM hints for backend b.
func HintsFor(b Backend) VMHints {
	switch b {
	case BackendFast:
		return VMHints{TargetRegisterCount: 32}
	case BackendOptimized:
		return VMHints{
			PreferRegisterReuse: true,
			MinimizeSpilling:    true,
			OptimizeForSpeed:    true,
			TargetRegisterCount: 128,
			ComputedGoto:        true,
		}
	case BackendHybrid:
		return VMHints{
			PreferRegisterReuse: true,
			OptimizeForSpeed:    true,
			TargetRegisterCount: 64,
			ComputedGoto:        true,
		}
	}
	return VMHints{PreferRegisterReuse: true, TargetRegisterCount: 64}
}
