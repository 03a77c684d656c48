package compiler

import (
	"github.com/chazu/strata/pkg/ast"
)

// ---------------------------------------------------------------------------
// Loop-invariant code motion
// ---------------------------------------------------------------------------

// LICMStats counts what one LICM run changed.
type LICMStats struct {
	InvariantsHoisted     int
	LoopsOptimized        int
	GuardFusions          int
	RedundantGuardFusions int
	Changed               bool
}

// lastGuardBit is the highest escape-mask bit; no bits are issued after it.
const lastGuardBit uint32 = 0x80000000

// HoistLoopInvariants moves the leading invariant statements of every
// while, for-range and for-iter body out in front of the loop. ctx may be
// nil; when it is not, the counts are added to its stats.
func HoistLoopInvariants(root ast.Node, ctx *OptimizationContext) LICMStats {
	l := &licm{ctx: ctx}
	l.traverse(root)
	if ctx != nil {
		ctx.Stats.InvariantsHoisted += l.stats.InvariantsHoisted
		ctx.Stats.LoopsOptimized += l.stats.LoopsOptimized
		ctx.Stats.GuardFusions += l.stats.GuardFusions
		ctx.Stats.RedundantGuardFusions += l.stats.RedundantGuardFusions
	}
	if l.stats.Changed {
		log.Debugf("licm: hoisted %d statements from %d loops (%d guards, %d fused)",
			l.stats.InvariantsHoisted, l.stats.LoopsOptimized, l.stats.GuardFusions, l.stats.RedundantGuardFusions)
	}
	return l.stats
}

type licm struct {
	ctx   *OptimizationContext
	stats LICMStats
	// scopes holds the names declared by each enclosing scope, innermost
	// last. A hoisted declaration must not collide with any of them.
	scopes []map[string]bool
}

func (l *licm) push(names map[string]bool) { l.scopes = append(l.scopes, names) }
func (l *licm) pop()                       { l.scopes = l.scopes[:len(l.scopes)-1] }

// declared reports whether name is bound by any enclosing scope.
func (l *licm) declared(name string) bool {
	for _, s := range l.scopes {
		if s[name] {
			return true
		}
	}
	return false
}

// traverse finds statement lists, the only places a loop can be hoisted
// out of, and processes them.
func (l *licm) traverse(n ast.Node) {
	switch n := n.(type) {
	case *ast.Program:
		n.Decls = l.processStatements(n.Decls)
	case *ast.Block:
		n.Stmts = l.processStatements(n.Stmts)
	case *ast.Function:
		params := make(map[string]bool, len(n.Params))
		for _, p := range n.Params {
			params[p.Name] = true
		}
		l.push(params)
		l.traverse(n.Body)
		l.pop()
	case *ast.If:
		l.traverse(n.Then)
		l.traverse(n.Else)
	case *ast.Try:
		l.traverse(n.Body)
		l.push(map[string]bool{n.CatchVar: n.CatchVar != ""})
		l.traverse(n.Handler)
		l.pop()
	case *ast.While, *ast.ForRange, *ast.ForIter:
		l.traverseLoop(n)
	}
}

func (l *licm) traverseLoop(loop ast.Node) {
	v := loopVar(loop)
	l.push(map[string]bool{v: v != ""})
	l.traverse(loopBody(loop))
	l.pop()
}

func (l *licm) processStatements(stmts []ast.Node) []ast.Node {
	names := declaredNames(stmts)
	l.push(names)
	defer l.pop()
	for i := 0; i < len(stmts); i++ {
		stmt := stmts[i]
		if !ast.IsLoop(stmt) {
			l.traverse(stmt)
			continue
		}
		if out, hoisted := l.hoist(stmts, i); hoisted > 0 {
			for _, h := range out[i : i+hoisted] {
				if d, ok := h.(*ast.VarDecl); ok {
					names[d.Name] = true
				}
			}
			stmts = out
			i += hoisted
		}
		l.traverseLoop(stmts[i])
	}
	return stmts
}

// declaredNames collects the variables and functions a statement list
// declares directly.
func declaredNames(stmts []ast.Node) map[string]bool {
	names := make(map[string]bool)
	for _, s := range stmts {
		switch s := s.(type) {
		case *ast.VarDecl:
			names[s.Name] = true
		case *ast.Function:
			names[s.Name] = true
		}
	}
	return names
}

func loopBody(n ast.Node) ast.Node {
	switch n := n.(type) {
	case *ast.While:
		return n.Body
	case *ast.ForRange:
		return n.Body
	case *ast.ForIter:
		return n.Body
	}
	return nil
}

func loopVar(n ast.Node) string {
	switch n := n.(type) {
	case *ast.ForRange:
		return n.Var
	case *ast.ForIter:
		return n.Var
	}
	return ""
}

// loopScope is what the pre-pass learns about a loop body.
type loopScope struct {
	locals  map[string]bool
	mutated map[string]bool
	assigns map[string]int
	hoisted map[string]bool
	loopVar string
	// outer reports names already bound outside the loop.
	outer func(name string) bool
}

func newLoopScope(loop ast.Node, body *ast.Block, outer func(string) bool) *loopScope {
	s := &loopScope{
		locals:  make(map[string]bool),
		mutated: make(map[string]bool),
		assigns: make(map[string]int),
		hoisted: make(map[string]bool),
		loopVar: loopVar(loop),
		outer:   outer,
	}
	if s.loopVar != "" {
		s.locals[s.loopVar] = true
	}
	ast.Walk(body, ast.Visitor{Pre: func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.Function:
			s.locals[n.Name] = true
			return false
		case *ast.VarDecl:
			s.locals[n.Name] = true
		case *ast.Assign:
			s.mutated[n.Name] = true
			s.assigns[n.Name]++
		case *ast.ArrayAssign:
			if base := baseIdentifier(n.Array); base != "" {
				s.mutated[base] = true
			}
		case *ast.MemberAssign:
			if base := baseIdentifier(n.Object); base != "" {
				s.mutated[base] = true
			}
		case *ast.ForRange:
			s.locals[n.Var] = true
			s.mutated[n.Var] = true
		case *ast.ForIter:
			s.locals[n.Var] = true
			s.mutated[n.Var] = true
		}
		return true
	}})
	return s
}

// baseIdentifier returns the variable at the root of an index or member
// chain such as a[i][j] or p.x.
func baseIdentifier(n ast.Node) string {
	for {
		switch e := n.(type) {
		case *ast.Identifier:
			return e.Name
		case *ast.IndexExpr:
			n = e.Array
		case *ast.Member:
			n = e.Object
		default:
			return ""
		}
	}
}

func (s *loopScope) invariant(n ast.Node) bool {
	switch n := n.(type) {
	case *ast.Literal:
		return true
	case *ast.Identifier:
		if s.hoisted[n.Name] {
			return true
		}
		return !s.mutated[n.Name] && !s.locals[n.Name]
	case *ast.Binary:
		return s.invariant(n.Left) && s.invariant(n.Right)
	case *ast.Unary:
		return s.invariant(n.Operand)
	case *ast.Cast:
		return s.invariant(n.Expr)
	}
	return false
}

// stableBoolWitness reports whether a boolean expression's type is
// settled enough to serve as a hoisted guard.
func stableBoolWitness(n ast.Node) bool {
	info := n.Meta()
	return info.TypeResolved && !info.HasTypeError && ast.KindOf(info.Type) == ast.TypeBool
}

// hoistable reports whether stmt can move out of the loop and whether it
// becomes a guard. A hoistable statement's name joins the hoisted set.
func (s *loopScope) hoistable(stmt ast.Node) (ok, guard bool) {
	var name string
	var expr ast.Node
	switch n := stmt.(type) {
	case *ast.VarDecl:
		// Outside the loop the declaration would rebind a name the
		// surrounding code or the loop variable already owns.
		if s.mutated[n.Name] || n.Name == s.loopVar || s.hoisted[n.Name] || s.outer(n.Name) {
			return false, false
		}
		name, expr = n.Name, n.Init
	case *ast.Assign:
		if s.locals[n.Name] || s.assigns[n.Name] != 1 {
			return false, false
		}
		name, expr = n.Name, n.Value
	default:
		return false, false
	}
	if expr == nil {
		return false, false
	}
	if ast.KindOf(expr.Meta().Type) == ast.TypeBool {
		if !stableBoolWitness(expr) {
			return false, false
		}
		guard = true
	}
	if !s.invariant(expr) {
		return false, false
	}
	s.hoisted[name] = true
	return true, guard
}

// hoist moves the hoistable prefix of the loop at parent[idx] in front of
// it. It returns the new parent list and the number of statements moved.
// The parent list and the loop body are replaced together, only once the
// new versions are complete.
func (l *licm) hoist(parent []ast.Node, idx int) ([]ast.Node, int) {
	loop := parent[idx]
	body, ok := loopBody(loop).(*ast.Block)
	if !ok || len(body.Stmts) == 0 {
		markLoopGuards(loop, 0, 0)
		return parent, 0
	}

	scope := newLoopScope(loop, body, l.declared)
	count := 0
	var guards []bool
	for _, stmt := range body.Stmts {
		ok, guard := scope.hoistable(stmt)
		if !ok {
			break
		}
		guards = append(guards, guard)
		count++
	}
	if count == 0 {
		markLoopGuards(loop, 0, 0)
		return parent, 0
	}

	hoisted := make([]ast.Node, count)
	copy(hoisted, body.Stmts[:count])
	newBody := make([]ast.Node, len(body.Stmts)-count)
	copy(newBody, body.Stmts[count:])

	var mask uint32
	next := uint32(1)
	guardCount := 0
	for i, stmt := range hoisted {
		if !guards[i] {
			continue
		}
		guardCount++
		bit := next
		if next != 0 {
			mask |= bit
			if next == lastGuardBit {
				next = 0
			} else {
				next <<= 1
			}
		}
		info := stmt.Meta()
		info.GuardWitness = true
		info.MetadataStable = true
		info.EscapeMask = bit
	}

	redundant := fuseGuards(hoisted)

	for _, stmt := range hoisted {
		switch n := stmt.(type) {
		case *ast.VarDecl:
			n.Init = foldExpr(n.Init, l.ctx)
		case *ast.Assign:
			n.Value = foldExpr(n.Value, l.ctx)
		}
	}

	newParent := make([]ast.Node, 0, len(parent)+count)
	newParent = append(newParent, parent[:idx]...)
	newParent = append(newParent, hoisted...)
	newParent = append(newParent, parent[idx:]...)
	body.Stmts = newBody

	l.stats.Changed = true
	l.stats.InvariantsHoisted += count
	l.stats.LoopsOptimized++
	l.stats.GuardFusions += guardCount
	l.stats.RedundantGuardFusions += redundant
	markLoopGuards(loop, mask, guardCount)
	return newParent, count
}

func markLoopGuards(loop ast.Node, mask uint32, guards int) {
	info := loop.Meta()
	if mask != 0 && guards > 0 {
		info.GuardWitness = true
		info.MetadataStable = true
		info.EscapeMask = mask
		return
	}
	if mask == 0 {
		info.GuardWitness = false
	}
	info.MetadataStable = false
	info.EscapeMask = 0
}

// guardBase is the condition a guard ultimately tests: the identifier
// itself, or the right-most operand of an and-chain.
func guardBase(init ast.Node) ast.Node {
	switch n := init.(type) {
	case *ast.Identifier:
		return n
	case *ast.Binary:
		if n.Op == "and" && n.Right != nil {
			return guardBase(n.Right)
		}
	}
	return nil
}

// fuseGuards rewrites g2 = g1 and base, where g1 is the guard hoisted
// just before g2 and already tests base, to g2 = g1. It returns the
// number of rewrites. Any statement that is not a guard declaration
// breaks the chain.
func fuseGuards(hoisted []ast.Node) int {
	var (
		lastName string
		lastBase ast.Node
	)
	rewrites := 0
	for _, stmt := range hoisted {
		decl, ok := stmt.(*ast.VarDecl)
		if !ok || !decl.GuardWitness {
			lastName, lastBase = "", nil
			continue
		}
		base := guardBase(decl.Init)
		if bin, ok := decl.Init.(*ast.Binary); ok && lastName != "" && bin.Op == "and" {
			left, lok := bin.Left.(*ast.Identifier)
			if lok && left.Name == lastName && lastBase != nil && sameExpr(bin.Right, lastBase) {
				ast.Release(bin.Right)
				bin.Left, bin.Right = nil, nil
				decl.Init = left
				decl.MetadataStable = true
				rewrites++
				lastName = decl.Name
				continue
			}
		}
		lastName, lastBase = decl.Name, base
	}
	return rewrites
}

// sameExpr reports whether two side-effect-free expressions are
// structurally identical.
func sameExpr(a, b ast.Node) bool {
	if a == b {
		return true
	}
	switch x := a.(type) {
	case *ast.Identifier:
		y, ok := b.(*ast.Identifier)
		return ok && x.Name == y.Name
	case *ast.Literal:
		y, ok := b.(*ast.Literal)
		return ok && x.Value.Kind() == y.Value.Kind() && x.Value.String() == y.Value.String()
	case *ast.Binary:
		y, ok := b.(*ast.Binary)
		return ok && x.Op == y.Op && sameExpr(x.Left, y.Left) && sameExpr(x.Right, y.Right)
	case *ast.Unary:
		y, ok := b.(*ast.Unary)
		return ok && x.Op == y.Op && sameExpr(x.Operand, y.Operand)
	}
	return false
}
