package ast

import "github.com/chazu/strata/pkg/value"

// Visitor carries the hooks for Walk. Pre runs before a node's children
// and may return false to skip them; Post runs after. Either may be nil.
type Visitor struct {
	Pre  func(Node) bool
	Post func(Node)
}

// Walk visits n and its descendants depth-first.
func Walk(n Node, v Visitor) {
	if n == nil {
		return
	}
	if v.Pre != nil && !v.Pre(n) {
		return
	}
	for _, c := range Children(n) {
		Walk(c, v)
	}
	if v.Post != nil {
		v.Post(n)
	}
}

// Rewrite rebuilds the tree bottom-up. fn is called on every node after
// its children have been rewritten; the node it returns takes the
// original's place in the parent. Returning the argument keeps the node.
func Rewrite(n Node, fn func(Node) Node) Node {
	if n == nil {
		return nil
	}
	mapChildren(n, func(c Node) Node { return Rewrite(c, fn) })
	return fn(n)
}

// Children returns n's non-nil children in evaluation order.
func Children(n Node) []Node {
	var out []Node
	add := func(c Node) {
		if c != nil {
			out = append(out, c)
		}
	}
	switch n := n.(type) {
	case *Program:
		for _, d := range n.Decls {
			add(d)
		}
	case *Block:
		for _, s := range n.Stmts {
			add(s)
		}
	case *Function:
		add(n.Body)
	case *VarDecl:
		add(n.Init)
	case *Assign:
		add(n.Value)
	case *ArrayAssign:
		add(n.Array)
		add(n.Index)
		add(n.Value)
	case *MemberAssign:
		add(n.Object)
		add(n.Value)
	case *If:
		add(n.Cond)
		add(n.Then)
		add(n.Else)
	case *While:
		add(n.Cond)
		add(n.Body)
	case *ForRange:
		add(n.Start)
		add(n.End)
		add(n.Step)
		add(n.Body)
	case *ForIter:
		add(n.Iterable)
		add(n.Body)
	case *Return:
		add(n.Value)
	case *Print:
		for _, a := range n.Args {
			add(a)
		}
	case *Try:
		add(n.Body)
		add(n.Handler)
	case *Throw:
		add(n.Value)
	case *Binary:
		add(n.Left)
		add(n.Right)
	case *Unary:
		add(n.Operand)
	case *Cast:
		add(n.Expr)
	case *Ternary:
		add(n.Cond)
		add(n.Then)
		add(n.Else)
	case *Call:
		add(n.Callee)
		for _, a := range n.Args {
			add(a)
		}
	case *ArrayLit:
		for _, e := range n.Elems {
			add(e)
		}
	case *IndexExpr:
		add(n.Array)
		add(n.Index)
	case *Member:
		add(n.Object)
	}
	return out
}

// mapChildren replaces every non-nil child slot of n with f(child).
func mapChildren(n Node, f func(Node) Node) {
	apply := func(c Node) Node {
		if c == nil {
			return nil
		}
		return f(c)
	}
	each := func(list []Node) {
		for i := range list {
			list[i] = apply(list[i])
		}
	}
	switch n := n.(type) {
	case *Program:
		each(n.Decls)
	case *Block:
		each(n.Stmts)
	case *Function:
		n.Body = apply(n.Body)
	case *VarDecl:
		n.Init = apply(n.Init)
	case *Assign:
		n.Value = apply(n.Value)
	case *ArrayAssign:
		n.Array = apply(n.Array)
		n.Index = apply(n.Index)
		n.Value = apply(n.Value)
	case *MemberAssign:
		n.Object = apply(n.Object)
		n.Value = apply(n.Value)
	case *If:
		n.Cond = apply(n.Cond)
		n.Then = apply(n.Then)
		n.Else = apply(n.Else)
	case *While:
		n.Cond = apply(n.Cond)
		n.Body = apply(n.Body)
	case *ForRange:
		n.Start = apply(n.Start)
		n.End = apply(n.End)
		n.Step = apply(n.Step)
		n.Body = apply(n.Body)
	case *ForIter:
		n.Iterable = apply(n.Iterable)
		n.Body = apply(n.Body)
	case *Return:
		n.Value = apply(n.Value)
	case *Print:
		each(n.Args)
	case *Try:
		n.Body = apply(n.Body)
		n.Handler = apply(n.Handler)
	case *Throw:
		n.Value = apply(n.Value)
	case *Binary:
		n.Left = apply(n.Left)
		n.Right = apply(n.Right)
	case *Unary:
		n.Operand = apply(n.Operand)
	case *Cast:
		n.Expr = apply(n.Expr)
	case *Ternary:
		n.Cond = apply(n.Cond)
		n.Then = apply(n.Then)
		n.Else = apply(n.Else)
	case *Call:
		n.Callee = apply(n.Callee)
		each(n.Args)
	case *ArrayLit:
		each(n.Elems)
	case *IndexExpr:
		n.Array = apply(n.Array)
		n.Index = apply(n.Index)
	case *Member:
		n.Object = apply(n.Object)
	}
}

// Release detaches n's subtree post-order so nothing displaced by a
// rewrite stays reachable through stale child pointers.
func Release(n Node) {
	if n == nil {
		return
	}
	mapChildren(n, func(c Node) Node {
		Release(c)
		return nil
	})
	switch n := n.(type) {
	case *Program:
		n.Decls = nil
	case *Block:
		n.Stmts = nil
	case *Print:
		n.Args = nil
	case *Call:
		n.Args = nil
	case *ArrayLit:
		n.Elems = nil
	}
}

// ReplaceWithLiteral builds the literal that replaces n after folding.
// The literal keeps n's metadata (ID, span, resolved type) and is marked
// constant; n's subtree is released.
func ReplaceWithLiteral(n Node, v value.Value) *Literal {
	lit := &Literal{Info: *n.Meta(), Value: v}
	lit.IsConstant = true
	lit.CanInline = true
	if lit.Type == nil {
		lit.Type = TypeForValue(v)
		lit.TypeResolved = true
	}
	Release(n)
	return lit
}

// CountNodes returns the number of nodes in n's subtree, n included.
func CountNodes(n Node) int {
	count := 0
	Walk(n, Visitor{Pre: func(Node) bool {
		count++
		return true
	}})
	return count
}
