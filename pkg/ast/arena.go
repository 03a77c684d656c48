package ast

import "github.com/chazu/strata/pkg/value"

// Arena hands out node IDs and remembers every node it created so a
// whole batch can be released at once.
type Arena struct {
	nextID int
	nodes  []Node
}

// Checkpoint marks a position in an arena's allocation history.
type Checkpoint struct {
	count  int
	nextID int
}

// NewArena returns an empty arena. IDs start at 1.
func NewArena() *Arena {
	return &Arena{nextID: 1}
}

// Track assigns n an ID and records it. It returns n for chaining.
func (a *Arena) Track(n Node) Node {
	info := n.Meta()
	info.ID = a.nextID
	a.nextID++
	a.nodes = append(a.nodes, n)
	return n
}

// Len returns the number of live nodes.
func (a *Arena) Len() int { return len(a.nodes) }

// Checkpoint returns the current allocation mark.
func (a *Arena) Checkpoint() Checkpoint {
	return Checkpoint{count: len(a.nodes), nextID: a.nextID}
}

// Restore releases every node created after cp, newest first, and
// rewinds ID allocation to cp.
func (a *Arena) Restore(cp Checkpoint) {
	if cp.count > len(a.nodes) {
		return
	}
	for i := len(a.nodes) - 1; i >= cp.count; i-- {
		Release(a.nodes[i])
		a.nodes[i] = nil
	}
	a.nodes = a.nodes[:cp.count]
	a.nextID = cp.nextID
}

// ---------------------------------------------------------------------------
// Builders
//
// The builders produce fully typed nodes the way the front-end does after
// inference: a non-nil type marks the node resolved.
// ---------------------------------------------------------------------------

func typed(t *Type) Info {
	return Info{Type: t, TypeResolved: t != nil}
}

// Lit builds a literal whose type follows from its value.
func (a *Arena) Lit(v value.Value) *Literal {
	n := &Literal{Info: typed(TypeForValue(v)), Value: v}
	n.IsConstant = true
	a.Track(n)
	return n
}

func (a *Arena) Ident(name string, t *Type) *Identifier {
	n := &Identifier{Info: typed(t), Name: name}
	a.Track(n)
	return n
}

func (a *Arena) Binary(op string, l, r Node, t *Type) *Binary {
	n := &Binary{Info: typed(t), Op: op, Left: l, Right: r}
	a.Track(n)
	return n
}

func (a *Arena) Unary(op string, operand Node, t *Type) *Unary {
	n := &Unary{Info: typed(t), Op: op, Operand: operand}
	a.Track(n)
	return n
}

func (a *Arena) Cast(expr Node, target *Type) *Cast {
	n := &Cast{Info: typed(target), Expr: expr, Target: target}
	a.Track(n)
	return n
}

func (a *Arena) Ternary(cond, then, els Node, t *Type) *Ternary {
	n := &Ternary{Info: typed(t), Cond: cond, Then: then, Else: els}
	a.Track(n)
	return n
}

func (a *Arena) Call(callee Node, t *Type, args ...Node) *Call {
	n := &Call{Info: typed(t), Callee: callee, Args: args}
	a.Track(n)
	return n
}

func (a *Arena) ArrayLit(t *Type, elems ...Node) *ArrayLit {
	n := &ArrayLit{Info: typed(t), Elems: elems}
	a.Track(n)
	return n
}

func (a *Arena) Index(arr, idx Node, t *Type) *IndexExpr {
	n := &IndexExpr{Info: typed(t), Array: arr, Index: idx}
	a.Track(n)
	return n
}

func (a *Arena) Program(decls ...Node) *Program {
	n := &Program{Info: typed(Void), Decls: decls}
	a.Track(n)
	return n
}

func (a *Arena) Block(stmts ...Node) *Block {
	n := &Block{Info: typed(Void), Stmts: stmts}
	a.Track(n)
	return n
}

// Var declares a mutable variable whose type is the initializer's.
func (a *Arena) Var(name string, init Node) *VarDecl {
	t := TypeOf(init)
	n := &VarDecl{Info: typed(t), Name: name, Mutable: true, DeclType: t, Init: init}
	a.Track(n)
	return n
}

func (a *Arena) Assign(name string, v Node) *Assign {
	n := &Assign{Info: typed(TypeOf(v)), Name: name, Value: v}
	a.Track(n)
	return n
}

func (a *Arena) ArrayAssign(arr, idx, v Node) *ArrayAssign {
	n := &ArrayAssign{Info: typed(TypeOf(v)), Array: arr, Index: idx, Value: v}
	a.Track(n)
	return n
}

func (a *Arena) If(cond, then, els Node) *If {
	n := &If{Info: typed(Void), Cond: cond, Then: then, Else: els}
	a.Track(n)
	return n
}

func (a *Arena) While(cond, body Node) *While {
	n := &While{Info: typed(Void), Cond: cond, Body: body}
	a.Track(n)
	return n
}

func (a *Arena) ForRange(v string, start, end, step, body Node) *ForRange {
	n := &ForRange{Info: typed(Void), Var: v, Start: start, End: end, Step: step, Body: body}
	a.Track(n)
	return n
}

func (a *Arena) ForIter(v string, iterable, body Node) *ForIter {
	n := &ForIter{Info: typed(Void), Var: v, Iterable: iterable, Body: body}
	a.Track(n)
	return n
}

func (a *Arena) Break() *Break {
	n := &Break{Info: typed(Void)}
	a.Track(n)
	return n
}

func (a *Arena) Continue() *Continue {
	n := &Continue{Info: typed(Void)}
	a.Track(n)
	return n
}

func (a *Arena) Return(v Node) *Return {
	n := &Return{Info: typed(Void), Value: v}
	a.Track(n)
	return n
}

func (a *Arena) Print(args ...Node) *Print {
	n := &Print{Info: typed(Void), Args: args, Newline: true}
	a.Track(n)
	return n
}

func (a *Arena) Function(name string, params []Param, result *Type, body Node) *Function {
	pts := make([]*Type, len(params))
	for i, p := range params {
		pts[i] = p.Type
	}
	n := &Function{Info: typed(FunctionOf(result, pts...)), Name: name, Params: params, Result: result, Body: body}
	a.Track(n)
	return n
}

func (a *Arena) Try(body Node, catchVar string, handler Node) *Try {
	n := &Try{Info: typed(Void), Body: body, CatchVar: catchVar, Handler: handler}
	a.Track(n)
	return n
}

func (a *Arena) Throw(v Node) *Throw {
	n := &Throw{Info: typed(Void), Value: v}
	a.Track(n)
	return n
}
