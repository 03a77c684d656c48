package ast

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/pkg/value"
	"github.com/fxamacker/cbor/v2"
)

// The interchange format is how the external front-end hands a typed tree
// to this module: a CBOR document of nested wireNodes.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ast: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrMalformed reports an interchange document that does not describe a
// valid tree.
var ErrMalformed = errors.New("ast: malformed interchange document")

type wireType struct {
	Kind   string      `cbor:"kind"`
	Elem   *wireType   `cbor:"elem,omitempty"`
	Params []*wireType `cbor:"params,omitempty"`
	Result *wireType   `cbor:"result,omitempty"`
}

type wireParam struct {
	Name string    `cbor:"name"`
	Type *wireType `cbor:"type,omitempty"`
}

type wireNode struct {
	Kind      string          `cbor:"kind"`
	Line      int             `cbor:"line,omitempty"`
	Column    int             `cbor:"col,omitempty"`
	Type      *wireType       `cbor:"type,omitempty"`
	TypeError string          `cbor:"type_error,omitempty"`
	Op        string          `cbor:"op,omitempty"`
	Name      string          `cbor:"name,omitempty"`
	Mutable   bool            `cbor:"mutable,omitempty"`
	Inclusive bool            `cbor:"inclusive,omitempty"`
	Newline   bool            `cbor:"newline,omitempty"`
	Value     *value.Encoded  `cbor:"value,omitempty"`
	Target    *wireType       `cbor:"target,omitempty"`
	Params    []wireParam     `cbor:"params,omitempty"`
	Left      *wireNode       `cbor:"left,omitempty"`
	Right     *wireNode       `cbor:"right,omitempty"`
	Cond      *wireNode       `cbor:"cond,omitempty"`
	Then      *wireNode       `cbor:"then,omitempty"`
	Else      *wireNode       `cbor:"else,omitempty"`
	Body      *wireNode       `cbor:"body,omitempty"`
	Start     *wireNode       `cbor:"start,omitempty"`
	End       *wireNode       `cbor:"end,omitempty"`
	Step      *wireNode       `cbor:"step,omitempty"`
	Handler   *wireNode       `cbor:"handler,omitempty"`
	List      []*wireNode     `cbor:"list,omitempty"`
}

// EncodeProgram serializes a typed tree to CBOR.
func EncodeProgram(root Node) ([]byte, error) {
	w, err := toWire(root)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(w)
}

// DecodeProgram parses a CBOR interchange document into a typed tree whose
// nodes are tracked by arena. On error every node created during the
// decode is released and the arena is left as it was.
func DecodeProgram(data []byte, arena *Arena) (Node, error) {
	var w wireNode
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ast: unmarshal program: %w", err)
	}
	cp := arena.Checkpoint()
	n, err := fromWire(&w, arena)
	if err != nil {
		arena.Restore(cp)
		return nil, err
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

func typeToWire(t *Type) *wireType {
	if t == nil {
		return nil
	}
	w := &wireType{Kind: t.Kind.String(), Elem: typeToWire(t.Elem), Result: typeToWire(t.Result)}
	for _, p := range t.Params {
		w.Params = append(w.Params, typeToWire(p))
	}
	return w
}

func typeFromWire(w *wireType) *Type {
	if w == nil {
		return nil
	}
	t := &Type{Kind: ParseTypeKind(w.Kind), Elem: typeFromWire(w.Elem), Result: typeFromWire(w.Result)}
	for _, p := range w.Params {
		t.Params = append(t.Params, typeFromWire(p))
	}
	return t
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func toWire(n Node) (*wireNode, error) {
	if n == nil {
		return nil, nil
	}
	info := n.Meta()
	w := &wireNode{
		Kind:      n.Kind().String(),
		Line:      info.Span.Start.Line,
		Column:    info.Span.Start.Column,
		Type:      typeToWire(info.Type),
		TypeError: info.TypeError,
	}
	var err error
	one := func(c Node) *wireNode {
		if err != nil {
			return nil
		}
		var cw *wireNode
		cw, err = toWire(c)
		return cw
	}
	list := func(cs []Node) []*wireNode {
		out := make([]*wireNode, 0, len(cs))
		for _, c := range cs {
			out = append(out, one(c))
		}
		return out
	}
	switch n := n.(type) {
	case *Program:
		w.List = list(n.Decls)
	case *Block:
		w.List = list(n.Stmts)
	case *Function:
		w.Name = n.Name
		w.Target = typeToWire(n.Result)
		for _, p := range n.Params {
			w.Params = append(w.Params, wireParam{Name: p.Name, Type: typeToWire(p.Type)})
		}
		w.Body = one(n.Body)
	case *VarDecl:
		w.Name, w.Mutable, w.Target = n.Name, n.Mutable, typeToWire(n.DeclType)
		w.Right = one(n.Init)
	case *Assign:
		w.Name = n.Name
		w.Right = one(n.Value)
	case *ArrayAssign:
		w.Left, w.Cond, w.Right = one(n.Array), one(n.Index), one(n.Value)
	case *MemberAssign:
		w.Name = n.Member
		w.Left, w.Right = one(n.Object), one(n.Value)
	case *If:
		w.Cond, w.Then, w.Else = one(n.Cond), one(n.Then), one(n.Else)
	case *While:
		w.Cond, w.Body = one(n.Cond), one(n.Body)
	case *ForRange:
		w.Name, w.Inclusive = n.Var, n.Inclusive
		w.Start, w.End, w.Step, w.Body = one(n.Start), one(n.End), one(n.Step), one(n.Body)
	case *ForIter:
		w.Name = n.Var
		w.Right, w.Body = one(n.Iterable), one(n.Body)
	case *Break, *Continue:
	case *Return:
		w.Right = one(n.Value)
	case *Print:
		w.Newline = n.Newline
		w.List = list(n.Args)
	case *Try:
		w.Name = n.CatchVar
		w.Body, w.Handler = one(n.Body), one(n.Handler)
	case *Throw:
		w.Right = one(n.Value)
	case *Literal:
		enc, encErr := value.Encode(n.Value)
		if encErr != nil {
			return nil, encErr
		}
		w.Value = &enc
	case *Identifier:
		w.Name = n.Name
	case *Binary:
		w.Op = n.Op
		w.Left, w.Right = one(n.Left), one(n.Right)
	case *Unary:
		w.Op = n.Op
		w.Right = one(n.Operand)
	case *Cast:
		w.Target = typeToWire(n.Target)
		w.Right = one(n.Expr)
	case *Ternary:
		w.Cond, w.Then, w.Else = one(n.Cond), one(n.Then), one(n.Else)
	case *Call:
		w.Left = one(n.Callee)
		w.List = list(n.Args)
	case *ArrayLit:
		w.List = list(n.Elems)
	case *IndexExpr:
		w.Left, w.Right = one(n.Array), one(n.Index)
	case *Member:
		w.Name = n.Name
		w.Left = one(n.Object)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMalformed, n)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func fromWire(w *wireNode, a *Arena) (Node, error) {
	if w == nil {
		return nil, nil
	}
	var err error
	one := func(c *wireNode) Node {
		if err != nil || c == nil {
			return nil
		}
		var n Node
		n, err = fromWire(c, a)
		return n
	}
	need := func(c *wireNode, field string) Node {
		if c == nil && err == nil {
			err = fmt.Errorf("%w: %s node missing %s", ErrMalformed, w.Kind, field)
		}
		return one(c)
	}
	list := func(cs []*wireNode) []Node {
		out := make([]Node, 0, len(cs))
		for _, c := range cs {
			if n := one(c); n != nil {
				out = append(out, n)
			}
		}
		return out
	}

	var n Node
	switch w.Kind {
	case "program":
		n = &Program{Decls: list(w.List)}
	case "block":
		n = &Block{Stmts: list(w.List)}
	case "function":
		fn := &Function{Name: w.Name, Result: typeFromWire(w.Target)}
		for _, p := range w.Params {
			fn.Params = append(fn.Params, Param{Name: p.Name, Type: typeFromWire(p.Type)})
		}
		fn.Body = need(w.Body, "body")
		n = fn
	case "var":
		n = &VarDecl{Name: w.Name, Mutable: w.Mutable, DeclType: typeFromWire(w.Target), Init: one(w.Right)}
	case "assign":
		n = &Assign{Name: w.Name, Value: need(w.Right, "value")}
	case "array_assign":
		n = &ArrayAssign{Array: need(w.Left, "array"), Index: need(w.Cond, "index"), Value: need(w.Right, "value")}
	case "member_assign":
		n = &MemberAssign{Object: need(w.Left, "object"), Member: w.Name, Value: need(w.Right, "value")}
	case "if":
		n = &If{Cond: need(w.Cond, "cond"), Then: need(w.Then, "then"), Else: one(w.Else)}
	case "while":
		n = &While{Cond: need(w.Cond, "cond"), Body: need(w.Body, "body")}
	case "for_range":
		n = &ForRange{Var: w.Name, Inclusive: w.Inclusive, Start: need(w.Start, "start"),
			End: need(w.End, "end"), Step: one(w.Step), Body: need(w.Body, "body")}
	case "for_iter":
		n = &ForIter{Var: w.Name, Iterable: need(w.Right, "iterable"), Body: need(w.Body, "body")}
	case "break":
		n = &Break{}
	case "continue":
		n = &Continue{}
	case "return":
		n = &Return{Value: one(w.Right)}
	case "print":
		n = &Print{Args: list(w.List), Newline: w.Newline}
	case "try":
		n = &Try{Body: need(w.Body, "body"), CatchVar: w.Name, Handler: need(w.Handler, "handler")}
	case "throw":
		n = &Throw{Value: need(w.Right, "value")}
	case "literal":
		if w.Value == nil {
			return nil, fmt.Errorf("%w: literal without value", ErrMalformed)
		}
		v, decErr := value.Decode(*w.Value)
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, decErr)
		}
		lit := &Literal{Value: v}
		lit.IsConstant = true
		n = lit
	case "identifier":
		n = &Identifier{Name: w.Name}
	case "binary":
		n = &Binary{Op: w.Op, Left: need(w.Left, "left"), Right: need(w.Right, "right")}
	case "unary":
		n = &Unary{Op: w.Op, Operand: need(w.Right, "operand")}
	case "cast":
		n = &Cast{Target: typeFromWire(w.Target), Expr: need(w.Right, "expr")}
	case "ternary":
		n = &Ternary{Cond: need(w.Cond, "cond"), Then: need(w.Then, "then"), Else: need(w.Else, "else")}
	case "call":
		n = &Call{Callee: need(w.Left, "callee"), Args: list(w.List)}
	case "array":
		n = &ArrayLit{Elems: list(w.List)}
	case "index":
		n = &IndexExpr{Array: need(w.Left, "array"), Index: need(w.Right, "index")}
	case "member":
		n = &Member{Object: need(w.Left, "object"), Name: w.Name}
	default:
		return nil, fmt.Errorf("%w: unknown node kind %q", ErrMalformed, w.Kind)
	}
	if err != nil {
		return nil, err
	}

	info := n.Meta()
	info.Span.Start = Position{Line: w.Line, Column: w.Column}
	info.Type = typeFromWire(w.Type)
	info.TypeResolved = info.Type != nil && w.TypeError == ""
	info.HasTypeError = w.TypeError != ""
	info.TypeError = w.TypeError
	if lit, ok := n.(*Literal); ok && lit.Type == nil {
		lit.Type = TypeForValue(lit.Value)
		lit.TypeResolved = true
	}
	a.Track(n)
	return n, nil
}
