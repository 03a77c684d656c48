package ast

import "github.com/chazu/strata/pkg/value"

// ---------------------------------------------------------------------------
// Source positions
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// ---------------------------------------------------------------------------
// Node metadata
// ---------------------------------------------------------------------------

// Info is the metadata every typed node carries. It is embedded in each
// node variant and reached through Node.Meta.
type Info struct {
	ID   int
	Span Span

	// Type inference results.
	Type         *Type
	TypeResolved bool
	HasTypeError bool
	TypeError    string

	// Set by constant folding.
	IsConstant bool
	CanInline  bool

	// Register hints. SuggestedRegister 0 means no suggestion; registers
	// 0-3 are pinned and never suggested.
	SuggestedRegister int
	Spillable         bool

	// Loop analysis cache fields. LoopBindingID 0 means no binding;
	// bindings are numbered from 1.
	PreferTypedRegister   bool
	RequiresLoopResidency bool
	LoopBindingID         int

	// LICM guard metadata.
	GuardWitness   bool
	MetadataStable bool
	EscapeMask     uint32
}

// Meta returns the node's metadata.
func (i *Info) Meta() *Info { return i }

// NodeKind names a node variant. The names double as the "kind" field of
// the interchange format.
type NodeKind uint8

const (
	KindProgram NodeKind = iota
	KindBlock
	KindVarDecl
	KindAssign
	KindArrayAssign
	KindMemberAssign
	KindLiteral
	KindIdentifier
	KindBinary
	KindUnary
	KindCast
	KindTernary
	KindCall
	KindArrayLit
	KindIndex
	KindMember
	KindIf
	KindWhile
	KindForRange
	KindForIter
	KindBreak
	KindContinue
	KindReturn
	KindFunction
	KindPrint
	KindTry
	KindThrow
)

var nodeKindNames = [...]string{
	KindProgram:      "program",
	KindBlock:        "block",
	KindVarDecl:      "var",
	KindAssign:       "assign",
	KindArrayAssign:  "array_assign",
	KindMemberAssign: "member_assign",
	KindLiteral:      "literal",
	KindIdentifier:   "identifier",
	KindBinary:       "binary",
	KindUnary:        "unary",
	KindCast:         "cast",
	KindTernary:      "ternary",
	KindCall:         "call",
	KindArrayLit:     "array",
	KindIndex:        "index",
	KindMember:       "member",
	KindIf:           "if",
	KindWhile:        "while",
	KindForRange:     "for_range",
	KindForIter:      "for_iter",
	KindBreak:        "break",
	KindContinue:     "continue",
	KindReturn:       "return",
	KindFunction:     "function",
	KindPrint:        "print",
	KindTry:          "try",
	KindThrow:        "throw",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "invalid"
}

// Node is the interface implemented by every typed AST variant.
type Node interface {
	Meta() *Info
	Kind() NodeKind
}

// ---------------------------------------------------------------------------
// Structure
// ---------------------------------------------------------------------------

// Program is the root of a compilation unit.
type Program struct {
	Info
	Decls []Node
}

// Block is a braced statement list.
type Block struct {
	Info
	Stmts []Node
}

// Function declares a named function. Nested functions close over the
// enclosing function's locals.
type Function struct {
	Info
	Name   string
	Params []Param
	Result *Type
	Body   Node
}

// Param is a function parameter.
type Param struct {
	Name string
	Type *Type
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// VarDecl declares a local (or, at top level, a module) variable.
type VarDecl struct {
	Info
	Name     string
	Mutable  bool
	DeclType *Type
	Init     Node
}

// Assign stores into a named variable.
type Assign struct {
	Info
	Name  string
	Value Node
}

// ArrayAssign stores into an array element: Array[Index] = Value.
type ArrayAssign struct {
	Info
	Array Node
	Index Node
	Value Node
}

// MemberAssign stores into a struct field: Object.Member = Value.
type MemberAssign struct {
	Info
	Object Node
	Member string
	Value  Node
}

// If is a conditional statement. Else may be nil.
type If struct {
	Info
	Cond Node
	Then Node
	Else Node
}

// While loops while Cond holds.
type While struct {
	Info
	Cond Node
	Body Node
}

// ForRange iterates Var from Start to End by Step. Step may be nil,
// meaning +1. Inclusive selects ..= over ..
type ForRange struct {
	Info
	Var       string
	Start     Node
	End       Node
	Step      Node
	Inclusive bool
	Body      Node
}

// ForIter binds Var to each element produced by Iterable.
type ForIter struct {
	Info
	Var      string
	Iterable Node
	Body     Node
}

type Break struct{ Info }

type Continue struct{ Info }

// Return exits the current function. Value may be nil.
type Return struct {
	Info
	Value Node
}

// Print writes its arguments separated by spaces.
type Print struct {
	Info
	Args    []Node
	Newline bool
}

// Try runs Body and, on a raised error, binds it to CatchVar (if non-empty)
// and runs Handler.
type Try struct {
	Info
	Body     Node
	CatchVar string
	Handler  Node
}

// Throw raises Value as a runtime error.
type Throw struct {
	Info
	Value Node
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Literal is a constant value.
type Literal struct {
	Info
	Value value.Value
}

// Identifier references a variable or function by name.
type Identifier struct {
	Info
	Name string
}

// Binary applies an infix operator. Op is one of
// + - * / % == != < <= > >= and or.
type Binary struct {
	Info
	Op    string
	Left  Node
	Right Node
}

// Unary applies a prefix operator: not, - or +.
type Unary struct {
	Info
	Op      string
	Operand Node
}

// Cast converts Expr to Target (the "as" operator).
type Cast struct {
	Info
	Expr   Node
	Target *Type
}

// Ternary evaluates Then or Else depending on Cond.
type Ternary struct {
	Info
	Cond Node
	Then Node
	Else Node
}

// Call invokes Callee with Args.
type Call struct {
	Info
	Callee Node
	Args   []Node
}

// ArrayLit builds a new array from Elems.
type ArrayLit struct {
	Info
	Elems []Node
}

// IndexExpr reads Array[Index].
type IndexExpr struct {
	Info
	Array Node
	Index Node
}

// Member reads Object.Name.
type Member struct {
	Info
	Object Node
	Name   string
}

func (*Program) Kind() NodeKind      { return KindProgram }
func (*Block) Kind() NodeKind        { return KindBlock }
func (*Function) Kind() NodeKind     { return KindFunction }
func (*VarDecl) Kind() NodeKind      { return KindVarDecl }
func (*Assign) Kind() NodeKind       { return KindAssign }
func (*ArrayAssign) Kind() NodeKind  { return KindArrayAssign }
func (*MemberAssign) Kind() NodeKind { return KindMemberAssign }
func (*If) Kind() NodeKind           { return KindIf }
func (*While) Kind() NodeKind        { return KindWhile }
func (*ForRange) Kind() NodeKind     { return KindForRange }
func (*ForIter) Kind() NodeKind      { return KindForIter }
func (*Break) Kind() NodeKind        { return KindBreak }
func (*Continue) Kind() NodeKind     { return KindContinue }
func (*Return) Kind() NodeKind       { return KindReturn }
func (*Print) Kind() NodeKind        { return KindPrint }
func (*Try) Kind() NodeKind          { return KindTry }
func (*Throw) Kind() NodeKind        { return KindThrow }
func (*Literal) Kind() NodeKind      { return KindLiteral }
func (*Identifier) Kind() NodeKind   { return KindIdentifier }
func (*Binary) Kind() NodeKind       { return KindBinary }
func (*Unary) Kind() NodeKind        { return KindUnary }
func (*Cast) Kind() NodeKind         { return KindCast }
func (*Ternary) Kind() NodeKind      { return KindTernary }
func (*Call) Kind() NodeKind         { return KindCall }
func (*ArrayLit) Kind() NodeKind     { return KindArrayLit }
func (*IndexExpr) Kind() NodeKind    { return KindIndex }
func (*Member) Kind() NodeKind       { return KindMember }

// IsLoop reports whether n is a while, for-range or for-iter loop.
func IsLoop(n Node) bool {
	switch n.(type) {
	case *While, *ForRange, *ForIter:
		return true
	}
	return false
}

// IsLiteral reports whether n is a literal node.
func IsLiteral(n Node) bool {
	_, ok := n.(*Literal)
	return ok
}

// TypeOf returns n's resolved type, or nil for a nil node.
func TypeOf(n Node) *Type {
	if n == nil {
		return nil
	}
	return n.Meta().Type
}

// TypeForValue returns the primitive type of a literal value.
func TypeForValue(v value.Value) *Type {
	switch v.Kind() {
	case value.KindBool:
		return Bool
	case value.KindI32:
		return I32
	case value.KindI64:
		return I64
	case value.KindU32:
		return U32
	case value.KindU64:
		return U64
	case value.KindF64:
		return F64
	case value.KindString:
		return String
	case value.KindNil:
		return Void
	}
	return Any
}
