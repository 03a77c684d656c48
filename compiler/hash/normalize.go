package hash

import (
	"github.com/chazu/strata/pkg/ast"
)

// ---------------------------------------------------------------------------
// Normalization: typed AST → frozen byte stream
//
// Walks the typed AST and writes the hashing serialization directly, with
// de Bruijn indices for local variables and names for module-level ones.
// Node IDs, spans and analysis metadata never reach the stream.
// ---------------------------------------------------------------------------

// scope tracks variables at one nesting level.
type scope struct {
	vars map[string]uint16 // variable name → slot index
	next uint16
}

type normalizer struct {
	s      serializer
	scopes []scope // empty at the top level, where names are global
}

func (n *normalizer) push() {
	n.scopes = append(n.scopes, scope{vars: make(map[string]uint16)})
}

func (n *normalizer) pop() {
	n.scopes = n.scopes[:len(n.scopes)-1]
}

// bind declares name in the innermost scope. At the top level it is a
// global and nothing is recorded.
func (n *normalizer) bind(name string) {
	if len(n.scopes) == 0 {
		return
	}
	sc := &n.scopes[len(n.scopes)-1]
	sc.vars[name] = sc.next
	sc.next++
}

// ref writes a variable reference: a local by (scope depth, slot), a
// global by name.
func (n *normalizer) ref(name string) {
	for depth := len(n.scopes) - 1; depth >= 0; depth-- {
		if slot, ok := n.scopes[depth].vars[name]; ok {
			n.s.writeByte(TagLocalRef)
			n.s.writeUint16(uint16(len(n.scopes) - 1 - depth))
			n.s.writeUint16(slot)
			return
		}
	}
	n.s.writeByte(TagGlobalRef)
	n.s.writeString(name)
}

func (n *normalizer) list(nodes []ast.Node) {
	n.s.writeUint32(uint32(len(nodes)))
	for _, c := range nodes {
		n.node(c)
	}
}

// scoped writes a statement in its own scope.
func (n *normalizer) scoped(stmt ast.Node) {
	n.push()
	n.node(stmt)
	n.pop()
}

func (n *normalizer) node(node ast.Node) {
	switch e := node.(type) {
	case nil:
		n.s.writeByte(TagAbsent)

	// Expressions
	case *ast.Literal:
		n.s.writeByte(TagLiteral)
		n.s.writeValue(e.Value)
	case *ast.Identifier:
		n.ref(e.Name)
	case *ast.Binary:
		n.s.writeByte(TagBinary)
		n.s.writeString(e.Op)
		n.node(e.Left)
		n.node(e.Right)
	case *ast.Unary:
		n.s.writeByte(TagUnary)
		n.s.writeString(e.Op)
		n.node(e.Operand)
	case *ast.Cast:
		n.s.writeByte(TagCast)
		n.s.writeType(e.Target)
		n.node(e.Expr)
	case *ast.Ternary:
		n.s.writeByte(TagTernary)
		n.node(e.Cond)
		n.node(e.Then)
		n.node(e.Else)
	case *ast.Call:
		n.s.writeByte(TagCall)
		n.node(e.Callee)
		n.list(e.Args)
	case *ast.ArrayLit:
		n.s.writeByte(TagArrayLit)
		n.s.writeType(e.Type)
		n.list(e.Elems)
	case *ast.IndexExpr:
		n.s.writeByte(TagIndex)
		n.node(e.Array)
		n.node(e.Index)
	case *ast.Member:
		n.s.writeByte(TagMember)
		n.s.writeString(e.Name)
		n.node(e.Object)

	// Statements
	case *ast.Program:
		n.s.writeByte(TagProgram)
		n.list(e.Decls)
	case *ast.Block:
		n.s.writeByte(TagBlock)
		n.push()
		n.list(e.Stmts)
		n.pop()
	case *ast.VarDecl:
		n.s.writeByte(TagVarDecl)
		n.s.writeBool(e.Mutable)
		n.s.writeType(e.DeclType)
		n.node(e.Init)
		if len(n.scopes) == 0 {
			n.s.writeString(e.Name)
		}
		// Declared after the initializer, matching codegen.
		n.bind(e.Name)
	case *ast.Assign:
		n.s.writeByte(TagAssign)
		n.ref(e.Name)
		n.node(e.Value)
	case *ast.ArrayAssign:
		n.s.writeByte(TagArrayAssign)
		n.node(e.Array)
		n.node(e.Index)
		n.node(e.Value)
	case *ast.MemberAssign:
		n.s.writeByte(TagMemberAssign)
		n.s.writeString(e.Member)
		n.node(e.Object)
		n.node(e.Value)
	case *ast.If:
		n.s.writeByte(TagIf)
		n.node(e.Cond)
		n.scoped(e.Then)
		n.scoped(e.Else)
	case *ast.While:
		n.s.writeByte(TagWhile)
		n.node(e.Cond)
		n.scoped(e.Body)
	case *ast.ForRange:
		n.s.writeByte(TagForRange)
		n.s.writeBool(e.Inclusive)
		n.node(e.Start)
		n.node(e.End)
		n.node(e.Step)
		n.push()
		n.bind(e.Var)
		n.node(e.Body)
		n.pop()
	case *ast.ForIter:
		n.s.writeByte(TagForIter)
		n.node(e.Iterable)
		n.push()
		n.bind(e.Var)
		n.node(e.Body)
		n.pop()
	case *ast.Break:
		n.s.writeByte(TagBreak)
	case *ast.Continue:
		n.s.writeByte(TagContinue)
	case *ast.Return:
		n.s.writeByte(TagReturn)
		n.node(e.Value)
	case *ast.Print:
		n.s.writeByte(TagPrint)
		n.s.writeBool(e.Newline)
		n.list(e.Args)
	case *ast.Function:
		n.function(e)
	case *ast.Try:
		n.s.writeByte(TagTry)
		n.s.writeBool(e.CatchVar != "")
		n.scoped(e.Body)
		n.push()
		if e.CatchVar != "" {
			n.bind(e.CatchVar)
		}
		n.node(e.Handler)
		n.pop()
	case *ast.Throw:
		n.s.writeByte(TagThrow)
		n.node(e.Value)

	default:
		// Unknown node kind; keep the stream well-formed.
		n.s.writeByte(TagAbsent)
	}
}

// function writes a function definition. Top-level functions keep their
// name since other units call them by it; nested ones are bound as locals
// before the body so they can recurse.
func (n *normalizer) function(f *ast.Function) {
	n.s.writeByte(TagFunction)
	if len(n.scopes) == 0 {
		n.s.writeString(f.Name)
	}
	n.bind(f.Name)
	n.s.writeType(f.Result)
	n.s.writeUint32(uint32(len(f.Params)))
	n.push()
	for _, p := range f.Params {
		n.s.writeType(p.Type)
		n.bind(p.Name)
	}
	n.node(f.Body)
	n.pop()
}
