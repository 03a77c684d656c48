// Package ast defines the typed AST consumed by the optimizer and the
// bytecode emitter. Trees arrive from the external front-end (parser plus
// type inference) with every node's resolved type populated.
package ast

import (
	"strings"
)

// TypeKind identifies the shape of a resolved type.
type TypeKind uint8

const (
	TypeUnknown TypeKind = iota
	TypeI32
	TypeI64
	TypeU32
	TypeU64
	TypeF64
	TypeBool
	TypeString
	TypeVoid
	TypeArray
	TypeFunction
	TypeAny
)

var typeKindNames = map[TypeKind]string{
	TypeUnknown:  "unknown",
	TypeI32:      "i32",
	TypeI64:      "i64",
	TypeU32:      "u32",
	TypeU64:      "u64",
	TypeF64:      "f64",
	TypeBool:     "bool",
	TypeString:   "string",
	TypeVoid:     "void",
	TypeArray:    "array",
	TypeFunction: "function",
	TypeAny:      "any",
}

func (k TypeKind) String() string {
	if name, ok := typeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseTypeKind maps a type name from the interchange format to a kind.
func ParseTypeKind(name string) TypeKind {
	for k, n := range typeKindNames {
		if n == name {
			return k
		}
	}
	return TypeUnknown
}

// SupportsTypedRegister reports whether values of this kind can live in an
// unboxed typed register.
func (k TypeKind) SupportsTypedRegister() bool {
	switch k {
	case TypeI32, TypeI64, TypeU32, TypeU64, TypeF64, TypeBool:
		return true
	}
	return false
}

// IsNumeric reports whether k is one of the arithmetic kinds.
func (k TypeKind) IsNumeric() bool {
	return k >= TypeI32 && k <= TypeF64
}

// Type is a resolved type. Array types carry Elem; function types carry
// Params and Result.
type Type struct {
	Kind   TypeKind
	Elem   *Type
	Params []*Type
	Result *Type
}

// Primitive type singletons. Callers must not mutate them.
var (
	I32    = &Type{Kind: TypeI32}
	I64    = &Type{Kind: TypeI64}
	U32    = &Type{Kind: TypeU32}
	U64    = &Type{Kind: TypeU64}
	F64    = &Type{Kind: TypeF64}
	Bool   = &Type{Kind: TypeBool}
	String = &Type{Kind: TypeString}
	Void   = &Type{Kind: TypeVoid}
	Any    = &Type{Kind: TypeAny}
)

// ArrayOf returns the array type with element type elem.
func ArrayOf(elem *Type) *Type {
	return &Type{Kind: TypeArray, Elem: elem}
}

// FunctionOf returns a function type.
func FunctionOf(result *Type, params ...*Type) *Type {
	return &Type{Kind: TypeFunction, Params: params, Result: result}
}

// KindOf returns t's kind, treating a nil type as unknown.
func KindOf(t *Type) TypeKind {
	if t == nil {
		return TypeUnknown
	}
	return t.Kind
}

// Equal reports structural equality. Two nil types are equal.
func (t *Type) Equal(o *Type) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TypeArray:
		return t.Elem.Equal(o.Elem)
	case TypeFunction:
		if len(t.Params) != len(o.Params) || !t.Result.Equal(o.Result) {
			return false
		}
		for i := range t.Params {
			if !t.Params[i].Equal(o.Params[i]) {
				return false
			}
		}
	}
	return true
}

func (t *Type) String() string {
	if t == nil {
		return "<unresolved>"
	}
	switch t.Kind {
	case TypeArray:
		return "[" + t.Elem.String() + "]"
	case TypeFunction:
		parts := make([]string, len(t.Params))
		for i, p := range t.Params {
			parts[i] = p.String()
		}
		return "fn(" + strings.Join(parts, ", ") + ") -> " + t.Result.String()
	}
	return t.Kind.String()
}
