package ast

import (
	"testing"

	"github.com/chazu/strata/pkg/value"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ  *Type
		want string
	}{
		{nil, "<unresolved>"},
		{I32, "i32"},
		{ArrayOf(ArrayOf(F64)), "[[f64]]"},
		{FunctionOf(Bool, I64, String), "fn(i64, string) -> bool"},
		{FunctionOf(Void), "fn() -> void"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestTypeEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b *Type
		want bool
	}{
		{"same singleton", I32, I32, true},
		{"both nil", nil, nil, true},
		{"one nil", I32, nil, false},
		{"structural array", ArrayOf(U32), ArrayOf(U32), true},
		{"array element", ArrayOf(U32), ArrayOf(U64), false},
		{"function", FunctionOf(I32, I32), FunctionOf(I32, I32), true},
		{"function arity", FunctionOf(I32, I32), FunctionOf(I32), false},
		{"function result", FunctionOf(I32), FunctionOf(I64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeKinds(t *testing.T) {
	for _, k := range []TypeKind{TypeI32, TypeI64, TypeU32, TypeU64, TypeF64, TypeBool} {
		if !k.SupportsTypedRegister() {
			t.Errorf("%s should support typed registers", k)
		}
		if ParseTypeKind(k.String()) != k {
			t.Errorf("ParseTypeKind(%q) did not round trip", k)
		}
	}
	for _, k := range []TypeKind{TypeString, TypeArray, TypeFunction, TypeAny, TypeVoid, TypeUnknown} {
		if k.SupportsTypedRegister() {
			t.Errorf("%s should not support typed registers", k)
		}
	}
	if TypeBool.IsNumeric() || !TypeF64.IsNumeric() {
		t.Error("IsNumeric covers the five arithmetic kinds only")
	}
	if ParseTypeKind("complex") != TypeUnknown {
		t.Error("unknown names parse to TypeUnknown")
	}
	if KindOf(nil) != TypeUnknown {
		t.Error("KindOf(nil) should be unknown")
	}
}

func TestTypeForValue(t *testing.T) {
	tests := []struct {
		v    value.Value
		want *Type
	}{
		{value.Bool(true), Bool},
		{value.I32(1), I32},
		{value.U64(1), U64},
		{value.F64(1), F64},
		{value.String("s"), String},
		{value.Nil, Void},
		{value.NewArray(nil), Any},
	}
	for _, tt := range tests {
		if got := TypeForValue(tt.v); got != tt.want {
			t.Errorf("TypeForValue(%s) = %s, want %s", tt.v.Kind(), got, tt.want)
		}
	}
}
