package dist

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/strata/compiler"
	"github.com/chazu/strata/compiler/hash"
	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/pkg/value"
	"github.com/chazu/strata/vm"
)

// counterProgram exercises closures, arrays, strings and a typed loop.
func counterProgram(a *ast.Arena) ast.Node {
	incT := ast.FunctionOf(ast.I32)
	mkT := ast.FunctionOf(incT)
	c := func() ast.Node { return a.Ident("c", ast.I32) }
	return a.Program(
		a.Function("makeCounter", nil, incT, a.Block(
			a.Var("c", a.Lit(value.I32(0))),
			a.Function("inc", nil, ast.I32, a.Block(
				a.Assign("c", a.Binary("+", c(), a.Lit(value.I32(1)), ast.I32)),
				a.Return(c()),
			)),
			a.Return(a.Ident("inc", incT)),
		)),
		a.Var("f", a.Call(a.Ident("makeCounter", mkT), incT)),
		a.Var("xs", a.ArrayLit(ast.ArrayOf(ast.I32), a.Lit(value.I32(4)), a.Lit(value.I32(5)))),
		a.ForRange("i", a.Lit(value.I32(0)), a.Lit(value.I32(3)), nil, a.Block(
			a.Print(a.Call(a.Ident("f", incT), ast.I32)),
		)),
		a.Print(a.Lit(value.String("xs")), a.Ident("xs", ast.ArrayOf(ast.I32))),
	)
}

func compile(t *testing.T) (*bytecode.Program, hash.Digest) {
	t.Helper()
	root := counterProgram(ast.NewArena())
	digest := hash.HashNode(root)
	p := &compiler.Pipeline{Backend: pgo.BackendHybrid}
	res, err := p.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return res.Program, digest
}

func run(t *testing.T, prog *bytecode.Program) string {
	t.Helper()
	var out bytes.Buffer
	m, err := vm.New(vm.Config{Out: &out})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	if _, err := m.Run(prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

func TestImageRoundTrip(t *testing.T) {
	prog, digest := compile(t)
	img, err := NewImage(prog, digest)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	data, err := Marshal(img)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.ID != img.ID {
		t.Errorf("ID = %s, want %s", got.ID, img.ID)
	}
	if got.FormatVersion != FormatVersion {
		t.Errorf("FormatVersion = %q", got.FormatVersion)
	}
	if got.SourceDigest != digest {
		t.Error("SourceDigest mismatch")
	}
	if got.Backend != "hybrid" || got.Entry != prog.Entry || got.ModuleRegisters != prog.ModuleRegisters {
		t.Errorf("header = %s/%d/%d", got.Backend, got.Entry, got.ModuleRegisters)
	}

	loaded, err := got.Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if len(loaded.Functions) != len(prog.Functions) {
		t.Fatalf("%d functions, want %d", len(loaded.Functions), len(prog.Functions))
	}
	for i, fn := range prog.Functions {
		lf := loaded.Functions[i]
		if lf.Name != fn.Name || lf.Arity != fn.Arity || lf.RegisterCount != fn.RegisterCount || lf.NodeID != fn.NodeID {
			t.Errorf("function %d = %s/%d/%d/%d", i, lf.Name, lf.Arity, lf.RegisterCount, lf.NodeID)
		}
		if !bytes.Equal(lf.Chunk.Code, fn.Chunk.Code) {
			t.Errorf("function %s: code differs", fn.Name)
		}
		if len(lf.Upvalues) != len(fn.Upvalues) || len(lf.LoopSites) != len(fn.LoopSites) {
			t.Errorf("function %s: %d upvalues, %d loop sites", fn.Name, len(lf.Upvalues), len(lf.LoopSites))
		}
		for j := range fn.LoopSites {
			if !reflect.DeepEqual(lf.LoopSites[j], fn.LoopSites[j]) {
				t.Errorf("loop site %d = %+v, want %+v", j, lf.LoopSites[j], fn.LoopSites[j])
			}
		}
	}

	want := "1\n2\n3\nxs [4, 5]\n"
	if out := run(t, prog); out != want {
		t.Fatalf("in-memory output = %q, want %q", out, want)
	}
	if out := run(t, loaded); out != want {
		t.Errorf("reloaded output = %q, want %q", out, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	prog, digest := compile(t)
	img, err := NewImage(prog, digest)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	a, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same image twice should give identical bytes")
	}
}

func TestFreshImageIDs(t *testing.T) {
	prog, digest := compile(t)
	a, _ := NewImage(prog, digest)
	b, _ := NewImage(prog, digest)
	if a.ID == b.ID {
		t.Error("each image should get its own id")
	}
	if a.Key() != a.ID.String() {
		t.Errorf("Key = %q", a.Key())
	}
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0.0", true},
		{"1.4.2", true},
		{"1.0.0-rc1", false},
		{"0.9.0", false},
		{"2.0.0", false},
		{"", false},
		{"not-a-version", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckCompatible(tt.version)
			if tt.ok && err != nil {
				t.Errorf("CheckCompatible(%q) = %v", tt.version, err)
			}
			if !tt.ok && !errors.Is(err, ErrIncompatibleImage) {
				t.Errorf("CheckCompatible(%q) = %v, want ErrIncompatibleImage", tt.version, err)
			}
		})
	}
}

func TestUnmarshalRejectsNewerFormat(t *testing.T) {
	prog, digest := compile(t)
	img, _ := NewImage(prog, digest)
	img.FormatVersion = "2.1.0"
	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, ErrIncompatibleImage) {
		t.Errorf("Unmarshal = %v, want ErrIncompatibleImage", err)
	}
	if _, err := img.Program(); !errors.Is(err, ErrIncompatibleImage) {
		t.Errorf("Program = %v, want ErrIncompatibleImage", err)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("expected an error for malformed CBOR")
	}
}

func TestNewImageErrors(t *testing.T) {
	if _, err := NewImage(nil, hash.Digest{}); err == nil {
		t.Error("nil program should fail")
	}
	prog := &bytecode.Program{Functions: []*bytecode.Function{{Name: "main"}}}
	if _, err := NewImage(prog, hash.Digest{}); err == nil {
		t.Error("function without a chunk should fail")
	}
}

func TestProgramBadEntry(t *testing.T) {
	img := &Image{FormatVersion: FormatVersion, Entry: 3}
	if _, err := img.Program(); err == nil {
		t.Error("out of range entry should fail")
	}
}

func TestMatches(t *testing.T) {
	prog, digest := compile(t)
	img, _ := NewImage(prog, digest)
	if !img.Matches(counterProgram(ast.NewArena())) {
		t.Error("image should match the source it was compiled from")
	}
	a := ast.NewArena()
	if img.Matches(a.Program(a.Print(a.Lit(value.I32(1))))) {
		t.Error("image should not match a different program")
	}
}

func TestFileRoundTrip(t *testing.T) {
	prog, digest := compile(t)
	img, _ := NewImage(prog, digest)
	path := filepath.Join(t.TempDir(), "counter.sbc")
	if err := WriteFile(path, img); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.ID != img.ID {
		t.Error("ID mismatch after file round trip")
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.sbc")); err == nil {
		t.Error("missing file should fail")
	}
}
