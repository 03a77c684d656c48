package bytecode

import (
	"strings"
	"testing"

	"github.com/chazu/strata/pkg/value"
)

func TestDisassembleEmpty(t *testing.T) {
	out := NewChunk().Disassemble()
	if !strings.Contains(out, "Strata Bytecode v1") {
		t.Errorf("missing version header:\n%s", out)
	}
	if !strings.Contains(out, "; Code:") {
		t.Errorf("missing code section:\n%s", out)
	}
}

func TestDisassembleInstructions(t *testing.T) {
	c := NewChunk()
	c.EmitConstant(4, value.String("hi"))
	c.EmitI32(OpAddI32Imm, 10, 5, 4)
	c.EmitWithOperand(OpGuardTyped, 6, byte(KindI64))
	j := c.EmitJump(OpJumpIfNot, 7)
	c.EmitWithOperand(OpAddI32R, 4, 5, 6)
	_ = c.PatchJump(j)
	_ = c.EmitLoop(0)
	c.EmitWithOperand(OpTryBegin, NoRegister, 0, 0)

	out := c.DisassembleWithName("main")
	for _, want := range []string{
		"; === main ===",
		`[  0] string "hi"`,
		`0000  LOAD_CONST r4, #0 ; "hi"`,
		"ADD_I32_IMM r5, r4, 10",
		"GUARD_TYPED r6, i64",
		"JUMP_IF_NOT r7, +4",
		"ADD_I32_R r4, r5, r6",
		"-> 0000",
		"TRY_BEGIN _, +0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleUnknownOpcode(t *testing.T) {
	c := NewChunk()
	c.Code = append(c.Code, 0xEE, byte(OpHalt))
	out := c.Disassemble()
	if !strings.Contains(out, "UNKNOWN(0xEE)") || !strings.Contains(out, "0001  HALT") {
		t.Errorf("unexpected listing:\n%s", out)
	}
}

func TestDisassembleFunctionLoopSites(t *testing.T) {
	c := NewChunk()
	c.EmitU16(OpLoopEnter, 0)
	c.Emit(OpReturnVoid)
	f := &Function{
		Name:          "spin",
		Arity:         1,
		Chunk:         c,
		RegisterCount: 6,
		Upvalues:      []UpvalueDesc{{IsLocal: true, Index: 4}},
		LoopSites:     []LoopSite{{Site: 0, NodeID: 12, Offset: 0, EscapeMask: 0x3, Typed: true}},
	}
	out := f.Disassemble()
	for _, want := range []string{
		"; === spin ===",
		"Arity: 1  Registers: 6",
		"[  0] local 4",
		"escape=0x00000003 [TYPED]",
		"LOOP_ENTER 0 ; guards 0x00000003",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}

	p := &Program{Functions: []*Function{f}, Entry: 0, ModuleRegisters: 4, Backend: "fast"}
	if out := p.Disassemble(); !strings.Contains(out, "1 functions, 4 module registers, backend fast") {
		t.Errorf("program header:\n%s", out)
	}
}
