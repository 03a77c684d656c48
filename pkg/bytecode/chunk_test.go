package bytecode

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/strata/pkg/value"
)

func TestNewChunk(t *testing.T) {
	c := NewChunk()
	if c.Version != BytecodeVersion {
		t.Errorf("Version = %d, want %d", c.Version, BytecodeVersion)
	}
	if c.Code == nil || c.Constants == nil {
		t.Error("Code and Constants should be allocated")
	}
}

func TestChunkAddConstant(t *testing.T) {
	c := NewChunk()

	if idx := c.AddConstant(value.String("hello")); idx != 0 {
		t.Errorf("first index = %d, want 0", idx)
	}
	if idx := c.AddConstant(value.I32(7)); idx != 1 {
		t.Errorf("second index = %d, want 1", idx)
	}
	if idx := c.AddConstant(value.String("hello")); idx != 0 {
		t.Errorf("duplicate index = %d, want 0", idx)
	}
	// Same payload, different kind: a new entry.
	if idx := c.AddConstant(value.I64(7)); idx != 2 {
		t.Errorf("i64 7 index = %d, want 2", idx)
	}
	arr := value.NewArray([]value.Value{value.I32(1)})
	a1 := c.AddConstant(arr)
	a2 := c.AddConstant(arr)
	if a1 == a2 {
		t.Error("array constants must not be shared")
	}
	if len(c.Constants) != 5 {
		t.Errorf("pool holds %d constants, want 5", len(c.Constants))
	}
	if got := c.Constants[1]; got.AsI32() != 7 {
		t.Errorf("Constants[1] = %s", got)
	}
}

func TestChunkEmitOperands(t *testing.T) {
	c := NewChunk()
	c.EmitWithOperand(OpMove, 5, 6)
	c.EmitI32(OpLoadI32, -2, 7)
	c.EmitConstant(8, value.String("x"))

	want := []byte{
		byte(OpMove), 5, 6,
		byte(OpLoadI32), 7, 0xFF, 0xFF, 0xFF, 0xFE,
		byte(OpLoadConst), 8, 0, 0,
	}
	if !bytes.Equal(c.Code, want) {
		t.Errorf("Code = % X, want % X", c.Code, want)
	}
	if got := ReadI32(c.Code, 5); got != -2 {
		t.Errorf("ReadI32 = %d, want -2", got)
	}
}

func TestChunkJumps(t *testing.T) {
	c := NewChunk()
	placeholder := c.EmitJump(OpJumpIfNot, 4)
	if placeholder != 2 {
		t.Fatalf("placeholder = %d, want 2", placeholder)
	}
	c.Emit(OpNop)
	c.Emit(OpNop)
	if err := c.PatchJump(placeholder); err != nil {
		t.Fatalf("PatchJump: %v", err)
	}
	if got := ReadU16(c.Code, placeholder); got != 2 {
		t.Errorf("forward delta = %d, want 2", got)
	}

	loopStart := 0
	if err := c.EmitLoop(loopStart); err != nil {
		t.Fatalf("EmitLoop: %v", err)
	}
	end := len(c.Code)
	delta := int(ReadU16(c.Code, end-2))
	if end-delta != loopStart {
		t.Errorf("loop target = %d, want %d", end-delta, loopStart)
	}
}

func TestChunkJumpTooFar(t *testing.T) {
	c := NewChunk()
	placeholder := c.EmitJump(OpJump)
	c.Code = append(c.Code, make([]byte, math.MaxUint16+1)...)
	if err := c.PatchJump(placeholder); !errors.Is(err, ErrJumpTooFar) {
		t.Errorf("PatchJump error = %v, want ErrJumpTooFar", err)
	}
	if err := c.EmitLoop(0); !errors.Is(err, ErrJumpTooFar) {
		t.Errorf("EmitLoop error = %v, want ErrJumpTooFar", err)
	}
}

func TestChunkSourceLocations(t *testing.T) {
	c := NewChunk()
	c.AddSourceLocation(0, 1, 1)
	c.AddSourceLocation(3, 1, 1) // collapsed
	c.AddSourceLocation(6, 2, 5)

	if len(c.SourceMap) != 2 {
		t.Fatalf("len(SourceMap) = %d, want 2", len(c.SourceMap))
	}
	if c.Flags&ChunkFlagDebug == 0 {
		t.Error("debug flag not set")
	}
	tests := []struct {
		offset uint32
		line   uint32
		col    uint16
	}{
		{0, 1, 1},
		{5, 1, 1},
		{6, 2, 5},
		{40, 2, 5},
	}
	for _, tt := range tests {
		line, col := c.GetSourceLocation(tt.offset)
		if line != tt.line || col != tt.col {
			t.Errorf("GetSourceLocation(%d) = %d:%d, want %d:%d", tt.offset, line, col, tt.line, tt.col)
		}
	}
}

func TestChunkSerializeRoundTrip(t *testing.T) {
	c := NewChunk()
	consts := []value.Value{
		value.Nil,
		value.Bool(true),
		value.I32(math.MinInt32),
		value.I64(math.MaxInt64),
		value.U32(math.MaxUint32),
		value.U64(math.MaxUint64),
		value.F64(-2.5),
		value.String("héllo"),
		value.Function(3),
		value.NewArray([]value.Value{value.I32(1), value.String("a"), value.NewArray(nil)}),
	}
	for i, v := range consts {
		c.EmitConstant(byte(4+i), v)
	}
	c.Emit(OpHalt)
	c.AddSourceLocation(0, 3, 9)

	data, err := c.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.HasPrefix(data, BytecodeMagic) {
		t.Fatalf("missing magic")
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !bytes.Equal(got.Code, c.Code) {
		t.Errorf("Code mismatch")
	}
	if got.Flags != c.Flags {
		t.Errorf("Flags = %v, want %v", got.Flags, c.Flags)
	}
	if len(got.Constants) != len(consts) {
		t.Fatalf("len(Constants) = %d, want %d", len(got.Constants), len(consts))
	}
	for i := range consts {
		if !value.Equal(got.Constants[i], consts[i]) {
			t.Errorf("constant %d = %s, want %s", i, got.Constants[i], consts[i])
		}
	}
	if line, col := got.GetSourceLocation(0); line != 3 || col != 9 {
		t.Errorf("source location = %d:%d, want 3:9", line, col)
	}
}

func TestDeserializeErrors(t *testing.T) {
	if _, err := Deserialize([]byte("XXXX\x00\x01\x00\x00")); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic error = %v", err)
	}
	if _, err := Deserialize([]byte("ST")); err == nil {
		t.Error("short input should fail")
	}

	c := NewChunk()
	c.EmitConstant(4, value.String("truncate me"))
	data, _ := c.Serialize()
	for _, n := range []int{9, 14, len(data) - 6} {
		if _, err := Deserialize(data[:n]); err == nil || !strings.Contains(err.Error(), "unexpected end") {
			t.Errorf("Deserialize(data[:%d]) error = %v", n, err)
		}
	}
}

func TestSerializeRejectsRuntimeValues(t *testing.T) {
	c := NewChunk()
	c.Constants = append(c.Constants, value.Closure(struct{}{}))
	if _, err := c.Serialize(); err == nil {
		t.Error("closure constant should not serialize")
	}
}
