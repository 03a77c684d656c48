package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/chazu/strata/pkg/value"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Magic bytes for serialized chunks: "STBC" (STrata ByteCode)
var BytecodeMagic = []byte{'S', 'T', 'B', 'C'}

// ErrBadMagic is returned when deserializing data that is not a chunk.
var ErrBadMagic = errors.New("bytecode: bad magic")

// ErrJumpTooFar is returned when a jump distance does not fit in 16 bits.
var ErrJumpTooFar = errors.New("bytecode: jump offset out of range")

// Register window layout shared by the emitter and the VM.
const (
	WindowSize      = 256 // registers per frame window
	PinnedRegisters = 4   // r0-r3 are reserved and never allocated
	FirstParam      = 4   // callee parameters start here
)

// ChunkFlags contains compilation flags for a chunk.
type ChunkFlags uint16

const (
	// ChunkFlagDebug indicates a source map is present.
	ChunkFlagDebug ChunkFlags = 1 << 0

	// ChunkFlagTypedLoops indicates at least one loop was emitted with
	// typed-register guards.
	ChunkFlagTypedLoops ChunkFlags = 1 << 1

	// ChunkFlagProfiling indicates OpLoopEnter marks are present.
	ChunkFlagProfiling ChunkFlags = 1 << 2
)

// SourceLocation maps bytecode position to source location for debugging.
type SourceLocation struct {
	BytecodeOffset uint32 // Offset in code section
	Line           uint32 // Source line number (1-based)
	Column         uint16 // Source column number (1-based)
}

// Chunk is the compiled code of one function.
type Chunk struct {
	// Header
	Version uint16     // Bytecode format version
	Flags   ChunkFlags // Compilation flags

	// Code section
	Code []byte // Bytecode instructions

	// Constant pool referenced by OpLoadConst
	Constants []value.Value

	// Debug information (present if ChunkFlagDebug is set)
	SourceMap []SourceLocation
}

// NewChunk creates a new empty chunk with the current version.
func NewChunk() *Chunk {
	return &Chunk{
		Version:   BytecodeVersion,
		Code:      make([]byte, 0, 64),
		Constants: make([]value.Value, 0, 8),
	}
}

// AddConstant adds a constant to the pool and returns its index.
// Scalar and string constants are deduplicated; arrays never are, since
// each array literal needs its own identity.
func (c *Chunk) AddConstant(v value.Value) uint16 {
	if v.Kind() != value.KindArray {
		for i, existing := range c.Constants {
			if existing.Kind() == v.Kind() && value.Equal(existing, v) {
				return uint16(i)
			}
		}
	}
	idx := uint16(len(c.Constants))
	c.Constants = append(c.Constants, v)
	return idx
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// EmitU16 appends an opcode, its leading byte operands, and a trailing
// u16 operand.
func (c *Chunk) EmitU16(op Opcode, v uint16, lead ...byte) int {
	offset := c.EmitWithOperand(op, lead...)
	c.Code = binary.BigEndian.AppendUint16(c.Code, v)
	return offset
}

// EmitI32 appends an opcode, its leading byte operands, and a trailing
// i32 immediate.
func (c *Chunk) EmitI32(op Opcode, v int32, lead ...byte) int {
	offset := c.EmitWithOperand(op, lead...)
	c.Code = binary.BigEndian.AppendUint32(c.Code, uint32(v))
	return offset
}

// EmitConstant emits an OpLoadConst of v into dst.
// Adds the constant to the pool if not already present.
func (c *Chunk) EmitConstant(dst byte, v value.Value) int {
	return c.EmitU16(OpLoadConst, c.AddConstant(v), dst)
}

// EmitJump emits a forward jump with a placeholder offset. lead holds the
// register operands that precede the offset (the condition register for
// OpJumpIf/OpJumpIfNot, the catch register for OpTryBegin).
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode, lead ...byte) int {
	c.EmitWithOperand(op, lead...)
	offset := len(c.Code)
	c.Code = append(c.Code, 0xFF, 0xFF) // Placeholder
	return offset
}

// PatchJump patches a jump instruction's offset to jump to the current position.
func (c *Chunk) PatchJump(placeholderOffset int) error {
	return c.PatchJumpTo(placeholderOffset, len(c.Code))
}

// PatchJumpTo patches a forward jump to go to a specific offset.
func (c *Chunk) PatchJumpTo(placeholderOffset int, target int) error {
	// Relative to the end of the 2-byte offset
	jumpFrom := placeholderOffset + 2
	delta := target - jumpFrom
	if delta < 0 || delta > math.MaxUint16 {
		return fmt.Errorf("%w: forward %d", ErrJumpTooFar, delta)
	}
	binary.BigEndian.PutUint16(c.Code[placeholderOffset:], uint16(delta))
	return nil
}

// EmitLoop emits a backward jump to the given loop start.
func (c *Chunk) EmitLoop(loopStart int) error {
	// The VM subtracts the offset from the IP after this instruction
	jumpFrom := len(c.Code) + OpLoop.InstructionLen()
	delta := jumpFrom - loopStart
	if delta < 0 || delta > math.MaxUint16 {
		return fmt.Errorf("%w: backward %d", ErrJumpTooFar, delta)
	}
	c.EmitU16(OpLoop, uint16(delta))
	return nil
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// AddSourceLocation adds a debug source location mapping. Consecutive
// entries for the same position are collapsed.
func (c *Chunk) AddSourceLocation(bytecodeOffset uint32, line uint32, column uint16) {
	c.Flags |= ChunkFlagDebug
	if n := len(c.SourceMap); n > 0 {
		last := c.SourceMap[n-1]
		if last.Line == line && last.Column == column {
			return
		}
	}
	c.SourceMap = append(c.SourceMap, SourceLocation{
		BytecodeOffset: bytecodeOffset,
		Line:           line,
		Column:         column,
	})
}

// GetSourceLocation returns the source location for a bytecode offset.
// Returns line 0, column 0 if no mapping exists.
func (c *Chunk) GetSourceLocation(offset uint32) (line uint32, column uint16) {
	// Find the nearest mapping at or before the offset
	for i := len(c.SourceMap) - 1; i >= 0; i-- {
		if c.SourceMap[i].BytecodeOffset <= offset {
			return c.SourceMap[i].Line, c.SourceMap[i].Column
		}
	}
	return 0, 0
}

// ReadU16 decodes the big-endian u16 operand at pos.
func ReadU16(code []byte, pos int) uint16 {
	return binary.BigEndian.Uint16(code[pos:])
}

// ReadI32 decodes the big-endian i32 operand at pos.
func ReadI32(code []byte, pos int) int32 {
	return int32(binary.BigEndian.Uint32(code[pos:]))
}

// ---------------------------------------------------------------------------
// Functions and programs
// ---------------------------------------------------------------------------

// UpvalueDesc tells OpClosure where to find one captured variable: a
// register of the enclosing frame (IsLocal) or one of the enclosing
// closure's own upvalues.
type UpvalueDesc struct {
	IsLocal bool
	Index   uint8
}

// LoopSite describes one profiled loop. Site is the OpLoopEnter operand;
// EscapeMask carries the hoisted guard bits of the loop.
type LoopSite struct {
	Site       uint16
	NodeID     int
	Offset     int
	EscapeMask uint32
	Typed      bool
}

// Function is a compiled function.
type Function struct {
	Name          string
	NodeID        int // AST node the function was compiled from, 0 for the entry
	Arity         int
	Chunk         *Chunk
	RegisterCount int
	Upvalues      []UpvalueDesc
	LoopSites     []LoopSite
}

// Program is a compiled compilation unit. Functions[Entry] is the
// top-level code; it runs in the module window.
type Program struct {
	Functions       []*Function
	Entry           int
	ModuleRegisters int
	Backend         string
}

// EntryFunction returns the function run by the VM first.
func (p *Program) EntryFunction() *Function {
	if p == nil || p.Entry < 0 || p.Entry >= len(p.Functions) {
		return nil
	}
	return p.Functions[p.Entry]
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Constant tags in the serialized constant pool.
const (
	constNil byte = iota
	constBool
	constI32
	constI64
	constU32
	constU64
	constF64
	constString
	constFunction
	constArray
)

// Serialize encodes the chunk to bytes for storage/transport.
// Format:
//
//	[magic:4] [version:2] [flags:2]
//	[code_len:4] [code:...]
//	[const_count:2] [constants:...]
//	[source_map_count:2] [source_map:...]
func (c *Chunk) Serialize() ([]byte, error) {
	estimatedSize := 16 + len(c.Code) + len(c.Constants)*12 + len(c.SourceMap)*10
	buf := make([]byte, 0, estimatedSize)

	buf = append(buf, BytecodeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, c.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.Flags))

	// Code section
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	// Constants
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Constants)))
	for i, v := range c.Constants {
		var err error
		if buf, err = appendConstant(buf, v); err != nil {
			return nil, fmt.Errorf("bytecode: constant %d: %w", i, err)
		}
	}

	// Source map
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.SourceMap)))
	for _, loc := range c.SourceMap {
		buf = binary.BigEndian.AppendUint32(buf, loc.BytecodeOffset)
		buf = binary.BigEndian.AppendUint32(buf, loc.Line)
		buf = binary.BigEndian.AppendUint16(buf, loc.Column)
	}
	return buf, nil
}

func appendConstant(buf []byte, v value.Value) ([]byte, error) {
	switch v.Kind() {
	case value.KindNil:
		return append(buf, constNil), nil
	case value.KindBool:
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return append(buf, constBool, b), nil
	case value.KindI32:
		return binary.BigEndian.AppendUint32(append(buf, constI32), v.AsU32()), nil
	case value.KindI64:
		return binary.BigEndian.AppendUint64(append(buf, constI64), v.Bits()), nil
	case value.KindU32:
		return binary.BigEndian.AppendUint32(append(buf, constU32), v.AsU32()), nil
	case value.KindU64:
		return binary.BigEndian.AppendUint64(append(buf, constU64), v.Bits()), nil
	case value.KindF64:
		return binary.BigEndian.AppendUint64(append(buf, constF64), v.Bits()), nil
	case value.KindString:
		s := v.AsString()
		buf = binary.BigEndian.AppendUint32(append(buf, constString), uint32(len(s)))
		return append(buf, s...), nil
	case value.KindFunction:
		return binary.BigEndian.AppendUint32(append(buf, constFunction), uint32(v.FunctionIndex())), nil
	case value.KindArray:
		var elems []value.Value
		if arr := v.AsArray(); arr != nil {
			elems = arr.Elems
		}
		buf = binary.BigEndian.AppendUint32(append(buf, constArray), uint32(len(elems)))
		for _, e := range elems {
			var err error
			if buf, err = appendConstant(buf, e); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("cannot serialize %s constant", v.Kind())
}

// Deserialize decodes a chunk from bytes.
func Deserialize(data []byte) (*Chunk, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bytecode too short: need at least 8 bytes, got %d", len(data))
	}

	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, BytecodeMagic, data[0:4])
	}

	c := &Chunk{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ChunkFlags(binary.BigEndian.Uint16(data[6:8])),
	}
	pos := 8

	if c.Version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", c.Version, BytecodeVersion)
	}

	// Code section
	if pos+4 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code length at pos %d", pos)
	}
	codeLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if pos+codeLen > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code section: need %d bytes at pos %d", codeLen, pos)
	}
	c.Code = make([]byte, codeLen)
	copy(c.Code, data[pos:pos+codeLen])
	pos += codeLen

	// Constants
	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading constant count")
	}
	constCount := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	c.Constants = make([]value.Value, constCount)
	for i := range c.Constants {
		v, next, err := readConstant(data, pos)
		if err != nil {
			return nil, fmt.Errorf("unexpected end of bytecode reading constant %d: %w", i, err)
		}
		c.Constants[i] = v
		pos = next
	}

	// Source map
	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading source map count")
	}
	sourceMapLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if sourceMapLen > 0 {
		c.SourceMap = make([]SourceLocation, sourceMapLen)
	}
	for i := range c.SourceMap {
		if pos+10 > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading source location %d", i)
		}
		c.SourceMap[i].BytecodeOffset = binary.BigEndian.Uint32(data[pos:])
		c.SourceMap[i].Line = binary.BigEndian.Uint32(data[pos+4:])
		c.SourceMap[i].Column = binary.BigEndian.Uint16(data[pos+8:])
		pos += 10
	}
	return c, nil
}

var errShortConstant = errors.New("truncated constant")

func readConstant(data []byte, pos int) (value.Value, int, error) {
	need := func(n int) bool { return pos+n <= len(data) }
	if !need(1) {
		return value.Nil, pos, errShortConstant
	}
	tag := data[pos]
	pos++
	switch tag {
	case constNil:
		return value.Nil, pos, nil
	case constBool:
		if !need(1) {
			return value.Nil, pos, errShortConstant
		}
		return value.Bool(data[pos] != 0), pos + 1, nil
	case constI32, constU32, constFunction:
		if !need(4) {
			return value.Nil, pos, errShortConstant
		}
		u := binary.BigEndian.Uint32(data[pos:])
		switch tag {
		case constI32:
			return value.I32(int32(u)), pos + 4, nil
		case constU32:
			return value.U32(u), pos + 4, nil
		}
		return value.Function(int(u)), pos + 4, nil
	case constI64, constU64, constF64:
		if !need(8) {
			return value.Nil, pos, errShortConstant
		}
		u := binary.BigEndian.Uint64(data[pos:])
		switch tag {
		case constI64:
			return value.I64(int64(u)), pos + 8, nil
		case constU64:
			return value.U64(u), pos + 8, nil
		}
		return value.F64(math.Float64frombits(u)), pos + 8, nil
	case constString:
		if !need(4) {
			return value.Nil, pos, errShortConstant
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if !need(n) {
			return value.Nil, pos, errShortConstant
		}
		return value.String(string(data[pos : pos+n])), pos + n, nil
	case constArray:
		if !need(4) {
			return value.Nil, pos, errShortConstant
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if n > len(data)-pos {
			return value.Nil, pos, errShortConstant
		}
		elems := make([]value.Value, n)
		for i := range elems {
			v, next, err := readConstant(data, pos)
			if err != nil {
				return value.Nil, pos, err
			}
			elems[i] = v
			pos = next
		}
		return value.NewArray(elems), pos, nil
	}
	return value.Nil, pos, fmt.Errorf("unknown constant tag 0x%02X", tag)
}
