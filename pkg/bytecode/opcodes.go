package bytecode

import "fmt"

// Opcode represents a register-machine instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Loads and moves (0x00-0x0F)
	// ========================================================================

	OpNop         Opcode = 0x00 // No operation
	OpLoadConst   Opcode = 0x01 // dst <- constant: OpLoadConst <dst> <index:u16>
	OpLoadNil     Opcode = 0x02 // dst <- nil
	OpLoadTrue    Opcode = 0x03 // dst <- true
	OpLoadFalse   Opcode = 0x04 // dst <- false
	OpLoadI32     Opcode = 0x05 // dst <- inline i32: OpLoadI32 <dst> <imm:i32>
	OpMove        Opcode = 0x06 // dst <- src
	OpLoadGlobal  Opcode = 0x07 // dst <- module register
	OpStoreGlobal Opcode = 0x08 // module register <- src

	// ========================================================================
	// Typed arithmetic (0x10-0x28): <dst> <a> <b>
	// ========================================================================

	OpAddI32R Opcode = 0x10
	OpAddI64R Opcode = 0x11
	OpAddU32R Opcode = 0x12
	OpAddU64R Opcode = 0x13
	OpAddF64R Opcode = 0x14
	OpSubI32R Opcode = 0x15
	OpSubI64R Opcode = 0x16
	OpSubU32R Opcode = 0x17
	OpSubU64R Opcode = 0x18
	OpSubF64R Opcode = 0x19
	OpMulI32R Opcode = 0x1A
	OpMulI64R Opcode = 0x1B
	OpMulU32R Opcode = 0x1C
	OpMulU64R Opcode = 0x1D
	OpMulF64R Opcode = 0x1E
	OpDivI32R Opcode = 0x1F
	OpDivI64R Opcode = 0x20
	OpDivU32R Opcode = 0x21
	OpDivU64R Opcode = 0x22
	OpDivF64R Opcode = 0x23
	OpModI32R Opcode = 0x24
	OpModI64R Opcode = 0x25
	OpModU32R Opcode = 0x26
	OpModU64R Opcode = 0x27
	OpModF64R Opcode = 0x28

	// ========================================================================
	// Generic arithmetic and unary ops (0x29-0x3F)
	// ========================================================================

	OpAddR      Opcode = 0x29 // Boxed add; concatenates when either side is a string
	OpSubR      Opcode = 0x2A
	OpMulR      Opcode = 0x2B
	OpDivR      Opcode = 0x2C
	OpModR      Opcode = 0x2D
	OpAddI32Imm Opcode = 0x2E // dst <- a + imm: <dst> <a> <imm:i32>
	OpSubI32Imm Opcode = 0x2F
	OpMulI32Imm Opcode = 0x30
	OpIncI32    Opcode = 0x31 // reg <- reg + 1
	OpIncI64    Opcode = 0x32
	OpIncU32    Opcode = 0x33
	OpIncU64    Opcode = 0x34
	OpNeg       Opcode = 0x35 // dst <- -src
	OpNot       Opcode = 0x36 // dst <- not src
	OpConcat    Opcode = 0x37 // dst <- string(a) + string(b)
	OpCast      Opcode = 0x38 // dst <- src as kind: <dst> <src> <kind>

	// ========================================================================
	// Comparison (0x40-0x5F): <dst> <a> <b>
	// ========================================================================

	OpLtI32R Opcode = 0x40
	OpLtI64R Opcode = 0x41
	OpLtU32R Opcode = 0x42
	OpLtU64R Opcode = 0x43
	OpLtF64R Opcode = 0x44
	OpLeI32R Opcode = 0x45
	OpLeI64R Opcode = 0x46
	OpLeU32R Opcode = 0x47
	OpLeU64R Opcode = 0x48
	OpLeF64R Opcode = 0x49
	OpGtI32R Opcode = 0x4A
	OpGtI64R Opcode = 0x4B
	OpGtU32R Opcode = 0x4C
	OpGtU64R Opcode = 0x4D
	OpGtF64R Opcode = 0x4E
	OpGeI32R Opcode = 0x4F
	OpGeI64R Opcode = 0x50
	OpGeU32R Opcode = 0x51
	OpGeU64R Opcode = 0x52
	OpGeF64R Opcode = 0x53
	OpLtR    Opcode = 0x54 // Boxed comparisons
	OpLeR    Opcode = 0x55
	OpGtR    Opcode = 0x56
	OpGeR    Opcode = 0x57
	OpEqR    Opcode = 0x58
	OpNeR    Opcode = 0x59

	// ========================================================================
	// Control flow (0x60-0x6F)
	// ========================================================================

	OpJump       Opcode = 0x60 // Forward jump: OpJump <offset:u16>
	OpJumpIfNot  Opcode = 0x61 // Jump if cond is falsy: <cond> <offset:u16>
	OpJumpIf     Opcode = 0x62 // Jump if cond is truthy: <cond> <offset:u16>
	OpLoop       Opcode = 0x63 // Backward jump: OpLoop <offset:u16>
	OpGuardTyped Opcode = 0x64 // Check reg holds kind and seed its typed cache: <reg> <kind>
	OpLoopEnter  Opcode = 0x65 // Profiling mark: OpLoopEnter <site:u16>
	OpHalt       Opcode = 0x66 // Stop execution

	// ========================================================================
	// Calls and closures (0x70-0x7F)
	// ========================================================================

	OpCall         Opcode = 0x70 // <fn> <firstArg> <argc> <dst>
	OpReturn       Opcode = 0x71 // Return register value
	OpReturnVoid   Opcode = 0x72 // Return nil
	OpClosure      Opcode = 0x73 // dst <- closure over function: <dst> <function:u16>
	OpGetUpvalue   Opcode = 0x74 // dst <- upvalue: <dst> <index>
	OpSetUpvalue   Opcode = 0x75 // upvalue <- src: <index> <src>
	OpCloseUpvalue Opcode = 0x76 // Close the open upvalue of reg

	// ========================================================================
	// Output and arrays (0x80-0x8F)
	// ========================================================================

	OpPrint     Opcode = 0x80 // <first> <count> <newline>
	OpMakeArray Opcode = 0x81 // <dst> <first> <count>
	OpArrayGet  Opcode = 0x82 // <dst> <array> <index>
	OpArraySet  Opcode = 0x83 // <array> <index> <value>
	OpArrayLen  Opcode = 0x84 // <dst> <array>
	OpArrayPush Opcode = 0x85 // <array> <value>

	// ========================================================================
	// Iteration (0x90-0x9F)
	// ========================================================================

	OpGetIter   Opcode = 0x90 // <dst> <iterable>
	OpIterNext  Opcode = 0x91 // <dst> <iter> <hasMore>
	OpRangeIter Opcode = 0x92 // <dst> <start> <end> <step> <inclusive>

	// ========================================================================
	// Exceptions (0xA0-0xAF)
	// ========================================================================

	OpTryBegin Opcode = 0xA0 // Push handler: <catchReg|0xFF> <offset:u16>
	OpTryEnd   Opcode = 0xA1 // Pop handler
	OpThrow    Opcode = 0xA2 // Raise register value
)

// NoRegister marks an absent register operand (for example a try without
// a catch variable).
const NoRegister byte = 0xFF

// Operand shape letters used in OpcodeInfo.Shape.
const (
	ShapeReg   = 'r' // register, 1 byte
	ShapeByte  = 'b' // small immediate (count, kind, flag, upvalue index), 1 byte
	ShapeConst = 'k' // constant pool index, u16
	ShapeIndex = 'x' // function, module register or site index, u16
	ShapeJump  = 'j' // forward jump offset, u16
	ShapeLoop  = 'l' // backward jump offset, u16
	ShapeImm   = 'i' // inline i32 immediate
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name  string // Human-readable name
	Shape string // One letter per operand, see the Shape constants
}

// OperandLen returns the number of operand bytes described by the shape.
func (i OpcodeInfo) OperandLen() int {
	n := 0
	for _, s := range i.Shape {
		switch s {
		case ShapeReg, ShapeByte:
			n++
		case ShapeConst, ShapeIndex, ShapeJump, ShapeLoop:
			n += 2
		case ShapeImm:
			n += 4
		}
	}
	return n
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Loads and moves
	OpNop:         {"NOP", ""},
	OpLoadConst:   {"LOAD_CONST", "rk"},
	OpLoadNil:     {"LOAD_NIL", "r"},
	OpLoadTrue:    {"LOAD_TRUE", "r"},
	OpLoadFalse:   {"LOAD_FALSE", "r"},
	OpLoadI32:     {"LOAD_I32", "ri"},
	OpMove:        {"MOVE", "rr"},
	OpLoadGlobal:  {"LOAD_GLOBAL", "rr"},
	OpStoreGlobal: {"STORE_GLOBAL", "rr"},

	// Typed arithmetic
	OpAddI32R: {"ADD_I32_R", "rrr"},
	OpAddI64R: {"ADD_I64_R", "rrr"},
	OpAddU32R: {"ADD_U32_R", "rrr"},
	OpAddU64R: {"ADD_U64_R", "rrr"},
	OpAddF64R: {"ADD_F64_R", "rrr"},
	OpSubI32R: {"SUB_I32_R", "rrr"},
	OpSubI64R: {"SUB_I64_R", "rrr"},
	OpSubU32R: {"SUB_U32_R", "rrr"},
	OpSubU64R: {"SUB_U64_R", "rrr"},
	OpSubF64R: {"SUB_F64_R", "rrr"},
	OpMulI32R: {"MUL_I32_R", "rrr"},
	OpMulI64R: {"MUL_I64_R", "rrr"},
	OpMulU32R: {"MUL_U32_R", "rrr"},
	OpMulU64R: {"MUL_U64_R", "rrr"},
	OpMulF64R: {"MUL_F64_R", "rrr"},
	OpDivI32R: {"DIV_I32_R", "rrr"},
	OpDivI64R: {"DIV_I64_R", "rrr"},
	OpDivU32R: {"DIV_U32_R", "rrr"},
	OpDivU64R: {"DIV_U64_R", "rrr"},
	OpDivF64R: {"DIV_F64_R", "rrr"},
	OpModI32R: {"MOD_I32_R", "rrr"},
	OpModI64R: {"MOD_I64_R", "rrr"},
	OpModU32R: {"MOD_U32_R", "rrr"},
	OpModU64R: {"MOD_U64_R", "rrr"},
	OpModF64R: {"MOD_F64_R", "rrr"},

	// Generic arithmetic and unary ops
	OpAddR:      {"ADD_R", "rrr"},
	OpSubR:      {"SUB_R", "rrr"},
	OpMulR:      {"MUL_R", "rrr"},
	OpDivR:      {"DIV_R", "rrr"},
	OpModR:      {"MOD_R", "rrr"},
	OpAddI32Imm: {"ADD_I32_IMM", "rri"},
	OpSubI32Imm: {"SUB_I32_IMM", "rri"},
	OpMulI32Imm: {"MUL_I32_IMM", "rri"},
	OpIncI32:    {"INC_I32", "r"},
	OpIncI64:    {"INC_I64", "r"},
	OpIncU32:    {"INC_U32", "r"},
	OpIncU64:    {"INC_U64", "r"},
	OpNeg:       {"NEG", "rr"},
	OpNot:       {"NOT", "rr"},
	OpConcat:    {"CONCAT", "rrr"},
	OpCast:      {"CAST", "rrb"},

	// Comparison
	OpLtI32R: {"LT_I32_R", "rrr"},
	OpLtI64R: {"LT_I64_R", "rrr"},
	OpLtU32R: {"LT_U32_R", "rrr"},
	OpLtU64R: {"LT_U64_R", "rrr"},
	OpLtF64R: {"LT_F64_R", "rrr"},
	OpLeI32R: {"LE_I32_R", "rrr"},
	OpLeI64R: {"LE_I64_R", "rrr"},
	OpLeU32R: {"LE_U32_R", "rrr"},
	OpLeU64R: {"LE_U64_R", "rrr"},
	OpLeF64R: {"LE_F64_R", "rrr"},
	OpGtI32R: {"GT_I32_R", "rrr"},
	OpGtI64R: {"GT_I64_R", "rrr"},
	OpGtU32R: {"GT_U32_R", "rrr"},
	OpGtU64R: {"GT_U64_R", "rrr"},
	OpGtF64R: {"GT_F64_R", "rrr"},
	OpGeI32R: {"GE_I32_R", "rrr"},
	OpGeI64R: {"GE_I64_R", "rrr"},
	OpGeU32R: {"GE_U32_R", "rrr"},
	OpGeU64R: {"GE_U64_R", "rrr"},
	OpGeF64R: {"GE_F64_R", "rrr"},
	OpLtR:    {"LT_R", "rrr"},
	OpLeR:    {"LE_R", "rrr"},
	OpGtR:    {"GT_R", "rrr"},
	OpGeR:    {"GE_R", "rrr"},
	OpEqR:    {"EQ_R", "rrr"},
	OpNeR:    {"NE_R", "rrr"},

	// Control flow
	OpJump:       {"JUMP", "j"},
	OpJumpIfNot:  {"JUMP_IF_NOT", "rj"},
	OpJumpIf:     {"JUMP_IF", "rj"},
	OpLoop:       {"LOOP", "l"},
	OpGuardTyped: {"GUARD_TYPED", "rb"},
	OpLoopEnter:  {"LOOP_ENTER", "x"},
	OpHalt:       {"HALT", ""},

	// Calls and closures
	OpCall:         {"CALL", "rrbr"},
	OpReturn:       {"RETURN", "r"},
	OpReturnVoid:   {"RETURN_VOID", ""},
	OpClosure:      {"CLOSURE", "rx"},
	OpGetUpvalue:   {"GET_UPVALUE", "rb"},
	OpSetUpvalue:   {"SET_UPVALUE", "br"},
	OpCloseUpvalue: {"CLOSE_UPVALUE", "r"},

	// Output and arrays
	OpPrint:     {"PRINT", "rbb"},
	OpMakeArray: {"MAKE_ARRAY", "rrb"},
	OpArrayGet:  {"ARRAY_GET", "rrr"},
	OpArraySet:  {"ARRAY_SET", "rrr"},
	OpArrayLen:  {"ARRAY_LEN", "rr"},
	OpArrayPush: {"ARRAY_PUSH", "rr"},

	// Iteration
	OpGetIter:   {"GET_ITER", "rr"},
	OpIterNext:  {"ITER_NEXT", "rrr"},
	OpRangeIter: {"RANGE_ITER", "rrrrb"},

	// Exceptions
	OpTryBegin: {"TRY_BEGIN", "rj"},
	OpTryEnd:   {"TRY_END", ""},
	OpThrow:    {"THROW", "r"},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(0x..)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsValid reports whether op is a defined opcode.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen()
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode carries a jump offset.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfNot, OpJumpIf, OpLoop, OpTryBegin:
		return true
	}
	return false
}

// IsReturn returns true if this opcode leaves the current frame.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnVoid || op == OpHalt
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}

// ---------------------------------------------------------------------------
// Kind-indexed opcode families
// ---------------------------------------------------------------------------

// NumKind is the operand kind of a typed arithmetic or comparison opcode.
// It doubles as the kind byte of OpGuardTyped and OpCast.
type NumKind byte

const (
	KindI32 NumKind = iota
	KindI64
	KindU32
	KindU64
	KindF64
	KindBool
	KindString
)

var numKindNames = [...]string{"i32", "i64", "u32", "u64", "f64", "bool", "string"}

func (k NumKind) String() string {
	if int(k) < len(numKindNames) {
		return numKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// IsNumeric reports whether k selects a member of a typed opcode family.
func (k NumKind) IsNumeric() bool { return k <= KindF64 }

var (
	addFamily = [5]Opcode{OpAddI32R, OpAddI64R, OpAddU32R, OpAddU64R, OpAddF64R}
	subFamily = [5]Opcode{OpSubI32R, OpSubI64R, OpSubU32R, OpSubU64R, OpSubF64R}
	mulFamily = [5]Opcode{OpMulI32R, OpMulI64R, OpMulU32R, OpMulU64R, OpMulF64R}
	divFamily = [5]Opcode{OpDivI32R, OpDivI64R, OpDivU32R, OpDivU64R, OpDivF64R}
	modFamily = [5]Opcode{OpModI32R, OpModI64R, OpModU32R, OpModU64R, OpModF64R}
	ltFamily  = [5]Opcode{OpLtI32R, OpLtI64R, OpLtU32R, OpLtU64R, OpLtF64R}
	leFamily  = [5]Opcode{OpLeI32R, OpLeI64R, OpLeU32R, OpLeU64R, OpLeF64R}
	gtFamily  = [5]Opcode{OpGtI32R, OpGtI64R, OpGtU32R, OpGtU64R, OpGtF64R}
	geFamily  = [5]Opcode{OpGeI32R, OpGeI64R, OpGeU32R, OpGeU64R, OpGeF64R}
)

// TypedArith returns the typed opcode for op (one of + - * / %) on kind k.
func TypedArith(op string, k NumKind) (Opcode, bool) {
	if !k.IsNumeric() {
		return OpNop, false
	}
	switch op {
	case "+":
		return addFamily[k], true
	case "-":
		return subFamily[k], true
	case "*":
		return mulFamily[k], true
	case "/":
		return divFamily[k], true
	case "%":
		return modFamily[k], true
	}
	return OpNop, false
}

// TypedCompare returns the typed opcode for op (one of < <= > >=) on kind k.
func TypedCompare(op string, k NumKind) (Opcode, bool) {
	if !k.IsNumeric() {
		return OpNop, false
	}
	switch op {
	case "<":
		return ltFamily[k], true
	case "<=":
		return leFamily[k], true
	case ">":
		return gtFamily[k], true
	case ">=":
		return geFamily[k], true
	}
	return OpNop, false
}

// GenericBinary returns the boxed opcode for a binary operator.
func GenericBinary(op string) (Opcode, bool) {
	switch op {
	case "+":
		return OpAddR, true
	case "-":
		return OpSubR, true
	case "*":
		return OpMulR, true
	case "/":
		return OpDivR, true
	case "%":
		return OpModR, true
	case "<":
		return OpLtR, true
	case "<=":
		return OpLeR, true
	case ">":
		return OpGtR, true
	case ">=":
		return OpGeR, true
	case "==":
		return OpEqR, true
	case "!=":
		return OpNeR, true
	}
	return OpNop, false
}

// TypedFamily reports the arithmetic symbol (or comparison operator) and
// operand kind of a typed opcode.
func TypedFamily(op Opcode) (sym string, k NumKind, ok bool) {
	switch {
	case op >= OpAddI32R && op <= OpModF64R:
		i := int(op - OpAddI32R)
		return [...]string{"+", "-", "*", "/", "%"}[i/5], NumKind(i % 5), true
	case op >= OpLtI32R && op <= OpGeF64R:
		i := int(op - OpLtI32R)
		return [...]string{"<", "<=", ">", ">="}[i/5], NumKind(i % 5), true
	}
	return "", 0, false
}
