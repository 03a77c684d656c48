// Package bytecode defines the register bytecode executed by the strata VM.
//
// The bytecode format is designed for:
//   - Compact representation (one opcode byte plus fixed operands)
//   - Fast decoding (every opcode has a fixed operand shape)
//   - Easy serialization (chunks round-trip through the "STBC" format)
//
// # Architecture Overview
//
//   - Opcodes: register instructions grouped by category. Each opcode's
//     operand shape lives in opcodeInfoTable: register bytes, u16 constant
//     or function indices, u16 jump offsets and inline i32 immediates.
//
//   - Chunk: the code, constant pool and source map of one function.
//     Forward jumps are emitted with a placeholder and patched once the
//     target is known; backward jumps use OpLoop.
//
//   - Function and Program: a compiled compilation unit. The entry
//     function runs in the module register window; every other function
//     gets a fresh 256-register window per call.
//
// # Registers
//
// Registers 0-3 of every window are pinned and never allocated. Call
// arguments land in the callee window starting at r4.
//
// # Typed instructions
//
// Arithmetic and comparison come in kind-specific families (I32, I64,
// U32, U64, F64) that read the VM's unboxed register cache, and in boxed
// generic forms. OpGuardTyped checks a register's kind once before a typed
// loop and seeds its cache.
package bytecode
