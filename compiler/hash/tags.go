package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the hashing serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones breaks
// all previously computed content digests.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing digests.
const HashVersion byte = 1

// Node tags. Each tag uniquely identifies a node kind in the serialized
// byte stream.
const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Expressions
	TagLiteral   byte = 0x01
	TagLocalRef  byte = 0x02 // de Bruijn indexed
	TagGlobalRef byte = 0x03 // by name
	TagBinary    byte = 0x04
	TagUnary     byte = 0x05
	TagCast      byte = 0x06
	TagTernary   byte = 0x07
	TagCall      byte = 0x08
	TagArrayLit  byte = 0x09
	TagIndex     byte = 0x0A
	TagMember    byte = 0x0B

	// Reserved 0x0C-0x0F

	// Statements / structure
	TagProgram      byte = 0x10
	TagBlock        byte = 0x11
	TagVarDecl      byte = 0x12
	TagAssign       byte = 0x13
	TagArrayAssign  byte = 0x14
	TagMemberAssign byte = 0x15
	TagIf           byte = 0x16
	TagWhile        byte = 0x17
	TagForRange     byte = 0x18
	TagForIter      byte = 0x19
	TagBreak        byte = 0x1A
	TagContinue     byte = 0x1B
	TagReturn       byte = 0x1C
	TagPrint        byte = 0x1D
	TagFunction     byte = 0x1E
	TagTry          byte = 0x1F
	TagThrow        byte = 0x20

	// TagAbsent stands in for an optional child that is not there.
	TagAbsent byte = 0x30

	// Reserved 0xFE-0xFF
)

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagLiteral, TagLocalRef, TagGlobalRef, TagBinary, TagUnary, TagCast,
	TagTernary, TagCall, TagArrayLit, TagIndex, TagMember,
	TagProgram, TagBlock, TagVarDecl, TagAssign, TagArrayAssign,
	TagMemberAssign, TagIf, TagWhile, TagForRange, TagForIter, TagBreak,
	TagContinue, TagReturn, TagPrint, TagFunction, TagTry, TagThrow,
	TagAbsent,
}
