package hash

import (
	"encoding/binary"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/value"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization.
//
// Encoding conventions:
//   - First byte: HashVersion (0x01)
//   - Integers: big-endian fixed-width (uint16=2B, uint32=4B, uint64=8B)
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Types: their canonical spelling as a string, empty when absent
//   - Child nodes: serialized inline (flat), TagAbsent for a missing one
// ---------------------------------------------------------------------------

type serializer struct {
	buf []byte
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}

func (s *serializer) writeUint16(v uint16) {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

func (s *serializer) writeUint32(v uint32) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

func (s *serializer) writeUint64(v uint64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeType(t *ast.Type) {
	if t == nil {
		s.writeString("")
		return
	}
	s.writeString(t.String())
}

// writeValue encodes a literal's kind and payload. Scalars are written as
// their raw bits so 0.0 and -0.0 stay distinct.
func (s *serializer) writeValue(v value.Value) {
	s.writeByte(byte(v.Kind()))
	switch {
	case v.Kind() == value.KindNil:
	case v.Kind() == value.KindBool, v.Kind().IsNumeric():
		s.writeUint64(v.Bits())
	case v.Kind() == value.KindString:
		s.writeString(v.AsString())
	default:
		s.writeString(v.String())
	}
}
