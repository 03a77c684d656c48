package hash

import "testing"

func TestTagsDistinctAndUnreserved(t *testing.T) {
	seen := make(map[byte]bool, len(allTags))
	for _, tag := range allTags {
		if seen[tag] {
			t.Errorf("tag 0x%02X assigned twice", tag)
		}
		if tag >= 0xFE {
			t.Errorf("tag 0x%02X falls in 0xFE-0xFF", tag)
		}
		seen[tag] = true
	}
}

func TestTagGroups(t *testing.T) {
	tests := []struct {
		name   string
		tags   []byte
		lo, hi byte
	}{
		{"expressions", []byte{TagLiteral, TagLocalRef, TagGlobalRef, TagBinary, TagUnary, TagCast, TagTernary, TagCall, TagArrayLit, TagIndex, TagMember}, 0x01, 0x0B},
		{"statements", []byte{TagProgram, TagBlock, TagVarDecl, TagAssign, TagArrayAssign, TagMemberAssign, TagIf, TagWhile, TagForRange, TagForIter, TagBreak, TagContinue, TagReturn, TagPrint, TagFunction, TagTry, TagThrow}, 0x10, 0x20},
	}
	for _, tt := range tests {
		for _, tag := range tt.tags {
			if tag < tt.lo || tag > tt.hi {
				t.Errorf("%s: tag 0x%02X outside 0x%02X-0x%02X", tt.name, tag, tt.lo, tt.hi)
			}
		}
	}
	if HashVersion == 0 || TagAbsent == TagReservedZero {
		t.Error("version and absent marker must be non-zero")
	}
}
