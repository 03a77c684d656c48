package vm

import (
	"math"
	"testing"

	"github.com/chazu/strata/pkg/value"
)

func TestRangeIteratorBounds(t *testing.T) {
	tests := []struct {
		name             string
		start, end, step value.Value
		inclusive        bool
		want             []value.Value
		overflow         bool
	}{
		{"i32 inclusive to max", value.I32(math.MaxInt32 - 1), value.I32(math.MaxInt32), value.Nil, true,
			[]value.Value{value.I32(math.MaxInt32 - 1), value.I32(math.MaxInt32)}, true},
		{"i32 exclusive to max", value.I32(math.MaxInt32 - 2), value.I32(math.MaxInt32), value.I32(1), false,
			[]value.Value{value.I32(math.MaxInt32 - 2), value.I32(math.MaxInt32 - 1)}, false},
		{"i64 inclusive down to min", value.I64(math.MinInt64 + 1), value.I64(math.MinInt64), value.I64(-1), true,
			[]value.Value{value.I64(math.MinInt64 + 1), value.I64(math.MinInt64)}, true},
		{"u64 step past max", value.U64(math.MaxUint64 - 3), value.U64(math.MaxUint64), value.U64(2), true,
			[]value.Value{value.U64(math.MaxUint64 - 3), value.U64(math.MaxUint64 - 1)}, true},
		{"u32 inclusive ends on max", value.U32(math.MaxUint32 - 4), value.U32(math.MaxUint32 - 2), value.U32(2), true,
			[]value.Value{value.U32(math.MaxUint32 - 4), value.U32(math.MaxUint32 - 2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := newRangeIterator(tt.start, tt.end, tt.step, tt.inclusive)
			if err != nil {
				t.Fatalf("newRangeIterator: %v", err)
			}
			var got []value.Value
			var last error
			for {
				v, more, err := it.Next()
				if err != nil {
					last = err
					break
				}
				if !more {
					break
				}
				got = append(got, v)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("values = %v, want %v", got, tt.want)
			}
			for i := range got {
				if !value.Equal(got[i], tt.want[i]) {
					t.Errorf("value %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
			if tt.overflow != (last != nil) {
				t.Fatalf("err = %v, overflow expected: %v", last, tt.overflow)
			}
			if tt.overflow && !IsKind(last, KindValueError) {
				t.Errorf("err = %v, want a value error", last)
			}
			// The sequence stays finished once it has ended or raised.
			if v, more, err := it.Next(); more || err != nil {
				t.Errorf("Next after the end = %s, %v, %v", v, more, err)
			}
		})
	}
}
