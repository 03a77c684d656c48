package vm

import (
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/value"
)

// FrameRegisterThreshold is the eager-reconcile boundary. Typed writes to
// registers below it, and to any module register, update the boxed value
// immediately: those registers are read across frame and module
// boundaries (arguments, upvalues, globals). Typed writes to registers at
// or above it only mark the slot dirty until the next reconcile point.
const FrameRegisterThreshold = 64

// TypedTag names the unboxed representation cached in a slot.
type TypedTag uint8

const (
	TypedNone TypedTag = iota
	TypedI32
	TypedI64
	TypedU32
	TypedU64
	TypedF64
	TypedBool
)

var typedKinds = [...]value.Kind{
	TypedNone: value.KindNil,
	TypedI32:  value.KindI32,
	TypedI64:  value.KindI64,
	TypedU32:  value.KindU32,
	TypedU64:  value.KindU64,
	TypedF64:  value.KindF64,
	TypedBool: value.KindBool,
}

// Kind returns the value kind a tag caches.
func (t TypedTag) Kind() value.Kind { return typedKinds[t] }

// TagFor returns the cache tag for a value kind, or TypedNone when the
// kind has no unboxed form.
func TagFor(k value.Kind) TypedTag {
	switch k {
	case value.KindI32:
		return TypedI32
	case value.KindI64:
		return TypedI64
	case value.KindU32:
		return TypedU32
	case value.KindU64:
		return TypedU64
	case value.KindF64:
		return TypedF64
	case value.KindBool:
		return TypedBool
	}
	return TypedNone
}

// tagForNumKind maps a typed opcode family kind to its cache tag.
func tagForNumKind(k bytecode.NumKind) TypedTag {
	switch k {
	case bytecode.KindI32:
		return TypedI32
	case bytecode.KindI64:
		return TypedI64
	case bytecode.KindU32:
		return TypedU32
	case bytecode.KindU64:
		return TypedU64
	case bytecode.KindF64:
		return TypedF64
	case bytecode.KindBool:
		return TypedBool
	}
	return TypedNone
}

// Slot is one register: the authoritative boxed value plus an optional
// unboxed cache. When dirty is set the cache is newer than boxed and
// boxed must not be read before Reconcile.
type Slot struct {
	boxed value.Value
	typed TypedTag
	bits  uint64
	dirty bool
}

// Reconcile flushes a dirty typed value into the boxed value.
func (s *Slot) Reconcile() {
	if s.dirty {
		s.boxed = value.FromBits(s.typed.Kind(), s.bits)
		s.dirty = false
	}
}

// Value returns the current value of the slot, reconciling first.
func (s *Slot) Value() value.Value {
	s.Reconcile()
	return s.boxed
}

// Typed returns the cached unboxed representation, if any.
func (s *Slot) Typed() (TypedTag, uint64) {
	return s.typed, s.bits
}

// Dirty reports whether the boxed value is behind the typed cache.
func (s *Slot) Dirty() bool { return s.dirty }

// seed records v's unboxed form in the cache without changing the boxed
// value. It is a no-op for kinds without one.
func (s *Slot) seed(v value.Value) {
	if s.dirty {
		return
	}
	if tag := TagFor(v.Kind()); tag != TypedNone {
		s.typed, s.bits = tag, v.Bits()
	}
}

// cached returns the unboxed payload when the cache holds tag.
func (s *Slot) cached(tag TypedTag) (uint64, bool) {
	if s.typed == tag {
		return s.bits, true
	}
	return 0, false
}

// Window is one 256-register frame window. The module window holds the
// top-level variables and is visible to every frame.
type Window struct {
	slots  [bytecode.WindowSize]Slot
	module bool
}

// NewWindow returns an empty frame window.
func NewWindow() *Window { return &Window{} }

// NewModuleWindow returns an empty module window.
func NewModuleWindow() *Window { return &Window{module: true} }

// IsModule reports whether w is the module window.
func (w *Window) IsModule() bool { return w.module }

// Slot returns register r.
func (w *Window) Slot(r int) *Slot { return &w.slots[r] }

// Value returns the current value of register r.
func (w *Window) Value(r int) value.Value { return w.slots[r].Value() }

// Set stores a boxed value, discarding any typed cache.
func (w *Window) Set(r int, v value.Value) {
	w.slots[r] = Slot{boxed: v}
}

// Reconcile flushes register r.
func (w *Window) Reconcile(r int) { w.slots[r].Reconcile() }

// ReconcileAll flushes the first n registers.
func (w *Window) ReconcileAll(n int) {
	if n > len(w.slots) {
		n = len(w.slots)
	}
	for i := 0; i < n; i++ {
		w.slots[i].Reconcile()
	}
}

// reset clears the first n registers for reuse by a new frame.
func (w *Window) reset(n int) {
	if n > len(w.slots) {
		n = len(w.slots)
	}
	clear(w.slots[:n])
}

// eager reports whether a typed write to r must update the boxed value.
func (w *Window) eager(r int) bool {
	return w.module || r < FrameRegisterThreshold
}

// StoreTyped writes an unboxed value of the given tag into register r.
func (w *Window) StoreTyped(r int, tag TypedTag, bits uint64) {
	s := &w.slots[r]
	s.typed, s.bits = tag, bits
	if w.eager(r) {
		s.boxed = value.FromBits(tag.Kind(), bits)
		s.dirty = false
		return
	}
	s.dirty = true
}

func (w *Window) StoreTypedI32(r int, v int32) { w.StoreTyped(r, TypedI32, uint64(uint32(v))) }
func (w *Window) StoreTypedI64(r int, v int64) { w.StoreTyped(r, TypedI64, uint64(v)) }
func (w *Window) StoreTypedU32(r int, v uint32) {
	w.StoreTyped(r, TypedU32, uint64(v))
}
func (w *Window) StoreTypedU64(r int, v uint64) { w.StoreTyped(r, TypedU64, v) }
func (w *Window) StoreTypedF64(r int, v float64) {
	w.StoreTyped(r, TypedF64, value.F64(v).Bits())
}
func (w *Window) StoreTypedBool(r int, v bool) {
	var bits uint64
	if v {
		bits = 1
	}
	w.StoreTyped(r, TypedBool, bits)
}

// storeValue writes v through the typed path when its kind has an unboxed
// form, and boxed otherwise.
func (w *Window) storeValue(r int, v value.Value) {
	if tag := TagFor(v.Kind()); tag != TypedNone {
		w.StoreTyped(r, tag, v.Bits())
		return
	}
	w.Set(r, v)
}

// PromoteToHeap evicts register r's typed cache, leaving only the boxed
// value.
func (w *Window) PromoteToHeap(r int) {
	s := &w.slots[r]
	s.Reconcile()
	s.typed, s.bits = TypedNone, 0
}

// copySlot moves register src of from into register dst of w, keeping a
// clean typed cache.
func (w *Window) copySlot(dst int, from *Window, src int) {
	s := from.slots[src]
	s.Reconcile()
	w.slots[dst] = s
}
