// Package vm implements the strata register virtual machine.
//
// This package contains:
//   - Register windows with a boxed value and an unboxed typed cache per slot
//   - Register allocation bookkeeping used by the emitter
//   - Checked typed and generic arithmetic
//   - Switch and table dispatch over one canonical handler table
//   - Calls, closures and upvalues, try frames and iterators
//   - A loop profiler that exports PGO samples
package vm
