package vm

import (
	"fmt"

	"github.com/chazu/strata/pkg/bytecode"
)

// RegisterInfo is the allocation bookkeeping for one register.
type RegisterInfo struct {
	Live          int // >0 while allocated
	Pinned        bool
	IsLoopVar     bool
	LifetimeStart int
	LifetimeEnd   int
	SpillCost     int
	UseCount      int
	LastUse       int
}

// RegisterState tracks which registers of one window are in use. It is
// owned by the emitter while compiling a function.
//
// Invariant: AvailableRegisters == 256 - pinned - count(Live > 0).
type RegisterState struct {
	regs               [bytecode.WindowSize]RegisterInfo
	AvailableRegisters int
	HighWaterMark      int // one past the highest register ever allocated
}

// NewRegisterState returns a state with registers 0-3 pinned.
func NewRegisterState() *RegisterState {
	rs := &RegisterState{AvailableRegisters: bytecode.WindowSize}
	for r := 0; r < bytecode.PinnedRegisters; r++ {
		rs.regs[r].Pinned = true
		rs.AvailableRegisters--
	}
	rs.HighWaterMark = bytecode.PinnedRegisters
	return rs
}

// Info returns the bookkeeping for register r.
func (rs *RegisterState) Info(r int) RegisterInfo { return rs.regs[r] }

// IsLive reports whether r is allocated.
func (rs *RegisterState) IsLive(r int) bool { return rs.regs[r].Live > 0 }

func (rs *RegisterState) take(r int, isLoopVar bool) {
	info := &rs.regs[r]
	info.Live = 1
	info.IsLoopVar = isLoopVar
	info.LifetimeStart = info.LastUse
	info.LifetimeEnd = 0
	info.UseCount = 0
	info.SpillCost = 1
	if isLoopVar {
		// Loop variables are the most expensive to spill.
		info.SpillCost = 10
	}
	rs.AvailableRegisters--
	if r+1 > rs.HighWaterMark {
		rs.HighWaterMark = r + 1
	}
}

// Allocate returns the lowest free unpinned register.
func (rs *RegisterState) Allocate(isLoopVar bool) (byte, error) {
	for r := bytecode.PinnedRegisters; r < bytecode.WindowSize; r++ {
		if rs.regs[r].Live == 0 && !rs.regs[r].Pinned {
			rs.take(r, isLoopVar)
			return byte(r), nil
		}
	}
	return 0, ErrRegistersExhausted
}

// AllocateBlock returns the first of n consecutive free registers, for
// call arguments and array or print operands.
func (rs *RegisterState) AllocateBlock(n int) (byte, error) {
	if n <= 0 {
		n = 1
	}
	run := 0
	for r := bytecode.PinnedRegisters; r < bytecode.WindowSize; r++ {
		if rs.regs[r].Live == 0 && !rs.regs[r].Pinned {
			run++
			if run == n {
				first := r - n + 1
				for i := first; i <= r; i++ {
					rs.take(i, false)
				}
				return byte(first), nil
			}
			continue
		}
		run = 0
	}
	return 0, fmt.Errorf("%w: no run of %d registers", ErrRegistersExhausted, n)
}

// Reserve allocates a specific register, used for parameters.
func (rs *RegisterState) Reserve(r int) error {
	if r < 0 || r >= bytecode.WindowSize {
		return fmt.Errorf("vm: register %d out of range", r)
	}
	if rs.regs[r].Pinned {
		return fmt.Errorf("vm: register %d is pinned", r)
	}
	if rs.regs[r].Live > 0 {
		return fmt.Errorf("vm: register %d already live", r)
	}
	rs.take(r, false)
	return nil
}

// Free releases r. Freeing a pinned or free register is an error.
func (rs *RegisterState) Free(r byte) error {
	info := &rs.regs[r]
	if info.Pinned {
		return fmt.Errorf("vm: cannot free pinned register r%d", r)
	}
	if info.Live == 0 {
		return fmt.Errorf("vm: register r%d is not live", r)
	}
	info.Live = 0
	info.LifetimeEnd = info.LastUse
	rs.AvailableRegisters++
	return nil
}

// MarkUse records a use of r at instruction offset ip.
func (rs *RegisterState) MarkUse(r byte, ip int) {
	info := &rs.regs[r]
	info.UseCount++
	info.LastUse = ip
	if info.IsLoopVar {
		info.SpillCost += 2
	} else {
		info.SpillCost++
	}
}

// LiveCount returns the number of allocated registers.
func (rs *RegisterState) LiveCount() int {
	n := 0
	for i := range rs.regs {
		if rs.regs[i].Live > 0 {
			n++
		}
	}
	return n
}

// Validate checks the availability invariant.
func (rs *RegisterState) Validate() error {
	pinned := 0
	for i := range rs.regs {
		if rs.regs[i].Pinned {
			pinned++
			if rs.regs[i].Live > 0 {
				return fmt.Errorf("vm: pinned register r%d is live", i)
			}
		}
	}
	want := bytecode.WindowSize - pinned - rs.LiveCount()
	if rs.AvailableRegisters != want {
		return fmt.Errorf("vm: register state inconsistent: %d available, want %d", rs.AvailableRegisters, want)
	}
	return nil
}
