package vm

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
)

// DefaultLoopHotThreshold is the back-edge count at which a loop site is
// reported through OnHot.
const DefaultLoopHotThreshold = 1000

// LoopProfile holds the counters of one loop site.
type LoopProfile struct {
	Site       bytecode.LoopSite
	Entries    atomic.Uint64
	Iterations atomic.Uint64
	Nanos      atomic.Uint64
	IsHot      atomic.Bool

	mark int64 // clock reading at the last entry or back edge
}

// FunctionProfile holds the counters of one function.
type FunctionProfile struct {
	Fn    *bytecode.Function
	Calls atomic.Uint64
	Nanos atomic.Uint64

	loops    map[uint16]*LoopProfile
	byTarget map[int]*LoopProfile // loop header offset -> site
}

// Profiler counts function calls, loop entries and loop back edges, and
// measures the time spent in each with a monotonic clock. Counters are
// atomic so Samples may be read while the VM runs.
type Profiler struct {
	LoopHotThreshold uint64

	// OnHot is called once per loop site when its iterations reach
	// LoopHotThreshold.
	OnHot func(fn *bytecode.Function, site bytecode.LoopSite)

	base  time.Time
	funcs map[*bytecode.Function]*FunctionProfile
	order []*FunctionProfile

	hotLoops atomic.Uint64
}

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		LoopHotThreshold: DefaultLoopHotThreshold,
		base:             time.Now(),
		funcs:            make(map[*bytecode.Function]*FunctionProfile),
	}
}

func (p *Profiler) now() int64 { return int64(time.Since(p.base)) }

// bind registers the functions and loop sites of a program. Counters of
// functions already bound are kept, so repeated runs accumulate.
func (p *Profiler) bind(prog *bytecode.Program) {
	for _, fn := range prog.Functions {
		if _, ok := p.funcs[fn]; ok {
			continue
		}
		fp := &FunctionProfile{
			Fn:       fn,
			loops:    make(map[uint16]*LoopProfile, len(fn.LoopSites)),
			byTarget: make(map[int]*LoopProfile, len(fn.LoopSites)),
		}
		for _, s := range fn.LoopSites {
			lp := &LoopProfile{Site: s}
			fp.loops[s.Site] = lp
			// The loop header follows OpLoopEnter; sites compiled without
			// the marker are never entered and get no back-edge mapping.
			code := fn.Chunk.Code
			if s.Offset < len(code) && bytecode.Opcode(code[s.Offset]) == bytecode.OpLoopEnter {
				fp.byTarget[s.Offset+bytecode.OpLoopEnter.InstructionLen()] = lp
			}
		}
		p.funcs[fn] = fp
		p.order = append(p.order, fp)
	}
}

func (p *Profiler) enterFunction(fn *bytecode.Function) int64 {
	if fp := p.funcs[fn]; fp != nil {
		fp.Calls.Add(1)
	}
	return p.now()
}

func (p *Profiler) exitFunction(fn *bytecode.Function, entered int64) {
	if fp := p.funcs[fn]; fp != nil {
		if d := p.now() - entered; d > 0 {
			fp.Nanos.Add(uint64(d))
		}
	}
}

// EnterLoop records one entry into loop site of fn.
func (p *Profiler) EnterLoop(fn *bytecode.Function, site int) {
	fp := p.funcs[fn]
	if fp == nil {
		return
	}
	if lp := fp.loops[uint16(site)]; lp != nil {
		lp.Entries.Add(1)
		lp.mark = p.now()
	}
}

// BackEdge records a backward jump to target in fn. Jumps that do not land
// on a profiled loop header are ignored.
func (p *Profiler) BackEdge(fn *bytecode.Function, target int) {
	fp := p.funcs[fn]
	if fp == nil {
		return
	}
	lp := fp.byTarget[target]
	if lp == nil {
		return
	}
	now := p.now()
	if d := now - lp.mark; d > 0 {
		lp.Nanos.Add(uint64(d))
	}
	lp.mark = now
	n := lp.Iterations.Add(1)
	if n >= p.LoopHotThreshold && lp.IsHot.CompareAndSwap(false, true) {
		p.hotLoops.Add(1)
		if p.OnHot != nil {
			p.OnHot(fn, lp.Site)
		}
	}
}

// Loop returns the profile of a loop site, or nil.
func (p *Profiler) Loop(fn *bytecode.Function, site uint16) *LoopProfile {
	if fp := p.funcs[fn]; fp != nil {
		return fp.loops[site]
	}
	return nil
}

// Function returns the profile of fn, or nil.
func (p *Profiler) Function(fn *bytecode.Function) *FunctionProfile {
	return p.funcs[fn]
}

// HotLoopCount returns the number of loop sites that crossed the threshold.
func (p *Profiler) HotLoopCount() uint64 { return p.hotLoops.Load() }

// Samples exports the counters as PGO samples keyed by AST node ID, sorted
// by node ID. Functions and loops without a node ID are skipped.
func (p *Profiler) Samples() []pgo.Sample {
	var out []pgo.Sample
	for _, fp := range p.order {
		if fp.Fn.NodeID != 0 && fp.Calls.Load() > 0 {
			out = append(out, pgo.Sample{
				NodeID:  fp.Fn.NodeID,
				Entries: fp.Calls.Load(),
				Cycles:  fp.Nanos.Load(),
			})
		}
		for _, lp := range fp.loops {
			if lp.Site.NodeID == 0 || lp.Entries.Load() == 0 {
				continue
			}
			out = append(out, pgo.Sample{
				NodeID:     lp.Site.NodeID,
				IsLoop:     true,
				Entries:    lp.Entries.Load(),
				Iterations: lp.Iterations.Load(),
				Cycles:     lp.Nanos.Load(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reset clears all counters and bound programs.
func (p *Profiler) Reset() {
	p.funcs = make(map[*bytecode.Function]*FunctionProfile)
	p.order = nil
	p.hotLoops.Store(0)
	p.base = time.Now()
}
