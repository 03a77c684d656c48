// Package pgo classifies code paths by runtime hotness and picks a
// compilation backend for them. It never rewrites code itself; it only
// produces decisions for the compiler and VM to act on.
package pgo

import (
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/ast"
)

var log = commonlog.GetLogger("strata.pgo")

// Default thresholds.
const (
	DefaultHotPathThreshold  = 1000 // executions before a path can be hot
	DefaultHotnessThreshold  = 0.1
	DefaultOptimizationLevel = 2
	MaxOptimizationLevel     = 3

	// expectedCycles normalizes per-execution cost in the hotness score.
	expectedCycles = 1000.0
)

// DecisionFlags are advisory optimization decisions for a hot path.
type DecisionFlags uint32

const (
	DecisionNone            DecisionFlags = 0
	DecisionInline          DecisionFlags = 1 << 0
	DecisionUnroll          DecisionFlags = 1 << 1
	DecisionVectorize       DecisionFlags = 1 << 2
	DecisionSpecialize      DecisionFlags = 1 << 3
	DecisionOptimizeBackend DecisionFlags = 1 << 4
	DecisionRegisterOpt     DecisionFlags = 1 << 5
)

func (d DecisionFlags) Has(f DecisionFlags) bool { return d&f != 0 }

var decisionNames = []struct {
	flag DecisionFlags
	name string
}{
	{DecisionInline, "inline"},
	{DecisionUnroll, "unroll"},
	{DecisionVectorize, "vectorize"},
	{DecisionSpecialize, "specialize"},
	{DecisionOptimizeBackend, "optimize-backend"},
	{DecisionRegisterOpt, "register-opt"},
}

// String lists the set flags joined by "|", or "none".
func (d DecisionFlags) String() string {
	var names []string
	for _, n := range decisionNames {
		if d.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// HotPath is the accumulated profile of one AST node (a loop or function).
type HotPath struct {
	NodeID            int
	IsLoop            bool
	IsFunction        bool
	ExecutionCount    uint64
	TotalCycles       uint64
	AverageCycles     float64
	AverageIterations float64
	Hotness           float64
	Decisions         DecisionFlags
}

// Sample is one profiling observation exported by the VM.
type Sample struct {
	NodeID     int
	IsLoop     bool
	Entries    uint64 // times the loop was entered or the function called
	Iterations uint64 // loop back-edges taken
	Cycles     uint64 // measured time in nanoseconds; 0 if unmeasured
}

// Context is the profile-guided optimization state for one compilation
// session. It is passed explicitly to every entry point that uses it.
type Context struct {
	Enabled           bool
	HotPathThreshold  uint64
	HotnessThreshold  float64
	OptimizationLevel int

	hotPaths map[int]*HotPath

	FunctionsOptimized int
	LoopsOptimized     int
	InliningDecisions  int
	BackendSwitches    int
}

// NewContext returns an enabled context with default thresholds.
func NewContext() *Context {
	return &Context{
		Enabled:           true,
		HotPathThreshold:  DefaultHotPathThreshold,
		HotnessThreshold:  DefaultHotnessThreshold,
		OptimizationLevel: DefaultOptimizationLevel,
		hotPaths:          make(map[int]*HotPath),
	}
}

// SetHotPathThreshold sets the execution count a path needs to be hot.
// Zero is treated as one.
func (c *Context) SetHotPathThreshold(n uint64) {
	if n == 0 {
		n = 1
	}
	c.HotPathThreshold = n
}

// SetHotnessThreshold clamps t to [0, 1].
func (c *Context) SetHotnessThreshold(t float64) {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	c.HotnessThreshold = t
}

// SetOptimizationLevel caps level at MaxOptimizationLevel.
func (c *Context) SetOptimizationLevel(level int) {
	if level > MaxOptimizationLevel {
		level = MaxOptimizationLevel
	}
	if level < 0 {
		level = 0
	}
	c.OptimizationLevel = level
}

// Reset drops every hot path and counter but keeps configuration.
func (c *Context) Reset() {
	c.hotPaths = make(map[int]*HotPath)
	c.FunctionsOptimized = 0
	c.LoopsOptimized = 0
	c.InliningDecisions = 0
	c.BackendSwitches = 0
}

// Hotness combines execution frequency (weight 0.7) and normalized
// per-execution cost (weight 0.3), capped at 1.
func (c *Context) Hotness(executions, totalCycles uint64) float64 {
	if executions == 0 {
		return 0
	}
	frequency := float64(executions) / float64(c.HotPathThreshold)
	cost := float64(totalCycles) / (float64(executions) * expectedCycles)
	h := frequency*0.7 + cost*0.3
	if h > 1 {
		return 1
	}
	return h
}

// Analyze returns the hot path record for n, creating an empty one on
// first sight. It returns nil when profiling is disabled.
func (c *Context) Analyze(n ast.Node) *HotPath {
	if !c.Enabled || n == nil {
		return nil
	}
	id := n.Meta().ID
	if hp, ok := c.hotPaths[id]; ok {
		return hp
	}
	_, isFn := n.(*ast.Function)
	hp := &HotPath{NodeID: id, IsLoop: ast.IsLoop(n), IsFunction: isFn}
	c.hotPaths[id] = hp
	return hp
}

// Lookup returns the recorded hot path for a node ID without creating one.
func (c *Context) Lookup(id int) *HotPath {
	return c.hotPaths[id]
}

// HotPaths returns every tracked path ordered by node ID.
func (c *Context) HotPaths() []*HotPath {
	out := make([]*HotPath, 0, len(c.hotPaths))
	for _, hp := range c.hotPaths {
		out = append(out, hp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// IsHot reports whether hp clears both the hotness and frequency bars.
func (c *Context) IsHot(hp *HotPath) bool {
	if hp == nil {
		return false
	}
	return hp.Hotness >= c.HotnessThreshold && hp.ExecutionCount >= c.HotPathThreshold
}

// ShouldOptimize reports whether the node behind hp is worth optimizing.
// Loops qualify at half the hot threshold, functions at a quarter.
func (c *Context) ShouldOptimize(hp *HotPath) bool {
	if !c.Enabled || hp == nil {
		return false
	}
	if c.IsHot(hp) {
		return true
	}
	switch {
	case hp.IsLoop:
		return hp.ExecutionCount >= c.HotPathThreshold/2
	case hp.IsFunction:
		return hp.ExecutionCount >= c.HotPathThreshold/4
	}
	return false
}

// Decide computes the advisory decision flags for hp and records them.
func (c *Context) Decide(hp *HotPath) DecisionFlags {
	if !c.Enabled || hp == nil {
		return DecisionNone
	}
	d := DecisionNone
	if c.IsHot(hp) {
		d |= DecisionOptimizeBackend | DecisionRegisterOpt
		if hp.IsLoop {
			d |= DecisionUnroll
			if c.OptimizationLevel >= 2 {
				d |= DecisionVectorize
			}
		}
		if hp.IsFunction && hp.AverageCycles < 10000 {
			d |= DecisionInline
		}
		if hp.Hotness > 0.5 && c.OptimizationLevel >= 3 {
			d |= DecisionSpecialize
		}
	}
	hp.Decisions = d
	return d
}

// ChooseBackend picks a backend from profile data alone: hot paths get the
// optimized backend, warm paths (a quarter of the threshold) hybrid, and
// everything else fast. Without data it returns def.
func (c *Context) ChooseBackend(hp *HotPath, def Backend) Backend {
	if !c.Enabled || hp == nil {
		return def
	}
	if c.IsHot(hp) {
		c.BackendSwitches++
		log.Debugf("node %d is hot (%.2f); switching to optimized backend", hp.NodeID, hp.Hotness)
		return BackendOptimized
	}
	if hp.ExecutionCount >= c.HotPathThreshold/4 {
		return BackendHybrid
	}
	return BackendFast
}

// ShouldInline reports whether a hot function is small enough to inline.
func (c *Context) ShouldInline(hp *HotPath) bool {
	if !c.Enabled || hp == nil || !hp.IsFunction {
		return false
	}
	if c.IsHot(hp) && hp.AverageCycles < 5000 {
		c.InliningDecisions++
		return true
	}
	return false
}

// ShouldUnroll reports whether a hot loop has a short, unrollable trip count.
func (c *Context) ShouldUnroll(hp *HotPath) bool {
	if !c.Enabled || hp == nil || !hp.IsLoop {
		return false
	}
	return c.IsHot(hp) && hp.AverageIterations > 2 && hp.AverageIterations < 16
}

// UnrollFactor returns 1 for loops that should not be unrolled.
func (c *Context) UnrollFactor(hp *HotPath) int {
	if !c.ShouldUnroll(hp) {
		return 1
	}
	switch {
	case hp.AverageIterations <= 4:
		return 2
	case hp.AverageIterations <= 8:
		return 4
	}
	return 8
}

// ShouldRecompile reports whether a path has become hot enough since its
// last compilation to warrant recompiling with the optimized backend.
func (c *Context) ShouldRecompile(hp *HotPath) bool {
	if !c.Enabled || hp == nil {
		return false
	}
	return hp.Hotness >= c.HotnessThreshold*1.5 && hp.ExecutionCount >= c.HotPathThreshold*2
}

// Ingest folds VM samples into the tracked hot paths. Counts accumulate,
// so samples from several runs add up.
func (c *Context) Ingest(samples []Sample) {
	if !c.Enabled {
		return
	}
	for _, s := range samples {
		if s.Entries == 0 {
			continue
		}
		hp, ok := c.hotPaths[s.NodeID]
		if !ok {
			hp = &HotPath{NodeID: s.NodeID, IsLoop: s.IsLoop, IsFunction: !s.IsLoop}
			c.hotPaths[s.NodeID] = hp
		}
		cycles := s.Cycles
		if cycles == 0 {
			cycles = s.Iterations * 100
		}
		prevIters := hp.AverageIterations * float64(hp.ExecutionCount)
		hp.ExecutionCount += s.Entries
		hp.TotalCycles += cycles
		hp.AverageCycles = float64(hp.TotalCycles) / float64(hp.ExecutionCount)
		hp.AverageIterations = (prevIters + float64(s.Iterations)) / float64(hp.ExecutionCount)
		hp.Hotness = c.Hotness(hp.ExecutionCount, hp.TotalCycles)
	}
}

// Apply runs the per-node PGO decisions for n and updates the counters.
// It returns the decisions taken.
func (c *Context) Apply(n ast.Node) DecisionFlags {
	hp := c.Analyze(n)
	if hp == nil || !c.ShouldOptimize(hp) {
		return DecisionNone
	}
	d := c.Decide(hp)
	if d.Has(DecisionUnroll) && hp.IsLoop {
		c.LoopsOptimized++
		log.Debugf("loop %d: unroll by %d (avg iterations %.1f)", hp.NodeID, c.UnrollFactor(hp), hp.AverageIterations)
	}
	if d.Has(DecisionInline) && hp.IsFunction {
		c.FunctionsOptimized++
		log.Debugf("function %d marked for inlining (avg cycles %.1f)", hp.NodeID, hp.AverageCycles)
	}
	return d
}
