package compiler

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/pgo"
)

var log = commonlog.GetLogger("strata.compiler")

// ErrUnsupported reports a construct the emitter cannot lower.
var ErrUnsupported = errors.New("compiler: unsupported construct")

// ---------------------------------------------------------------------------
// Optimization context: pass registry plus per-unit analysis tables
// ---------------------------------------------------------------------------

// PassFunc runs one optimization pass over root and returns the
// (possibly replaced) root.
type PassFunc func(root ast.Node, ctx *OptimizationContext) (ast.Node, error)

// Pass is a registered optimization pass.
type Pass struct {
	Name    string
	Enabled bool
	Run     PassFunc
}

// Stats accumulates optimization counters for one compilation unit.
type Stats struct {
	// Constant folding
	OptimizationsApplied    int
	ConstantsFolded         int
	BinaryExpressionsFolded int
	NodesEliminated         int

	// LICM
	InvariantsHoisted     int
	LoopsOptimized        int
	GuardFusions          int
	RedundantGuardFusions int

	PassesRun     int
	PassesSkipped int
}

// Config selects optional behavior for a compilation unit.
type Config struct {
	// Passes overrides the enabled flag of registered passes by name.
	Passes map[string]bool

	// Debug forces the fast backend and disables loop analyses.
	Debug bool

	// EmitProfiling makes the emitter mark loop entries for the VM profiler.
	EmitProfiling bool

	// PGO carries profile data from earlier runs. May be nil.
	PGO *pgo.Context
}

// OptimizationContext is created once per compilation unit and threaded
// through every pass.
type OptimizationContext struct {
	Config Config
	Stats  Stats

	passes    []*Pass
	affinity  []*AffinityBinding
	residency []*ResidencyPlan
}

// NewOptimizationContext returns a context with the default passes
// registered: constantfold enabled, deadcode and cse registered but
// disabled.
func NewOptimizationContext(cfg Config) *OptimizationContext {
	ctx := &OptimizationContext{Config: cfg}
	ctx.RegisterPass("constantfold", true, constantFoldPass)
	ctx.RegisterPass("deadcode", false, nil)
	ctx.RegisterPass("cse", false, nil)
	for name, enabled := range cfg.Passes {
		if !ctx.SetPassEnabled(name, enabled) {
			log.Warningf("unknown optimization pass %q in configuration", name)
		}
	}
	return ctx
}

// RegisterPass appends a pass to the registry. Passes run in
// registration order.
func (ctx *OptimizationContext) RegisterPass(name string, enabled bool, fn PassFunc) {
	ctx.passes = append(ctx.passes, &Pass{Name: name, Enabled: enabled, Run: fn})
}

// SetPassEnabled toggles the pass with exactly this name. It returns
// false, changing nothing, if no such pass is registered.
func (ctx *OptimizationContext) SetPassEnabled(name string, enabled bool) bool {
	for _, p := range ctx.passes {
		if p.Name == name {
			p.Enabled = enabled
			return true
		}
	}
	return false
}

// Passes returns the registered passes in order.
func (ctx *OptimizationContext) Passes() []Pass {
	out := make([]Pass, len(ctx.passes))
	for i, p := range ctx.passes {
		out[i] = *p
	}
	return out
}

// Optimize runs every enabled pass over root in order. A failing pass is
// logged and skipped; the tree it was given carries on to the next pass.
func (ctx *OptimizationContext) Optimize(root ast.Node) (ast.Node, error) {
	if root == nil {
		return nil, fmt.Errorf("compiler: optimize: nil root")
	}
	for _, p := range ctx.passes {
		if !p.Enabled {
			continue
		}
		if p.Run == nil {
			log.Warningf("pass %s is enabled but not implemented; skipping", p.Name)
			ctx.Stats.PassesSkipped++
			continue
		}
		out, err := p.Run(root, ctx)
		if err != nil {
			log.Warningf("pass %s failed: %v; skipping", p.Name, err)
			ctx.Stats.PassesSkipped++
			continue
		}
		if out != nil {
			root = out
		}
		ctx.Stats.PassesRun++
	}
	return root, nil
}

func constantFoldPass(root ast.Node, ctx *OptimizationContext) (ast.Node, error) {
	out, stats := FoldConstants(root, ctx)
	log.Debugf("constantfold: %d folded, %d nodes eliminated", stats.ConstantsFolded, stats.NodesEliminated)
	return out, nil
}

// ---------------------------------------------------------------------------
// Loop analysis tables
// ---------------------------------------------------------------------------

// Affinity returns the affinity binding recorded for loop, or nil.
func (ctx *OptimizationContext) Affinity(loop ast.Node) *AffinityBinding {
	for _, b := range ctx.affinity {
		if b.Loop == loop {
			return b
		}
	}
	return nil
}

// AffinityBindings returns every recorded binding in discovery order.
func (ctx *OptimizationContext) AffinityBindings() []*AffinityBinding {
	return ctx.affinity
}

// Residency returns the residency plan recorded for loop, or nil.
func (ctx *OptimizationContext) Residency(loop ast.Node) *ResidencyPlan {
	for _, p := range ctx.residency {
		if p.Loop == loop {
			return p
		}
	}
	return nil
}

// ResidencyPlans returns every recorded plan in discovery order.
func (ctx *OptimizationContext) ResidencyPlans() []*ResidencyPlan {
	return ctx.residency
}

func (ctx *OptimizationContext) addAffinity(b *AffinityBinding) {
	if ctx.Affinity(b.Loop) != nil {
		return
	}
	ctx.affinity = append(ctx.affinity, b)
}

func (ctx *OptimizationContext) addResidency(p *ResidencyPlan) {
	if ctx.Residency(p.Loop) != nil {
		return
	}
	ctx.residency = append(ctx.residency, p)
}
