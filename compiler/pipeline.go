package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/pkg/pgo"
)

// ---------------------------------------------------------------------------
// Pipeline: the driver around the coordinator and the emitter
// ---------------------------------------------------------------------------

// Pipeline compiles typed ASTs. The coordinator's registered passes and
// the loop passes are separate mechanisms; the pipeline runs both.
//
//   - fast: registered passes only
//   - hybrid: registered passes, loop affinity and residency
//   - optimized: registered passes, LICM, loop affinity and residency
type Pipeline struct {
	Config Config

	// Backend forces a backend. BackendAuto picks one per unit.
	Backend pgo.Backend

	// HotPath marks the unit as hot for backend selection.
	HotPath bool
}

// Result is the outcome of one compilation.
type Result struct {
	Program   *bytecode.Program
	Backend   pgo.Backend
	Hints     pgo.VMHints
	Stats     Stats
	LICM      LICMStats
	Affinity  int // loop affinity bindings recorded
	Residency int // loop residency plans recorded

	// Decisions holds the PGO decisions taken, by AST node ID.
	Decisions map[int]pgo.DecisionFlags

	Context *OptimizationContext
}

// NewPipeline returns a pipeline that selects its backend automatically.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{Config: cfg, Backend: pgo.BackendAuto}
}

// Compile optimizes root in place and emits it.
func (p *Pipeline) Compile(root ast.Node) (*Result, error) {
	if root == nil {
		return nil, errors.New("compiler: compile: nil root")
	}
	ctx := NewOptimizationContext(p.Config)

	backend := p.Backend
	switch {
	case p.Config.Debug:
		backend = pgo.BackendFast
	case backend == pgo.BackendAuto:
		backend = pgo.ChooseBackend(root, pgo.CompilationContext{
			Debug:   p.Config.Debug,
			HotPath: p.HotPath,
			PGO:     p.Config.PGO,
		})
	}

	root, err := ctx.Optimize(root)
	if err != nil {
		return nil, err
	}
	res := &Result{Backend: backend, Hints: pgo.HintsFor(backend), Context: ctx}
	// Hybrid and optimized code both get the loop passes; fast code is
	// emitted as written.
	if backend != pgo.BackendFast {
		res.LICM = HoistLoopInvariants(root, ctx)
		res.Affinity = AnalyzeLoopAffinity(root, ctx)
		res.Residency = AnalyzeLoopResidency(root, ctx)
	}
	if pc := p.Config.PGO; pc != nil && pc.Enabled {
		res.Decisions = applyProfile(root, pc)
	}

	prog, err := NewEmitter(ctx).Emit(root)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	prog.Backend = backend.String()
	res.Program = prog
	res.Stats = ctx.Stats
	log.Debugf("compiled %d functions with the %s backend (%d hoisted, %d typed loops)",
		len(prog.Functions), backend, res.LICM.InvariantsHoisted, res.Affinity)
	return res, nil
}

// applyProfile runs the PGO decisions for every loop and function node.
func applyProfile(root ast.Node, pc *pgo.Context) map[int]pgo.DecisionFlags {
	out := make(map[int]pgo.DecisionFlags)
	ast.Walk(root, ast.Visitor{Pre: func(n ast.Node) bool {
		if _, isFn := n.(*ast.Function); isFn || ast.IsLoop(n) {
			if d := pc.Apply(n); d != pgo.DecisionNone {
				out[n.Meta().ID] = d
			}
		}
		return true
	}})
	return out
}
