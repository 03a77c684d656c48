package manifest

import (
	"io"

	"github.com/chazu/strata/compiler"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/vm"
)

// PGOContext returns a profile context configured from the [pgo] section.
// It is disabled when pgo.enabled is false.
func (m *Manifest) PGOContext() *pgo.Context {
	pc := pgo.NewContext()
	pc.Enabled = m.PGO.Enabled
	pc.SetHotPathThreshold(m.PGO.HotPathThreshold)
	pc.SetHotnessThreshold(m.PGO.HotnessThreshold)
	pc.SetOptimizationLevel(m.PGO.OptimizationLevel)
	return pc
}

// CompilerConfig returns the compiler configuration. pc may be nil.
func (m *Manifest) CompilerConfig(pc *pgo.Context) compiler.Config {
	return compiler.Config{
		Passes:        m.Compiler.Passes,
		Debug:         m.Compiler.Debug,
		EmitProfiling: m.Compiler.EmitProfiling,
		PGO:           pc,
	}
}

// Pipeline returns a compiler pipeline for the configured backend.
func (m *Manifest) Pipeline(pc *pgo.Context) *compiler.Pipeline {
	p := compiler.NewPipeline(m.CompilerConfig(pc))
	if b, ok := pgo.ParseBackend(m.Compiler.Backend); ok {
		p.Backend = b
	}
	return p
}

// VMConfig returns the interpreter configuration writing program output to out.
func (m *Manifest) VMConfig(out io.Writer) vm.Config {
	return vm.Config{
		Dispatch: m.VM.Dispatch,
		Trace:    m.VM.Trace,
		Profile:  m.Compiler.EmitProfiling,
		Out:      out,
	}
}
