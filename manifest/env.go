package manifest

import (
	"github.com/xyproto/env/v2"
)

// Environment variables that override strata.toml.
const (
	EnvDispatch     = "STRATA_DISPATCH"
	EnvDebug        = "STRATA_DEBUG"
	EnvBackend      = "STRATA_BACKEND"
	EnvPGOThreshold = "STRATA_PGO_THRESHOLD"
	EnvPGOStore     = "STRATA_PGO_STORE"
	EnvLogVerbosity = "STRATA_LOG_VERBOSITY"
)

// ApplyEnv overrides fields with any STRATA_* variables that are set.
func (m *Manifest) ApplyEnv() {
	m.VM.Dispatch = env.Str(EnvDispatch, m.VM.Dispatch)
	m.Compiler.Backend = env.Str(EnvBackend, m.Compiler.Backend)
	m.PGO.Store = env.Str(EnvPGOStore, m.PGO.Store)
	if env.Has(EnvDebug) {
		m.Compiler.Debug = env.Bool(EnvDebug)
	}
	if n := env.Int(EnvPGOThreshold, 0); n > 0 {
		m.PGO.HotPathThreshold = uint64(n)
	}
	m.Log.Verbosity = env.Int(EnvLogVerbosity, m.Log.Verbosity)
}
