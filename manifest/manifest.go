// Package manifest handles strata.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/chazu/strata/pkg/pgo"
)

// FileName is the name of the project configuration file.
const FileName = "strata.toml"

// ErrNoManifest is returned when no strata.toml can be found.
var ErrNoManifest = errors.New("manifest: no " + FileName + " found")

// Manifest represents a strata.toml project configuration.
type Manifest struct {
	Project  Project        `toml:"project"`
	Compiler CompilerConfig `toml:"compiler"`
	VM       VMConfig       `toml:"vm"`
	PGO      PGOConfig      `toml:"pgo"`
	Log      LogConfig      `toml:"log"`

	// Dir is the directory containing the strata.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata and file locations.
type Project struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Sources []string `toml:"sources"` // directories holding .ast files
	Output  string   `toml:"output"`  // directory compiled images are written to
}

// CompilerConfig configures the optimization pipeline.
type CompilerConfig struct {
	Passes        map[string]bool `toml:"passes"`
	Debug         bool            `toml:"debug"`
	EmitProfiling bool            `toml:"emit-profiling"`
	Backend       string          `toml:"backend"` // fast, hybrid, optimized or auto
}

// VMConfig configures the interpreter.
type VMConfig struct {
	Dispatch string `toml:"dispatch"`
	Trace    bool   `toml:"trace"`
}

// PGOConfig configures profile-guided optimization.
type PGOConfig struct {
	Enabled           bool    `toml:"enabled"`
	HotPathThreshold  uint64  `toml:"hot-path-threshold"`
	HotnessThreshold  float64 `toml:"hotness-threshold"`
	OptimizationLevel int     `toml:"optimization-level"`
	Store             string  `toml:"store"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when a field is not set.
func Default() *Manifest {
	return &Manifest{
		Project: Project{
			Sources: []string{"."},
			Output:  "build",
		},
		Compiler: CompilerConfig{Backend: "auto"},
		VM:       VMConfig{Dispatch: "switch"},
		PGO: PGOConfig{
			Enabled:           true,
			HotPathThreshold:  pgo.DefaultHotPathThreshold,
			HotnessThreshold:  pgo.DefaultHotnessThreshold,
			OptimizationLevel: pgo.DefaultOptimizationLevel,
			Store:             filepath.Join(".strata", "profile.db"),
		},
		Log: LogConfig{Verbosity: 0},
	}
}

// Load parses the strata.toml file in dir on top of the defaults, then
// applies STRATA_* environment overrides.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoManifest, dir)
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.ApplyEnv()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a strata.toml file, then
// loads and returns the manifest. It returns ErrNoManifest if none exists.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNoManifest
		}
		dir = parent
	}
}

// Validate checks values toml cannot check by itself.
func (m *Manifest) Validate() error {
	switch m.VM.Dispatch {
	case "", "switch", "table":
	default:
		return fmt.Errorf("manifest: vm.dispatch must be switch or table, got %q", m.VM.Dispatch)
	}
	if m.Compiler.Backend != "" {
		if _, ok := pgo.ParseBackend(m.Compiler.Backend); !ok {
			return fmt.Errorf("manifest: unknown compiler.backend %q", m.Compiler.Backend)
		}
	}
	if l := m.PGO.OptimizationLevel; l < 0 || l > pgo.MaxOptimizationLevel {
		return fmt.Errorf("manifest: pgo.optimization-level %d out of range 0-%d", l, pgo.MaxOptimizationLevel)
	}
	if t := m.PGO.HotnessThreshold; t < 0 || t > 1 {
		return fmt.Errorf("manifest: pgo.hotness-threshold %g out of range 0-1", t)
	}
	if m.Project.Version != "" {
		if _, err := semver.NewVersion(m.Project.Version); err != nil {
			return fmt.Errorf("manifest: project.version %q: %w", m.Project.Version, err)
		}
	}
	return nil
}

// Resolve returns path relative to the manifest directory unless it is
// already absolute.
func (m *Manifest) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || m.Dir == "" {
		return path
	}
	return filepath.Join(m.Dir, path)
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Project.Sources {
		paths = append(paths, m.Resolve(d))
	}
	return paths
}

// OutputDir returns the directory compiled images are written to.
func (m *Manifest) OutputDir() string { return m.Resolve(m.Project.Output) }

// StorePath returns the profile database path.
func (m *Manifest) StorePath() string { return m.Resolve(m.PGO.Store) }

// LogFile returns the log file path, or "" to log to stderr.
func (m *Manifest) LogFile() string { return m.Resolve(m.Log.File) }
