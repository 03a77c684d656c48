package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chazu/strata/compiler/hash"
	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/pkg/ast"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/vm/dist"
)

const (
	sourceExt = ".ast"
	imageExt  = ".sbc"
)

// compileOptions are the per-invocation settings for compiling sources.
type compileOptions struct {
	OutDir string
	Jobs   int
	PGO    bool // feed stored samples of the previous image back in
}

// cmdCompile processes the `strata compile` subcommand.
// Usage:
//
//	strata compile                 # every source listed in strata.toml
//	strata compile -o out a.ast    # one file into out/
//	strata compile -j 8 -pgo       # parallel, profile guided
func cmdCompile(ctx context.Context, m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	out := fs.String("o", m.OutputDir(), "Output directory for images")
	jobs := fs.Int("j", runtime.NumCPU(), "Files compiled in parallel")
	usePGO := fs.Bool("pgo", false, "Use the stored profile of the previous image")
	backend := fs.String("backend", m.Compiler.Backend, "Backend: fast, hybrid, optimized or auto")
	instrument := fs.Bool("profiling", m.Compiler.EmitProfiling, "Emit loop entry markers for the profiler")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m.Compiler.EmitProfiling = *instrument
	if _, ok := pgo.ParseBackend(*backend); !ok {
		return fmt.Errorf("unknown backend %q", *backend)
	}
	m.Compiler.Backend = *backend

	files := fs.Args()
	if len(files) == 0 {
		var err error
		if files, err = findSources(m); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no %s files found in %v", sourceExt, m.SourceDirPaths())
		}
	}

	opts := compileOptions{OutDir: *out, Jobs: *jobs, PGO: *usePGO && m.PGO.Enabled}
	var store *pgo.Store
	if opts.PGO {
		var err error
		if store, err = openStore(m); err != nil {
			return err
		}
		defer store.Close()
	}
	return compileAll(ctx, m, store, files, opts)
}

// compileAll compiles files concurrently, at most opts.Jobs at a time.
func compileAll(ctx context.Context, m *manifest.Manifest, store *pgo.Store, files []string, opts compileOptions) error {
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	sem := semaphore.NewWeighted(int64(opts.Jobs))
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range files {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			img, path, err := compileFile(gctx, m, store, src, opts.OutDir)
			if err != nil {
				return fmt.Errorf("%s: %w", src, err)
			}
			log.Infof("compiled %s -> %s (%s backend, image %s)", src, path, img.Backend, img.ID)
			return nil
		})
	}
	return g.Wait()
}

// compileFile compiles one source into outDir. When an image of the same
// source already exists there its id is kept so stored profiles still
// apply; with a store the previous image's samples guide the compile.
func compileFile(ctx context.Context, m *manifest.Manifest, store *pgo.Store, src, outDir string) (*dist.Image, string, error) {
	root, err := loadSource(src)
	if err != nil {
		return nil, "", err
	}
	// Hash before compiling: the passes rewrite the tree in place.
	digest := hash.HashNode(root)
	out := imagePath(outDir, src)

	var prev *dist.Image
	if p, err := dist.ReadFile(out); err == nil && p.SourceDigest == digest {
		prev = p
	}

	var pc *pgo.Context
	if store != nil && prev != nil {
		samples, err := store.Load(ctx, prev.Key())
		if err != nil {
			return nil, "", err
		}
		pc = m.PGOContext()
		pc.Ingest(samples)
	}

	res, err := m.Pipeline(pc).Compile(root)
	if err != nil {
		return nil, "", err
	}
	img, err := dist.NewImage(res.Program, digest)
	if err != nil {
		return nil, "", err
	}
	if prev != nil {
		img.ID = prev.ID
	}
	if err := dist.WriteFile(out, img); err != nil {
		return nil, "", err
	}
	return img, out, nil
}

// compileSource compiles src in memory without writing an image.
func compileSource(m *manifest.Manifest, src string) (*dist.Image, error) {
	root, err := loadSource(src)
	if err != nil {
		return nil, err
	}
	digest := hash.HashNode(root)
	res, err := m.Pipeline(nil).Compile(root)
	if err != nil {
		return nil, err
	}
	return dist.NewImage(res.Program, digest)
}

// loadSource decodes a CBOR typed AST document.
func loadSource(path string) (ast.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ast.DecodeProgram(data, ast.NewArena())
}

// loadImage returns the image at path, compiling it first when path is a
// source document.
func loadImage(m *manifest.Manifest, path string) (*dist.Image, error) {
	if filepath.Ext(path) == sourceExt {
		return compileSource(m, path)
	}
	return dist.ReadFile(path)
}

func imagePath(outDir, src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(outDir, base+imageExt)
}

// findSources lists the source documents in the manifest's source
// directories.
func findSources(m *manifest.Manifest) ([]string, error) {
	var files []string
	for _, dir := range m.SourceDirPaths() {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+sourceExt))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// openStore opens the profile database, creating its directory.
func openStore(m *manifest.Manifest) (*pgo.Store, error) {
	path := m.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating profile directory: %w", err)
	}
	return pgo.OpenStore(path)
}
