// Strata CLI - compiles typed AST documents to register bytecode images
// and runs them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/vm/dist"
)

// Version is the CLI release.
const Version = "0.4.0"

var log = commonlog.GetLogger("strata.cli")

func main() {
	verbose := flag.Bool("v", false, "Verbose output (raises log verbosity by one)")
	projectDir := flag.String("C", ".", "Project directory to search for strata.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: strata [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  compile [files...]   Compile .ast documents to .sbc images\n")
		fmt.Fprintf(os.Stderr, "  run <file>           Run an image or an .ast document\n")
		fmt.Fprintf(os.Stderr, "  disasm <file>        Disassemble an image or an .ast document\n")
		fmt.Fprintf(os.Stderr, "  watch                Recompile sources as they change\n")
		fmt.Fprintf(os.Stderr, "  profile <image>      Show or reset the stored profile of an image\n")
		fmt.Fprintf(os.Stderr, "  version              Print version information\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  strata compile -j 4             # compile every source in strata.toml\n")
		fmt.Fprintf(os.Stderr, "  strata run -profile build/a.sbc # run and record loop samples\n")
		fmt.Fprintf(os.Stderr, "  strata compile -pgo src/a.ast   # recompile using the recorded profile\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := loadManifest(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	configureLogging(m, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "compile":
		err = cmdCompile(ctx, m, rest)
	case "run":
		err = cmdRun(ctx, m, rest)
	case "disasm":
		err = cmdDisasm(m, rest)
	case "watch":
		err = cmdWatch(ctx, m, rest)
	case "profile":
		err = cmdProfile(ctx, m, rest)
	case "version":
		fmt.Printf("strata %s (image format %s, loads %s)\n", Version, dist.FormatVersion, dist.CompatibleRange)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest finds strata.toml above dir. Without one the defaults are
// used, rooted at dir.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if errors.Is(err, manifest.ErrNoManifest) {
		m = manifest.Default()
		if m.Dir, err = filepath.Abs(dir); err != nil {
			return nil, err
		}
		m.ApplyEnv()
		return m, m.Validate()
	}
	return m, err
}

func configureLogging(m *manifest.Manifest, verbose bool) {
	verbosity := m.Log.Verbosity
	if verbose {
		verbosity++
	}
	var path *string
	if f := m.LogFile(); f != "" {
		path = &f
	}
	commonlog.Configure(verbosity, path)
}
