package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/vm"
	"github.com/chazu/strata/vm/dist"
)

// cmdRun processes the `strata run` subcommand.
func cmdRun(ctx context.Context, m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dispatch := fs.String("dispatch", m.VM.Dispatch, "Dispatch strategy: switch or table")
	trace := fs.Bool("trace", m.VM.Trace, "Log every instruction")
	profile := fs.Bool("profile", false, "Record loop samples in the profile store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("run takes exactly one file")
	}
	path := fs.Arg(0)
	if *profile && !isImage(path) {
		// Samples are keyed by image id, which a source document lacks.
		return errors.New("run -profile needs a compiled image; run strata compile -profiling first")
	}

	img, err := loadImage(m, path)
	if err != nil {
		return err
	}
	cfg := m.VMConfig(os.Stdout)
	cfg.Dispatch = *dispatch
	cfg.Trace = *trace
	cfg.Profile = *profile

	machine, runErr := execute(img, cfg)
	if *profile && machine != nil {
		if err := saveProfile(ctx, m, img, machine); err != nil {
			return err
		}
	}
	return runErr
}

// execute runs img. The VM is returned even when the program fails so its
// profile can still be saved.
func execute(img *dist.Image, cfg vm.Config) (*vm.VM, error) {
	prog, err := img.Program()
	if err != nil {
		return nil, err
	}
	machine, err := vm.New(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := machine.Run(prog); err != nil {
		return machine, err
	}
	log.Debugf("image %s: %d instructions", img.ID, machine.InstructionCount())
	return machine, nil
}

func saveProfile(ctx context.Context, m *manifest.Manifest, img *dist.Image, machine *vm.VM) error {
	p := machine.Profiler()
	if p == nil {
		return nil
	}
	samples := p.Samples()
	if len(samples) == 0 {
		log.Warningf("image %s has no profiled loops; was it compiled with -profiling?", img.ID)
		return nil
	}
	store, err := openStore(m)
	if err != nil {
		return err
	}
	defer store.Close()
	session, err := store.Save(ctx, img.Key(), samples)
	if err != nil {
		return err
	}
	log.Infof("saved %d samples for image %s (session %s)", len(samples), img.ID, session)
	return nil
}

// cmdDisasm processes the `strata disasm` subcommand.
func cmdDisasm(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	backend := fs.String("backend", m.Compiler.Backend, "Backend used when disassembling a source document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("disasm takes exactly one file")
	}
	m.Compiler.Backend = *backend
	img, err := loadImage(m, fs.Arg(0))
	if err != nil {
		return err
	}
	return disassemble(os.Stdout, img)
}

func disassemble(w io.Writer, img *dist.Image) error {
	prog, err := img.Program()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "; Image %s, format %s, source %s\n", img.ID, img.FormatVersion, img.SourceDigest)
	_, err = io.WriteString(w, prog.Disassemble())
	return err
}

func isImage(path string) bool { return filepath.Ext(path) == imageExt }
