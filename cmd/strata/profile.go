package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/pkg/pgo"
	"github.com/chazu/strata/vm/dist"
)

// cmdProfile processes the `strata profile` subcommand.
// Usage:
//
//	strata profile build/a.sbc                 # show hot paths
//	strata profile -export a.prof build/a.sbc  # write a CBOR snapshot
//	strata profile -reset build/a.sbc          # forget recorded samples
func cmdProfile(ctx context.Context, m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	reset := fs.Bool("reset", false, "Delete the recorded samples")
	export := fs.String("export", "", "Write a CBOR snapshot of the hot paths to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("profile takes exactly one image")
	}
	img, err := dist.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	store, err := openStore(m)
	if err != nil {
		return err
	}
	defer store.Close()

	if *reset {
		if err := store.Reset(ctx, img.Key()); err != nil {
			return err
		}
		fmt.Printf("profile of image %s reset\n", img.ID)
		return nil
	}

	pc, sessions, err := loadProfile(ctx, m, store, img)
	if err != nil {
		return err
	}
	if *export != "" {
		data, err := pgo.MarshalSnapshot(pc.Snapshot(img.Key()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(*export, data, 0o644); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
	}
	return printProfile(os.Stdout, img, pc, sessions)
}

// loadProfile folds every stored sample of img into a fresh context and
// decides each path worth optimizing.
func loadProfile(ctx context.Context, m *manifest.Manifest, store *pgo.Store, img *dist.Image) (*pgo.Context, int, error) {
	samples, err := store.Load(ctx, img.Key())
	if err != nil {
		return nil, 0, err
	}
	sessions, err := store.Sessions(ctx, img.Key())
	if err != nil {
		return nil, 0, err
	}
	pc := m.PGOContext()
	pc.Enabled = true
	pc.Ingest(samples)
	for _, hp := range pc.HotPaths() {
		if pc.ShouldOptimize(hp) {
			pc.Decide(hp)
		}
	}
	return pc, sessions, nil
}

func printProfile(w io.Writer, img *dist.Image, pc *pgo.Context, sessions int) error {
	fmt.Fprintf(w, "image %s: %d sessions, threshold %d\n", img.ID, sessions, pc.HotPathThreshold)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tKIND\tENTRIES\tAVG ITERS\tHOTNESS\tDECISIONS")
	for _, hp := range pc.HotPaths() {
		kind := "function"
		if hp.IsLoop {
			kind = "loop"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.1f\t%.3f\t%s\n",
			hp.NodeID, kind, hp.ExecutionCount, hp.AverageIterations, hp.Hotness, hp.Decisions)
	}
	return tw.Flush()
}
