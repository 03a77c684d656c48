package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/chazu/strata/manifest"
)

// cmdWatch processes the `strata watch` subcommand: it compiles every
// source once, then recompiles a source whenever it is written.
func cmdWatch(ctx context.Context, m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	out := fs.String("o", m.OutputDir(), "Output directory for images")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range m.SourceDirPaths() {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		log.Infof("watching %s", dir)
	}

	files, err := findSources(m)
	if err != nil {
		return err
	}
	opts := compileOptions{OutDir: *out, Jobs: 1}
	if len(files) > 0 {
		if err := compileAll(ctx, m, nil, files, opts); err != nil {
			log.Errorf("%s", err)
		}
	}

	return watchLoop(ctx, w, func(src string) {
		if err := compileAll(ctx, m, nil, []string{src}, opts); err != nil {
			log.Errorf("%s", err)
		}
	})
}

// watchLoop calls rebuild for every source document created or written
// until ctx is done or the watcher closes.
func watchLoop(ctx context.Context, w *fsnotify.Watcher, rebuild func(src string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != sourceExt {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				log.Debugf("%s: %s", ev.Op, ev.Name)
				rebuild(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Errorf("watch: %s", err)
		}
	}
}
