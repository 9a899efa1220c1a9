package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/4thel00z/turntable/internal"
)

func NewWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Match captures as they land in a folder",
		Long: `Match every image already in --dir, then keep watching it and match new
or rewritten captures in debounced batches against the same reference.`,
		Args: cobra.NoArgs,
		RunE: makeWatchRunner(a),
	}

	addPromptFlags(cmd)
	cmd.Flags().String("dir", "", "Capture directory to watch")
	cmd.Flags().Duration("debounce", 500*time.Millisecond, "Debounce window for batching new captures")
	cmd.Flags().Int("workers", 0, "Images processed concurrently (default from config)")
	cmd.Flags().String("out", "", "Export directory (default from config)")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func makeWatchRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		workers, _ := cmd.Flags().GetInt("workers")
		outDir, _ := cmd.Flags().GetString("out")

		ref, prompt, err := readReference(cmd)
		if err != nil {
			return err
		}

		filter, err := internal.NewCaptureFilter(dir)
		if err != nil {
			return err
		}

		s, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.pipeline(workers, outDir)
		if err != nil {
			return err
		}

		// The reference is segmented and embedded once for the whole session.
		prepared, err := p.PrepareReference(cmd.Context(), ref, prompt)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		b := &batcher{cmd: cmd, pipeline: p, ref: prepared}

		existing, err := internal.ListImages(dir)
		if err != nil {
			return fmt.Errorf("list captures: %w", err)
		}
		if len(existing) > 0 {
			if err := b.run(existing); err != nil {
				return err
			}
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer watcher.Close()

		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s for new captures...\n", dir)

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		pending := make(map[string]struct{})

		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !shouldProcessEvent(event, filter) {
					continue
				}
				if len(pending) == 0 {
					timer.Reset(debounce)
				}
				pending[event.Name] = struct{}{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
			case <-timer.C:
				targets := pendingTargets(pending)
				clear(pending)
				if err := b.run(targets); err != nil {
					return err
				}
			}
		}
	}
}

// batcher runs one prepared reference against successive target batches.
type batcher struct {
	cmd      *cobra.Command
	pipeline *internal.Pipeline
	ref      *internal.PreparedReference
}

// run reports per-image outcomes and only fails when the reference cannot
// be used, since no later batch could succeed either.
func (b *batcher) run(targets []internal.ImageSource) error {
	run, err := b.pipeline.Run(b.cmd.Context(), internal.RunInput{
		Prepared: b.ref,
		Targets:  targets,
	})
	if run == nil {
		var refErr *internal.ReferenceConstructionError
		if errors.As(err, &refErr) {
			return err
		}
		fmt.Fprintf(b.cmd.ErrOrStderr(), "match error: %v\n", err)
		return nil
	}
	if err != nil {
		fmt.Fprintf(b.cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	rep := internal.NewRunReport(run)
	if asJSON, _ := b.cmd.Flags().GetBool("json"); asJSON {
		return outputJSON(b.cmd, rep)
	}
	printReport(b.cmd.OutOrStdout(), rep)
	return nil
}

func shouldProcessEvent(event fsnotify.Event, filter *internal.CaptureFilter) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filter.Accept(event.Name)
}

func pendingTargets(pending map[string]struct{}) []internal.ImageSource {
	paths := make([]string, 0, len(pending))
	for path := range pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	targets := make([]internal.ImageSource, len(paths))
	for i, path := range paths {
		targets[i] = internal.ImageSource{ID: filepath.Base(path), Path: path}
	}
	return internal.UniqueIDs(targets)
}
