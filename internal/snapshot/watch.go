package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher regenerates the snapshot whenever something under the root changes.
type Watcher struct {
	gen *Generator
	log *zap.Logger
	w   *walker

	// OnWrite is called after every successful write, including the initial one.
	OnWrite func(*Snapshot)
}

// NewWatcher creates a Watcher for g.
func NewWatcher(g *Generator) *Watcher {
	return &Watcher{
		gen: g,
		log: g.logger(),
		w:   newWalker(Options{Output: g.OutputPath(), Exclude: g.Exclude, Logger: g.Logger}),
	}
}

// Run writes an initial snapshot, then blocks regenerating on change
// notifications until ctx is cancelled. Only the initial write failing is
// fatal; later failures are reported and watching continues.
func (wt *Watcher) Run(ctx context.Context) error {
	snap, err := wt.gen.Run()
	if err != nil {
		return err
	}
	wt.notify(snap)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	root, err := filepath.Abs(wt.gen.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	wt.addTree(watcher, root)

	if wt.gen.Stdout != nil {
		fmt.Fprintf(wt.gen.Stdout, "Watching %s\n", root)
	}
	wt.log.Info("watching for changes", zap.String("root", root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			relevant := wt.handle(watcher, root, event)
			// Fold whatever else is already queued into this batch.
			for drained := false; !drained; {
				select {
				case more, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if wt.handle(watcher, root, more) {
						relevant = true
					}
				default:
					drained = true
				}
			}
			if !relevant {
				continue
			}
			if snap, err := wt.gen.Run(); err == nil {
				wt.notify(snap)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			wt.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (wt *Watcher) notify(snap *Snapshot) {
	if wt.OnWrite != nil {
		wt.OnWrite(snap)
	}
}

// handle reacts to a single event and reports whether it should trigger a
// regeneration.
func (wt *Watcher) handle(watcher *fsnotify.Watcher, root string, event fsnotify.Event) bool {
	if wt.ignored(root, event.Name) {
		return false
	}
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				wt.log.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			wt.addTree(watcher, event.Name)
		}
	}
	wt.log.Debug("change", zap.String("op", event.Op.String()), zap.String("path", event.Name))
	return true
}

// ignored reports whether any path segment below root is excluded.
func (wt *Watcher) ignored(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return wt.w.excludesPath(filepath.ToSlash(rel))
}

// addTree adds every non-excluded directory below dir to the watcher.
func (wt *Watcher) addTree(watcher *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || p == dir {
			return nil
		}
		if wt.w.isExcluded(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(p); err != nil {
			wt.log.Warn("cannot watch directory", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
}
