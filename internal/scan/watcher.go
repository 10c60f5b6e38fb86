package scan

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher imports files as they appear or change under a directory.
type Watcher struct {
	importer *Importer
	root     string
	debounce time.Duration
	log      *slog.Logger
	// imported receives the result of every debounced pass.
	imported func(ScanResult)
}

// NewWatcher creates a watcher over root. A zero debounce takes the default.
func NewWatcher(importer *Importer, root string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		importer: importer,
		root:     root,
		debounce: debounce,
		log:      logger.With("component", "scan_watcher"),
	}
}

// OnImport registers fn to receive the result of each import pass.
func (w *Watcher) OnImport(fn func(ScanResult)) {
	w.imported = fn
}

// Run watches until ctx is cancelled. Events are collected and imported
// once the tree has been quiet for the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	root, err := filepath.Abs(w.root)
	if err != nil {
		return err
	}
	if err := w.addTree(fw, root); err != nil {
		return err
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.log.Warn("watch directory failed", "path", event.Name, "err", err)
					}
					continue
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = struct{}{}
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "err", err)
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			if err := w.importPaths(ctx, paths); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) importPaths(ctx context.Context, paths []string) error {
	var result ScanResult
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		f, err := Describe(p)
		if err == nil {
			var added bool
			added, err = w.importer.ImportFile(ctx, f)
			if err == nil {
				if added {
					result.Added++
				} else {
					result.Existing++
				}
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if isFatal(err) {
			return err
		}
		w.log.Warn("import failed", "path", p, "err", err)
		result.Errors = append(result.Errors, FileError{Path: p, Error: err.Error()})
	}
	if result.Added+result.Existing+len(result.Errors) == 0 {
		return nil
	}
	w.log.Info("imported changes", "added", result.Added, "existing", result.Existing, "errors", len(result.Errors))
	if w.imported != nil {
		w.imported(result)
	}
	return nil
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, SidecarSuffix)
}
