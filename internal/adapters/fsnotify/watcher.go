// Package fsnotify implements ports.SourceWatcher using github.com/fsnotify/fsnotify.
// It recursively watches media source roots, filters out housekeeping files
// and directories, and coalesces bursts of events per root (an import or a
// catalog write touches many files at once) into a single callback.
package fsnotify

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Directories to ignore when watching.
var ignoreDirs = map[string]bool{
	".git":            true,
	".thumbnails":     true,
	".Trash":          true,
	".Trashes":        true,
	"@eaDir":          true,
	".Spotlight-V100": true,
	".fseventsd":      true,
}

// File names and suffixes to ignore.
var ignoreFiles = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
	".swp":      true,
	".tmp":      true,
	".part":     true,
}

// Database side files are only ignored next to a database extension, so a
// photo named "beach-wal" still counts as a change.
var (
	databaseExts  = []string{".db", ".sqlite", ".sqlite3", ".catalog"}
	databaseSides = []string{"-journal", "-wal", "-shm"}
)

func isDatabaseSideFile(base string) bool {
	lower := strings.ToLower(base)
	for _, ext := range databaseExts {
		for _, side := range databaseSides {
			if strings.HasSuffix(lower, ext+side) {
				return true
			}
		}
	}
	return false
}

// DefaultQuiet is how long a root must stay quiet before its callback fires.
const DefaultQuiet = 250 * time.Millisecond

// Watcher implements ports.SourceWatcher using fsnotify.
type Watcher struct {
	fw       *fsnotify.Watcher
	onChange func(root string)
	quiet    time.Duration

	mu      sync.Mutex
	roots   map[string]bool
	timers  map[string]*time.Timer
	done    chan struct{}
	stopped bool
}

// NewWatcher creates a watcher that calls onChange with the root whose tree
// changed. A non-positive quiet means DefaultQuiet.
func NewWatcher(onChange func(root string), quiet time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	w := &Watcher{
		fw:       fw,
		onChange: onChange,
		quiet:    quiet,
		roots:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add starts monitoring root recursively. Adding a root twice is a no-op.
func (w *Watcher) Add(root string) error {
	absPath, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("watch " + absPath + ": not a directory")
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return errors.New("watcher stopped")
	}
	if w.roots[absPath] {
		w.mu.Unlock()
		return nil
	}
	w.roots[absPath] = true
	w.mu.Unlock()

	return w.addTree(absPath)
}

// Remove stops monitoring root.
func (w *Watcher) Remove(root string) error {
	absPath, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.roots, absPath)
	if t, ok := w.timers[absPath]; ok {
		t.Stop()
		delete(w.timers, absPath)
	}
	w.mu.Unlock()

	for _, p := range w.fw.WatchList() {
		if within(absPath, p) && w.rootFor(p) == "" {
			_ = w.fw.Remove(p)
		}
	}
	return nil
}

// Roots returns the roots being watched.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.roots))
	for r := range w.roots {
		out = append(out, r)
	}
	return out
}

// Stop ends monitoring and releases all resources.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) addTree(absPath string) error {
	return filepath.Walk(absPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}
		if info.IsDir() {
			if shouldIgnoreDir(info.Name()) && path != absPath {
				return filepath.SkipDir
			}
			return w.fw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			path := event.Name

			// New directories join the watch list
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(path); err == nil && info.IsDir() && !shouldIgnoreDir(info.Name()) {
					_ = w.addTree(path)
				}
			}

			if shouldIgnorePath(path) {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				continue
			}
			if root := w.rootFor(path); root != "" {
				w.schedule(root)
			}

		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			// Errors are swallowed; fsnotify recovers automatically

		case <-w.done:
			return
		}
	}
}

// schedule fires onChange for root once it has been quiet for w.quiet.
func (w *Watcher) schedule(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[root]; ok {
		t.Reset(w.quiet)
		return
	}
	w.timers[root] = time.AfterFunc(w.quiet, func() {
		w.mu.Lock()
		delete(w.timers, root)
		live := !w.stopped && w.roots[root]
		w.mu.Unlock()
		if live {
			w.onChange(root)
		}
	})
}

// rootFor returns the longest watched root containing path.
func (w *Watcher) rootFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ""
	for r := range w.roots {
		if within(r, path) && len(r) > len(best) {
			best = r
		}
	}
	return best
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// shouldIgnoreDir returns true if the directory name should be skipped.
func shouldIgnoreDir(name string) bool {
	return ignoreDirs[name]
}

// shouldIgnorePath returns true if the file path should not trigger onChange.
func shouldIgnorePath(path string) bool {
	base := filepath.Base(path)

	// Check ignored file names/suffixes
	if ignoreFiles[base] {
		return true
	}
	for ext := range ignoreFiles {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	if isDatabaseSideFile(base) {
		return true
	}

	// Check if any path component is an ignored directory
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if ignoreDirs[part] {
			return true
		}
	}

	return false
}
