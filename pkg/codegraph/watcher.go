package codegraph

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codepipe/pkg/logx"
)

// DefaultDebounce is the quiet period before a batch of changes is delivered.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reports batches of changed source files under a root.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(paths []string)
	logger   *logx.Logger
	timer    *time.Timer
	pending  map[string]bool
	done     chan struct{}
	root     string
	wg       sync.WaitGroup
	mu       sync.Mutex
	debounce time.Duration
	stopped  bool
}

// NewWatcher watches root recursively. onChange receives relative, slash-separated paths of
// changed .go files after each quiet period.
func NewWatcher(root string, debounce time.Duration, onChange func(paths []string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		watcher:  fw,
		onChange: onChange,
		logger:   logx.NewLogger("codegraph-watch"),
		pending:  make(map[string]bool),
		done:     make(chan struct{}),
		root:     root,
		debounce: debounce,
	}
	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("add watch paths: %w", err)
	}

	w.wg.Add(1)
	go w.eventLoop()
	return w, nil
}

// Close stops watching. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !SkipDir(info.Name()) {
				_ = w.addRecursive(event.Name)
			}
			return
		}
	}
	if event.Op == fsnotify.Chmod || !IsSource(filepath.Base(event.Name)) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending[filepath.ToSlash(rel)] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.stopped || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.Debug("%d files changed under %s", len(paths), w.root)
	if w.onChange != nil {
		w.onChange(paths)
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if p != dir && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}
