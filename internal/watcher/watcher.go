// Package watcher provides debounced file system watching for the pulse
// sync engine. It watches a set of project directories recursively and
// coalesces bursts of change events into single change signals.
package watcher

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Config controls watch scope and coalescing behavior.
type Config struct {
	// Root is the project root. Watch paths and ignore globs are
	// evaluated relative to it.
	Root string

	// Paths are the directories under Root to watch recursively.
	Paths []string

	// Ignore holds glob patterns for paths that never produce signals,
	// matched against root-relative slash paths.
	Ignore []string

	// Debounce is how long to wait after the last event in a burst
	// before emitting a change signal.
	Debounce time.Duration

	// Stability is how long a changed file must stay unmodified before
	// the burst is considered settled.
	Stability time.Duration

	// Logger for watch activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths:     []string{"."},
		Ignore:    []string{"**/node_modules/**", "**/.git/**", "**/dist/**", "**/build/**", ".pulse/**"},
		Debounce:  500 * time.Millisecond,
		Stability: 300 * time.Millisecond,
		Logger:    log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher watches project directories and emits coalesced change signals.
// Many raw file events within one debounce window collapse into a single
// signal on Events().
type Watcher struct {
	config  *Config
	watcher *fsnotify.Watcher
	events  chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]time.Time
}

// New creates a Watcher. It must be started with Start() before it will
// emit signals.
func New(config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		events:  make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		pending: make(map[string]time.Time),
	}, nil
}

// Start begins watching the configured paths. Each path is walked and
// every non-ignored directory under it is registered, so events surface
// for the whole subtree.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, path := range w.config.Paths {
		root := filepath.Join(w.config.Root, path)
		if err := w.addRecursive(root); err != nil {
			w.watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	w.running = true
	w.wg.Add(2)
	go w.processEvents()
	go w.flushPending()

	return nil
}

// Stop stops watching and cleans up. It blocks until both background
// goroutines have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel that emits coalesced change signals.
// The channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Errors returns the channel that emits watch error notifications.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addRecursive registers dir and every non-ignored directory under it.
// Missing directories are skipped so a watch path can appear later.
func (w *Watcher) addRecursive(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		w.config.Logger.Printf("Watch path does not exist, skipping: %s", dir)
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.watcher.Add(filepath.Dir(dir))
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// ignored reports whether a path matches any ignore glob. Patterns are
// matched against the root-relative slash path.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}

	for _, pattern := range w.config.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A pattern like "**/dist/**" should also hide the dist
		// directory itself.
		if trimmed, found := strings.CutSuffix(pattern, "/**"); found {
			if ok, _ := doublestar.Match(trimmed, rel); ok {
				return true
			}
		}
	}
	return false
}

// processEvents converts raw fsnotify events into pending entries and
// registers newly created directories.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.config.Logger.Printf("Failed to watch new directory %s: %v", event.Name, err)
					}
					continue
				}
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// flushPending periodically checks whether the pending burst has settled
// and emits one coalesced signal when it has.
func (w *Watcher) flushPending() {
	defer w.wg.Done()

	interval := w.config.Stability
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.takeSettled() {
				// Non-blocking send: if a signal is already queued the
				// consumer will pick up this burst in the same cycle.
				select {
				case w.events <- struct{}{}:
				default:
				}
			}
		}
	}
}

// takeSettled clears and reports a pending burst once every entry is
// older than the debounce window and the newest entry has been stable
// for the stability window.
func (w *Watcher) takeSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return false
	}

	now := time.Now()
	var newest time.Time
	for _, queued := range w.pending {
		if queued.After(newest) {
			newest = queued
		}
	}
	if now.Sub(newest) < w.config.Debounce || now.Sub(newest) < w.config.Stability {
		return false
	}

	w.config.Logger.Printf("Change burst settled (%d paths)", len(w.pending))
	w.pending = make(map[string]time.Time)
	return true
}
