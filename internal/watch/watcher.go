// Package watch observes a drop folder and reports documents ready for
// ingestion. Files matching the ignore file are skipped.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName inside the watched folder lists patterns to skip, gitignore
// syntax.
const IgnoreFileName = ".raglineignore"

// defaultDebounce batches rapid events from editors and partial copies.
const defaultDebounce = 500 * time.Millisecond

// documentExtensions are the file types the ingestion backend accepts.
var documentExtensions = map[string]bool{
	".pdf":  true,
	".xlsx": true,
	".xls":  true,
}

// Watcher observes one directory for new or updated documents.
type Watcher struct {
	dir        string
	watcher    *fsnotify.Watcher
	onDocument func(paths []string)
	debounce   time.Duration

	mu      sync.Mutex
	pending map[string]bool

	ignoreMatcher *ignore.GitIgnore
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewWatcher creates a watcher over dir. The ignore file is optional.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		dir:      dir,
		watcher:  fsw,
		debounce: defaultDebounce,
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	ignorePath := filepath.Join(dir, IgnoreFileName)
	if _, err := os.Stat(ignorePath); err == nil {
		matcher, err := ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			cancel()
			fsw.Close()
			return nil, fmt.Errorf("failed to parse %s: %w", IgnoreFileName, err)
		}
		w.ignoreMatcher = matcher
	}

	return w, nil
}

// OnDocument sets the callback invoked with absolute paths of documents that
// changed since the last debounce tick.
func (w *Watcher) OnDocument(fn func(paths []string)) {
	w.onDocument = fn
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop halts event processing and releases the watch.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.accepts(event.Name) {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = true
	w.mu.Unlock()
}

// accepts reports whether path is a document we should hand to ingestion.
func (w *Watcher) accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !documentExtensions[ext] {
		return false
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	if w.ignoreMatcher != nil && w.ignoreMatcher.MatchesPath(rel) {
		return false
	}

	// Partial copies show up as zero-length or vanish before the tick.
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return true
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	// A file queued earlier may have been deleted before the tick.
	live := paths[:0]
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			live = append(live, path)
		}
	}
	if len(live) == 0 {
		return
	}

	if w.onDocument != nil {
		w.onDocument(live)
	}
}
