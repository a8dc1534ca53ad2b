package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// pendingFile tracks one path inside its debounce window. The size snapshot
// is taken at the last observed event; a settle only submits when the file
// has not grown since, otherwise the window restarts. Each entry owns its
// own timer: a settle fired by an entry that no longer tracks the path is
// discarded, so a remove-and-recreate cannot inherit the old window.
type pendingFile struct {
	size    int64
	trigger func(func())
}

// Watcher observes the ingest directory and submits exactly one job per
// stable file. Audio files arrive incrementally, so every path sits out a
// quiet period before it is considered complete.
type Watcher struct {
	dir       string
	quiet     time.Duration
	submitter *Submitter
	stat      func(name string) (os.FileInfo, error)

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// NewWatcher creates a watcher for dir with the given debounce quiet period.
func NewWatcher(dir string, quiet time.Duration, submitter *Submitter) *Watcher {
	return &Watcher{
		dir:       dir,
		quiet:     quiet,
		submitter: submitter,
		stat:      os.Stat,
		pending:   make(map[string]*pendingFile),
	}
}

// Run watches the ingest directory until the context is cancelled. Event and
// stat errors are logged and never stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	log.Printf("[watcher] watching %s (quiet period %s)", w.dir, w.quiet)

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[watcher] fs error: %v", err)
		}
	}
}

// scanExisting debounces files already present at startup, covering drops
// that happened while the service was down.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[watcher] scan %s: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.touch(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// handleEvent routes one filesystem notification.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if isHidden(event.Name) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.touch(ctx, event.Name)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.cancel(event.Name)
	}
}

// touch records the latest size for path and restarts its quiet window.
func (w *Watcher) touch(ctx context.Context, path string) {
	info, err := w.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.cancel(path)
			return
		}
		log.Printf("[watcher] stat %s: %v", path, err)
		return
	}
	if info.IsDir() {
		return
	}

	w.mu.Lock()
	entry, ok := w.pending[path]
	if !ok {
		entry = &pendingFile{trigger: debounce.New(w.quiet)}
		w.pending[path] = entry
	}
	entry.size = info.Size()
	trigger := entry.trigger
	w.mu.Unlock()

	trigger(func() { w.settle(ctx, path, entry) })
}

// cancel drops the pending entry so a queued settle becomes a no-op.
func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// settle fires after the quiet period. A file whose size is unchanged since
// the last event is stable and becomes a job; a grown file restarts the
// window; a vanished file is forgotten. The owner check filters out timers
// from entries that were cancelled while this settle was queued.
func (w *Watcher) settle(ctx context.Context, path string, owner *pendingFile) {
	w.mu.Lock()
	entry, ok := w.pending[path]
	if !ok || entry != owner {
		w.mu.Unlock()
		return
	}

	info, err := w.stat(path)
	if err != nil {
		delete(w.pending, path)
		w.mu.Unlock()
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[watcher] stat %s: %v", path, err)
		}
		return
	}
	if info.Size() != entry.size {
		entry.size = info.Size()
		trigger := entry.trigger
		w.mu.Unlock()
		trigger(func() { w.settle(ctx, path, entry) })
		return
	}

	delete(w.pending, path)
	w.mu.Unlock()

	job, err := w.submitter.Submit(ctx, path)
	if err != nil {
		if errors.Is(err, ErrAlreadyTracked) {
			return
		}
		log.Printf("[watcher] submit %s: %v", path, err)
		return
	}
	log.Printf("[watcher] job %s created for %s (priority %s)", job.ID, job.FileName, job.Priority)
}

// isHidden reports whether the file name marks a hidden or partial file.
func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// NewWatcherForTests constructs a watcher with an injectable stat.
func NewWatcherForTests(
	dir string,
	quiet time.Duration,
	submitter *Submitter,
	stat func(name string) (os.FileInfo, error),
) *Watcher {
	return &Watcher{
		dir:       dir,
		quiet:     quiet,
		submitter: submitter,
		stat:      stat,
		pending:   make(map[string]*pendingFile),
	}
}
