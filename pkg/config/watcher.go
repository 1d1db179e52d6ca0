package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives each reloaded document, or the error that prevented
// loading it.
type ReloadFunc func(doc *Document, err error)

// Watcher reloads a definition whenever it, or its generator script, changes.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]bool
}

// NewWatcher creates a watcher that reloads through loader.
func NewWatcher(loader *Loader, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: DefaultDebounce,
		files:    make(map[string]bool),
	}
}

// SetDebounce overrides the debounce delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch loads path once, reports the result, then reports every reload until
// ctx is cancelled or Close is called. Parent directories are watched so that
// editors replacing files atomically are still noticed.
func (w *Watcher) Watch(ctx context.Context, path string, fn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	doc, loadErr := w.loader.Load(ctx, abs)
	if err := w.track(abs, doc); err != nil {
		_ = watcher.Close()
		return err
	}
	fn(doc, loadErr)

	go w.processEvents(ctx, watcher, abs, fn)

	w.logger.Info().Str("path", abs).Msg("Watching definition")
	return nil
}

// track watches the definition and, once known, its generator script.
func (w *Watcher) track(path string, doc *Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}

	paths := []string{path}
	if doc != nil {
		if gen := doc.GeneratorPath(); gen != "" {
			if abs, err := filepath.Abs(gen); err == nil {
				paths = append(paths, abs)
			}
		}
	}

	for _, p := range paths {
		if w.files[p] {
			continue
		}
		dir := filepath.Dir(p)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.files[p] = true
	}
	return nil
}

func (w *Watcher) isTracked(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Clean(name)]
}

// processEvents debounces file system events into reloads.
func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, fn ReloadFunc) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.isTracked(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Definition file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				doc, err := w.loader.Load(ctx, path)
				if err != nil {
					w.logger.Warn().Err(err).Str("path", path).Msg("Failed to reload definition")
				} else if trackErr := w.track(path, doc); trackErr != nil {
					w.logger.Warn().Err(trackErr).Msg("Failed to watch generator script")
				}
				fn(doc, err)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
