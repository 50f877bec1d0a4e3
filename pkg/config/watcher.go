package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config dir and reports which store file changed so a
// newly selected key or an edited server table is picked up without a
// restart. The directory is watched rather than the files; editors that
// replace files (rename over) would otherwise drop the watch.
type Watcher struct {
	dir      string
	onChange func(filename string)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// watchedFiles are the store files a change callback fires for.
var watchedFiles = map[string]bool{
	KeyStoreFile:      true,
	ToolServersFile:   true,
	ProfilesFile:      true,
	SystemPromptsFile: true,
	AgentPromptsFile:  true,
	"config.yaml":     true,
}

// NewWatcher creates a watcher for the given config dir. onChange receives
// the base name of the changed file, debounced per file.
func NewWatcher(configDir string, onChange func(filename string)) (*Watcher, error) {
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return &Watcher{dir: absDir, onChange: onChange}, nil
}

// Start begins watching. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("watcher is closed")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher
	w.mu.Unlock()

	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	slog.Info("Watching config dir", "dir", w.dir)

	// Debounce timers coalesce rapid successive writes per file.
	const debounceDelay = 100 * time.Millisecond
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			name := filepath.Base(event.Name)
			if !watchedFiles[name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if t, exists := timers[name]; exists {
				t.Stop()
			}
			fileName := name
			timers[name] = time.AfterFunc(debounceDelay, func() {
				slog.Debug("Config file changed", "file", fileName)
				w.onChange(fileName)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}
