package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the event bursts editors and atomic-rename writers
// produce into a single reload.
const watchDebounce = 100 * time.Millisecond

// Watcher invokes a callback when the rollout definition file changes on
// disk. The parent directory is watched rather than the file itself, so
// replace-by-rename updates are seen too.
type Watcher struct {
	path     string
	onChange func()
	fw       *fsnotify.Watcher
	logger   zerolog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// WatchRolloutFile starts watching path. onChange runs on the watcher
// goroutine after each settled modification; keep it quick or hand off.
func WatchRolloutFile(path string, onChange func(), logger zerolog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rollout file path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		onChange: onChange,
		fw:       fw,
		logger:   logger.With().Str("component", "watcher").Str("path", absPath).Logger(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)

	w.logger.Info().Msg("watching rollout file")
	return w, nil
}

// Close stops watching and waits for the event loop to exit. A reload that
// already left the debounce window may still run.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			// The parent directory delivers events for siblings too.
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				w.logger.Debug().Str("op", event.Op.String()).Msg("rollout file changed")
				w.onChange()
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}
