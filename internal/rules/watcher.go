package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a custom rules JSON file into the engine whenever it
// changes on disk. Editors replace files rather than writing in place, so
// the parent directory is watched and events are debounced.
type Watcher struct {
	engine *Engine
	path   string
	log    *slog.Logger
	fw     *fsnotify.Watcher
	done   chan struct{}
}

const watchDebounce = 250 * time.Millisecond

// NewWatcher starts watching path. The initial file content, if present,
// is imported immediately.
func NewWatcher(ctx context.Context, engine *Engine, path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{engine: engine, path: path, log: log, fw: fw, done: make(chan struct{})}
	w.reload(ctx)
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	pending := make(chan time.Time, 1)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() { pending <- time.Now() })
			} else {
				timer.Reset(watchDebounce)
			}
		case <-pending:
			w.reload(ctx)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("rules watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("read rules file", "path", w.path, "error", err)
		}
		return
	}
	res, err := w.engine.ReplaceCustomRules(ctx, data)
	if err != nil {
		w.log.Warn("reload rules file", "path", w.path, "error", err)
		return
	}
	w.log.Info("rules file reloaded",
		"path", w.path, "imported", res.Imported, "skipped", res.Skipped)
}
