package workflow

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// Source yields the current workflow template. The static variant returns a
// fixed template; Watcher refreshes it when the file changes on disk.
type Source interface {
	Template() *Template
}

// Static wraps a fixed template as a Source.
func Static(tpl *Template) Source { return staticSource{tpl: tpl} }

type staticSource struct {
	tpl *Template
}

func (s staticSource) Template() *Template { return s.tpl }

// Watcher reloads the template whenever the backing file is rewritten. The
// initial load is mandatory; later reload failures keep the previous
// template and are logged.
type Watcher struct {
	path     string
	bindings Bindings
	logger   pslog.Logger
	watcher  *fsnotify.Watcher
	current  atomic.Pointer[Template]
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Watch loads the template at path and starts a filesystem watch on its
// directory. Watching the directory instead of the file survives the
// rename-over-save pattern editors use.
func Watch(path string, bindings Bindings, logger pslog.Logger) (*Watcher, error) {
	tpl, err := Load(path, bindings)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workflow: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("workflow: watch directory %q: %w", dir, err)
	}
	w := &Watcher{
		path:     path,
		bindings: bindings,
		logger:   logger,
		watcher:  fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.current.Store(tpl)
	go w.run()
	return w, nil
}

// Template returns the most recently loaded template.
func (w *Watcher) Template() *Template { return w.current.Load() }

// Close stops the watch. Safe to call more than once.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	<-w.done
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("workflow.watch.error", "path", w.path, "error", err)
			}
		}
	}
}

func (w *Watcher) reload() {
	tpl, err := Load(w.path, w.bindings)
	if err != nil {
		w.logger.Warn("workflow.reload.failed", "path", w.path, "error", err)
		return
	}
	w.current.Store(tpl)
	w.logger.Info("workflow.reloaded", "path", w.path, "nodes", tpl.NodeCount())
}
