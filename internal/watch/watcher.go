// Package watch turns filesystem notifications under a workspace into patch ops.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// DefaultSettle is how long Close keeps draining events after the last one.
const DefaultSettle = 50 * time.Millisecond

// Filter decides which workspace-relative paths are watched.
type Filter interface {
	Excluded(path string, dir bool) bool
}

// EmitFunc receives one op per observed change. It must not block.
type EmitFunc func(op domain.FsPatchOp)

// Watcher watches a directory tree recursively. The tree as it exists when
// the watcher starts produces no ops; only later changes do.
type Watcher struct {
	root   string
	filter Filter
	emit   EmitFunc
	live   func() bool
	logger *zap.Logger
	settle time.Duration

	fsw *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLiveness suppresses emission once live reports false.
func WithLiveness(live func() bool) Option {
	return func(w *Watcher) { w.live = live }
}

// WithSettle sets the drain period used by Close.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// New starts watching root.
func New(root string, filter Filter, emit EmitFunc, logger *zap.Logger, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:   root,
		filter: filter,
		emit:   emit,
		live:   func() bool { return true },
		logger: logger,
		settle: DefaultSettle,
		fsw:    fsw,
		dirs:   make(map[string]bool),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(root, false); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (w *Watcher) excluded(rel string, dir bool) bool {
	return w.filter != nil && w.filter.Excluded(rel, dir)
}

// addTree watches dir and every non-excluded directory under it. With
// emitContents set, directories and files found are emitted as ops; this
// covers content created before the watch on a new directory was in place.
func (w *Watcher) addTree(dir string, emitContents bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, ok := w.rel(p)
		if p != w.root && (!ok || w.excluded(rel, d.IsDir())) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return err
			}
			w.mu.Lock()
			w.dirs[p] = true
			w.mu.Unlock()
			if emitContents && p != w.root {
				w.send(domain.MkdirOp(rel))
			}
			return nil
		}
		if emitContents && d.Type().IsRegular() {
			w.emitWrite(p, rel)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	stop := w.stop
	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
			if settle != nil {
				settle = time.After(w.settle)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-stop:
			stop = nil
			settle = time.After(w.settle)
		case <-settle:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			// Gone again before we looked; the remove event follows.
			return
		}
		if w.excluded(rel, info.IsDir()) {
			return
		}
		if info.IsDir() {
			w.send(domain.MkdirOp(rel))
			if err := w.addTree(ev.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
			}
			return
		}
		if info.Mode().IsRegular() {
			w.emitWrite(ev.Name, rel)
		}

	case ev.Has(fsnotify.Write):
		if w.excluded(rel, false) {
			return
		}
		w.emitWrite(ev.Name, rel)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		wasDir := w.dirs[ev.Name]
		delete(w.dirs, ev.Name)
		w.mu.Unlock()
		if wasDir && ev.Has(fsnotify.Rename) {
			_ = w.fsw.Remove(ev.Name)
		}
		if w.excluded(rel, wasDir) {
			return
		}
		w.send(domain.DeleteOp(rel))
	}
}

func (w *Watcher) emitWrite(abs, rel string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("failed to read changed file", zap.String("path", rel), zap.Error(err))
		}
		return
	}
	w.send(domain.WriteOp(rel, data))
}

func (w *Watcher) send(op domain.FsPatchOp) {
	if !w.live() {
		return
	}
	w.emit(op)
}

// Close drains events until none arrive for the settle period, then stops.
// No op is emitted after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
		err = w.fsw.Close()
	})
	return err
}
