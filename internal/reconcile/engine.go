// Package reconcile keeps a client-side replica of a session workspace in
// step with the server and forwards every change to a local execution
// mirror.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// ErrSequenceGap reports a patch that does not follow the last applied one.
// The replica is stale until the next snapshot.
var ErrSequenceGap = errors.New("patch sequence gap")

// Mirror is the local execution environment that runs the project.
type Mirror interface {
	Boot(ctx context.Context) error
	WriteFiles(ctx context.Context, files map[string]domain.FileEntry) error
	InstallDeps(ctx context.Context) (bool, error)
	StartDevServer(ctx context.Context) (string, error)
	ApplyFilePatch(ctx context.Context, op domain.FsPatchOp) error
}

// State is the bootstrap state of the mirror.
type State int

const (
	StateEmpty State = iota
	StateBootstrapping
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Engine applies snapshots and patches in sequence order. Patches that
// arrive before the first bootstrap completes are held and replayed.
type Engine struct {
	mirror Mirror
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	files    map[string]domain.FileEntry
	lastSeq  int64
	held     map[int64]domain.PatchMessage
	pending  *domain.Snapshot
	dirty    map[string]struct{}
	url      string
	onAck    func(seq int64)
	onResync func()
	// resyncRequested is set from the first gap until a snapshot arrives.
	resyncRequested bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAck sets the callback invoked with each applied sequence.
func WithAck(fn func(seq int64)) Option {
	return func(e *Engine) { e.onAck = fn }
}

// WithResync sets the callback invoked when a gap requires a fresh snapshot.
func WithResync(fn func()) Option {
	return func(e *Engine) { e.onResync = fn }
}

func New(mirror Mirror, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		mirror: mirror,
		logger: logger.With(zap.String("component", "reconcile")),
		files:  make(map[string]domain.FileEntry),
		held:   make(map[int64]domain.PatchMessage),
		dirty:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplySnapshot replaces the replica with snap. The first snapshot boots
// the mirror; later ones are diffed against the replica.
func (e *Engine) ApplySnapshot(ctx context.Context, snap domain.Snapshot) error {
	e.mu.Lock()
	switch e.state {
	case StateBootstrapping:
		// Superseded snapshots are dropped; the newest is diffed after boot.
		if e.pending == nil || snap.Seq >= e.pending.Seq {
			s := snap
			e.pending = &s
		}
		e.mu.Unlock()
		return nil
	case StateReady:
		defer e.mu.Unlock()
		return e.resyncLocked(ctx, snap)
	}
	e.state = StateBootstrapping
	e.mu.Unlock()

	url, err := e.bootstrap(ctx, snap.Files)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateEmpty
		e.pending = nil
		return err
	}
	e.url = url
	e.state = StateReady
	e.files = copyFiles(snap.Files)
	e.lastSeq = snap.Seq
	e.dirty = make(map[string]struct{})
	e.ack(snap.Seq)

	if p := e.pending; p != nil {
		e.pending = nil
		if p.Seq > e.lastSeq {
			if err := e.resyncLocked(ctx, *p); err != nil {
				return err
			}
		}
	}
	return e.replayLocked(ctx)
}

func (e *Engine) bootstrap(ctx context.Context, files map[string]domain.FileEntry) (string, error) {
	if err := e.mirror.Boot(ctx); err != nil {
		return "", fmt.Errorf("boot mirror: %w", err)
	}
	if err := e.mirror.WriteFiles(ctx, files); err != nil {
		return "", fmt.Errorf("write files: %w", err)
	}
	ok, err := e.mirror.InstallDeps(ctx)
	if err != nil {
		return "", fmt.Errorf("install deps: %w", err)
	}
	if !ok {
		e.logger.Warn("dependency install reported failure")
	}
	url, err := e.mirror.StartDevServer(ctx)
	if err != nil {
		return "", fmt.Errorf("start dev server: %w", err)
	}
	e.logger.Info("mirror ready", zap.String("url", url), zap.Int("files", len(files)))
	return url, nil
}

// resyncLocked diffs the replica against snap and applies the difference.
func (e *Engine) resyncLocked(ctx context.Context, snap domain.Snapshot) error {
	ops := Diff(e.files, snap.Files)
	for _, op := range ops {
		if err := e.mirror.ApplyFilePatch(ctx, op); err != nil {
			e.logger.Warn("failed to apply resync op", zap.String("path", op.Path), zap.Error(err))
		}
	}
	e.files = copyFiles(snap.Files)
	e.lastSeq = snap.Seq
	e.dirty = make(map[string]struct{})
	e.resyncRequested = false
	for seq := range e.held {
		if seq <= snap.Seq {
			delete(e.held, seq)
		}
	}
	e.ack(snap.Seq)
	e.logger.Debug("resynced from snapshot", zap.Int64("seq", snap.Seq), zap.Int("ops", len(ops)))
	return e.replayLocked(ctx)
}

// ApplyPatch applies p if it is the next in sequence. Patches at or below
// the last applied sequence are ignored.
func (e *Engine) ApplyPatch(ctx context.Context, p domain.PatchMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateReady {
		e.held[p.Seq] = p
		return nil
	}
	if p.Seq <= e.lastSeq {
		return nil
	}
	if p.Seq != e.lastSeq+1 {
		e.held[p.Seq] = p
		e.requestResync()
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, e.lastSeq, p.Seq)
	}
	e.applyLocked(ctx, p)
	return e.replayLocked(ctx)
}

// replayLocked applies held patches that continue the sequence.
func (e *Engine) replayLocked(ctx context.Context) error {
	for seq := range e.held {
		if seq <= e.lastSeq {
			delete(e.held, seq)
		}
	}
	for {
		p, ok := e.held[e.lastSeq+1]
		if !ok {
			break
		}
		delete(e.held, p.Seq)
		e.applyLocked(ctx, p)
	}
	if len(e.held) > 0 {
		e.requestResync()
		return fmt.Errorf("%w: have %d, held from %d", ErrSequenceGap, e.lastSeq, e.minHeld())
	}
	return nil
}

func (e *Engine) applyLocked(ctx context.Context, p domain.PatchMessage) {
	for _, op := range p.Ops {
		if err := e.mirror.ApplyFilePatch(ctx, op); err != nil {
			e.logger.Warn("failed to apply patch op",
				zap.Int64("seq", p.Seq), zap.String("path", op.Path), zap.Error(err))
		}
		switch op.Op {
		case domain.OpWrite:
			e.files[op.Path] = op.Entry()
		case domain.OpDelete:
			removeTree(e.files, op.Path)
		}
		delete(e.dirty, op.Path)
	}
	e.lastSeq = p.Seq
	e.ack(p.Seq)
}

func (e *Engine) minHeld() int64 {
	seqs := make([]int64, 0, len(e.held))
	for seq := range e.held {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs[0]
}

func (e *Engine) ack(seq int64) {
	if e.onAck != nil {
		e.onAck(seq)
	}
}

func (e *Engine) requestResync() {
	if e.resyncRequested {
		return
	}
	e.resyncRequested = true
	if e.onResync != nil {
		e.onResync()
	}
}

// Edit records a local change to path. A nil entry deletes the file.
func (e *Engine) Edit(ctx context.Context, path string, entry *domain.FileEntry) error {
	clean, err := domain.CleanPath(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	op := domain.DeleteOp(clean)
	if entry != nil {
		content := entry.Content
		op = domain.FsPatchOp{Op: domain.OpWrite, Path: clean, Content: &content, Encoding: entry.Encoding}
		e.files[clean] = *entry
	} else {
		removeTree(e.files, clean)
	}
	e.dirty[clean] = struct{}{}
	if e.state == StateReady {
		return e.mirror.ApplyFilePatch(ctx, op)
	}
	return nil
}

// Observe records a change found on the mirror itself, e.g. a file edited
// in place. Changes that match the replica are echoes of applied server
// state and are ignored. It reports whether op marked a path dirty.
func (e *Engine) Observe(op domain.FsPatchOp) (bool, error) {
	clean, err := domain.CleanPath(op.Path)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady {
		return false, nil
	}

	switch op.Op {
	case domain.OpWrite:
		next := op.Entry()
		if cur, ok := e.files[clean]; ok && sameContent(cur, next) {
			return false, nil
		}
		e.files[clean] = next
	case domain.OpDelete:
		if !hasTree(e.files, clean) {
			return false, nil
		}
		removeTree(e.files, clean)
	default:
		return false, nil
	}
	e.dirty[clean] = struct{}{}
	return true, nil
}

// TakeDirty returns push-back ops for locally changed paths and clears them.
func (e *Engine) TakeDirty() []domain.FsPatchOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.dirty))
	for p := range e.dirty {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ops := make([]domain.FsPatchOp, 0, len(paths))
	for _, p := range paths {
		if entry, ok := e.files[p]; ok {
			content := entry.Content
			ops = append(ops, domain.FsPatchOp{Op: domain.OpWrite, Path: p, Content: &content, Encoding: entry.Encoding})
		} else {
			ops = append(ops, domain.DeleteOp(p))
		}
	}
	e.dirty = make(map[string]struct{})
	return ops
}

// Dirty reports whether path has an unpushed local change.
func (e *Engine) Dirty(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.dirty[path]
	return ok
}

// Files returns a copy of the replica.
func (e *Engine) Files() map[string]domain.FileEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyFiles(e.files)
}

// Seq returns the last applied sequence.
func (e *Engine) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// State returns the bootstrap state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// URL returns the mirror's dev server address once ready.
func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

func copyFiles(files map[string]domain.FileEntry) map[string]domain.FileEntry {
	out := make(map[string]domain.FileEntry, len(files))
	for p, f := range files {
		out[p] = f
	}
	return out
}

func hasTree(files map[string]domain.FileEntry, path string) bool {
	if _, ok := files[path]; ok {
		return true
	}
	prefix := path + "/"
	for p := range files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func removeTree(files map[string]domain.FileEntry, path string) {
	delete(files, path)
	prefix := path + "/"
	for p := range files {
		if strings.HasPrefix(p, prefix) {
			delete(files, p)
		}
	}
}
