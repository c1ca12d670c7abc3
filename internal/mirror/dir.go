// Package mirror runs a session replica from a local directory.
package mirror

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Options configures the commands a DirMirror runs.
type Options struct {
	// InstallCommand runs when package.json exists, e.g. ["npm", "install"].
	InstallCommand []string
	// DevCommand starts the long-running dev server, e.g. ["npm", "run", "dev"].
	DevCommand []string
	// URL is where DevCommand serves.
	URL string
}

// DirMirror writes the replica into a directory and optionally runs the
// project's install and dev server commands there.
type DirMirror struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	dev *exec.Cmd
}

func NewDirMirror(dir string, opts Options, logger *zap.Logger) *DirMirror {
	return &DirMirror{
		dir:    dir,
		opts:   opts,
		logger: logger.With(zap.String("component", "mirror"), zap.String("dir", dir)),
	}
}

// Dir returns the mirror root.
func (m *DirMirror) Dir() string {
	return m.dir
}

// Boot creates the mirror directory.
func (m *DirMirror) Boot(ctx context.Context) error {
	return os.MkdirAll(m.dir, 0o755)
}

// WriteFiles writes every file of a snapshot.
func (m *DirMirror) WriteFiles(ctx context.Context, files map[string]domain.FileEntry) error {
	for p, entry := range files {
		if err := m.write(p, entry); err != nil {
			return err
		}
	}
	return nil
}

// InstallDeps runs the install command when the project declares
// dependencies. It reports false when the command fails.
func (m *DirMirror) InstallDeps(ctx context.Context) (bool, error) {
	if len(m.opts.InstallCommand) == 0 {
		return true, nil
	}
	if _, err := os.Stat(filepath.Join(m.dir, "package.json")); os.IsNotExist(err) {
		return true, nil
	}
	cmd := exec.CommandContext(ctx, m.opts.InstallCommand[0], m.opts.InstallCommand[1:]...)
	cmd.Dir = m.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Warn("install failed", zap.Error(err), zap.ByteString("output", out))
		return false, nil
	}
	return true, nil
}

// StartDevServer starts the dev command in the background and returns its URL.
func (m *DirMirror) StartDevServer(ctx context.Context) (string, error) {
	if len(m.opts.DevCommand) == 0 {
		return m.opts.URL, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return m.opts.URL, nil
	}
	// Not bound to ctx: the server outlives bootstrap.
	cmd := exec.Command(m.opts.DevCommand[0], m.opts.DevCommand[1:]...)
	cmd.Dir = m.dir
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", m.opts.DevCommand[0], err)
	}
	m.dev = cmd
	go func() {
		err := cmd.Wait()
		m.logger.Info("dev server exited", zap.Error(err))
	}()
	return m.opts.URL, nil
}

// ApplyFilePatch applies one op to the directory.
func (m *DirMirror) ApplyFilePatch(ctx context.Context, op domain.FsPatchOp) error {
	if err := op.Validate(); err != nil {
		return err
	}
	clean, _ := domain.CleanPath(op.Path)
	target := filepath.Join(m.dir, filepath.FromSlash(clean))
	switch op.Op {
	case domain.OpWrite:
		return m.write(clean, op.Entry())
	case domain.OpDelete:
		return os.RemoveAll(target)
	default:
		return os.MkdirAll(target, 0o755)
	}
}

// Close stops the dev server.
func (m *DirMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil || m.dev.Process == nil {
		return nil
	}
	err := m.dev.Process.Kill()
	m.dev = nil
	return err
}

func (m *DirMirror) write(p string, entry domain.FileEntry) error {
	clean, err := domain.CleanPath(p)
	if err != nil {
		return err
	}
	data, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("decode %s: %w", clean, err)
	}
	target := filepath.Join(m.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}
