// Package workspace owns the per-session directory trees on disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// PathFilter decides which workspace-relative paths are synchronized.
type PathFilter interface {
	Excluded(path string, dir bool) bool
}

// MetaStore persists small per-session metadata.
type MetaStore interface {
	SaveSessionMeta(ctx context.Context, meta *domain.SessionMeta) error
	GetSessionMeta(ctx context.Context, sessionID string) (*domain.SessionMeta, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store manages one directory per session under a root directory.
type Store struct {
	root   string
	filter PathFilter
	meta   MetaStore
}

// New creates the root directory if needed and returns a store.
func New(root string, filter PathFilter, meta MetaStore) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Store{root: abs, filter: filter, meta: meta}, nil
}

// ValidSessionID reports whether id can name a workspace directory.
func ValidSessionID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the workspace directory of a session.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Exists reports whether the workspace directory of a session is present.
func (s *Store) Exists(sessionID string) bool {
	if !ValidSessionID(sessionID) {
		return false
	}
	info, err := os.Stat(s.Dir(sessionID))
	return err == nil && info.IsDir()
}

// Excluded reports whether a relative path is hidden from clients.
func (s *Store) Excluded(rel string, dir bool) bool {
	return s.filter != nil && s.filter.Excluded(rel, dir)
}

// Seed creates the workspace of a session and copies the template directory
// into it. An empty templateDir creates an empty workspace.
func (s *Store) Seed(sessionID, templateDir string) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id %q", domain.ErrInvalidPath, sessionID)
	}
	dst := s.Dir(sessionID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if templateDir == "" {
		return nil
	}

	return filepath.WalkDir(templateDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, p)
		if err != nil || rel == "." {
			return err
		}
		slashRel := filepath.ToSlash(rel)
		if slashRel == "node_modules" || strings.HasPrefix(slashRel, "node_modules/") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// SeedFiles writes a full file map into a (possibly new) workspace.
func (s *Store) SeedFiles(sessionID string, files map[string]domain.FileEntry) error {
	if err := s.Seed(sessionID, ""); err != nil {
		return err
	}
	for p, entry := range files {
		if err := s.Write(sessionID, p, entry); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reads every non-excluded file of a workspace. Files that vanish
// while the tree is being read are left out.
func (s *Store) Snapshot(sessionID string) (map[string]domain.FileEntry, error) {
	root := s.Dir(sessionID)
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: workspace of %s is missing", domain.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to snapshot workspace: %w", err)
	}

	files := make(map[string]domain.FileEntry)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == root {
			return nil
		}
		rel, err := s.Rel(sessionID, p)
		if err != nil {
			return err
		}
		if s.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files[rel] = domain.EncodeFile(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workspace: %w", err)
	}
	return files, nil
}

// Rel converts an absolute path inside a workspace into a slash-separated relative path.
func (s *Store) Rel(sessionID, abs string) (string, error) {
	rel, err := filepath.Rel(s.Dir(sessionID), abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPath, abs)
	}
	return rel, nil
}

func (s *Store) resolve(sessionID, rel string) (string, error) {
	cleaned, err := domain.CleanPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir(sessionID), filepath.FromSlash(cleaned)), nil
}

// Write writes one file, creating parent directories.
func (s *Store) Write(sessionID, rel string, entry domain.FileEntry) error {
	target, err := s.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	data, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidPatchOp, rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

// Delete removes a file or directory tree. Missing paths are not an error.
func (s *Store) Delete(sessionID, rel string) error {
	target, err := s.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(target)
}

// Mkdir creates a directory with parents.
func (s *Store) Mkdir(sessionID, rel string) error {
	target, err := s.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, 0o755)
}

// Apply applies one validated patch op to the workspace.
func (s *Store) Apply(sessionID string, op domain.FsPatchOp) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Op {
	case domain.OpWrite:
		return s.Write(sessionID, op.Path, op.Entry())
	case domain.OpDelete:
		return s.Delete(sessionID, op.Path)
	default:
		return s.Mkdir(sessionID, op.Path)
	}
}

// Remove deletes the workspace directory and its metadata. A missing
// workspace is not an error.
func (s *Store) Remove(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id %q", domain.ErrInvalidPath, sessionID)
	}
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	if s.meta != nil {
		if err := s.meta.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete session metadata: %w", err)
		}
	}
	return nil
}

// SaveMeta persists session metadata.
func (s *Store) SaveMeta(ctx context.Context, meta *domain.SessionMeta) error {
	if s.meta == nil {
		return nil
	}
	return s.meta.SaveSessionMeta(ctx, meta)
}

// LoadMeta loads session metadata; it returns nil when none was persisted.
func (s *Store) LoadMeta(ctx context.Context, sessionID string) (*domain.SessionMeta, error) {
	if s.meta == nil {
		return nil, nil
	}
	return s.meta.GetSessionMeta(ctx, sessionID)
}
