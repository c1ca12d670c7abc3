package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
)

// Registry is the in-memory table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	creating map[string]chan struct{}

	workspaces *workspace.Store
	catalog    *config.Catalog
	logger     *zap.Logger
	metrics    *metrics.Metrics

	persistWG sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(workspaces *workspace.Store, catalog *config.Catalog, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		creating:   make(map[string]chan struct{}),
		workspaces: workspaces,
		catalog:    catalog,
		logger:     logger,
		metrics:    m,
	}
}

// Create resumes a live session, rehydrates one from disk, or seeds a new
// one. The boolean reports whether an existing session was resumed.
// Workspace I/O runs outside the registry lock; concurrent creates of the
// same id wait for the first one.
func (r *Registry) Create(ctx context.Context, engineID, templateID, desiredID string) (*Session, bool, error) {
	if desiredID != "" && !workspace.ValidSessionID(desiredID) {
		return nil, false, fmt.Errorf("%w: session id %q", domain.ErrInvalidPath, desiredID)
	}
	id := desiredID
	if id == "" {
		id = "sess_" + uuid.New().String()[:8]
	}

	for {
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			r.mu.Unlock()
			return s, true, nil
		}
		wait, busy := r.creating[id]
		if !busy {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	done := make(chan struct{})
	r.creating[id] = done
	r.mu.Unlock()

	var (
		meta    *domain.SessionMeta
		resumed bool
		adopted bool
		err     error
	)
	if desiredID != "" && r.workspaces.Exists(id) {
		resumed = true
		meta, adopted, err = r.rehydrate(ctx, id, engineID, templateID)
	} else {
		meta, err = r.seed(id, engineID, templateID)
	}

	r.mu.Lock()
	delete(r.creating, id)
	close(done)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	s := r.register(*meta)
	if adopted || !resumed {
		r.persistAsync(s)
	}
	r.mu.Unlock()

	if resumed {
		r.logger.Info("session rehydrated",
			zap.String("session_id", id),
			zap.String("engine_id", meta.EngineID),
			zap.String("agent_handle", meta.AgentHandle))
	} else {
		r.logger.Info("session created",
			zap.String("session_id", id),
			zap.String("engine_id", meta.EngineID),
			zap.String("template_id", meta.TemplateID))
	}
	return s, resumed, nil
}

func (r *Registry) seed(id, engineID, templateID string) (*domain.SessionMeta, error) {
	engine, err := r.catalog.Engine(engineID)
	if err != nil {
		return nil, err
	}
	tpl, err := engine.Template(templateID)
	if err != nil {
		return nil, err
	}
	if err := r.workspaces.Seed(id, tpl.Dir); err != nil {
		return nil, fmt.Errorf("failed to seed workspace: %w", err)
	}
	now := time.Now()
	return &domain.SessionMeta{
		SessionID:  id,
		EngineID:   engine.ID,
		TemplateID: tpl.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// rehydrate loads the metadata of a workspace on disk. A workspace without
// metadata is adopted with the requested selectors.
func (r *Registry) rehydrate(ctx context.Context, id, engineID, templateID string) (*domain.SessionMeta, bool, error) {
	meta, err := r.workspaces.LoadMeta(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session metadata: %w", err)
	}
	if meta != nil {
		return meta, false, nil
	}
	now := time.Now()
	return &domain.SessionMeta{
		SessionID:  id,
		EngineID:   engineID,
		TemplateID: templateID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, true, nil
}

// register must be called with r.mu held.
func (r *Registry) register(meta domain.SessionMeta) *Session {
	s := newSession(meta, r.workspaces.Dir(meta.SessionID), r.logger, r.metrics)
	r.sessions[meta.SessionID] = s
	r.metrics.SetSessions(len(r.sessions))
	return s
}

// persistAsync must be called with r.mu held.
func (r *Registry) persistAsync(s *Session) {
	r.persistWG.Add(1)
	go func() {
		defer r.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Persist(ctx, s); err != nil {
			r.logger.Error("failed to persist session metadata",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}()
}

// Persist writes the latest metadata of a session. Writes for one session
// are serialized and always carry the metadata current at write time.
func (r *Registry) Persist(ctx context.Context, s *Session) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	meta := s.Meta()
	if err := r.workspaces.SaveMeta(ctx, &meta); err != nil {
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	return nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Destroy removes a session and deletes its workspace. A workspace that is
// already gone is not an error.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	s, live := r.sessions[id]
	delete(r.sessions, id)
	r.metrics.SetSessions(len(r.sessions))
	r.mu.Unlock()

	if !live && !r.workspaces.Exists(id) {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if live {
		s.closeClients()
	}
	if err := r.workspaces.Remove(ctx, id); err != nil {
		return err
	}
	r.logger.Info("session destroyed", zap.String("session_id", id))
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Catalog returns the engine catalog sessions are created from.
func (r *Registry) Catalog() *config.Catalog {
	return r.catalog
}

// Close waits for pending metadata writes and closes every client channel.
func (r *Registry) Close() {
	r.mu.Lock()
	r.persistWG.Wait()
	r.mu.Unlock()
	for _, s := range r.Sessions() {
		s.closeClients()
	}
}
