// Package service implements session operations: run control, rewind,
// message log and push-back.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/patch"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/repository"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/watch"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
)

// Options tunes the run pipeline.
type Options struct {
	PatchDebounce time.Duration
	AgentTimeout  time.Duration
	WatchSettle   time.Duration
}

type Service struct {
	registry   *session.Registry
	workspaces *workspace.Store
	store      repository.Store
	agent      agent.Agent
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*RunContext
	wg   sync.WaitGroup
}

func New(registry *session.Registry, workspaces *workspace.Store, store repository.Store, ag agent.Agent, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	if opts.PatchDebounce <= 0 {
		opts.PatchDebounce = patch.DefaultWindow
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 15 * time.Minute
	}
	if opts.WatchSettle <= 0 {
		opts.WatchSettle = watch.DefaultSettle
	}
	return &Service{
		registry:   registry,
		workspaces: workspaces,
		store:      store,
		agent:      ag,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		runs:       make(map[string]*RunContext),
	}
}

// CreateSession creates or resumes a session.
func (s *Service) CreateSession(ctx context.Context, engineID, templateID, sessionID string) (*session.Session, bool, error) {
	return s.registry.Create(ctx, engineID, templateID, sessionID)
}

// GetSession returns a live session.
func (s *Service) GetSession(sessionID string) (*session.Session, error) {
	return s.registry.Get(sessionID)
}

// SessionInfo returns the externally visible view of a session.
func (s *Service) SessionInfo(sessionID string) (domain.SessionInfo, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	return s.registry.Len()
}

// DestroySession cancels any active run and deletes the session.
func (s *Service) DestroySession(ctx context.Context, sessionID string) error {
	if sess, err := s.registry.Get(sessionID); err == nil {
		if runID := sess.CurrentRunID(); runID != "" {
			if err := s.CancelRun(ctx, sessionID, runID); err != nil && !isNotFound(err) {
				return err
			}
		}
	}
	return s.registry.Destroy(ctx, sessionID)
}

// Attach adds a client channel to a session's broadcast set.
func (s *Service) Attach(sessionID string, ch hub.ClientChannel) (*session.Session, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.AddClient(ch)
	return sess, nil
}

// Detach removes a client channel. Unknown sessions and channels are ignored.
func (s *Service) Detach(sessionID, channelID string) {
	if sess, err := s.registry.Get(sessionID); err == nil {
		sess.RemoveClient(channelID)
	}
}

// Ack records the highest sequence a client has applied.
func (s *Service) Ack(sessionID string, seq int64) (int64, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.AckSeq(seq), nil
}

// Shutdown aborts active runs and waits for their goroutines.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*RunContext, 0, len(s.runs))
	for _, rc := range s.runs {
		runs = append(runs, rc)
	}
	s.mu.Unlock()
	for _, rc := range runs {
		if err := s.CancelRun(ctx, rc.SessionID, rc.RunID); err != nil && !isNotFound(err) {
			s.logger.Warn("failed to cancel run on shutdown", zap.String("run_id", rc.RunID), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active at shutdown: %w", ctx.Err())
	}
}
