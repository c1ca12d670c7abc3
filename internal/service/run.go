package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/patch"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/transform"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/watch"
)

// StartRun admits a run for the session and executes it in the background.
// It fails with ErrRunInProgress while another run holds the session.
func (s *Service) StartRun(ctx context.Context, sessionID, prompt string, attachments []domain.Attachment) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return "", err
	}

	runID := "run_" + uuid.New().String()[:8]
	if err := sess.StartRun(runID); err != nil {
		return "", err
	}

	rc := newRunContext(context.Background(), sessionID, runID)
	s.mu.Lock()
	s.runs[runID] = rc
	s.mu.Unlock()
	s.metrics.RunStarted()

	now := time.Now()
	if err := s.store.CreateRun(ctx, &domain.Run{
		RunID:     runID,
		SessionID: sessionID,
		Status:    domain.RunStatusCreated,
		Prompt:    prompt,
		StartedAt: now,
	}); err != nil {
		s.logger.Error("failed to create run record", zap.String("run_id", runID), zap.Error(err))
	}
	s.journal(runID, domain.EventTypeRunStarted, map[string]string{"session_id": sessionID})

	userMsg := domain.ClientMessage{
		ID:        "msg_" + uuid.New().String()[:8],
		Role:      domain.RoleUser,
		Content:   prompt,
		Timestamp: now.UnixMilli(),
	}
	rc.userMessage = userMsg
	s.saveMessage(ctx, sessionID, runID, userMsg)
	s.journal(runID, domain.EventTypeUserInput, map[string]string{"message_id": userMsg.ID, "content": prompt})

	_ = sess.Broadcast(protocol.RunStartedMessage{Type: protocol.TypeRunStarted, SessionID: sessionID, RunID: runID})
	_ = sess.Broadcast(protocol.MessageUpdatedMessage{Type: protocol.TypeMessageUpdated, SessionID: sessionID, Message: userMsg})

	if err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusRunning); err != nil {
		s.logger.Error("failed to update run status", zap.String("run_id", runID), zap.Error(err))
	}

	meta := sess.Meta()
	req := agent.RunRequest{
		Prompt:        prompt,
		SessionHandle: meta.AgentHandle,
		Attachments:   attachments,
	}
	if engine, err := s.registry.Catalog().Engine(meta.EngineID); err == nil {
		req.System = engine.SystemPrompt
	}

	s.logger.Info("run started", zap.String("session_id", sessionID), zap.String("run_id", runID))
	s.wg.Add(1)
	go s.executeRun(rc, sess, req)
	return runID, nil
}

func (s *Service) executeRun(rc *RunContext, sess *session.Session, req agent.RunRequest) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("run_id", rc.RunID))

	ctx, cancel := context.WithTimeout(rc.ctx, s.opts.AgentTimeout)
	defer cancel()

	outcome := domain.FinishReasonCompleted
	defer func() {
		s.mu.Lock()
		delete(s.runs, rc.RunID)
		s.mu.Unlock()
		if rc.Aborted() {
			outcome = domain.FinishReasonCancelled
		}
		s.metrics.RunEnded(outcome)
	}()

	batcher := patch.New(s.opts.PatchDebounce, func(ops []domain.FsPatchOp) {
		s.flushPatch(rc, sess, ops)
	})
	watcher, err := watch.New(sess.Dir, s.workspaces, batcher.Enqueue, logger,
		watch.WithLiveness(rc.Live), watch.WithSettle(s.opts.WatchSettle))
	if err != nil {
		outcome = "failed"
		batcher.Close()
		s.failRun(rc, sess, fmt.Errorf("failed to watch workspace: %w", err))
		return
	}

	acc := transform.NewAccumulator()
	onEvent := func(ev agent.Event) error {
		if !rc.Live() {
			return nil
		}
		if ev.Type == agent.EventSession {
			var data agent.SessionData
			if ev.Decode(&data) == nil && data.SessionHandle != "" {
				s.setAgentHandle(sess, data.SessionHandle)
			}
		}
		acc.Apply(ev)
		s.journal(rc.RunID, domain.EventTypeAgentEvent, ev)

		raw, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("failed to encode agent event", zap.Error(err))
			return nil
		}
		rc.Emit(func() {
			_ = sess.Broadcast(protocol.AgentEventMessage{
				Type:      protocol.TypeAgentEvent,
				SessionID: sess.ID,
				RunID:     rc.RunID,
				Event:     raw,
			})
		})
		return nil
	}

	var result *agent.RunResult
	runErr := agent.WithWorkspace(ctx, sess.Dir, func(ctx context.Context) error {
		var err error
		result, err = s.agent.Run(ctx, req, onEvent)
		return err
	})

	// Drain the watcher, then force the final flush before any terminal message.
	if err := watcher.Close(); err != nil {
		logger.Warn("failed to close watcher", zap.Error(err))
	}
	batcher.Close()

	if rc.Aborted() {
		logger.Info("cancelled run returned", zap.NamedError("agent_error", runErr))
		return
	}
	if runErr != nil {
		outcome = "failed"
		s.failRun(rc, sess, runErr)
		return
	}
	s.completeRun(rc, sess, result, acc)
}

// flushPatch broadcasts one sequenced batch for a live run.
func (s *Service) flushPatch(rc *RunContext, sess *session.Session, ops []domain.FsPatchOp) {
	var seq int64
	sent := rc.Emit(func() {
		_ = sess.Sequenced(func() error {
			seq = sess.NextSeq()
			return sess.Broadcast(protocol.PatchMessage{
				Type:      protocol.TypeFsPatch,
				SessionID: sess.ID,
				RunID:     rc.RunID,
				Seq:       seq,
				Ops:       ops,
			})
		})
	})
	if !sent {
		return
	}

	kinds := make([]string, len(ops))
	for i, op := range ops {
		kinds[i] = string(op.Op)
	}
	s.metrics.PatchFlushed(kinds)
	s.journal(rc.RunID, domain.EventTypePatchFlushed, map[string]int64{"seq": seq, "ops": int64(len(ops))})
}

func (s *Service) completeRun(rc *RunContext, sess *session.Session, result *agent.RunResult, acc *transform.Accumulator) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if result.SessionHandle != "" {
		s.setAgentHandle(sess, result.SessionHandle)
	}

	rc.Finish(func() {
		if result.UserMessageID != "" && result.UserMessageID != rc.userMessage.ID {
			s.renameUserMessage(ctx, sess, rc, result.UserMessageID)
		}

		if !acc.Empty() || result.Result != "" {
			id := result.AssistantMessageID
			if id == "" {
				id = "msg_" + uuid.New().String()[:8]
			}
			msg := acc.Message(id, time.Now().UnixMilli())
			if strings.TrimSpace(msg.Content) == "" {
				msg.Content = result.Result
			}
			s.saveMessage(ctx, sess.ID, rc.RunID, msg)
			sess.UpdateMeta(func(m *domain.SessionMeta) { m.HeadMessageID = id })
			_ = sess.Broadcast(protocol.MessageUpdatedMessage{Type: protocol.TypeMessageUpdated, SessionID: sess.ID, Message: msg})
		}
		if err := s.registry.Persist(ctx, sess); err != nil {
			s.logger.Error("failed to persist session after run", zap.String("session_id", sess.ID), zap.Error(err))
		}

		s.journal(rc.RunID, domain.EventTypeRunDone, map[string]string{"result": result.Result})
		s.completeRunRecord(rc.RunID, domain.RunStatusDone, nil)

		sess.ClearRun(rc.RunID)
		_ = sess.Broadcast(protocol.RunFinishedMessage{
			Type:         protocol.TypeRunFinished,
			SessionID:    sess.ID,
			RunID:        rc.RunID,
			FinishReason: domain.FinishReasonCompleted,
		})
	})
	s.logger.Info("run finished", zap.String("session_id", sess.ID), zap.String("run_id", rc.RunID))
}

func (s *Service) failRun(rc *RunContext, sess *session.Session, runErr error) {
	rc.Finish(func() {
		s.journal(rc.RunID, domain.EventTypeRunFailed, map[string]string{"message": runErr.Error()})
		errData, _ := json.Marshal(map[string]string{"code": "agent_error", "message": runErr.Error()})
		s.completeRunRecord(rc.RunID, domain.RunStatusFailed, errData)

		sess.ClearRun(rc.RunID)
		_ = sess.Broadcast(protocol.RunErrorMessage{
			Type:      protocol.TypeRunError,
			SessionID: sess.ID,
			RunID:     rc.RunID,
			Message:   runErr.Error(),
		})
	})
	s.logger.Error("run failed",
		zap.String("session_id", sess.ID), zap.String("run_id", rc.RunID), zap.Error(runErr))
}

// CancelRun cooperatively cancels a run: nothing more of it reaches clients,
// but the agent itself is not guaranteed to stop.
func (s *Service) CancelRun(ctx context.Context, sessionID, runID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rc, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok || rc.SessionID != sessionID {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if !rc.Abort() {
		// Finished or cancelled concurrently.
		return nil
	}

	sess.ClearRun(runID)
	s.journal(runID, domain.EventTypeRunCancelled, map[string]string{"reason": "cancelled by user"})
	s.completeRunRecord(runID, domain.RunStatusCancelled, nil)
	_ = sess.Broadcast(protocol.RunFinishedMessage{
		Type:         protocol.TypeRunFinished,
		SessionID:    sessionID,
		RunID:        runID,
		FinishReason: domain.FinishReasonCancelled,
	})
	s.logger.Info("run cancelled", zap.String("session_id", sessionID), zap.String("run_id", runID))
	return nil
}

// GetRun returns the journaled run.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *Service) setAgentHandle(sess *session.Session, handle string) {
	if sess.Meta().AgentHandle == handle {
		return
	}
	sess.UpdateMeta(func(m *domain.SessionMeta) { m.AgentHandle = handle })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Persist(ctx, sess); err != nil {
		s.logger.Error("failed to persist agent handle", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
