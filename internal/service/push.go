package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// Push applies locally edited files from a client to the workspace and
// broadcasts them as one sequenced patch without a run id. It is rejected
// while a run holds the session.
func (s *Service) Push(ctx context.Context, sessionID string, ops []domain.FsPatchOp) (int64, error) {
	if len(ops) == 0 {
		return 0, fmt.Errorf("%w: no ops", domain.ErrInvalidRequest)
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return 0, err
	}

	normalized := make([]domain.FsPatchOp, len(ops))
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return 0, err
		}
		op.Path, _ = domain.CleanPath(op.Path)
		normalized[i] = op
	}

	slot := "push_" + uuid.New().String()[:8]
	if err := sess.StartRun(slot); err != nil {
		return 0, err
	}
	defer sess.ClearRun(slot)

	var seq int64
	err = sess.Sequenced(func() error {
		applied := normalized[:0:0]
		var applyErr error
		for _, op := range normalized {
			if applyErr = s.workspaces.Apply(sessionID, op); applyErr != nil {
				break
			}
			applied = append(applied, op)
		}
		if len(applied) > 0 {
			seq = sess.NextSeq()
			if err := sess.Broadcast(protocol.PatchMessage{
				Type:      protocol.TypeFsPatch,
				SessionID: sessionID,
				Seq:       seq,
				Ops:       applied,
			}); err != nil {
				return err
			}
		}
		return applyErr
	})
	if err != nil {
		return seq, fmt.Errorf("failed to apply pushed ops: %w", err)
	}

	kinds := make([]string, len(normalized))
	for i, op := range normalized {
		kinds[i] = string(op.Op)
	}
	s.metrics.PatchFlushed(kinds)
	s.logger.Info("client push applied",
		zap.String("session_id", sessionID), zap.Int64("seq", seq), zap.Int("ops", len(normalized)))
	return seq, nil
}
