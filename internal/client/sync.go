package client

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/reconcile"
)

// Replica is the reconciliation side of a sync.
type Replica interface {
	ApplySnapshot(ctx context.Context, snap domain.Snapshot) error
	ApplyPatch(ctx context.Context, p domain.PatchMessage) error
	State() reconcile.State
}

// Bind feeds snapshots and patches received by c into r. The first
// snapshot bootstraps in the background so patches keep arriving and are
// held by the replica meanwhile.
func (c *Client) Bind(ctx context.Context, r Replica) {
	c.OnMessage(func(msgType string, data []byte) {
		switch msgType {
		case protocol.TypeFsSnapshot:
			var msg protocol.SnapshotMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("bad snapshot", zap.Error(err))
				return
			}
			snap := domain.Snapshot{Seq: msg.Seq, Files: msg.Files}
			apply := func() {
				if err := r.ApplySnapshot(ctx, snap); err != nil && !errors.Is(err, reconcile.ErrSequenceGap) {
					c.logger.Error("failed to apply snapshot", zap.Int64("seq", snap.Seq), zap.Error(err))
				}
			}
			if r.State() == reconcile.StateEmpty {
				go apply()
				return
			}
			apply()

		case protocol.TypeFsPatch:
			var msg protocol.PatchMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("bad patch", zap.Error(err))
				return
			}
			err := r.ApplyPatch(ctx, domain.PatchMessage{Seq: msg.Seq, Ops: msg.Ops})
			if err != nil && !errors.Is(err, reconcile.ErrSequenceGap) {
				c.logger.Error("failed to apply patch", zap.Int64("seq", msg.Seq), zap.Error(err))
			}
		}
	})
}

// NewSyncEngine builds a reconciliation engine that acks applied patches
// and requests a snapshot on a sequence gap through c.
func (c *Client) NewSyncEngine(mirror reconcile.Mirror) *reconcile.Engine {
	return reconcile.New(mirror, c.logger,
		reconcile.WithAck(func(seq int64) {
			if err := c.Ack(seq); err != nil {
				c.logger.Warn("failed to ack", zap.Int64("seq", seq), zap.Error(err))
			}
		}),
		reconcile.WithResync(func() {
			if err := c.RequestSnapshot(); err != nil {
				c.logger.Warn("failed to request snapshot", zap.Error(err))
			}
		}),
	)
}
