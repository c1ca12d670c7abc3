package service

import (
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
)

// snapshotLocked reads the workspace stamped with the current sequence.
// It must run inside sess.Sequenced so no patch is assigned meanwhile.
func (s *Service) snapshotLocked(sess *session.Session) (*protocol.SnapshotMessage, error) {
	files, err := s.workspaces.Snapshot(sess.ID)
	if err != nil {
		return nil, err
	}
	return &protocol.SnapshotMessage{
		Type:      protocol.TypeFsSnapshot,
		SessionID: sess.ID,
		Seq:       sess.Seq(),
		Files:     files,
	}, nil
}

// Snapshot returns a consistent snapshot of the session workspace.
func (s *Service) Snapshot(sessionID string) (*protocol.SnapshotMessage, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	var snap *protocol.SnapshotMessage
	err = sess.Sequenced(func() error {
		var err error
		snap, err = s.snapshotLocked(sess)
		return err
	})
	return snap, err
}

// SendSnapshot sends a snapshot to one channel, ordered with patch broadcasts.
func (s *Service) SendSnapshot(sessionID string, ch hub.ClientChannel) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Sequenced(func() error {
		snap, err := s.snapshotLocked(sess)
		if err != nil {
			return err
		}
		return sess.SendTo(ch, snap)
	})
}

// broadcastSnapshot sends a fresh snapshot to every client of the session.
func (s *Service) broadcastSnapshot(sess *session.Session) (*protocol.SnapshotMessage, error) {
	var snap *protocol.SnapshotMessage
	err := sess.Sequenced(func() error {
		var err error
		snap, err = s.snapshotLocked(sess)
		if err != nil {
			return err
		}
		return sess.Broadcast(snap)
	})
	return snap, err
}
