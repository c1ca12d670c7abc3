// Package session holds live sessions: their sequence counters, run
// admission slot and attached client channels.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
)

// Session is one live session.
type Session struct {
	ID  string
	Dir string

	mu           sync.Mutex
	meta         domain.SessionMeta
	seq          int64
	ackedSeq     int64
	currentRunID string
	clients      map[string]hub.ClientChannel
	order        []string

	// emitMu serializes sequence assignment together with the broadcast
	// that carries it, so clients observe seq in increasing order.
	emitMu sync.Mutex

	persistMu sync.Mutex

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newSession(meta domain.SessionMeta, dir string, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		ID:      meta.SessionID,
		Dir:     dir,
		meta:    meta,
		clients: make(map[string]hub.ClientChannel),
		logger:  logger.With(zap.String("session_id", meta.SessionID)),
		metrics: m,
	}
}

// NextSeq pre-increments and returns the sequence counter.
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Seq returns the last assigned sequence number.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// AckSeq raises the acknowledged high-water mark; it never decreases.
func (s *Session) AckSeq(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.ackedSeq {
		s.ackedSeq = n
	}
	return s.ackedSeq
}

// AckedSeq returns the acknowledged high-water mark.
func (s *Session) AckedSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedSeq
}

// StartRun claims the run slot for runID.
func (s *Session) StartRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRunID != "" {
		return fmt.Errorf("%w: %s", domain.ErrRunInProgress, s.currentRunID)
	}
	s.currentRunID = runID
	return nil
}

// FinishRun clears the run slot unconditionally.
func (s *Session) FinishRun() {
	s.mu.Lock()
	s.currentRunID = ""
	s.mu.Unlock()
}

// ClearRun clears the run slot only if runID still owns it.
func (s *Session) ClearRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRunID != runID {
		return false
	}
	s.currentRunID = ""
	return true
}

// CurrentRunID returns the admitted run, or "".
func (s *Session) CurrentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRunID
}

// AddClient attaches a channel. Re-adding the same id is a no-op.
func (s *Session) AddClient(ch hub.ClientChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[ch.ID()]; ok {
		return
	}
	s.clients[ch.ID()] = ch
	s.order = append(s.order, ch.ID())
}

// RemoveClient detaches a channel and reports whether it was attached.
func (s *Session) RemoveClient(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return false
	}
	delete(s.clients, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Clients returns the attached channels in attach order.
func (s *Session) Clients() []hub.ClientChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.ClientChannel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clients[id])
	}
	return out
}

// ClientCount returns the number of attached channels.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Meta returns a copy of the session metadata.
func (s *Session) Meta() domain.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// UpdateMeta mutates the metadata under the session lock and returns the result.
func (s *Session) UpdateMeta(fn func(*domain.SessionMeta)) domain.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.meta)
	s.meta.UpdatedAt = time.Now()
	return s.meta
}

// Info returns the externally visible view of the session.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		SessionID:     s.ID,
		EngineID:      s.meta.EngineID,
		TemplateID:    s.meta.TemplateID,
		HeadMessageID: s.meta.HeadMessageID,
		CurrentRunID:  s.currentRunID,
		Seq:           s.seq,
		AckedSeq:      s.ackedSeq,
		Clients:       len(s.clients),
		CreatedAt:     s.meta.CreatedAt,
	}
}

// Sequenced runs fn while holding the emission lock. Sequence numbers taken
// and messages broadcast inside fn reach every client in that order.
func (s *Session) Sequenced(fn func() error) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return fn()
}

// Broadcast serializes v once and sends it to every attached channel.
// Channels that fail are detached and closed.
func (s *Session) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	s.BroadcastRaw(data)
	return nil
}

// BroadcastRaw sends pre-serialized bytes to every attached channel.
func (s *Session) BroadcastRaw(data []byte) {
	for _, ch := range hub.Fanout(s.Clients(), data) {
		if s.RemoveClient(ch.ID()) {
			ch.Close()
			s.metrics.BroadcastDropped()
			s.logger.Warn("dropping client after failed send", zap.String("client_id", ch.ID()))
		}
	}
}

// SendTo serializes v and sends it to one channel, dropping it on failure.
func (s *Session) SendTo(ch hub.ClientChannel, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := ch.Send(data); err != nil {
		if s.RemoveClient(ch.ID()) {
			ch.Close()
			s.metrics.BroadcastDropped()
		}
		return err
	}
	return nil
}

// closeClients detaches and closes every channel.
func (s *Session) closeClients() {
	for _, ch := range s.Clients() {
		s.RemoveClient(ch.ID())
		ch.Close()
	}
}
