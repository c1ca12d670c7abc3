package hub

import (
	"sync"

	"github.com/google/uuid"
)

// StreamChannel is a one-way channel backing an HTTP event stream. The
// request handler drains Frames and writes them as server-sent events.
type StreamChannel struct {
	id     string
	frames chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewStreamChannel creates a stream channel with a buffered frame queue.
func NewStreamChannel(bufferSize int) *StreamChannel {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &StreamChannel{
		id:     "sse_" + uuid.New().String()[:8],
		frames: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

func (s *StreamChannel) ID() string { return s.id }

// Send queues a frame without blocking.
func (s *StreamChannel) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	select {
	case s.frames <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Frames returns queued frames in send order.
func (s *StreamChannel) Frames() <-chan []byte {
	return s.frames
}

// Done is closed once the channel is closed.
func (s *StreamChannel) Done() <-chan struct{} {
	return s.done
}

// Close marks the channel closed. Frames already queued stay readable.
func (s *StreamChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
