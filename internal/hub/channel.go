// Package hub provides the client channels that session broadcasts fan out to.
package hub

import "errors"

// ClientChannel is any transport a session can push protocol frames to.
// Send must not block; Close must be safe to call more than once.
type ClientChannel interface {
	ID() string
	Send(data []byte) error
	Close() error
}

var (
	// ErrBufferFull is returned when the send buffer of a channel is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Fanout sends identical bytes to every channel and returns the ones that
// failed. A failing channel does not stop delivery to the rest.
func Fanout(channels []ClientChannel, data []byte) []ClientChannel {
	var failed []ClientChannel
	for _, ch := range channels {
		if err := ch.Send(data); err != nil {
			failed = append(failed, ch)
		}
	}
	return failed
}
