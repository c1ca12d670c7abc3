package helpers

import (
	"encoding/json"
	"errors"
	"sync"
)

// RecordingChannel is a client channel that keeps every frame it receives.
type RecordingChannel struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func NewRecordingChannel(id string) *RecordingChannel {
	return &RecordingChannel{id: id}
}

func (c *RecordingChannel) ID() string { return c.id }

func (c *RecordingChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *RecordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every later Send fail.
func (c *RecordingChannel) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

func (c *RecordingChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *RecordingChannel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Messages decodes every frame into a generic map.
func (c *RecordingChannel) Messages() []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types returns the type discriminator of every frame in order.
func (c *RecordingChannel) Types() []string {
	var out []string
	for _, m := range c.Messages() {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

// OfType decodes every frame of the given type into a T.
func OfType[T any](c *RecordingChannel, msgType string) []T {
	var out []T
	for _, f := range c.Frames() {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &env) != nil || env.Type != msgType {
			continue
		}
		var v T
		if json.Unmarshal(f, &v) == nil {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether a frame of the given type was received.
func (c *RecordingChannel) Has(msgType string) bool {
	for _, t := range c.Types() {
		if t == msgType {
			return true
		}
	}
	return false
}
