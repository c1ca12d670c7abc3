// Package client implements the duplex session protocol from the client side.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// ConnectionState tracks the connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("not connected")

// ServerError is an error envelope returned for a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Handler receives every server message with its decoded type.
type Handler func(msgType string, data []byte)

type waiter struct {
	types map[string]bool
	ch    chan []byte
}

// Client manages one WebSocket connection to the session server.
type Client struct {
	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnectionState
	sessionID string
	handlers  []Handler

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters []*waiter

	done   chan struct{}
	logger *zap.Logger
}

// New creates a disconnected client.
func New(logger *zap.Logger) *Client {
	return &Client{
		state:  StateDisconnected,
		logger: logger.With(zap.String("component", "client")),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the session bound by the last CreateSession.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// OnMessage adds a handler for incoming messages. Handlers run on the read
// loop in arrival order.
func (c *Client) OnMessage(fn Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Dial connects to the server's duplex endpoint.
func (c *Client) Dial(ctx context.Context, url string) error {
	c.setState(StateConnecting)
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, c.done)
	return nil
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()
	c.setState(StateDisconnected)
	return err
}

// Send writes one control message.
func (c *Client) Send(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends v and waits for the first message of one of types, or an
// error envelope.
func (c *Client) request(ctx context.Context, v any, types ...string) ([]byte, error) {
	w := c.wait(types...)
	defer c.unwait(w)
	if err := c.Send(v); err != nil {
		return nil, err
	}
	return c.await(ctx, w)
}

// Wait blocks until a message of one of types arrives.
func (c *Client) Wait(ctx context.Context, types ...string) ([]byte, error) {
	w := c.wait(types...)
	defer c.unwait(w)
	return c.await(ctx, w)
}

func (c *Client) wait(types ...string) *waiter {
	w := &waiter{types: make(map[string]bool), ch: make(chan []byte, 1)}
	for _, t := range types {
		w.types[t] = true
	}
	w.types[protocol.TypeError] = true
	c.waitMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitMu.Unlock()
	return w
}

func (c *Client) unwait(w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) await(ctx context.Context, w *waiter) ([]byte, error) {
	done := c.Done()
	select {
	case data := <-w.ch:
		var env protocol.ErrorMessage
		if err := json.Unmarshal(data, &env); err == nil && env.Type == protocol.TypeError {
			return nil, &ServerError{Code: env.Code, Message: env.Message}
		}
		return data, nil
	case <-done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		c.setState(StateDisconnected)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("unparseable message", zap.Error(err))
			continue
		}
		c.dispatch(env.Type, data)
	}
}

func (c *Client) dispatch(msgType string, data []byte) {
	c.waitMu.Lock()
	for _, w := range c.waiters {
		if w.types[msgType] {
			select {
			case w.ch <- data:
			default:
			}
		}
	}
	c.waitMu.Unlock()

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msgType, data)
	}
}

// CreateSession creates or resumes a session and binds it to the connection.
// The server follows up with fs/snapshot and messages/list.
func (c *Client) CreateSession(ctx context.Context, engineID, templateID, sessionID string) (*protocol.SessionCreatedMessage, error) {
	data, err := c.request(ctx, protocol.SessionCreateRequest{
		Type:       protocol.TypeSessionCreate,
		EngineID:   engineID,
		TemplateID: templateID,
		SessionID:  sessionID,
	}, protocol.TypeSessionCreated)
	if err != nil {
		return nil, err
	}
	var created protocol.SessionCreatedMessage
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sessionID = created.Session.SessionID
	c.mu.Unlock()
	return &created, nil
}

// StartRun starts a run and returns its id once run/started arrives.
func (c *Client) StartRun(ctx context.Context, prompt string, attachments []domain.Attachment) (string, error) {
	data, err := c.request(ctx, protocol.RunStartRequest{
		Type:        protocol.TypeRunStart,
		SessionID:   c.SessionID(),
		Prompt:      prompt,
		Attachments: attachments,
	}, protocol.TypeRunStarted)
	if err != nil {
		return "", err
	}
	var started protocol.RunStartedMessage
	if err := json.Unmarshal(data, &started); err != nil {
		return "", err
	}
	return started.RunID, nil
}

// CancelRun asks the server to cancel runID.
func (c *Client) CancelRun(runID string) error {
	return c.Send(protocol.RunCancelRequest{Type: protocol.TypeRunCancel, SessionID: c.SessionID(), RunID: runID})
}

// Ack acknowledges every patch up to seq.
func (c *Client) Ack(seq int64) error {
	return c.Send(protocol.AckRequest{Type: protocol.TypeFsAck, SessionID: c.SessionID(), Seq: seq})
}

// RequestSnapshot asks for a fresh fs/snapshot.
func (c *Client) RequestSnapshot() error {
	return c.Send(protocol.SnapshotRequest{Type: protocol.TypeSnapshotRequest, SessionID: c.SessionID()})
}

// ListMessages fetches a page of the message log.
func (c *Client) ListMessages(ctx context.Context, limit, skip int) (*protocol.MessagesListMessage, error) {
	data, err := c.request(ctx, protocol.MessagesListRequest{
		Type:      protocol.TypeMessagesList,
		SessionID: c.SessionID(),
		Limit:     limit,
		Skip:      skip,
	}, protocol.TypeMessagesList)
	if err != nil {
		return nil, err
	}
	var list protocol.MessagesListMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Rewind rewinds the session and returns the replacement message list.
func (c *Client) Rewind(ctx context.Context, messageID string, edit bool) (*protocol.MessagesListMessage, error) {
	data, err := c.request(ctx, protocol.RewindRequest{
		Type:      protocol.TypeSessionRewind,
		SessionID: c.SessionID(),
		MessageID: messageID,
		Edit:      edit,
	}, protocol.TypeMessagesList)
	if err != nil {
		return nil, err
	}
	var list protocol.MessagesListMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Push sends locally edited files back to the server.
func (c *Client) Push(ops []domain.FsPatchOp) error {
	return c.Send(protocol.PushRequest{Type: protocol.TypeFsPush, SessionID: c.SessionID(), Ops: ops})
}
