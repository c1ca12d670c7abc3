// Package ws provides the duplex WebSocket endpoint: it carries broadcasts
// to the client and dispatches the client's control messages.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	svc      *service.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		svc:    svc,
		logger: logger.With(zap.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	conn := hub.NewConnection(ws, s.cfg.SendBufferSize)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads control messages until the socket fails or closes.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		if sessionID := conn.SessionID(); sessionID != "" {
			s.svc.Detach(sessionID, conn.ID())
		}
		s.hub.Unregister(conn)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump drains the connection's send queue and keeps the socket alive.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write message", zap.String("conn_id", conn.ID()), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, "", fmt.Errorf("%w: invalid JSON message", domain.ErrInvalidRequest))
		return
	}

	switch env.Type {
	case protocol.TypeSessionCreate:
		s.handleSessionCreate(conn, data)
	case protocol.TypeRunStart:
		s.handleRunStart(conn, data)
	case protocol.TypeRunCancel:
		s.handleRunCancel(conn, data)
	case protocol.TypeFsAck:
		s.handleAck(conn, data)
	case protocol.TypeSnapshotRequest:
		s.handleSnapshotRequest(conn, data)
	case protocol.TypeMessagesList:
		s.handleMessagesList(conn, data)
	case protocol.TypeSessionRewind:
		s.handleRewind(conn, data)
	case protocol.TypeFsPush:
		s.handlePush(conn, data)
	default:
		s.sendError(conn, env.SessionID, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidRequest, env.Type))
	}
}

// decode unmarshals a control message and resolves the session it targets:
// the message's own sessionId, else the session the connection is bound to.
func (s *Server) decode(conn *hub.Connection, data []byte, v any, sessionID func() string) (string, bool) {
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError(conn, "", fmt.Errorf("%w: malformed message", domain.ErrInvalidRequest))
		return "", false
	}
	id := sessionID()
	if id == "" {
		id = conn.SessionID()
	}
	if id == "" {
		s.sendError(conn, "", fmt.Errorf("%w: sessionId is required", domain.ErrInvalidRequest))
		return "", false
	}
	return id, true
}

func (s *Server) handleSessionCreate(conn *hub.Connection, data []byte) {
	var msg protocol.SessionCreateRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", fmt.Errorf("%w: invalid session/create message", domain.ErrInvalidRequest))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, resumed, err := s.svc.CreateSession(ctx, msg.EngineID, msg.TemplateID, msg.SessionID)
	if err != nil {
		s.sendError(conn, msg.SessionID, err)
		return
	}

	if prev := conn.BindSession(sess.ID); prev != "" && prev != sess.ID {
		s.svc.Detach(prev, conn.ID())
	}
	if _, err := s.svc.Attach(sess.ID, conn); err != nil {
		s.sendError(conn, sess.ID, err)
		return
	}

	s.sendJSON(conn, protocol.SessionCreatedMessage{
		Type:    protocol.TypeSessionCreated,
		Session: sess.Info(),
		Resumed: resumed,
	})
	if err := s.svc.SendSnapshot(sess.ID, conn); err != nil {
		s.sendError(conn, sess.ID, err)
		return
	}
	if list, err := s.svc.ListMessages(ctx, sess.ID, 0, 0); err != nil {
		s.logger.Warn("failed to load messages", zap.String("session_id", sess.ID), zap.Error(err))
	} else {
		s.sendJSON(conn, list)
	}

	s.logger.Info("client attached",
		zap.String("conn_id", conn.ID()), zap.String("session_id", sess.ID), zap.Bool("resumed", resumed))
}

func (s *Server) handleRunStart(conn *hub.Connection, data []byte) {
	var msg protocol.RunStartRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// run/started reaches this connection through the session broadcast.
	if _, err := s.svc.StartRun(ctx, sessionID, msg.Prompt, msg.Attachments); err != nil {
		s.sendError(conn, sessionID, err)
	}
}

func (s *Server) handleRunCancel(conn *hub.Connection, data []byte) {
	var msg protocol.RunCancelRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	if msg.RunID == "" {
		s.sendError(conn, sessionID, fmt.Errorf("%w: runId is required", domain.ErrInvalidRequest))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.svc.CancelRun(ctx, sessionID, msg.RunID); err != nil {
		s.sendError(conn, sessionID, err)
	}
}

func (s *Server) handleAck(conn *hub.Connection, data []byte) {
	var msg protocol.AckRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	if _, err := s.svc.Ack(sessionID, msg.Seq); err != nil {
		s.sendError(conn, sessionID, err)
	}
}

func (s *Server) handleSnapshotRequest(conn *hub.Connection, data []byte) {
	var msg protocol.SnapshotRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	if err := s.svc.SendSnapshot(sessionID, conn); err != nil {
		s.sendError(conn, sessionID, err)
	}
}

func (s *Server) handleMessagesList(conn *hub.Connection, data []byte) {
	var msg protocol.MessagesListRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	list, err := s.svc.ListMessages(ctx, sessionID, msg.Limit, msg.Skip)
	if err != nil {
		s.sendError(conn, sessionID, err)
		return
	}
	s.sendJSON(conn, list)
}

func (s *Server) handleRewind(conn *hub.Connection, data []byte) {
	var msg protocol.RewindRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}

	// Reverting calls the agent; keep the read loop free meanwhile.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.svc.Rewind(ctx, sessionID, msg.MessageID, msg.Edit); err != nil {
			s.sendError(conn, sessionID, err)
		}
	}()
}

func (s *Server) handlePush(conn *hub.Connection, data []byte) {
	var msg protocol.PushRequest
	sessionID, ok := s.decode(conn, data, &msg, func() string { return msg.SessionID })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.svc.Push(ctx, sessionID, msg.Ops); err != nil {
		s.sendError(conn, sessionID, err)
	}
}

func (s *Server) sendJSON(conn *hub.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode message", zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Warn("failed to queue message", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

// sendError reports err to the offending connection only.
func (s *Server) sendError(conn *hub.Connection, sessionID string, err error) {
	s.logger.Debug("control message rejected",
		zap.String("conn_id", conn.ID()), zap.String("session_id", sessionID), zap.Error(err))
	s.sendJSON(conn, protocol.NewError(sessionID, err))
}
