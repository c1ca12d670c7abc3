package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
)

// Hub tracks open duplex connections for health reporting and shutdown.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		logger:      logger,
		metrics:     m,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID()] = conn
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection registered", zap.String("conn_id", conn.ID()))
}

// Unregister removes a connection and closes its send queue.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID()]
	delete(h.connections, conn.ID())
	h.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	h.metrics.ConnectionClosed()
	h.logger.Debug("connection unregistered",
		zap.String("conn_id", conn.ID()),
		zap.String("session_id", conn.SessionID()))
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll closes every connection's send queue.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
