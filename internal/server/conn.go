package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// Connection events fired at the document.
const (
	EventOpen  = "Open"
	EventClose = "Close"
)

const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// inbound is a frame sent by the client. A frame with Reply set answers the
// script waiting under that key; otherwise Event names a handler to run.
type inbound struct {
	Event   string `json:"event,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// wsConn is one WebSocket client bound to a document environment.
type wsConn struct {
	engine.HandlerTable

	id     string
	env    engine.DocumentEnvironment
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) ID() string                              { return c.id }
func (c *wsConn) Environment() engine.DocumentEnvironment { return c.env }

func (c *wsConn) NotifyLeftScope() {
	c.logger.Debug("connection left scope")
}

func (c *wsConn) String() string { return "connection:" + c.id }

func (c *wsConn) write(msg engine.ClientMessage) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to %s: %w", c.id, err)
	}
	return nil
}

func (c *wsConn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}

// Hub tracks live connections and delivers script messages to them. It is
// the scheduler's connection layer.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*wsConn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsConn)}
}

// DeliverToClient implements engine.ConnectionLayer.
func (h *Hub) DeliverToClient(conn engine.Connection, msg engine.ClientMessage) error {
	c, ok := conn.(*wsConn)
	if !ok {
		return fmt.Errorf("deliver: unsupported connection %T", conn)
	}
	return c.write(msg)
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

// closeAll closes every live connection. Their read loops run the usual
// teardown.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
