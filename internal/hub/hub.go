package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrNotRegistered is returned by Send when the target connection is not in
// the active set.
var ErrNotRegistered = errors.New("connection is not registered")

// Conn is the slice of *websocket.Conn the hub needs. An interface so the
// connection lifecycle can be exercised without real sockets.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub tracks the set of open notification connections and fans text messages
// out to them. Each connection carries its own write mutex so concurrent
// broadcasts and pings never interleave frames on the wire.
type Hub struct {
	mu    sync.Mutex
	conns map[Conn]*sync.Mutex
}

func New() *Hub {
	return &Hub{conns: make(map[Conn]*sync.Mutex)}
}

// Register adds an open connection to the active set.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	h.conns[conn] = &sync.Mutex{}
	h.mu.Unlock()
}

// Unregister removes the connection from the active set and closes it.
// Calling it again for the same connection is a no-op.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Broadcast sends text to every connection in the active set at call time.
// Failing connections are dropped after the sweep; one bad connection never
// blocks delivery to the rest.
func (h *Hub) Broadcast(text string) {
	payload := []byte(text)

	h.mu.Lock()
	targets := make(map[Conn]*sync.Mutex, len(h.conns))
	for conn, writeMu := range h.conns {
		targets[conn] = writeMu
	}
	h.mu.Unlock()

	var stale []Conn
	for conn, writeMu := range targets {
		if err := write(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		h.Unregister(conn)
	}
}

// Send writes text to a single registered connection. Unlike Broadcast, the
// send error propagates to the caller.
func (h *Hub) Send(text string, conn Conn) error {
	writeMu, ok := h.lookup(conn)
	if !ok {
		return ErrNotRegistered
	}
	return write(conn, writeMu, websocket.TextMessage, []byte(text))
}

// Ping sends a control ping, used by the liveness ticker.
func (h *Hub) Ping(conn Conn) error {
	writeMu, ok := h.lookup(conn)
	if !ok {
		return ErrNotRegistered
	}
	return write(conn, writeMu, websocket.PingMessage, nil)
}

// Count reports the size of the active set.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) lookup(conn Conn) (*sync.Mutex, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeMu, ok := h.conns[conn]
	return writeMu, ok
}

func write(conn Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
