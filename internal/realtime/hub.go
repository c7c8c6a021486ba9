// Package realtime fans out proctoring state changes over WebSockets.
//
// Two registries, both ephemeral process state:
//   - session id → at most one student connection (latest wins)
//   - exam id → the set of admin connections observing that exam
//
// Delivery is best-effort and non-blocking. The durable session record is the
// source of truth; a dropped frame is never an error. A newly subscribed
// admin joins the fan-out set before its monitor:init snapshot is taken, so
// every state change lands in the snapshot or in a queued frame; the snapshot
// is still the first frame written to the socket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/invigil/invigil/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Connection roles, used for metrics and logging.
const (
	roleStudent = "student"
	roleAdmin   = "admin"
)

// MaxConns is the maximum number of concurrent WebSocket connections.
const MaxConns = 10000

// SnapshotSource provides the active sessions of an exam for monitor:init.
type SnapshotSource interface {
	Snapshot(ctx context.Context, examID string) ([]SessionSummary, error)
}

// Client is one WebSocket connection, registered as either a student
// connection (SessionID set) or an admin observer (ExamID set).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	role   string
	key    string // session id for students, exam id for observers
	init   []byte // optional first frame; set before the pumps start
	closed bool   // guarded by hub.mu; send is closed exactly once
}

// Hub owns the connection registries and performs all fan-out.
type Hub struct {
	mu        sync.RWMutex
	students  map[string]*Client          // session id → conn
	observers map[string]map[*Client]bool // exam id → conn set
	snapshots SnapshotSource
	logger    *slog.Logger
	done      chan struct{} // closed when Run exits; prevents upgrade race
	maxConns  int

	// Stats
	totalFrames  atomic.Int64
	totalClients atomic.Int64
	droppedSends atomic.Int64
}

// NewHub creates a new dispatcher hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		students:  make(map[string]*Client),
		observers: make(map[string]map[*Client]bool),
		logger:    logger,
		done:      make(chan struct{}),
		maxConns:  MaxConns,
	}
}

// WithSnapshotSource sets the provider queried on admin subscribe.
func (h *Hub) WithSnapshotSource(src SnapshotSource) *Hub {
	h.snapshots = src
	return h
}

// Run blocks until ctx is cancelled, then closes every connection.
// Call in a goroutine before accepting upgrades.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	for id, client := range h.students {
		h.closeClientLocked(client)
		delete(h.students, id)
	}
	for examID, set := range h.observers {
		for client := range set {
			h.closeClientLocked(client)
		}
		delete(h.observers, examID)
	}
	h.mu.Unlock()
	close(h.done)

	metrics.ActiveConnections.WithLabelValues(roleStudent).Set(0)
	metrics.ActiveConnections.WithLabelValues(roleAdmin).Set(0)
	h.logger.Info("realtime hub stopped")
}

// SendToSession delivers a frame to the student connection owning the
// session, if connected. Never blocks; absent or slow receivers drop.
func (h *Hub) SendToSession(sessionID string, frame *Frame) {
	payload := h.serialize(frame)
	h.totalFrames.Add(1)

	// Send under the read lock: closeClientLocked only runs under the write
	// lock, so the channel cannot be closed mid-send.
	h.mu.RLock()
	client := h.students[sessionID]
	ok := client != nil && h.trySend(client, payload)
	h.mu.RUnlock()

	if client == nil {
		h.droppedSends.Add(1)
		return
	}
	if !ok {
		h.evict(client)
	}
}

// BroadcastToExam delivers a frame to every admin observing the exam.
// Never blocks; slow observers are evicted.
func (h *Hub) BroadcastToExam(examID string, frame *Frame) {
	payload := h.serialize(frame)
	h.totalFrames.Add(1)

	h.mu.RLock()
	var slow []*Client
	for client := range h.observers[examID] {
		if !h.trySend(client, payload) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.evict(client)
	}
}

// trySend queues a payload without blocking. Returns false when the send
// buffer is full, marking the client as too slow to keep.
func (h *Hub) trySend(client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		return true
	default:
		h.droppedSends.Add(1)
		return false
	}
}

// HandleStudent upgrades an HTTP request to the session's student connection.
// An existing connection for the same session is replaced; the previous one
// is closed so exactly one student connection exists per session.
func (h *Hub) HandleStudent(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		role: roleStudent,
		key:  sessionID,
	}

	h.mu.Lock()
	if prev, ok := h.students[sessionID]; ok {
		h.closeClientLocked(prev)
	}
	h.students[sessionID] = client
	n := len(h.students)
	h.mu.Unlock()

	h.totalClients.Add(1)
	metrics.ActiveConnections.WithLabelValues(roleStudent).Set(float64(n))
	h.logger.Info("student connected", "sessionId", sessionID)

	go client.writePump()
	go client.readPump()
}

// HandleMonitor upgrades an HTTP request to an admin observer connection for
// the exam. The client joins the fan-out set before the snapshot is taken:
// any state change during the snapshot query lands in the send queue instead
// of vanishing, and frames carry full per-session state, so an overlap
// between the snapshot and a queued frame is harmless. The pumps start only
// after the init frame is staged, which keeps monitor:init the first frame
// on the wire.
func (h *Hub) HandleMonitor(w http.ResponseWriter, r *http.Request, examID string) {
	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		role: roleAdmin,
		key:  examID,
	}

	h.mu.Lock()
	set, ok := h.observers[examID]
	if !ok {
		set = make(map[*Client]bool)
		h.observers[examID] = set
	}
	set[client] = true
	n := h.observerCountLocked()
	h.mu.Unlock()

	init := NewMonitorInit(examID, nil)
	if h.snapshots != nil {
		sessions, err := h.snapshots.Snapshot(r.Context(), examID)
		if err != nil {
			h.logger.Error("monitor snapshot failed", "examId", examID, "error", err)
			h.evict(client)
			_ = conn.Close()
			return
		}
		init = NewMonitorInit(examID, sessions)
	}
	client.init = h.serialize(init)

	h.totalClients.Add(1)
	metrics.ActiveConnections.WithLabelValues(roleAdmin).Set(float64(n))
	h.logger.Info("admin observer connected", "examId", examID)

	go client.writePump()
	go client.readPump()
}

// upgrade performs the shared upgrade checks and handshake.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil
	default:
	}

	h.mu.RLock()
	n := len(h.students) + h.observerCountLocked()
	h.mu.RUnlock()
	if n >= h.maxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return nil
	}
	return conn
}

// evict removes a client from its registry and closes its send channel.
// Also used for normal disconnects via readPump.
func (h *Hub) evict(client *Client) {
	h.mu.Lock()
	switch client.role {
	case roleStudent:
		// Only remove if this client still owns the slot; a replacement
		// connection must not be torn down by its predecessor's eviction.
		if h.students[client.key] == client {
			delete(h.students, client.key)
		}
	case roleAdmin:
		if set, ok := h.observers[client.key]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.observers, client.key)
			}
		}
	}
	h.closeClientLocked(client)
	students := len(h.students)
	observers := h.observerCountLocked()
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(roleStudent).Set(float64(students))
	metrics.ActiveConnections.WithLabelValues(roleAdmin).Set(float64(observers))
}

// closeClientLocked closes the send channel exactly once. Caller holds h.mu.
func (h *Hub) closeClientLocked(client *Client) {
	if !client.closed {
		client.closed = true
		close(client.send) // writePump sends CloseMessage on closed channel
	}
}

func (h *Hub) observerCountLocked() int {
	n := 0
	for _, set := range h.observers {
		n += len(set)
	}
	return n
}

func (h *Hub) serialize(frame *Frame) []byte {
	data, _ := json.Marshal(frame)
	return data
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"studentConnections":  len(h.students),
		"observerConnections": h.observerCountLocked(),
		"totalFrames":         h.totalFrames.Load(),
		"totalClients":        h.totalClients.Load(),
		"droppedSends":        h.droppedSends.Load(),
	}
}

// readPump drains inbound messages (pongs, client pings). Clients have
// nothing meaningful to say on this channel; reading keeps the connection's
// control frames flowing and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.evict(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes queued frames and keepalive pings to the WebSocket.
// A staged init frame goes out before anything queued during registration.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if c.init != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, c.init); err != nil {
			c.hub.logger.Warn("websocket write error", "error", err)
			return
		}
	}

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
