// Package broadcast pushes execution events to WebSocket observers. Topics
// are ephemeral rooms: a subscriber gets events from subscription time
// onward and nothing is replayed.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weftlab/weft/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	maxMessageSize = 4096
)

// SubscribeRequest is the only inbound frame observers may send.
type SubscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan events.Message
	topics map[string]struct{}
}

// Manager owns the WebSocket connections and their topic subscriptions.
type Manager struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*connection
	topics map[string]map[string]*connection
	closed bool
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("module", "broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*connection),
		topics: make(map[string]map[string]*connection),
	}
}

// ServeHTTP upgrades the request and runs the connection until the peer
// goes away. The caller's identity is taken from the X-User-ID header.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	conn := &connection{
		id:     uuid.New().String(),
		userID: r.Header.Get("X-User-ID"),
		ws:     ws,
		send:   make(chan events.Message, sendBufferSize),
		topics: make(map[string]struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.Close()

		return
	}
	m.conns[conn.id] = conn
	m.mu.Unlock()

	m.logger.Info("observer connected", "connection_id", conn.id, "user_id", conn.userID)

	go m.writePump(conn)
	m.readLoop(conn)
}

// Publish fans one message out to every subscriber of the topic. A
// subscriber whose send queue is full is disconnected rather than allowed
// to stall the others.
func (m *Manager) Publish(topic string, msg events.Message) {
	m.mu.RLock()

	var stalled []*connection

	for _, conn := range m.topics[topic] {
		select {
		case conn.send <- msg:
		default:
			stalled = append(stalled, conn)
		}
	}

	m.mu.RUnlock()

	for _, conn := range stalled {
		m.logger.Warn("dropping slow observer", "connection_id", conn.id, "topic", topic)
		m.disconnect(conn)
	}
}

// SendDirect queues a message for every connection authenticated as the
// given user and reports whether at least one of them took it. The sends
// happen under the read lock so a concurrent disconnect cannot close a
// channel mid-send.
func (m *Manager) SendDirect(userID string, msg events.Message) bool {
	if userID == "" {
		return false
	}

	m.mu.RLock()

	delivered := false

	var stalled []*connection

	for _, conn := range m.conns {
		if conn.userID != userID {
			continue
		}

		select {
		case conn.send <- msg:
			delivered = true
		default:
			stalled = append(stalled, conn)
		}
	}

	m.mu.RUnlock()

	for _, conn := range stalled {
		m.logger.Warn("dropping slow observer", "connection_id", conn.id, "user_id", userID)
		m.disconnect(conn)
	}

	return delivered
}

// SubscriberCount reports how many connections follow a topic.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.topics[topic])
}

// Close disconnects every observer and rejects new connections.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true

	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.disconnect(conn)
	}
}

func (m *Manager) subscribe(conn *connection, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*connection)
	}

	m.topics[topic][conn.id] = conn
	conn.topics[topic] = struct{}{}
}

func (m *Manager) unsubscribe(conn *connection, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(conn.topics, topic)

	if subs, ok := m.topics[topic]; ok {
		delete(subs, conn.id)

		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
}

func (m *Manager) disconnect(conn *connection) {
	m.mu.Lock()

	if _, ok := m.conns[conn.id]; !ok {
		m.mu.Unlock()

		return
	}

	delete(m.conns, conn.id)

	for topic := range conn.topics {
		if subs, ok := m.topics[topic]; ok {
			delete(subs, conn.id)

			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
	}

	m.mu.Unlock()

	close(conn.send)
	_ = conn.ws.Close()

	m.logger.Info("observer disconnected", "connection_id", conn.id)
}

func (m *Manager) readLoop(conn *connection) {
	defer m.disconnect(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("observer read error", "connection_id", conn.id, "error", err)
			}

			return
		}

		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			m.logger.Warn("ignoring malformed frame", "connection_id", conn.id, "error", err)

			continue
		}

		switch req.Action {
		case ActionSubscribe:
			m.subscribe(conn, req.Topic)
		case ActionUnsubscribe:
			m.unsubscribe(conn, req.Topic)
		default:
			m.logger.Warn("ignoring unknown action", "connection_id", conn.id, "action", req.Action)
		}
	}
}

func (m *Manager) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := conn.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
