// Package collab — WebSocket hub for editor sessions: advisory cell
// locks and broadcast of committed-mutation events.
//
// Locks are purely advisory UI hints. They never gate writes —
// correctness comes from the transactional store, not from holding a
// lock. All locks held by a session are released when it disconnects.
package collab

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/repofin/circle-engine/internal/metrics"
)

// Broadcast event types. Every committed mutation fans out to all
// connected sessions, the sender included.
const (
	EventSessionStarted  = "session_started"
	EventPositionChanged = "position_changed"
	EventNewTrade        = "new_trade"
	EventCashflowCreated = "cashflow_created"
	EventCashflowDeleted = "cashflow_deleted"
	EventCellEditing     = "cell_editing"
	EventCircleUpdated   = "circle_updated"
)

// Event is the immutable envelope broadcast to every session.
type Event struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// LockKey identifies one editable cell.
type LockKey struct {
	CounterpartyID   string `json:"counterparty_id"`
	CollateralTypeID string `json:"collateral_type_id"`
	FundID           string `json:"fund_id"`
}

// lockMessage is what clients send over the socket to take or drop a
// cell lock.
type lockMessage struct {
	Action string  `json:"action"` // "acquire_lock" | "release_lock"
	Key    LockKey `json:"key"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// session is one connected editor. All writes to the connection go
// through send and are drained by a single write pump, since the
// connection allows only one concurrent writer.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// writePump is the sole writer on the connection: it drains send and
// keeps the connection alive with pings. Closing send stops the pump
// and closes the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub manages editor sessions, the advisory lock table, and event
// broadcast to all connected clients.
type Hub struct {
	register   chan *session
	unregister chan *session
	broadcast  chan []byte

	mu       sync.RWMutex
	sessions map[*session]bool
	locks    map[LockKey]string // cell → holder session id
}

// NewHub creates a new collaboration hub.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *session),
		unregister: make(chan *session),
		broadcast:  make(chan []byte, 256),
		sessions:   make(map[*session]bool),
		locks:      make(map[LockKey]string),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.ConnectedSessions.Set(float64(total))
			slog.Info("session connected", "session", s.id, "total", total)

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.ConnectedSessions.Set(float64(total))
			h.releaseSessionLocks(s.id)
			slog.Info("session disconnected", "session", s.id)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for s := range h.sessions {
				select {
				case s.send <- msg:
				default:
					// Session too slow to drain its buffer; drop it.
					delete(h.sessions, s)
					close(s.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast fans an event out to every connected session. Delivery is
// fire-and-forget: a full buffer drops the event rather than blocking
// the mutation that produced it.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("broadcast buffer full, dropping event", "type", evt.Type)
	}
}

// AcquireLock records sessionID as the advisory holder of the cell.
// First-wins: it returns false, plus the current holder, when another
// session already holds the cell.
func (h *Hub) AcquireLock(key LockKey, sessionID string) (bool, string) {
	h.mu.Lock()
	holder, held := h.locks[key]
	if held && holder != sessionID {
		h.mu.Unlock()
		return false, holder
	}
	h.locks[key] = sessionID
	h.mu.Unlock()

	h.Broadcast(Event{Type: EventCellEditing, SenderID: sessionID, Payload: map[string]any{
		"key": key, "holder": sessionID,
	}})
	return true, sessionID
}

// ReleaseLock drops the advisory lock if sessionID holds it.
func (h *Hub) ReleaseLock(key LockKey, sessionID string) bool {
	h.mu.Lock()
	holder, held := h.locks[key]
	if !held || holder != sessionID {
		h.mu.Unlock()
		return false
	}
	delete(h.locks, key)
	h.mu.Unlock()

	h.Broadcast(Event{Type: EventCellEditing, SenderID: sessionID, Payload: map[string]any{
		"key": key, "holder": "",
	}})
	return true
}

// Holder reports the advisory lock holder for a cell, if any.
func (h *Hub) Holder(counterpartyID, collateralTypeID, fundID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	holder, ok := h.locks[LockKey{counterpartyID, collateralTypeID, fundID}]
	return holder, ok
}

// releaseSessionLocks drops every lock a disconnected session held and
// tells the other editors.
func (h *Hub) releaseSessionLocks(sessionID string) {
	h.mu.Lock()
	var released []LockKey
	for key, holder := range h.locks {
		if holder == sessionID {
			delete(h.locks, key)
			released = append(released, key)
		}
	}
	h.mu.Unlock()

	for _, key := range released {
		h.Broadcast(Event{Type: EventCellEditing, SenderID: sessionID, Payload: map[string]any{
			"key": key, "holder": "",
		}})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// first message on a new connection carries the session id clients use
// as their sender id.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	s := &session{id: uuid.New().String(), conn: conn, send: make(chan []byte, 64)}
	h.register <- s

	// The welcome rides the send channel like every other write.
	welcome, _ := json.Marshal(Event{Type: EventSessionStarted, Payload: map[string]string{
		"session_id": s.id,
	}})
	s.send <- welcome
	go s.writePump()

	// Read pump: lock messages in, disconnect detection.
	go func() {
		defer func() { h.unregister <- s }()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var msg lockMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Action {
			case "acquire_lock":
				h.AcquireLock(msg.Key, s.id)
			case "release_lock":
				h.ReleaseLock(msg.Key, s.id)
			}
		}
	}()
}
