package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/taskflow/internal/orchestrator"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// wsSendBuffer is how many events a slow client may lag behind.
	wsSendBuffer = 64
)

// Session is one connected event stream client.
type Session struct {
	ID        string
	CreatedAt time.Time
	types     map[orchestrator.EventType]bool
	send      chan []byte
}

func (s *Session) wants(t orchestrator.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Hub fans committed orchestrator events out to websocket sessions. It
// implements orchestrator.Notifier; Publish never blocks, and a session
// whose buffer is full loses the event.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sessions: make(map[string]*Session), logger: logger}
}

func (h *Hub) add(types []string) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		types:     make(map[orchestrator.EventType]bool),
		send:      make(chan []byte, wsSendBuffer),
	}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			s.types[orchestrator.EventType(t)] = true
		}
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Count returns the number of active sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish implements orchestrator.Notifier.
func (h *Hub) Publish(ev orchestrator.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode event", slog.Any("error", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.send <- msg:
		default:
			h.logger.Debug("event dropped for slow session", slog.String("session_id", s.ID), slog.String("type", string(ev.Type)))
		}
	}
}

// handleWebSocket streams events to the client. ?types=a,b limits the
// stream to those event types.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}
	session := s.hub.add(types)
	defer s.hub.remove(session.ID)

	log := s.logger.With(slog.String("session_id", session.ID))
	log.Info("event stream connected", slog.String("remote", r.RemoteAddr))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages (none expected) and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("event stream read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-session.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("event stream write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Info("event stream disconnected")
			return
		}
	}
}
