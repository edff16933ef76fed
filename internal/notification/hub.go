package notification

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/pkg/middleware"
	"github.com/winvest/trading-core/pkg/response"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// socketFrame is the wire format pushed to clients.
type socketFrame struct {
	DeliveryID     string `json:"delivery_id"`
	NotificationID string `json:"notification_id"`
	EventType      string `json:"event_type"`
	Priority       string `json:"priority"`
	Title          string `json:"title"`
	Message        string `json:"message"`
}

// ackFrame is what clients send back to confirm a delivery.
type ackFrame struct {
	DeliveryID string `json:"delivery_id"`
}

type session struct {
	hub    *Hub
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks live websocket sessions per user. A user may hold several
// sessions (multiple tabs or devices); a push goes to all of them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*session]bool

	// OnConnect is invoked after a session attaches, used to replay
	// undelivered socket notifications.
	OnConnect func(userID int64)
	// OnAck is invoked when a client confirms a delivery.
	OnAck func(userID int64, deliveryID string)
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[int64]map[*session]bool),
	}
}

// SendToUser pushes raw bytes to every live session of the user. Returns
// false when the user has no session at all.
func (h *Hub) SendToUser(userID int64, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := h.sessions[userID]
	if len(sessions) == 0 {
		return false
	}
	for s := range sessions {
		select {
		case s.send <- payload:
		default:
			// Slow consumer; drop the frame rather than block the hub.
		}
	}
	return true
}

func (h *Hub) attach(s *session) {
	h.mu.Lock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*session]bool)
	}
	h.sessions[s.userID][s] = true
	h.mu.Unlock()

	log.Info().Int64("user_id", s.userID).Msg("websocket session attached")
	if h.OnConnect != nil {
		h.OnConnect(s.userID)
	}
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if sessions, ok := h.sessions[s.userID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.sessions, s.userID)
		}
	}
	h.mu.Unlock()
	close(s.send)
	log.Info().Int64("user_id", s.userID).Msg("websocket session detached")
}

// ServeWS upgrades the request and runs the session pumps. Requires JWT
// auth middleware upstream.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		s := &session{
			hub:    h,
			userID: userID,
			conn:   conn,
			send:   make(chan []byte, 64),
		}
		h.attach(s)

		go s.writePump()
		go s.readPump()
	}
}

// readPump consumes client frames: acks and pings.
func (s *session) readPump() {
	defer func() {
		s.hub.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Int64("user_id", s.userID).Msg("websocket read error")
			}
			return
		}

		var ack ackFrame
		if err := json.Unmarshal(message, &ack); err != nil || ack.DeliveryID == "" {
			continue
		}
		if s.hub.OnAck != nil {
			s.hub.OnAck(s.userID, ack.DeliveryID)
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
