package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Token bucket per connection. Interactive clients send a handful of
// subscribes plus a ping every 30s; anything near these numbers is a bug
// or abuse.
const (
	messagesPerSecond = 20
	messageBurst      = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect from app origins behind the LB
	},
}

// clientMessage is the envelope of all frames a client may send.
type clientMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// handleWebSocket upgrades the request and runs the connection's read pump.
//
// Identity comes from the upgrade request; authenticating it is the concern
// of the layer in front of this service, the handler only passes the values
// through.
func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.String(400, "user_id is required")
	}
	displayName := c.QueryParam("display_name")
	if displayName == "" {
		displayName = userID
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	connection, err := s.registry.Connect(conn, userID, displayName)
	if err != nil {
		slog.Warn("Rejecting connection", "user_id", userID, "error", err)
		_ = conn.Close()
		return nil
	}

	// Read pump, blocks until the connection closes.
	limiter := rate.NewLimiter(rate.Limit(messagesPerSecond), messageBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !limiter.Allow() {
			s.registry.SendError(connection.ID, "rate_limited", "too many messages", "", "")
			continue
		}
		s.handleClientMessage(connection.ID, data)
	}

	s.registry.Disconnect(connection.ID, "connection closed")
	return nil
}

func (s *Server) handleClientMessage(connectionID uuid.UUID, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.registry.SendError(connectionID, "invalid_message", "message is not valid JSON", err.Error(), "")
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.Channel == "" {
			s.registry.SendError(connectionID, "invalid_request", "channel is required", "", msg.RequestID)
			return
		}
		s.registry.Subscribe(connectionID, msg.Channel)
	case "unsubscribe":
		if msg.Channel == "" {
			s.registry.SendError(connectionID, "invalid_request", "channel is required", "", msg.RequestID)
			return
		}
		s.registry.Unsubscribe(connectionID, msg.Channel)
	case "ping":
		s.registry.HandleHeartbeat(connectionID)
	default:
		s.registry.SendError(connectionID, "unknown_type", "unknown message type", msg.Type, msg.RequestID)
	}
}
