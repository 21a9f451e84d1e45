package server

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// publishRequest is the payload the business layer posts to emit an event.
type publishRequest struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`

	// ExcludeConnection suppresses delivery to the event's own sender.
	ExcludeConnection string `json:"exclude_connection,omitempty"`
}

// handlePublish lets the business layer emit an event to a channel. The event
// payload is opaque; channel naming conventions (table:<id>, workspace:<id>)
// are the caller's concern.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}
	if req.Channel == "" {
		return c.JSON(400, map[string]string{"error": "channel is required"})
	}
	if len(req.Event) == 0 {
		return c.JSON(400, map[string]string{"error": "event is required"})
	}

	exclude := uuid.Nil
	if req.ExcludeConnection != "" {
		parsed, err := uuid.Parse(req.ExcludeConnection)
		if err != nil {
			return c.JSON(400, map[string]string{"error": "exclude_connection is not a valid id"})
		}
		exclude = parsed
	}

	delivered := s.publisher.Publish(c.Request().Context(), req.Channel, req.Event, exclude)

	return c.JSON(200, map[string]any{"local_deliveries": delivered})
}
