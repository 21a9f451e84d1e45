package registry

import "encoding/json"

// Server-to-client frame types.
const (
	TypeConnectAck   = "connect-ack"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

type connectAckMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type subscribedMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`

	// LocalPresenceCount is the subscriber count on this instance only.
	// Other instances may hold more subscribers for the same channel.
	LocalPresenceCount int `json:"local_presence_count"`
}

type unsubscribedMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// ErrorMessage is the error frame sent to a client in response to a bad request.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All frame types above marshal unconditionally.
		panic(err)
	}
	return data
}
