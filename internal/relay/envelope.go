package relay

import "encoding/json"

// Envelope is the only entity that crosses the broker boundary. It wraps an
// opaque event with the routing metadata other instances need to deliver it.
type Envelope struct {
	// InstanceID identifies the publishing instance. Receivers drop
	// envelopes carrying their own id: those events were already delivered
	// by the local broadcast that preceded the publish.
	InstanceID string `json:"instance_id"`

	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`

	// ExcludeConnection is the sender's connection id, if any. Honored by
	// every receiving instance so the sender never sees its own event.
	ExcludeConnection string `json:"exclude_connection,omitempty"`
}

// DecodeEnvelope parses a broker payload. Malformed payloads are the caller's
// cue to drop the message, never to stop the listener.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
