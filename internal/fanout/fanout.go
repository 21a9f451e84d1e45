// Package fanout composes local delivery with the cross-instance relay.
//
// An outbound event is broadcast to this instance's local subscribers first,
// then published to the broker so every other instance can deliver to its own
// subscribers. Inbound broker envelopes carrying this instance's id are
// dropped: their events already went out via the local broadcast.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmdorta1111/AirTable-sub004/internal/metrics"
	"github.com/dmdorta1111/AirTable-sub004/internal/registry"
	"github.com/dmdorta1111/AirTable-sub004/internal/relay"
)

// Publisher is the entry point the business layer uses to emit events.
type Publisher struct {
	registry *registry.Registry
	relay    *relay.Relay
}

// New creates a publisher and registers the relay handler that delivers
// inbound broker envelopes to local subscribers. prefix must match the
// relay's channel prefix.
func New(reg *registry.Registry, rel *relay.Relay, prefix string) *Publisher {
	p := &Publisher{registry: reg, relay: rel}
	rel.OnMessage(prefix+"*", p.handleEnvelope)
	return p
}

// Publish delivers an event to every subscriber of the channel on every
// instance. Local subscribers are served directly; remote ones via the
// broker. exclude, if non-nil, names a connection (typically the sender)
// that must not receive the event anywhere.
//
// Returns the local delivery count. Broker publish failures degrade to
// local-only delivery and are not surfaced.
func (p *Publisher) Publish(ctx context.Context, channel string, event json.RawMessage, exclude uuid.UUID) int {
	delivered := p.registry.BroadcastToChannel(channel, event, exclude)

	env := relay.Envelope{
		InstanceID: p.relay.InstanceID(),
		Channel:    channel,
		Event:      event,
	}
	if exclude != uuid.Nil {
		env.ExcludeConnection = exclude.String()
	}
	p.relay.Publish(ctx, channel, env)

	return delivered
}

// SendToUser delivers an event to every local connection of one user.
// User-directed sends are not relayed: with sticky sessions a user's
// connections live on one instance.
func (p *Publisher) SendToUser(userID string, event json.RawMessage) int {
	return p.registry.SendToUser(userID, event)
}

// handleEnvelope relays one inbound broker message into the local registry.
func (p *Publisher) handleEnvelope(brokerChannel string, payload []byte) {
	env, err := relay.DecodeEnvelope(payload)
	if err != nil {
		slog.Warn("Dropping malformed broker message", "channel", brokerChannel, "error", err)
		metrics.RelayDropped.WithLabelValues("malformed").Inc()
		return
	}

	if env.InstanceID == p.relay.InstanceID() {
		// Our own publish echoed back by the broker; local subscribers
		// already received it in Publish.
		metrics.RelayDropped.WithLabelValues("self").Inc()
		return
	}

	exclude := uuid.Nil
	if env.ExcludeConnection != "" {
		parsed, err := uuid.Parse(env.ExcludeConnection)
		if err != nil {
			slog.Warn("Dropping broker message with invalid exclude connection",
				"channel", brokerChannel, "exclude_connection", env.ExcludeConnection, "error", err)
			metrics.RelayDropped.WithLabelValues("malformed").Inc()
			return
		}
		exclude = parsed
	}

	p.registry.BroadcastToChannel(env.Channel, env.Event, exclude)
}
