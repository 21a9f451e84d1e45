package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmdorta1111/AirTable-sub004/internal/metrics"
)

// Handler is invoked for every inbound broker message matching its pattern.
// channel is the broker channel name including the prefix.
type Handler func(channel string, payload []byte)

type handlerEntry struct {
	pattern string
	handler Handler
}

// Relay is a thin client of the shared Redis pub/sub broker. One per process.
type Relay struct {
	rdb        *redis.Client
	prefix     string
	instanceID string

	mu       sync.Mutex
	handlers []handlerEntry
	// channels this instance wants to receive, without prefix. Kept so a
	// listener started later subscribes to everything already requested.
	channels map[string]struct{}
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a relay for the given broker connection. A nil connection makes
// the relay inert: publishes report failure and the listener never starts.
// prefix namespaces all broker traffic (e.g. "realtime:").
// instanceID is this process's random identity, used for self-suppression.
func New(rdb *redis.Client, prefix, instanceID string) *Relay {
	return &Relay{
		rdb:        rdb,
		prefix:     prefix,
		instanceID: instanceID,
		channels:   make(map[string]struct{}),
	}
}

// InstanceID returns this process's broker identity.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Publish serializes the envelope to the broker under the prefixed channel
// name. Fails soft: a down broker degrades to local-only delivery, so errors
// are logged and reported as false, never returned.
func (r *Relay) Publish(ctx context.Context, channel string, env Envelope) bool {
	if r.rdb == nil {
		metrics.RelayPublished.WithLabelValues("failed").Inc()
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal relay envelope", "channel", channel, "error", err)
		metrics.RelayPublished.WithLabelValues("failed").Inc()
		return false
	}

	if err := r.rdb.Publish(ctx, r.prefix+channel, data).Err(); err != nil {
		slog.Warn("Failed to publish to broker, delivery degraded to local-only",
			"channel", channel, "error", err)
		metrics.RelayPublished.WithLabelValues("failed").Inc()
		return false
	}

	metrics.RelayPublished.WithLabelValues("ok").Inc()
	return true
}

// Subscribe registers this instance's interest in a channel's broker traffic.
// Safe to call whether or not the listener is running. Fails soft.
func (r *Relay) Subscribe(ctx context.Context, channel string) bool {
	r.mu.Lock()
	r.channels[channel] = struct{}{}
	pubsub := r.pubsub
	r.mu.Unlock()

	if pubsub == nil {
		return true
	}
	if err := pubsub.Subscribe(ctx, r.prefix+channel); err != nil {
		slog.Warn("Failed to subscribe on broker", "channel", channel, "error", err)
		return false
	}
	return true
}

// Unsubscribe drops this instance's interest in a channel. Fails soft.
func (r *Relay) Unsubscribe(ctx context.Context, channel string) bool {
	r.mu.Lock()
	delete(r.channels, channel)
	pubsub := r.pubsub
	r.mu.Unlock()

	if pubsub == nil {
		return true
	}
	if err := pubsub.Unsubscribe(ctx, r.prefix+channel); err != nil {
		slog.Warn("Failed to unsubscribe on broker", "channel", channel, "error", err)
		return false
	}
	return true
}

// OnMessage registers a handler for inbound broker messages matching pattern.
// pattern is either an exact broker channel name or a glob (e.g. "realtime:*").
// Handlers run in registration order; all matching handlers are invoked and a
// panicking handler never prevents delivery to the others.
func (r *Relay) OnMessage(pattern string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handlerEntry{pattern: pattern, handler: handler})
}

// StartListener launches the background goroutine that reads inbound broker
// messages and dispatches them to matching handlers. Starting an already
// running listener is a no-op.
func (r *Relay) StartListener(ctx context.Context) {
	r.mu.Lock()
	if r.rdb == nil || r.pubsub != nil {
		r.mu.Unlock()
		return
	}

	listenCtx, cancel := context.WithCancel(ctx)
	channels := make([]string, 0, len(r.channels))
	for channel := range r.channels {
		channels = append(channels, r.prefix+channel)
	}
	pubsub := r.rdb.Subscribe(listenCtx, channels...)

	r.pubsub = pubsub
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.listen(listenCtx, pubsub, done)
	slog.Info("Broker listener started", "channels", len(channels))
}

// StopListener cancels the background listener and waits for it to exit.
// No handler is invoked after StopListener returns. Idempotent.
func (r *Relay) StopListener() {
	r.mu.Lock()
	pubsub := r.pubsub
	cancel := r.cancel
	done := r.done
	r.pubsub = nil
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if pubsub == nil {
		return
	}
	cancel()
	_ = pubsub.Close()
	<-done
	slog.Info("Broker listener stopped")
}

// Close shuts the relay down: stop the listener first, then clear handlers.
// The broker connection itself is owned by the caller and closed after.
func (r *Relay) Close() {
	r.StopListener()
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}

func (r *Relay) listen(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) dispatch(channel string, payload []byte) {
	metrics.RelayReceived.Inc()

	r.mu.Lock()
	entries := make([]handlerEntry, len(r.handlers))
	copy(entries, r.handlers)
	r.mu.Unlock()

	for _, entry := range entries {
		if !matches(entry.pattern, channel) {
			continue
		}
		r.invoke(entry.handler, channel, payload)
	}
}

// invoke runs one handler, containing panics so a faulty handler cannot take
// down the listener or block the remaining handlers.
func (r *Relay) invoke(handler Handler, channel string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Relay handler panicked", "channel", channel, "panic", rec)
		}
	}()
	handler(channel, payload)
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}
