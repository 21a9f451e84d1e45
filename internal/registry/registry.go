package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/dmdorta1111/AirTable-sub004/internal/metrics"
)

// displayColors is the palette assigned to connections round-robin.
var displayColors = []string{
	"#5A9CF8", "#F5A623", "#50C878", "#E8618C",
	"#9B59B6", "#1ABC9C", "#E67E22", "#3498DB",
}

// Connection is one live client socket on this instance.
// The socket is owned exclusively by the registry entry; all writes go
// through the connection's writer goroutine.
type Connection struct {
	ID           uuid.UUID
	UserID       string
	DisplayName  string
	DisplayColor string
	ConnectedAt  time.Time

	// lastHeartbeat and subscriptions are guarded by the registry mutex.
	lastHeartbeat time.Time
	subscriptions map[string]struct{}

	writer *clientWriter
}

// Registry tracks the connections of one instance and performs local delivery.
//
// All index mutations happen under one mutex; delivery paths snapshot the
// recipient set under the lock and write outside it.
type Registry struct {
	clock            clockwork.Clock
	heartbeatTimeout time.Duration
	maxConnections   int

	// onFirstSubscriber / onLastSubscriber fire when a channel's local
	// subscriber count transitions 0->1 / 1->0. Invoked outside the lock.
	onFirstSubscriber func(channel string)
	onLastSubscriber  func(channel string)

	mu          sync.Mutex
	byID        map[uuid.UUID]*Connection
	byUser      map[string]map[uuid.UUID]*Connection
	byChannel   map[string]map[uuid.UUID]*Connection
	colorCursor int

	// cbMu serializes the subscriber callbacks in transition order. It is
	// acquired before mu is released on a 0->1 or 1->0 transition, so a
	// racing unsubscribe cannot report its transition ahead of an earlier
	// subscribe. mu itself is never held during a callback.
	cbMu sync.Mutex
}

// Options configures a Registry.
type Options struct {
	Clock            clockwork.Clock
	HeartbeatTimeout time.Duration
	MaxConnections   int

	// OnFirstSubscriber is called after a channel gains its first local
	// subscriber, before the subscribe confirmation is sent.
	OnFirstSubscriber func(channel string)
	// OnLastSubscriber is called after a channel loses its last local
	// subscriber.
	OnLastSubscriber func(channel string)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	return &Registry{
		clock:             opts.Clock,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		maxConnections:    opts.MaxConnections,
		onFirstSubscriber: opts.OnFirstSubscriber,
		onLastSubscriber:  opts.OnLastSubscriber,
		byID:              make(map[uuid.UUID]*Connection),
		byUser:            make(map[string]map[uuid.UUID]*Connection),
		byChannel:         make(map[string]map[uuid.UUID]*Connection),
	}
}

// Connect registers a freshly upgraded socket and sends the client a
// connect-ack frame carrying its connection id. The socket is owned by the
// registry from this point on.
func (r *Registry) Connect(conn *websocket.Conn, userID, displayName string) (*Connection, error) {
	id := uuid.New()
	now := r.clock.Now()

	c := &Connection{
		ID:            id,
		UserID:        userID,
		DisplayName:   displayName,
		ConnectedAt:   now,
		lastHeartbeat: now,
		subscriptions: make(map[string]struct{}),
	}
	c.writer = newClientWriter(conn, r.clock, func() {
		// Fire-and-forget: the writer goroutine must not wait on cleanup.
		go r.Disconnect(id, "write failure")
	})

	r.mu.Lock()
	if r.maxConnections > 0 && len(r.byID) >= r.maxConnections {
		r.mu.Unlock()
		c.writer.stop()
		return nil, fmt.Errorf("max connections (%d) reached", r.maxConnections)
	}
	c.DisplayColor = displayColors[r.colorCursor%len(displayColors)]
	r.colorCursor++
	r.byID[id] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]*Connection)
	}
	r.byUser[userID][id] = c
	total := len(r.byID)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))

	ack := mustMarshal(connectAckMessage{Type: TypeConnectAck, ConnectionID: id.String(), UserID: userID})
	if !c.writer.enqueue(ack) {
		go r.Disconnect(id, "connect ack failed")
		return nil, fmt.Errorf("failed to send connect ack")
	}

	slog.Debug("Client connected", "connection_id", id.String(), "user_id", userID, "total_connections", total)
	return c, nil
}

// Disconnect removes a connection from every index and releases the socket.
// Idempotent: unknown ids are a no-op, so it is always safe to call after a
// transport error or concurrently with another disconnect path.
func (r *Registry) Disconnect(connectionID uuid.UUID, reason string) {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connectionID)

	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}

	var emptied []string
	for channel := range c.subscriptions {
		if subs := r.byChannel[channel]; subs != nil {
			delete(subs, connectionID)
			if len(subs) == 0 {
				delete(r.byChannel, channel)
				emptied = append(emptied, channel)
			}
		}
	}
	total := len(r.byID)
	if len(emptied) > 0 && r.onLastSubscriber != nil {
		r.cbMu.Lock()
		r.mu.Unlock()
		for _, channel := range emptied {
			r.onLastSubscriber(channel)
		}
		r.cbMu.Unlock()
	} else {
		r.mu.Unlock()
	}

	metrics.ActiveConnections.Set(float64(total))

	c.writer.stopGraceful(reason)
	slog.Debug("Client disconnected", "connection_id", connectionID.String(), "reason", reason, "total_connections", total)
}

// Subscribe adds the connection to a channel and confirms with the local
// subscriber count. Returns false if the connection is unknown, which happens
// when a disconnect races an in-flight client request.
func (r *Registry) Subscribe(connectionID uuid.UUID, channel string) bool {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	first := false
	if _, already := c.subscriptions[channel]; !already {
		c.subscriptions[channel] = struct{}{}
		if r.byChannel[channel] == nil {
			r.byChannel[channel] = make(map[uuid.UUID]*Connection)
			first = true
		}
		r.byChannel[channel][connectionID] = c
	}
	count := len(r.byChannel[channel])
	if first && r.onFirstSubscriber != nil {
		r.cbMu.Lock()
		r.mu.Unlock()
		r.onFirstSubscriber(channel)
		r.cbMu.Unlock()
	} else {
		r.mu.Unlock()
	}

	msg := mustMarshal(subscribedMessage{Type: TypeSubscribed, Channel: channel, LocalPresenceCount: count})
	if !c.writer.enqueue(msg) {
		go r.Disconnect(connectionID, "send failure")
	}
	return true
}

// Unsubscribe removes the connection from a channel. Channels the connection
// never joined are a no-op; the confirmation is sent either way.
func (r *Registry) Unsubscribe(connectionID uuid.UUID, channel string) bool {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	emptied := false
	if _, subscribed := c.subscriptions[channel]; subscribed {
		delete(c.subscriptions, channel)
		if subs := r.byChannel[channel]; subs != nil {
			delete(subs, connectionID)
			if len(subs) == 0 {
				delete(r.byChannel, channel)
				emptied = true
			}
		}
	}
	if emptied && r.onLastSubscriber != nil {
		r.cbMu.Lock()
		r.mu.Unlock()
		r.onLastSubscriber(channel)
		r.cbMu.Unlock()
	} else {
		r.mu.Unlock()
	}

	msg := mustMarshal(unsubscribedMessage{Type: TypeUnsubscribed, Channel: channel})
	if !c.writer.enqueue(msg) {
		go r.Disconnect(connectionID, "send failure")
	}
	return true
}

// SendToConnection writes an event to one socket. Transport failures are not
// surfaced: the connection is scheduled for cleanup and false is returned, so
// a dead peer never aborts a broadcast to the remaining peers.
func (r *Registry) SendToConnection(connectionID uuid.UUID, event json.RawMessage) bool {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.deliver(c, event)
}

// SendToUser fans out to every connection the user currently holds on this
// instance (multiple open tabs). Returns the number of successful deliveries.
func (r *Registry) SendToUser(userID string, event json.RawMessage) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if r.deliver(c, event) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToChannel fans out to every local subscriber of the channel except
// the excluded connection (the event's own sender, typically). Returns the
// number of successful deliveries.
//
// The subscriber set is snapshotted under the lock and iterated outside it so
// a concurrent subscribe or disconnect cannot corrupt an in-flight fan-out.
func (r *Registry) BroadcastToChannel(channel string, event json.RawMessage, exclude uuid.UUID) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.byChannel[channel]))
	for id, c := range r.byChannel[channel] {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	metrics.BroadcastsTotal.Inc()

	delivered := 0
	for _, c := range targets {
		if r.deliver(c, event) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) deliver(c *Connection, event json.RawMessage) bool {
	if c.writer.enqueue(event) {
		metrics.MessagesDelivered.WithLabelValues("ok").Inc()
		return true
	}
	metrics.MessagesDelivered.WithLabelValues("failed").Inc()
	go r.Disconnect(c.ID, "send failure")
	return false
}

// HandleHeartbeat refreshes the connection's liveness timestamp and replies
// with a pong frame. Returns false for unknown ids.
func (r *Registry) HandleHeartbeat(connectionID uuid.UUID) bool {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c.lastHeartbeat = r.clock.Now()
	r.mu.Unlock()

	if !c.writer.enqueue(mustMarshal(pongMessage{Type: TypePong})) {
		go r.Disconnect(connectionID, "send failure")
	}
	return true
}

// SendError sends an error frame to a connection. Best effort.
func (r *Registry) SendError(connectionID uuid.UUID, code, message, details, requestID string) {
	r.mu.Lock()
	c, ok := r.byID[connectionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	msg := mustMarshal(ErrorMessage{Type: TypeError, Code: code, Message: message, Details: details, RequestID: requestID})
	if !c.writer.enqueue(msg) {
		go r.Disconnect(connectionID, "send failure")
	}
}

// SweepDeadConnections disconnects every connection whose last heartbeat is
// older than the liveness threshold. Returns the number removed. Intended to
// be called on a fixed cadence by the owning process.
func (r *Registry) SweepDeadConnections() int {
	cutoff := r.clock.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var dead []uuid.UUID
	for id, c := range r.byID {
		// Alive means strictly newer than the cutoff, so a heartbeat
		// exactly HeartbeatTimeout old is already dead.
		if !c.lastHeartbeat.After(cutoff) {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.Disconnect(id, "heartbeat timeout")
	}
	if len(dead) > 0 {
		metrics.SweptConnections.Add(float64(len(dead)))
		slog.Info("Swept dead connections", "count", len(dead))
	}
	return len(dead)
}

// Subscriptions returns a copy of the connection's channel set, or nil for
// unknown ids.
func (r *Registry) Subscriptions(connectionID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	if !ok {
		return nil
	}
	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// LocalPresence returns the subscriber count for a channel on this instance.
func (r *Registry) LocalPresence(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChannel[channel])
}

// Len returns the number of live connections on this instance.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Close disconnects every connection. Used at process shutdown and in tests.
func (r *Registry) Close(reason string) {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id, reason)
	}
}
