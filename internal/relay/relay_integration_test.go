package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records dispatched payloads thread-safely.
type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) handler(channel string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func waitForCount(c *collector, want int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.len() >= want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.len() >= want
}

func TestPublishAndListen(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")
	t.Cleanup(r.Close)

	var got collector
	r.OnMessage("realtime:*", got.handler)

	require.True(t, r.Subscribe(ctx, "table:t1"))
	r.StartListener(ctx)
	time.Sleep(100 * time.Millisecond)

	env := Envelope{InstanceID: "instance-a", Channel: "table:t1", Event: json.RawMessage(`{"n":1}`)}
	require.True(t, r.Publish(ctx, "table:t1", env))

	require.True(t, waitForCount(&got, 1, 2*time.Second), "published message should come back via the listener")

	decoded, err := DecodeEnvelope([]byte(got.all()[0]))
	require.NoError(t, err)
	assert.Equal(t, "instance-a", decoded.InstanceID)
	assert.Equal(t, "table:t1", decoded.Channel)
}

func TestSubscribeAfterListenerStarted(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")
	t.Cleanup(r.Close)

	var got collector
	r.OnMessage("realtime:*", got.handler)

	r.StartListener(ctx)
	require.True(t, r.Subscribe(ctx, "table:late"))
	time.Sleep(100 * time.Millisecond)

	require.True(t, r.Publish(ctx, "table:late", Envelope{InstanceID: "x", Channel: "table:late"}))
	assert.True(t, waitForCount(&got, 1, 2*time.Second))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")
	t.Cleanup(r.Close)

	var got collector
	r.OnMessage("realtime:*", got.handler)

	require.True(t, r.Subscribe(ctx, "table:t1"))
	r.StartListener(ctx)
	time.Sleep(100 * time.Millisecond)

	require.True(t, r.Unsubscribe(ctx, "table:t1"))
	time.Sleep(100 * time.Millisecond)

	require.True(t, r.Publish(ctx, "table:t1", Envelope{InstanceID: "x", Channel: "table:t1"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, got.len())
}

func TestStartListener_Idempotent(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")
	t.Cleanup(r.Close)

	var got collector
	r.OnMessage("realtime:*", got.handler)

	require.True(t, r.Subscribe(ctx, "table:t1"))
	r.StartListener(ctx)
	r.StartListener(ctx) // no-op
	time.Sleep(100 * time.Millisecond)

	require.True(t, r.Publish(ctx, "table:t1", Envelope{InstanceID: "x", Channel: "table:t1"}))
	require.True(t, waitForCount(&got, 1, 2*time.Second))

	// A second listener would have dispatched a duplicate.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func TestStopListener_NoHandlerAfterReturn(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")

	var got collector
	r.OnMessage("realtime:*", got.handler)

	require.True(t, r.Subscribe(ctx, "table:t1"))
	r.StartListener(ctx)
	time.Sleep(100 * time.Millisecond)

	r.StopListener()

	require.True(t, r.Publish(ctx, "table:t1", Envelope{InstanceID: "x", Channel: "table:t1"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, got.len())

	// Stopping again is a no-op.
	r.StopListener()
}

func TestListener_MalformedMessageDoesNotStopDispatch(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	r := New(rdb, "realtime:", "instance-a")
	t.Cleanup(r.Close)

	var envelopes collector
	r.OnMessage("realtime:*", func(channel string, payload []byte) {
		if _, err := DecodeEnvelope(payload); err != nil {
			return // drop, as the fan-out handler does
		}
		envelopes.handler(channel, payload)
	})

	require.True(t, r.Subscribe(ctx, "table:t1"))
	r.StartListener(ctx)
	time.Sleep(100 * time.Millisecond)

	// Raw garbage straight to the broker, bypassing Envelope marshalling.
	require.NoError(t, rdb.Publish(ctx, "realtime:table:t1", "{this is not json").Err())
	require.True(t, r.Publish(ctx, "table:t1", Envelope{InstanceID: "x", Channel: "table:t1"}))

	require.True(t, waitForCount(&envelopes, 1, 2*time.Second),
		"valid message after a malformed one must still be dispatched")
}
