package fanout

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/dmdorta1111/AirTable-sub004/internal/registry"
	"github.com/dmdorta1111/AirTable-sub004/internal/relay"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

// instance is one complete process: registry, relay, and publisher wired the
// same way cmd/server does it.
type instance struct {
	reg *registry.Registry
	rel *relay.Relay
	pub *Publisher
}

func newInstance(t *testing.T, instanceID string) *instance {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	rel := relay.New(rdb, "realtime:", instanceID)

	reg := registry.New(registry.Options{
		OnFirstSubscriber: func(channel string) { rel.Subscribe(ctx, channel) },
		OnLastSubscriber:  func(channel string) { rel.Unsubscribe(ctx, channel) },
	})

	pub := New(reg, rel, "realtime:")
	rel.StartListener(ctx)

	t.Cleanup(func() {
		reg.Close("test teardown")
		rel.Close()
	})

	return &instance{reg: reg, rel: rel, pub: pub}
}

func TestCrossInstanceDelivery_NoSelfEcho(t *testing.T) {
	instA := newInstance(t, "instance-a")
	instB := newInstance(t, "instance-b")

	_, clientA := subscribedClient(t, instA.reg, "user-a", "table:t1")
	_, clientB := subscribedClient(t, instB.reg, "user-b", "table:t1")
	time.Sleep(200 * time.Millisecond) // broker subscriptions settle

	delivered := instA.pub.Publish(context.Background(), "table:t1",
		json.RawMessage(`{"kind":"row_created"}`), uuid.Nil)
	assert.Equal(t, 1, delivered, "one local subscriber on the publishing instance")

	// Subscriber on the other instance receives exactly one copy via the broker.
	frame := readFrame(t, clientB)
	assert.Equal(t, "row_created", frame["kind"])
	expectNoFrame(t, clientB)

	// The publishing instance's subscriber got the local copy and must not
	// receive a second one from the broker echo.
	frame = readFrame(t, clientA)
	assert.Equal(t, "row_created", frame["kind"])
	expectNoFrame(t, clientA)
}

func TestCrossInstanceDelivery_ExclusionHonored(t *testing.T) {
	instA := newInstance(t, "instance-a")
	instB := newInstance(t, "instance-b")

	senderID, senderConn := subscribedClient(t, instA.reg, "user-a", "table:t2")
	_, otherA := subscribedClient(t, instA.reg, "user-a2", "table:t2")
	_, clientB := subscribedClient(t, instB.reg, "user-b", "table:t2")
	time.Sleep(200 * time.Millisecond)

	delivered := instA.pub.Publish(context.Background(), "table:t2",
		json.RawMessage(`{"kind":"cell_updated"}`), senderID)
	assert.Equal(t, 1, delivered, "sender excluded from its own instance")

	frame := readFrame(t, otherA)
	assert.Equal(t, "cell_updated", frame["kind"])
	frame = readFrame(t, clientB)
	assert.Equal(t, "cell_updated", frame["kind"])

	// The sender never sees its own event, on any path.
	expectNoFrame(t, senderConn)
}

func TestCrossInstanceDelivery_BrokerSubscriptionFollowsLastLeaver(t *testing.T) {
	instA := newInstance(t, "instance-a")
	instB := newInstance(t, "instance-b")

	connID, clientB := subscribedClient(t, instB.reg, "user-b", "table:t3")
	time.Sleep(200 * time.Millisecond)

	// B's only subscriber leaves; the relay drops the broker subscription.
	instB.reg.Disconnect(connID, "test")
	time.Sleep(200 * time.Millisecond)

	instA.pub.Publish(context.Background(), "table:t3", json.RawMessage(`{"kind":"x"}`), uuid.Nil)

	// Nothing arrives: the socket was closed and the channel unsubscribed.
	_, _, err := clientB.ReadMessage()
	require.Error(t, err)
}
