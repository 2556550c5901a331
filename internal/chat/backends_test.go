package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live broker or a multicast-capable interface and are
// skipped unless pointed at one.

func TestAMQPBusRoundTrip(t *testing.T) {
	url := os.Getenv("TASKBOARD_TEST_AMQP_URL")
	if url == "" {
		t.Skip("TASKBOARD_TEST_AMQP_URL not set")
	}
	conn, err := amqp.Dial(url)
	require.NoError(t, err)

	bus := NewAMQPBus(conn)
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := chanalloc.Channel{Address: "239.9.9.8", Port: 19998}
	sub, err := bus.Subscribe(ctx, ch)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ch, "over amqp"))
	assert.Equal(t, "over amqp", receive(t, sub))
}

func TestMulticastBusRoundTrip(t *testing.T) {
	if os.Getenv("TASKBOARD_TEST_MULTICAST") == "" {
		t.Skip("TASKBOARD_TEST_MULTICAST not set")
	}
	bus, err := NewMulticastBus(os.Getenv("TASKBOARD_TEST_MULTICAST_IFACE"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	ch := chanalloc.Channel{Address: "239.9.9.7", Port: 19997}
	sub, err := bus.Subscribe(ctx, ch)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ch, "over udp"))
	assert.Equal(t, "over udp", receive(t, sub))
}
