package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenderchamp/bullfinch/transport"
)

func newTransport(t *testing.T, addr string) transport.Transport {
	t.Helper()
	tr, err := Build(context.Background(), transport.Endpoint{System: TransportName, Host: addr}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		require.NotNil(t, msg)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = saved })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsAck)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestMessagesPublishedBeforeSubscribeAreKept(t *testing.T) {
	t.Cleanup(Reset)
	producer := newTransport(t, "early")
	consumer := newTransport(t, "early")

	require.NoError(t, producer.Publisher.Publish("jobs", message.NewMessage("1", []byte(`{"n":1}`))))

	ch, err := consumer.Subscriber.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	msg := receive(t, ch)
	assert.Equal(t, `{"n":1}`, string(msg.Payload))
	msg.Ack()
}

func TestConsumersCompete(t *testing.T) {
	t.Cleanup(Reset)
	producer := newTransport(t, "compete")
	first := newTransport(t, "compete")
	second := newTransport(t, "compete")

	ctx := context.Background()
	ch1, err := first.Subscriber.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	ch2, err := second.Subscriber.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, producer.Publisher.Publish("jobs",
		message.NewMessage("a", []byte("a")),
		message.NewMessage("b", []byte("b")),
	))

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch1:
			seen[msg.UUID]++
			msg.Ack()
		case msg := <-ch2:
			seen[msg.UUID]++
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)

	select {
	case msg := <-ch1:
		t.Fatalf("unexpected duplicate delivery %s", msg.UUID)
	case msg := <-ch2:
		t.Fatalf("unexpected duplicate delivery %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNackedMessageIsRedelivered(t *testing.T) {
	t.Cleanup(Reset)
	tr := newTransport(t, "nack")

	ch, err := tr.Subscriber.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("jobs", message.NewMessage("x", []byte("payload"))))

	msg := receive(t, ch)
	msg.Nack()

	again := receive(t, ch)
	assert.Equal(t, "x", again.UUID)
	assert.Equal(t, "payload", string(again.Payload))
	again.Ack()
}

func TestBusesAreIsolatedByAddress(t *testing.T) {
	t.Cleanup(Reset)
	a := newTransport(t, "bus-a")
	b := newTransport(t, "bus-b")

	ch, err := b.Subscriber.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, a.Publisher.Publish("jobs", message.NewMessage("1", []byte("x"))))

	select {
	case msg := <-ch:
		t.Fatalf("message leaked across buses: %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberCloseEndsChannel(t *testing.T) {
	t.Cleanup(Reset)
	tr := newTransport(t, "close")

	ch, err := tr.Subscriber.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, tr.Subscriber.Close())

	_, open := <-ch
	assert.False(t, open)

	_, err = tr.Subscriber.Subscribe(context.Background(), "jobs")
	assert.Error(t, err)
}

func TestResetClosesBus(t *testing.T) {
	tr := newTransport(t, "reset")
	Reset()

	err := tr.Publisher.Publish("jobs", message.NewMessage("1", []byte("x")))
	assert.ErrorIs(t, err, errBusClosed)
}
