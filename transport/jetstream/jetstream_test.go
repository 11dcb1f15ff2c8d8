package jetstream

import (
	"errors"
	"testing"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenderchamp/bullfinch/transport"
)

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = saved })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfigFromEndpoint(t *testing.T) {
	cfg := ConfigFromEndpoint(transport.Endpoint{
		Host: "nats",
		Options: map[string]string{
			"stream":      "JOBS",
			"max_deliver": "5",
			"ack_wait":    "90",
			"replicas":    "3",
		},
	})

	assert.Equal(t, "nats://nats:4222", cfg.URL)
	assert.Equal(t, "JOBS", cfg.StreamName)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, 90*time.Second, cfg.AckWait)
	assert.Equal(t, 3, cfg.Replicas)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultFetchWait, result.FetchWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("garbage options fall back to defaults", func(t *testing.T) {
		cfg := ConfigFromEndpoint(transport.Endpoint{Host: "nats", Options: map[string]string{"max_deliver": "many", "ack_wait": "-4"}})
		result := cfg.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
	})
}

func TestNewReportsConnectFailure(t *testing.T) {
	saved := Connect
	t.Cleanup(func() { Connect = saved })
	Connect = func(url string, options ...nc.Option) (*nc.Conn, error) {
		return nil, errors.New("no servers available")
	}

	_, err := New(Config{URL: "nats://nowhere:4222"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestToWatermillUsesMessageID(t *testing.T) {
	msg := &nc.Msg{Data: []byte(`{"a":1}`), Header: nc.Header{}}
	msg.Header.Set(nc.MsgIdHdr, "01HZX")
	msg.Header.Set("tracer", "t-1")

	wm := toWatermill(msg)
	assert.Equal(t, "01HZX", wm.UUID)
	assert.Equal(t, "t-1", wm.Metadata.Get("tracer"))
	assert.Empty(t, wm.Metadata.Get(nc.MsgIdHdr))

	anon := toWatermill(&nc.Msg{Data: []byte("x")})
	assert.Len(t, anon.UUID, 26)
}
