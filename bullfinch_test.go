package bullfinch

import (
	"context"
	"io"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenderchamp/bullfinch/transport/channel"
)

type shout struct{}

func (shout) Configure(map[string]any) error { return nil }

func (shout) Handle(_ context.Context, _ Collector, req Request) (iter.Seq2[string, error], error) {
	word, _ := req.String("word")
	return Items(word + "!"), nil
}

func TestBuiltinRegistryAcceptsCustomClasses(t *testing.T) {
	r := BuiltinRegistry()
	r.Register("shout", func() Handler { return shout{} })
	assert.Equal(t, []string{"echo", "shout", "sql"}, r.Names())
}

func TestSentinel(t *testing.T) {
	assert.Equal(t, `{"EOF":"EOF"}`, Sentinel)
}

func TestRunValidatesArguments(t *testing.T) {
	err := Run(context.Background(), "gopher://nowhere", BossOptions{Logger: NewLogger(0, "text", io.Discard)})
	assert.ErrorIs(t, err, ErrConfiguration)

	err = Run(context.Background(), filepath.Join(t.TempDir(), "bullfinch.json"), BossOptions{})
	assert.ErrorIs(t, err, ErrLoggerRequired)
}

func TestRunUntilCancelled(t *testing.T) {
	t.Cleanup(channel.Reset)
	path := filepath.Join(t.TempDir(), "bullfinch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers": [{
		"name": "shouters", "worker_class": "shout",
		"options": {"subscribe_to": "words", "timeout": 20, "broker": "channel", "broker_host": "lib-test"}}]}`), 0o644))

	r := BuiltinRegistry()
	r.Register("shout", func() Handler { return shout{} })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := Run(ctx, path, BossOptions{Logger: NewLogger(0, "text", io.Discard), Registry: r})
	assert.NoError(t, err)
}
