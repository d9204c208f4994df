package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNATSTransportDefaults(t *testing.T) {
	tr := NewNATSTransport(NATSConfig{})
	def := DefaultNATSConfig()
	assert.Equal(t, def.URL, tr.cfg.URL)
	assert.Equal(t, 3*time.Second, tr.cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, tr.cfg.ReconnectWait)
	assert.Equal(t, def.PublishTimeout, tr.cfg.PublishTimeout)
}

func TestBuildNATSOptions(t *testing.T) {
	cfg := DefaultNATSConfig()
	base := len(buildNATSOptions(cfg, TransportEvents{}))

	cfg.Token = "secret"
	cfg.Username = "foreman"
	cfg.Password = "pw"
	opts := buildNATSOptions(cfg, TransportEvents{
		Disconnected: func(error) {},
		Reconnected:  func() {},
		Closed:       func() {},
	})
	assert.Equal(t, base+5, len(opts))
}

func TestNATSTransportNotConnected(t *testing.T) {
	tr := NewNATSTransport(NATSConfig{})
	assert.ErrorIs(t, tr.Publish(context.Background(), "robotA/task", nil), ErrNotConnected)
	_, err := tr.Subscribe("robotA/status", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestNATSClientRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	sub := NewClient(NewNATSTransport(cfg), 0)
	pub := NewClient(NewNATSTransport(cfg), 0)
	t.Cleanup(func() {
		_ = sub.Close()
		_ = pub.Close()
	})
	require.NoError(t, sub.Connect(context.Background()))
	require.NoError(t, pub.Connect(context.Background()))

	rec := &recorder{}
	require.NoError(t, sub.Subscribe("foreman-test/status", rec.handler))
	require.NoError(t, pub.Publish(context.Background(), "foreman-test/status", []byte("hello")))

	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.got())
}
