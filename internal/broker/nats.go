package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL        string
	ClientName string
	Username   string
	Password   string
	Token      string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects caps retry attempts; -1 retries forever.
	MaxReconnects int
	// PublishTimeout bounds the flush that confirms the server received a publish.
	PublishTimeout time.Duration
}

// DefaultNATSConfig mirrors the broker defaults of the config package.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ClientName:     "foreman",
		ConnectTimeout: 3 * time.Second,
		ReconnectWait:  10 * time.Second,
		MaxReconnects:  -1,
		PublishTimeout: 5 * time.Second,
	}
}

// NATSTransport carries broker traffic over a NATS connection.
type NATSTransport struct {
	cfg NATSConfig

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSTransport returns a transport that dials on Connect.
func NewNATSTransport(cfg NATSConfig) *NATSTransport {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	return &NATSTransport{cfg: cfg}
}

func buildNATSOptions(cfg NATSConfig, events TransportEvents) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if events.Disconnected != nil {
		opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			events.Disconnected(err)
		}))
	}
	if events.Reconnected != nil {
		opts = append(opts, nats.ReconnectHandler(func(_ *nats.Conn) {
			events.Reconnected()
		}))
	}
	if events.Closed != nil {
		opts = append(opts, nats.ClosedHandler(func(_ *nats.Conn) {
			events.Closed()
		}))
	}
	return opts
}

// Connect dials the configured server.
func (t *NATSTransport) Connect(ctx context.Context, events TransportEvents) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := nats.Connect(t.cfg.URL, buildNATSOptions(t.cfg, events)...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (t *NATSTransport) current() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Publish sends data and waits for the server to acknowledge the flush.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}

	timeout := t.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("nats publish %s: %w", subject, context.DeadlineExceeded)
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a core NATS subscription on subject.
func (t *NATSTransport) Subscribe(subject string, deliver DeliverFunc) (func() error, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		deliver(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
		return nil
	}, nil
}

// Close drops the connection. Safe to call when never connected.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
