package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/mattjoyce/foreman/internal/log"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe outside the Connected state.
	ErrNotConnected = errors.New("broker client is not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("broker client is closed")
)

// State is the client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// DefaultBufferSize is the inbox depth used when none is configured.
const DefaultBufferSize = 256

// Handler consumes one message delivered on a subscribed channel.
type Handler func(channel string, data []byte)

type subscription struct {
	handlers    []Handler
	unsubscribe func() error
}

type inbound struct {
	channel string
	data    []byte
}

// Client wraps a Transport with a connection state machine, one network
// subscription per channel and a single delivery goroutine. Handlers run
// one at a time in arrival order.
type Client struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	subs    map[string]*subscription
	pending []func()
	closed  bool

	inbox chan inbound
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewClient creates a disconnected client and starts its delivery loop.
// Call Close to stop it.
func NewClient(transport Transport, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	c := &Client{
		transport: transport,
		logger:    log.WithComponent("broker"),
		state:     StateDisconnected,
		subs:      make(map[string]*subscription),
		inbox:     make(chan inbound, bufferSize),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.deliveryLoop()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client is in the Connected state.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect dials the transport. It is a no-op while connecting, connected or
// reconnecting, and is the manual recovery path out of the Error state.
// Channels that were subscribed when the link was lost are re-subscribed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("connecting to broker")
	err := c.transport.Connect(ctx, c.eventsFor(gen))

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect or Close won the race.
		c.mu.Unlock()
		if err == nil {
			_ = c.transport.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		c.state = StateError
		c.mu.Unlock()
		c.logger.Error("broker connection failed", "error", err)
		return fmt.Errorf("connect broker: %w", err)
	}
	c.state = StateConnected
	c.resubscribeLocked()
	callbacks := c.takePendingLocked()
	c.mu.Unlock()

	c.logger.Info("connected to broker")
	c.runCallbacks(callbacks)
	return nil
}

// Disconnect tears down every subscription and closes the transport.
// Calling it when already disconnected does nothing.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	c.gen++
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for channel, s := range subs {
		if s.unsubscribe == nil {
			continue
		}
		if err := s.unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe during disconnect failed", "channel", channel, "error", err)
		}
	}
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close broker transport: %w", err)
	}
	c.logger.Info("disconnected from broker")
	return nil
}

// Close disconnects and stops the delivery loop. The client cannot be reused.
func (c *Client) Close() error {
	err := c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// Publish sends payload on channel. It fails with ErrNotConnected unless the
// client is Connected.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.transport.Publish(ctx, channel, payload); err != nil {
		return err
	}
	c.logger.Debug("published message", "channel", channel, "bytes", len(payload))
	return nil
}

// Subscribe registers handler for channel. A channel already subscribed gets
// the handler added to its existing network subscription.
func (c *Client) Subscribe(channel string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if s, ok := c.subs[channel]; ok {
		s.handlers = append(s.handlers, handler)
		c.logger.Debug("added handler to existing subscription", "channel", channel, "handlers", len(s.handlers))
		return nil
	}

	unsub, err := c.transport.Subscribe(channel, c.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.subs[channel] = &subscription{handlers: []Handler{handler}, unsubscribe: unsub}
	c.logger.Info("subscribed", "channel", channel)
	return nil
}

// Unsubscribe removes every handler for channel and its network subscription.
// Unknown channels are ignored.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	s, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if s.unsubscribe != nil {
		if err := s.unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", channel, err)
		}
	}
	c.logger.Info("unsubscribed", "channel", channel)
	return nil
}

// Subscriptions lists subscribed channels in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// OnConnected runs fn now if connected. Otherwise fn is queued and the queue
// is drained once, in order, on the next connect or reconnect.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		c.runCallbacks([]func(){fn})
		return
	}
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
}

func (c *Client) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		Disconnected: func(err error) {
			c.mu.Lock()
			if gen != c.gen || c.state != StateConnected {
				c.mu.Unlock()
				return
			}
			c.state = StateReconnecting
			c.mu.Unlock()
			c.logger.Warn("broker link lost, reconnecting", "error", err)
		},
		Reconnected: func() {
			c.mu.Lock()
			if gen != c.gen || c.state == StateDisconnected {
				c.mu.Unlock()
				return
			}
			c.state = StateConnected
			callbacks := c.takePendingLocked()
			c.mu.Unlock()
			c.logger.Info("reconnected to broker")
			c.runCallbacks(callbacks)
		},
		Closed: func() {
			c.mu.Lock()
			if gen != c.gen || c.state == StateDisconnected {
				c.mu.Unlock()
				return
			}
			c.state = StateError
			for _, s := range c.subs {
				s.unsubscribe = nil
			}
			c.mu.Unlock()
			c.logger.Error("broker connection closed; manual reconnect required")
		},
	}
}

// resubscribeLocked restores network subscriptions dropped by a closed link.
func (c *Client) resubscribeLocked() {
	for channel, s := range c.subs {
		if s.unsubscribe != nil {
			continue
		}
		unsub, err := c.transport.Subscribe(channel, c.enqueue)
		if err != nil {
			c.logger.Error("resubscribe failed", "channel", channel, "error", err)
			delete(c.subs, channel)
			continue
		}
		s.unsubscribe = unsub
	}
}

func (c *Client) takePendingLocked() []func() {
	callbacks := c.pending
	c.pending = nil
	return callbacks
}

func (c *Client) runCallbacks(callbacks []func()) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("connection callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

func (c *Client) enqueue(channel string, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.inbox <- inbound{channel: channel, data: data}:
	default:
		c.logger.Warn("inbox full, dropping message", "channel", channel)
	}
}

func (c *Client) deliveryLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbox:
			c.deliver(msg)
		}
	}
}

func (c *Client) deliver(msg inbound) {
	c.mu.Lock()
	s, ok := c.subs[msg.channel]
	var handlers []Handler
	if ok {
		handlers = slices.Clone(s.handlers)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("message handler panicked", "channel", msg.channel, "panic", r)
				}
			}()
			h(msg.channel, msg.data)
		}()
	}
}
