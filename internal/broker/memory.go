package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errBrokerUnavailable = errors.New("memory broker unavailable")

// Message is one publish observed by a MemoryBroker.
type Message struct {
	Subject string
	Data    []byte
}

type memorySub struct {
	owner   *MemoryTransport
	deliver DeliverFunc
}

// MemoryBroker is an in-process pub/sub server. Every MemoryTransport
// attached to the same broker sees the others' publishes, which lets the
// dispatcher and simulated robots share one process without a NATS server.
type MemoryBroker struct {
	mu          sync.Mutex
	subs        map[string]map[int]memorySub
	nextID      int
	transports  map[*MemoryTransport]struct{}
	interrupted bool
	log         []Message
}

// NewMemoryBroker returns an empty, reachable broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:       make(map[string]map[int]memorySub),
		transports: make(map[*MemoryTransport]struct{}),
	}
}

// Transport returns a new client-side transport attached to b.
func (b *MemoryBroker) Transport() *MemoryTransport {
	return &MemoryTransport{broker: b}
}

// SubscriptionCount reports how many network subscriptions exist on subject.
func (b *MemoryBroker) SubscriptionCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

// Published returns the payloads published to subject, oldest first.
func (b *MemoryBroker) Published(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.log {
		if m.Subject == subject {
			out = append(out, append([]byte(nil), m.Data...))
		}
	}
	return out
}

// Messages returns every publish seen so far.
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.log))
	copy(out, b.log)
	return out
}

// Interrupt simulates a network blip: attached transports report a
// disconnect and publishes fail until Resume. Subscriptions survive.
func (b *MemoryBroker) Interrupt() {
	b.mu.Lock()
	b.interrupted = true
	attached := b.attached()
	b.mu.Unlock()

	for _, t := range attached {
		if ev := t.eventsSnapshot(); ev.Disconnected != nil {
			ev.Disconnected(errBrokerUnavailable)
		}
	}
}

// Resume ends an Interrupt and reports the reconnect to attached transports.
func (b *MemoryBroker) Resume() {
	b.mu.Lock()
	b.interrupted = false
	attached := b.attached()
	b.mu.Unlock()

	for _, t := range attached {
		if ev := t.eventsSnapshot(); ev.Reconnected != nil {
			ev.Reconnected()
		}
	}
}

// Sever closes every attached transport as if retries were exhausted.
func (b *MemoryBroker) Sever() {
	b.mu.Lock()
	attached := b.attached()
	b.mu.Unlock()

	for _, t := range attached {
		ev := t.eventsSnapshot()
		b.detach(t)
		if ev.Closed != nil {
			ev.Closed()
		}
	}
}

func (b *MemoryBroker) attached() []*MemoryTransport {
	out := make([]*MemoryTransport, 0, len(b.transports))
	for t := range b.transports {
		out = append(out, t)
	}
	return out
}

func (b *MemoryBroker) detach(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, t)
	for subject, subs := range b.subs {
		for id, s := range subs {
			if s.owner == t {
				delete(subs, id)
			}
		}
		if len(subs) == 0 {
			delete(b.subs, subject)
		}
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// MemoryTransport is one client's connection to a MemoryBroker.
type MemoryTransport struct {
	broker *MemoryBroker

	mu        sync.Mutex
	connected bool
	events    TransportEvents
}

func (t *MemoryTransport) eventsSnapshot() TransportEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *MemoryTransport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect attaches the transport to its broker.
func (t *MemoryTransport) Connect(ctx context.Context, events TransportEvents) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interrupted {
		return errBrokerUnavailable
	}
	b.transports[t] = struct{}{}

	t.mu.Lock()
	t.connected = true
	t.events = events
	t.mu.Unlock()
	return nil
}

// Publish fans data out to every subscriber of subject, synchronously.
func (t *MemoryTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.isConnected() {
		return ErrNotConnected
	}

	b := t.broker
	b.mu.Lock()
	if b.interrupted {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: %w", subject, errBrokerUnavailable)
	}
	b.log = append(b.log, Message{Subject: subject, Data: append([]byte(nil), data...)})
	targets := make([]DeliverFunc, 0, len(b.subs[subject]))
	for _, s := range b.subs[subject] {
		targets = append(targets, s.deliver)
	}
	b.mu.Unlock()

	for _, deliver := range targets {
		deliver(subject, append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers deliver for subject on the broker.
func (t *MemoryTransport) Subscribe(subject string, deliver DeliverFunc) (func() error, error) {
	if !t.isConnected() {
		return nil, ErrNotConnected
	}
	b := t.broker
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]memorySub)
	}
	b.subs[subject][id] = memorySub{owner: t, deliver: deliver}
	b.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[subject]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, subject)
				}
			}
		})
		return nil
	}, nil
}

// Close detaches from the broker and drops this transport's subscriptions.
func (t *MemoryTransport) Close() error {
	ev := t.eventsSnapshot()
	wasConnected := t.isConnected()
	t.broker.detach(t)
	if wasConnected && ev.Closed != nil {
		ev.Closed()
	}
	return nil
}
