package broker

import "context"

// DeliverFunc receives one inbound message from a transport subscription.
type DeliverFunc func(subject string, data []byte)

// TransportEvents are the connection notifications a transport raises after a
// successful Connect. Each callback may be invoked from any goroutine.
type TransportEvents struct {
	// Disconnected fires when the link drops and the transport starts
	// retrying on its own.
	Disconnected func(err error)
	// Reconnected fires when a retry succeeds.
	Reconnected func()
	// Closed fires when the transport gives up or is closed.
	Closed func()
}

// Transport is the network side of the messaging client.
type Transport interface {
	Connect(ctx context.Context, events TransportEvents) error
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe opens one network subscription. The returned func tears it down.
	Subscribe(subject string, deliver DeliverFunc) (func() error, error)
	Close() error
}
