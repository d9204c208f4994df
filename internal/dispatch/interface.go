package dispatch

import "context"

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/foreman/internal/dispatch Publisher,Notifier

// Publisher is the slice of the broker client the service dispatches through.
type Publisher interface {
	Connected() bool
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier receives order outcomes. It reports success as a bool and never
// returns an error.
type Notifier interface {
	UpdateOrderStatus(ctx context.Context, orderID, status, taskID string) bool
}
