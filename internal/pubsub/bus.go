package pubsub

import (
	"context"
	"errors"
)

// subscriberBuffer is the capacity of every subscription channel
const subscriberBuffer = 1024

var (
	// ErrBusClosed is returned after Close
	ErrBusClosed = errors.New("bus is closed")
	// ErrBusUnavailable is returned when the backend cannot be reached
	ErrBusUnavailable = errors.New("bus is unavailable")
	// ErrPayloadTooLarge is returned when a backend cannot carry the payload
	ErrPayloadTooLarge = errors.New("payload exceeds bus message limit")
)

// Message is one payload received from the bus
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the shared publish/subscribe transport between instances. A
// subscription receives messages for every room; the returned channel is
// closed when ctx is cancelled, the bus is closed or the subscription is
// lost.
type Bus interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Ping(ctx context.Context) error
	Close() error
	Name() string
}
