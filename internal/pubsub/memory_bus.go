package pubsub

import (
	"context"
	"sync"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// MemoryBus is an in-process bus. Several bridges may share one MemoryBus to
// run multiple instances inside a single process.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[chan Message]struct{}
	offline bool
	closed  bool
	logger  *slogging.Logger
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[chan Message]struct{}),
		logger: slogging.Get(),
	}
}

// Name implements Bus
func (m *MemoryBus) Name() string { return config.BusDriverMemory }

// Publish implements Bus. Subscribers that are not keeping up lose the
// message.
func (m *MemoryBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrBusClosed
	case m.offline:
		return ErrBusUnavailable
	}
	msg := Message{Channel: roomID, Payload: append([]byte(nil), payload...)}
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
			m.logger.Warn("Memory bus subscriber full, dropping message for room %s", roomID)
		}
	}
	return nil
}

// Subscribe implements Bus
func (m *MemoryBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return nil, ErrBusClosed
	case m.offline:
		return nil, ErrBusUnavailable
	}
	ch := make(chan Message, subscriberBuffer)
	m.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.unsubscribe(ch)
	}()
	return ch, nil
}

func (m *MemoryBus) unsubscribe(ch chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// SetOffline simulates losing the backend. Going offline ends every
// subscription and fails publishes until the bus is back online.
func (m *MemoryBus) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
	if offline {
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of live subscriptions
func (m *MemoryBus) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Ping implements Bus
func (m *MemoryBus) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrBusClosed
	case m.offline:
		return ErrBusUnavailable
	}
	return nil
}

// Close implements Bus
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	return nil
}
