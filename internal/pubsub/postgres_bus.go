package pubsub

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// maxNotifyPayload is the PostgreSQL NOTIFY payload limit
const maxNotifyPayload = 7999

const listenerPingInterval = 90 * time.Second

// PostgresChannelName converts a bus channel prefix into a valid LISTEN
// channel identifier.
func PostgresChannelName(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "collab_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// PostgresBus carries envelopes over one LISTEN/NOTIFY channel. Room ids
// travel inside the envelope, so every instance receives every room.
type PostgresBus struct {
	connStr string
	channel string
	db      *sql.DB
	logger  *slogging.Logger

	mu         sync.Mutex
	listeners  map[*pq.Listener]struct{}
	closed     bool
	reconnects int
	done       chan struct{}
}

// NewPostgresBus opens a connection pool for NOTIFY and uses connStr for
// LISTEN connections.
func NewPostgresBus(connStr, channel string) (*PostgresBus, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	return newPostgresBus(db, connStr, channel), nil
}

func newPostgresBus(db *sql.DB, connStr, channel string) *PostgresBus {
	return &PostgresBus{
		connStr:   connStr,
		channel:   channel,
		db:        db,
		logger:    slogging.Get(),
		listeners: make(map[*pq.Listener]struct{}),
		done:      make(chan struct{}),
	}
}

// Name implements Bus
func (p *PostgresBus) Name() string { return config.BusDriverPostgres }

// Publish implements Bus
func (p *PostgresBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	if p.isClosed() {
		return ErrBusClosed
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes for room %s", ErrPayloadTooLarge, len(payload), roomID)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload)); err != nil {
		return fmt.Errorf("%w: pg_notify: %v", ErrBusUnavailable, err)
	}
	return nil
}

func (p *PostgresBus) eventCallback(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		p.logger.Info("PostgreSQL listener connected")
	case pq.ListenerEventDisconnected:
		p.logger.Warn("PostgreSQL listener disconnected: %v", err)
	case pq.ListenerEventReconnected:
		p.mu.Lock()
		p.reconnects++
		n := p.reconnects
		p.mu.Unlock()
		// pq.Listener re-issues LISTEN itself; notifications sent while down are lost
		p.logger.Info("PostgreSQL listener reconnected (attempt %d)", n)
	case pq.ListenerEventConnectionAttemptFailed:
		p.logger.Error("PostgreSQL listener connection attempt failed: %v", err)
	}
}

// Subscribe implements Bus
func (p *PostgresBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrBusClosed
	}
	listener := pq.NewListener(p.connStr, 10*time.Second, time.Minute, p.eventCallback)
	p.listeners[listener] = struct{}{}
	p.mu.Unlock()

	if err := listener.Listen(p.channel); err != nil {
		p.dropListener(listener)
		return nil, fmt.Errorf("%w: listen on %s: %v", ErrBusUnavailable, p.channel, err)
	}
	p.logger.Info("Started listening on PostgreSQL channel: %s", p.channel)

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer p.dropListener(listener)

		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// connection re-established
					continue
				}
				select {
				case out <- Message{Channel: n.Channel, Payload: []byte(n.Extra)}:
				case <-ctx.Done():
					return
				case <-p.done:
					return
				}
			case <-ticker.C:
				go func() {
					if err := listener.Ping(); err != nil {
						p.logger.Error("PostgreSQL listener ping failed: %v", err)
					}
				}()
			}
		}
	}()
	return out, nil
}

func (p *PostgresBus) dropListener(l *pq.Listener) {
	p.mu.Lock()
	_, ok := p.listeners[l]
	delete(p.listeners, l)
	p.mu.Unlock()
	if ok {
		if err := l.Close(); err != nil {
			p.logger.Debug("Error closing PostgreSQL listener: %v", err)
		}
	}
}

// Ping implements Bus
func (p *PostgresBus) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBus) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close implements Bus
func (p *PostgresBus) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	listeners := make([]*pq.Listener, 0, len(p.listeners))
	for l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		p.dropListener(l)
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}
	p.logger.Info("PostgreSQL bus closed")
	return nil
}
