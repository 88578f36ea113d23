package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// NewRedisClient creates a Redis client with OpenTelemetry tracing and
// metrics instrumentation.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument Redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument Redis metrics: %w", err)
	}
	return client, nil
}

// RedisBus publishes each room on its own channel, prefix+room_id, and
// subscribes to all of them with one pattern subscription.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slogging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus wraps client. The bus owns the client and closes it on Close.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: slogging.Get(),
		done:   make(chan struct{}),
	}
}

// Name implements Bus
func (b *RedisBus) Name() string { return config.BusDriverRedis }

func (b *RedisBus) pattern() string { return b.prefix + "*" }

// Publish implements Bus
func (b *RedisBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	if err := b.client.Publish(ctx, b.prefix+roomID, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe implements Bus
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	select {
	case <-b.done:
		return nil, ErrBusClosed
	default:
	}

	ps := b.client.PSubscribe(ctx, b.pattern())
	// wait for the subscription confirmation so failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: redis psubscribe %s: %v", ErrBusUnavailable, b.pattern(), err)
	}
	b.logger.Info("Subscribed to Redis pattern %s", b.pattern())

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				b.logger.Debug("Error closing Redis subscription: %v", err)
			}
		}()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg := Message{
					Channel: strings.TrimPrefix(m.Channel, b.prefix),
					Payload: []byte(m.Payload),
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping implements Bus
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Bus
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.client.Close()
	})
	return err
}
