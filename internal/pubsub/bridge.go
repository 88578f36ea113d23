package pubsub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/telemetry"
)

// Bus health reported by Bridge.Status
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDisabled = "disabled"
)

const (
	defaultOutboxSize     = 4096
	defaultPublishTimeout = 2 * time.Second
)

var (
	errSubscriptionLost = errors.New("bus subscription closed")
	errOutboxFull       = errors.New("bus outbox full")
)

// Receiver accepts envelopes published by other instances
type Receiver interface {
	DeliverRemote(ctx context.Context, env Envelope) error
}

// BridgeOptions configures a Bridge
type BridgeOptions struct {
	InstanceID     string
	OutboxSize     int
	PublishTimeout time.Duration
	// RetryInitial and RetryMax bound the resubscribe backoff
	RetryInitial time.Duration
	RetryMax     time.Duration
	Metrics      *telemetry.RoomMetrics
	Logger       *slogging.Logger
}

// Bridge connects the local room registry to the shared bus. Publishing is
// a non-blocking hand-off to an outbox drained by a background loop, so a
// slow or missing bus never stalls local fan-out.
type Bridge struct {
	bus    Bus
	opts   BridgeOptions
	logger *slogging.Logger
	outbox chan Envelope

	publishOK   atomic.Bool
	subscribeOK atomic.Bool
	dropped     atomic.Int64
}

// NewBridge creates a bridge over bus
func NewBridge(bus Bus, opts BridgeOptions) *Bridge {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = backoff.DefaultInitialInterval
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogging.Get()
	}
	b := &Bridge{
		bus:    bus,
		opts:   opts,
		logger: logger,
		outbox: make(chan Envelope, opts.OutboxSize),
	}
	b.publishOK.Store(true)
	return b
}

// Publish queues env for the bus. When the outbox is full the envelope is
// dropped and counted.
func (b *Bridge) Publish(env Envelope) {
	select {
	case b.outbox <- env:
	default:
		b.dropped.Add(1)
		b.opts.Metrics.BusPublishFailed(context.Background(), "outbox_full")
		b.setPublishOK(false, errOutboxFull)
	}
}

// Dropped returns the number of envelopes dropped because the outbox was full
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Status reports bus health. A nil bridge is disabled.
func (b *Bridge) Status() string {
	if b == nil {
		return StatusDisabled
	}
	if b.publishOK.Load() && b.subscribeOK.Load() {
		return StatusOK
	}
	return StatusDegraded
}

// BusName returns the driver name of the underlying bus
func (b *Bridge) BusName() string {
	if b == nil {
		return "none"
	}
	return b.bus.Name()
}

// Run publishes queued envelopes and relays subscribed ones to recv until
// ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, recv Receiver) error {
	b.logger.Info("Bus bridge started - bus: %s, instance: %s", b.bus.Name(), b.opts.InstanceID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLoop(gctx) })
	g.Go(func() error { return b.subscribeLoop(gctx, recv) })
	err := g.Wait()
	b.logger.Info("Bus bridge stopped - bus: %s", b.bus.Name())
	return err
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.outbox:
			b.publishOne(ctx, env)
		}
	}
}

func (b *Bridge) publishOne(ctx context.Context, env Envelope) {
	data, err := env.Encode()
	if err != nil {
		b.logger.Error("Dropping envelope for room %s: %v", env.RoomID, err)
		b.opts.Metrics.BusPublishFailed(ctx, "encode")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	err = b.bus.Publish(pctx, env.RoomID, data)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		reason := "unavailable"
		if errors.Is(err, ErrPayloadTooLarge) {
			reason = "too_large"
			b.logger.Warn("Envelope too large for %s bus - room: %s, type: %s, bytes: %d",
				b.bus.Name(), env.RoomID, env.Type, len(data))
		}
		b.opts.Metrics.BusPublishFailed(ctx, reason)
		b.setPublishOK(false, err)
		return
	}
	b.setPublishOK(true, nil)
}

// setPublishOK logs only on health transitions
func (b *Bridge) setPublishOK(ok bool, err error) {
	if b.publishOK.Swap(ok) == ok {
		return
	}
	if ok {
		b.logger.Info("Bus publish recovered - bus: %s", b.bus.Name())
		return
	}
	b.logger.Warn("Bus publish failing, continuing with local-only collaboration - bus: %s, error: %v", b.bus.Name(), err)
}

func (b *Bridge) setSubscribeOK(ok bool, err error) {
	if b.subscribeOK.Swap(ok) == ok {
		return
	}
	if ok {
		b.logger.Info("Bus subscription established - bus: %s", b.bus.Name())
		return
	}
	b.logger.Warn("Bus subscription lost - bus: %s, error: %v", b.bus.Name(), err)
}

func (b *Bridge) subscribeLoop(ctx context.Context, recv Receiver) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.opts.RetryInitial
	expo.MaxInterval = b.opts.RetryMax

	for ctx.Err() == nil {
		msgs, err := backoff.Retry(ctx, func() (<-chan Message, error) {
			msgs, err := b.bus.Subscribe(ctx)
			if errors.Is(err, ErrBusClosed) {
				return nil, backoff.Permanent(err)
			}
			return msgs, err
		},
			backoff.WithBackOff(expo),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.setSubscribeOK(false, err)
				b.logger.Debug("Bus subscribe failed, retrying in %s: %v", next, err)
			}),
		)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
				return nil
			}
			b.setSubscribeOK(false, err)
			continue
		}

		b.setSubscribeOK(true, nil)
		b.consume(ctx, msgs, recv)
		if ctx.Err() != nil {
			return nil
		}
		b.setSubscribeOK(false, errSubscriptionLost)
	}
	return nil
}

func (b *Bridge) consume(ctx context.Context, msgs <-chan Message, recv Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := DecodeEnvelope(msg.Payload)
			if err != nil {
				b.logger.Warn("Dropping malformed bus message on %s: %v", msg.Channel, err)
				continue
			}
			if env.OriginInstance == b.opts.InstanceID {
				continue
			}
			if err := recv.DeliverRemote(ctx, env); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Debug("Remote envelope not delivered - room: %s, type: %s, error: %v", env.RoomID, env.Type, err)
			}
		}
	}
}
