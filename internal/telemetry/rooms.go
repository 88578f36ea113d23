package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Message outcomes recorded on collab_messages_total
const (
	OutcomeOK               = "ok"
	OutcomePermissionDenied = "permission_denied"
	OutcomeLockConflict     = "lock_conflict"
	OutcomeInvalid          = "invalid"
	OutcomeUnknown          = "unknown_operation"
	OutcomeError            = "error"
)

// Broadcast scopes recorded on collab_broadcasts_total
const (
	ScopeLocal  = "local"
	ScopeRemote = "remote"
)

// RoomMetrics instruments the collaboration room server. A nil *RoomMetrics
// is valid and records nothing.
type RoomMetrics struct {
	tracer trace.Tracer

	activeRooms        metric.Int64UpDownCounter
	activeParticipants metric.Int64UpDownCounter
	connections        metric.Int64UpDownCounter
	messages           metric.Int64Counter
	messageDuration    metric.Float64Histogram
	broadcasts         metric.Int64Counter
	deliveries         metric.Int64Counter
	cursorCoalesced    metric.Int64Counter
	busPublishFailures metric.Int64Counter
	busEnvelopes       metric.Int64Counter
	slowConsumers      metric.Int64Counter
}

// NewRoomMetrics creates the room instruments on meter
func NewRoomMetrics(tracer trace.Tracer, meter metric.Meter) (*RoomMetrics, error) {
	m := &RoomMetrics{tracer: tracer}
	var err error

	if m.activeRooms, err = meter.Int64UpDownCounter(
		"collab_rooms_active",
		metric.WithDescription("Rooms with at least one local participant"),
		metric.WithUnit("{room}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rooms gauge: %w", err)
	}

	if m.activeParticipants, err = meter.Int64UpDownCounter(
		"collab_participants_active",
		metric.WithDescription("Participants joined to a room on this instance"),
		metric.WithUnit("{participant}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create participants gauge: %w", err)
	}

	if m.connections, err = meter.Int64UpDownCounter(
		"collab_websocket_connections_active",
		metric.WithDescription("Open WebSocket connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connection gauge: %w", err)
	}

	if m.messages, err = meter.Int64Counter(
		"collab_messages_total",
		metric.WithDescription("Inbound client messages by type and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create message counter: %w", err)
	}

	if m.messageDuration, err = meter.Float64Histogram(
		"collab_message_duration_seconds",
		metric.WithDescription("Time from frame read to ack"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1),
	); err != nil {
		return nil, fmt.Errorf("failed to create message duration histogram: %w", err)
	}

	if m.broadcasts, err = meter.Int64Counter(
		"collab_broadcasts_total",
		metric.WithDescription("Room events fanned out, by origin scope"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create broadcast counter: %w", err)
	}

	if m.deliveries, err = meter.Int64Counter(
		"collab_deliveries_total",
		metric.WithDescription("Frames queued to local connections"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create delivery counter: %w", err)
	}

	if m.cursorCoalesced, err = meter.Int64Counter(
		"collab_cursor_updates_coalesced_total",
		metric.WithDescription("Cursor moves replaced by a later position before broadcast"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cursor coalesce counter: %w", err)
	}

	if m.busPublishFailures, err = meter.Int64Counter(
		"collab_bus_publish_failures_total",
		metric.WithDescription("Envelopes that could not be published to the bus"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bus failure counter: %w", err)
	}

	if m.busEnvelopes, err = meter.Int64Counter(
		"collab_bus_envelopes_received_total",
		metric.WithDescription("Envelopes received from other instances"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bus envelope counter: %w", err)
	}

	if m.slowConsumers, err = meter.Int64Counter(
		"collab_slow_consumer_disconnects_total",
		metric.WithDescription("Connections closed because their send queue overflowed"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slow consumer counter: %w", err)
	}

	return m, nil
}

// RoomOpened records a room becoming active on this instance
func (m *RoomMetrics) RoomOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRooms.Add(ctx, 1)
}

// RoomClosed records a room being removed after its last participant left
func (m *RoomMetrics) RoomClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRooms.Add(ctx, -1)
}

// ParticipantJoined records a join
func (m *RoomMetrics) ParticipantJoined(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.activeParticipants.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// ParticipantLeft records a leave or disconnect
func (m *RoomMetrics) ParticipantLeft(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.activeParticipants.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

// RoleChanged moves a participant between role series
func (m *RoomMetrics) RoleChanged(ctx context.Context, from, to string) {
	if m == nil || from == to {
		return
	}
	m.activeParticipants.Add(ctx, -1, metric.WithAttributes(attribute.String("role", from)))
	m.activeParticipants.Add(ctx, 1, metric.WithAttributes(attribute.String("role", to)))
}

// Broadcast records one event fan-out to recipients local connections
func (m *RoomMetrics) Broadcast(ctx context.Context, scope, eventType string, recipients int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("event_type", eventType),
	))
	if recipients > 0 {
		m.deliveries.Add(ctx, int64(recipients), metric.WithAttributes(attribute.String("scope", scope)))
	}
}

// CursorCoalesced records a pending cursor position being overwritten
func (m *RoomMetrics) CursorCoalesced(ctx context.Context) {
	if m == nil {
		return
	}
	m.cursorCoalesced.Add(ctx, 1)
}

// BusPublishFailed records a failed publish
func (m *RoomMetrics) BusPublishFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.busPublishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// EnvelopeReceived records a bus envelope from another instance
func (m *RoomMetrics) EnvelopeReceived(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.busEnvelopes.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// SlowConsumerDisconnected records a connection dropped for backpressure
func (m *RoomMetrics) SlowConsumerDisconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.slowConsumers.Add(ctx, 1)
}

// TraceConnection traces a WebSocket connection from upgrade to close
func (m *RoomMetrics) TraceConnection(ctx context.Context, remoteAddr string) (context.Context, func(err error)) {
	if m == nil {
		return ctx, func(error) {}
	}

	ctx, span := m.tracer.Start(ctx, "collab.connection", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("net.peer.addr", remoteAddr))
	m.connections.Add(ctx, 1)

	return ctx, func(err error) {
		defer span.End()
		m.connections.Add(ctx, -1)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetStatus(codes.Ok, "connection closed")
	}
}

// TraceMessage traces one inbound frame. The returned func records the
// outcome reported in the ack.
func (m *RoomMetrics) TraceMessage(ctx context.Context, messageType, roomID string, size int) (context.Context, func(outcome string)) {
	if m == nil {
		return ctx, func(string) {}
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "collab.message", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("collab.message_type", messageType),
		attribute.String("collab.room_id", roomID),
		attribute.Int("collab.message_size", size),
	)

	return ctx, func(outcome string) {
		defer span.End()
		span.SetAttributes(attribute.String("collab.outcome", outcome))
		if outcome == OutcomeError {
			span.SetStatus(codes.Error, "message handling failed")
		}

		attrs := metric.WithAttributes(
			attribute.String("message_type", messageType),
			attribute.String("outcome", outcome),
		)
		m.messages.Add(ctx, 1, attrs)
		m.messageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
