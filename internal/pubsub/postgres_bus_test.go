package pubsub

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/tmi-collab/internal/config"
)

func newMockPostgresBus(t *testing.T) (*PostgresBus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return newPostgresBus(db, "host=localhost dbname=tmi", "tmi_collab_room"), mock
}

func TestPostgresBusPublish(t *testing.T) {
	bus, mock := newMockPostgresBus(t)

	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
		WithArgs("tmi_collab_room", `{"room_id":"r1"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, bus.Publish(context.Background(), "r1", []byte(`{"room_id":"r1"}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBusPublishFailure(t *testing.T) {
	bus, mock := newMockPostgresBus(t)

	mock.ExpectExec(`SELECT pg_notify`).WillReturnError(errors.New("connection refused"))

	err := bus.Publish(context.Background(), "r1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBusPayloadLimit(t *testing.T) {
	bus, mock := newMockPostgresBus(t)

	err := bus.Publish(context.Background(), "r1", []byte(strings.Repeat("x", 8000)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.NoError(t, mock.ExpectationsWereMet(), "oversized payloads never reach the database")
}

func TestPostgresBusPingAndClose(t *testing.T) {
	bus, mock := newMockPostgresBus(t)

	mock.ExpectPing()
	require.NoError(t, bus.Ping(context.Background()))

	mock.ExpectClose()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, bus.Publish(context.Background(), "r1", []byte(`{}`)), ErrBusClosed)
	_, err := bus.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, config.BusDriverPostgres, bus.Name())
}

func TestPostgresChannelName(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"tmi:collab:room:", "tmi_collab_room"},
		{"Collab-Rooms", "collab_rooms"},
		{"9rooms", "collab_9rooms"},
		{":::", "collab_"},
		{strings.Repeat("a", 80), strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.expected, PostgresChannelName(tt.prefix))
		})
	}
}

func TestNewBus(t *testing.T) {
	cfg := config.Default()

	cfg.Bus.Driver = config.BusDriverMemory
	bus, err := NewBus(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.BusDriverMemory, bus.Name())

	cfg.Bus.Driver = config.BusDriverNone
	bus, err = NewBus(cfg)
	require.NoError(t, err)
	assert.Nil(t, bus)

	cfg.Bus.Driver = "kafka"
	_, err = NewBus(cfg)
	assert.Error(t, err)
}
