package pubsub

import (
	"fmt"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// NewBus creates the bus selected by cfg.Bus.Driver. The "none" driver
// returns a nil bus and the server runs local-only.
func NewBus(cfg *config.Config) (Bus, error) {
	logger := slogging.Get()
	logger.Info("Creating collaboration bus for driver: %s", cfg.Bus.Driver)

	switch cfg.Bus.Driver {
	case config.BusDriverRedis:
		client, err := NewRedisClient(cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisBus(client, cfg.Bus.ChannelPrefix), nil

	case config.BusDriverPostgres:
		channel := PostgresChannelName(cfg.Bus.ChannelPrefix)
		logger.Debug("Using PostgreSQL channel %s", channel)
		return NewPostgresBus(cfg.Database.Postgres.ConnectionString(), channel)

	case config.BusDriverMemory:
		return NewMemoryBus(), nil

	case config.BusDriverNone:
		logger.Warn("Collaboration bus disabled, rooms are local to this instance")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
