package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/entitystore/internal/config"
	"github.com/zeusync/entitystore/internal/core/events/bus"
	"github.com/zeusync/entitystore/internal/core/observability/log"
	"github.com/zeusync/entitystore/internal/core/world"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	bus.New,
	ProvideWorld,
	wire.Bind(new(log.Log), new(*log.Logger)),
)

func ProvideLogger(cfg *config.Config) *log.Logger {
	return log.New(cfg.LogLevel())
}

func ProvideWorld(cfg *config.Config, logger log.Log, events bus.EventBus) (*world.World, error) {
	return world.New(cfg.World.Name, cfg.SeedEntities(), world.WithLogger(logger), world.WithBus(events))
}
