//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/entitystore/internal/config"
	"github.com/zeusync/entitystore/internal/core/world"
)

func InitializeWorld(cfg *config.Config) (*world.World, error) {
	wire.Build(ProviderSet)
	return nil, nil
}
