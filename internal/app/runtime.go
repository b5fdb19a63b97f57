package app

import (
	"context"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/config"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host/classic"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host/regionized"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// runtimeHost is what the app needs from either host implementation.
type runtimeHost interface {
	scheduler.Runtime
	Resolver() region.Resolver
	Entities() *region.Entities
	Bind(s *scheduler.Scheduler)
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	Overruns() uint64
}

var (
	_ runtimeHost = (*classic.Host)(nil)
	_ runtimeHost = (*regionized.Host)(nil)
)

func newRuntimeHost(rt config.RuntimeSettings, log logx.Logger, bus eventbus.Bus) runtimeHost {
	ents := region.NewEntities()
	if rt.Mode == config.ModeRegionized {
		return regionized.New(mapRegionizedConfig(rt), ents, log.With(logx.String("comp", "host.regionized")), bus)
	}
	return classic.New(mapClassicConfig(rt), ents, log.With(logx.String("comp", "host.classic")))
}
