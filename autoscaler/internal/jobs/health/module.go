package health

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
)

// ManagerParams contains the dependencies for the health manager
type ManagerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Gate      *gate.Gate[*clusterstate.ClusterMap]
	Logger    *zap.Logger
}

// ProvideManager creates and registers the health manager with fx lifecycle
func ProvideManager(p ManagerParams) {
	if !p.Config.Health.Enabled {
		p.Logger.Info("Health job disabled")
		return
	}

	manager := NewManager(p.Gate, p.Config.Health.Interval, p.Config.ClusterMap.CompletenessGrace, p.Logger)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			manager.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			return nil
		},
	})
}

// Module provides the health components to the fx container
var Module = fx.Options(
	fx.Invoke(ProvideManager),
)
