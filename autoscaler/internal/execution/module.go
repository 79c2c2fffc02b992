package execution

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
)

// StrategyParams contains the dependencies for the execution strategy
type StrategyParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Base      *strategy.Context
	Logger    *zap.Logger
}

// ProvideStrategy creates the execution strategy. On stop it waits for
// running operations until the stop deadline, then shuts the pool down.
func ProvideStrategy(p StrategyParams) *Strategy {
	s := New(Config{
		MaxWorkers:       p.Config.Execution.MaxWorkers,
		IdleTimeout:      p.Config.Execution.IdleTimeout,
		OperationTimeout: p.Config.Execution.OperationTimeout,
	}, p.Base, p.Logger)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := s.Wait(ctx); err != nil {
				s.logger.Warn("Stopping with operations still running", zap.Error(err))
			}
			s.Stop()
			return nil
		},
	})
	return s
}

// Module provides the execution strategy to the fx container. The server
// binds it to the dispatcher's executor and the service's tracker.
var Module = fx.Options(
	fx.Provide(ProvideStrategy),
)
