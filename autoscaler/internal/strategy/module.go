package strategy

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ContextParams contains the dependencies shared by every strategy run
type ContextParams struct {
	fx.In

	Gate     *gate.Gate[*clusterstate.ClusterMap]
	Platform platform.Actions
	Actions  actions.ClusterActions
	Waiter   *platform.PowerWaiter
	Sink     types.EventSink
	Logger   *zap.Logger
}

// ProvideContext creates the base strategy context
func ProvideContext(p ContextParams) *Context {
	return &Context{
		Gate:     p.Gate,
		Platform: p.Platform,
		Actions:  p.Actions,
		Waiter:   p.Waiter,
		Chooser:  BalancedChooser{},
		Sink:     p.Sink,
		Logger:   p.Logger.Named("strategy"),
	}
}

// ProvideRegistry registers the built-in strategies
func ProvideRegistry() (*Registry, error) {
	return NewRegistry(ManualStrategy{}, DemandStrategy{})
}

// Module provides the strategy dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideContext),
	fx.Provide(ProvideRegistry),
)
