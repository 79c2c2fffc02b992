package service

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ServiceParams contains the dependencies for the autoscaler service
type ServiceParams struct {
	fx.In

	Config  *config.Config
	Gate    *gate.Gate[*clusterstate.ClusterMap]
	Sink    types.EventSink
	Tracker OperationTracker
	Logger  *zap.Logger
}

// ProvideAutoscalerService creates the autoscaler service
func ProvideAutoscalerService(p ServiceParams) *AutoscalerService {
	return NewAutoscalerService(p.Gate, p.Sink, p.Tracker, p.Config.ClusterMap.CompletenessGrace, p.Logger)
}

// Module provides the service dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideAutoscalerService),
)
