package actions

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
)

// ProvideClusterActions creates the commissioning client. The in-memory
// recorder is the only backend; it reads active nodes from lister.
func ProvideClusterActions(cfg *config.Config, lister NodeLister, logger *zap.Logger) ClusterActions {
	return NewRetrying(NewRecorder(lister), RetryConfig{
		Attempts: cfg.Actions.CheckAttempts,
		Delay:    cfg.Actions.CheckDelay,
	}, logger)
}

// Module provides the cluster actions dependency to the fx container
var Module = fx.Options(
	fx.Provide(ProvideClusterActions),
)
