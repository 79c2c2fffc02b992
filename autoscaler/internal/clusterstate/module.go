package clusterstate

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
)

// ProvideClusterMap creates the cluster map from configuration
func ProvideClusterMap(cfg *config.Config, logger *zap.Logger) *ClusterMap {
	return New(Options{
		ValidateAccess:    cfg.ClusterMap.ValidateAccess,
		DisableCache:      cfg.ClusterMap.DisableCache,
		CompletenessGrace: cfg.ClusterMap.CompletenessGrace,
	}, logger)
}

// ProvideGate wraps the cluster map in its reader/writer gate
func ProvideGate(cfg *config.Config, m *ClusterMap, logger *zap.Logger) *gate.Gate[*ClusterMap] {
	return gate.New(m, cfg.Gate.DrainTimeout, logger)
}

// Module provides the cluster map dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideClusterMap),
	fx.Provide(ProvideGate),
)
