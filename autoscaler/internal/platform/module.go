package platform

import (
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ErrNoPlatform is returned when mock mode is off. Only the simulated
// platform ships with the autoscaler.
var ErrNoPlatform = errors.New("no platform client configured, set VHM_PLATFORM_MOCK=true")

// ProvideSimulator creates the simulated platform and seeds its demo inventory
func ProvideSimulator(cfg *config.Config, logger *zap.Logger) (*Simulator, error) {
	if !cfg.Platform.Mock {
		return nil, ErrNoPlatform
	}

	sim := NewSimulator(SimulatorConfig{
		PowerDelay: cfg.Platform.PowerDelay,
		Domain:     cfg.Platform.Domain,
	}, logger)

	folder := "vms"
	if len(cfg.Platform.Folders) > 0 {
		folder = cfg.Platform.Folders[0]
	}
	clusters, err := Seed(sim, SeedConfig{
		Folder:         folder,
		Clusters:       cfg.Platform.SeedClusters,
		Hosts:          cfg.Platform.SeedHosts,
		ComputePerHost: cfg.Platform.SeedComputePerHost,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Seeded simulated platform",
		zap.String("folder", folder),
		zap.Int("clusters", len(clusters)))
	return sim, nil
}

// ProvideActions exposes the simulator as the platform client
func ProvideActions(sim *Simulator) Actions {
	return sim
}

// ProvideWatcher creates the folder watcher
func ProvideWatcher(cfg *config.Config, actions Actions, logger *zap.Logger) types.EventProducer {
	return NewWatcher(actions, WatcherConfig{
		Folders: cfg.Platform.Folders,
		Backoff: wait.Backoff{
			Duration: cfg.Platform.ReconnectBackoff,
			Factor:   2,
			Jitter:   0.1,
			Steps:    10,
			Cap:      cfg.Platform.ReconnectCap,
		},
	}, logger)
}

// ProvidePowerWaiter creates the power task waiter
func ProvidePowerWaiter(cfg *config.Config, logger *zap.Logger) *PowerWaiter {
	return NewPowerWaiter(WaiterConfig{
		MinInterval: cfg.Platform.PowerWaitInterval,
		MaxAttempts: cfg.Platform.PowerWaitAttempts,
	}, logger)
}

// Module provides the platform dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideSimulator),
	fx.Provide(ProvideActions),
	fx.Provide(ProvidePowerWaiter),
	fx.Provide(fx.Annotate(ProvideWatcher, fx.ResultTags(`group:"producers"`))),
)
