package dispatcher

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ProvideSink exposes the queue to everything that publishes events
func ProvideSink(q *Queue) types.EventSink {
	return q
}

// DispatcherParams contains the dependencies for the dispatcher
type DispatcherParams struct {
	fx.In

	Config    *config.Config
	Queue     *Queue
	Gate      *gate.Gate[*clusterstate.ClusterMap]
	Registry  *strategy.Registry
	Executor  Executor
	Platform  platform.Actions      `optional:"true"`
	Producers []types.EventProducer `group:"producers"`
	Listeners []CompletionListener  `group:"completion-listeners"`
	Logger    *zap.Logger
}

// ProvideDispatcher creates the dispatcher and registers every producer
func ProvideDispatcher(p DispatcherParams) (*Dispatcher, error) {
	d := New(Config{
		FolderLookupTimeout: p.Config.Dispatcher.FolderLookupTimeout,
	}, p.Queue, p.Gate, p.Registry, p.Executor, p.Platform, p.Logger)

	for _, producer := range p.Producers {
		if producer == nil {
			continue
		}
		if err := d.Register(producer); err != nil {
			return nil, err
		}
	}
	for _, l := range p.Listeners {
		d.AddCompletionListener(l)
	}
	return d, nil
}

// StartParams contains dependencies for starting the dispatcher
type StartParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// StartDispatcher starts and stops the control loop with the application
func StartDispatcher(p StartParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Logger.Info("Starting dispatcher")
			return p.Dispatcher.Start()
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("Stopping dispatcher")
			p.Dispatcher.Stop()
			return nil
		},
	})
}

// Module provides the dispatcher dependencies to the fx container
var Module = fx.Options(
	fx.Provide(NewQueue),
	fx.Provide(ProvideSink),
	fx.Provide(ProvideDispatcher),
	fx.Invoke(StartDispatcher),
)
