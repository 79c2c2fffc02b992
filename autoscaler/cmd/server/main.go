package main

import (
	"go.uber.org/fx"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/dispatcher"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/events"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/execution"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/jobs"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/logging"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/mq"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/service"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/transport"
)

// The simulator reports active nodes to the commissioning recorder
func provideNodeLister(sim *platform.Simulator) actions.NodeLister {
	return sim
}

// The execution strategy runs the dispatcher's operations and answers the
// service's in-flight queries
func provideExecutor(s *execution.Strategy) dispatcher.Executor {
	return s
}

func provideOperationTracker(s *execution.Strategy) service.OperationTracker {
	return s
}

var Everything = fx.Options(
	config.Module,
	logging.Module,
	platform.Module,
	fx.Provide(provideNodeLister),
	actions.Module,
	clusterstate.Module,
	strategy.Module,
	execution.Module,
	fx.Provide(provideExecutor, provideOperationTracker),
	dispatcher.Module,
	mq.Module,
	events.Module,
	service.Module,
	transport.Module,
	jobs.Module,
)

func main() {
	app := fx.New(Everything)
	app.Run()
}
