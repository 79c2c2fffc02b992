package jobs

import (
	"go.uber.org/fx"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/jobs/health"
)

// Module exports all job modules
var Module = fx.Options(
	health.Module,
)
