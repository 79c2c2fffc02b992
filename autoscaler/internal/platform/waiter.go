package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/sets"
)

// WaiterConfig bounds how long a power change is waited on
type WaiterConfig struct {
	// MinInterval is the minimum time between two polls of the tasks
	MinInterval time.Duration
	// MaxAttempts is the number of polls before giving up
	MaxAttempts int
}

// PowerWaiter polls power tasks until they finish or the attempts run out.
// Polls are rate limited so that fast-failing platforms are not busy-looped.
type PowerWaiter struct {
	config WaiterConfig
	logger *zap.Logger
}

// PowerResult splits a batch of power tasks by outcome
type PowerResult struct {
	Succeeded sets.Set[types.VMID]
	Failed    map[types.VMID]error
}

// NewPowerWaiter creates a waiter
func NewPowerWaiter(config WaiterConfig, logger *zap.Logger) *PowerWaiter {
	if config.MinInterval <= 0 {
		config.MinInterval = 500 * time.Millisecond
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 60
	}
	return &PowerWaiter{config: config, logger: logger.Named("power-waiter")}
}

// Wait polls the tasks until all have finished. Tasks still running after the
// last attempt fail with ErrPowerTimeout.
func (w *PowerWaiter) Wait(ctx context.Context, tasks map[types.VMID]*PowerTask) PowerResult {
	result := PowerResult{
		Succeeded: sets.New[types.VMID](),
		Failed:    make(map[types.VMID]error),
	}
	pending := sets.KeySet(tasks)
	limiter := rate.NewLimiter(rate.Every(w.config.MinInterval), 1)

	for attempt := 1; attempt <= w.config.MaxAttempts && pending.Len() > 0; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			for id := range pending {
				result.Failed[id] = fmt.Errorf("waiting for power task: %w", err)
			}
			return result
		}

		for id := range pending {
			finished, err := tasks[id].Finished()
			if !finished {
				continue
			}
			pending.Delete(id)
			if err != nil {
				result.Failed[id] = err
			} else {
				result.Succeeded.Insert(id)
			}
		}

		if pending.Len() > 0 {
			w.logger.Debug("Waiting for power tasks",
				zap.Int("attempt", attempt),
				zap.Int("pending", pending.Len()))
		}
	}

	for id := range pending {
		result.Failed[id] = ErrPowerTimeout
	}
	if len(result.Failed) > 0 {
		w.logger.Warn("Power tasks failed",
			zap.Int("succeeded", result.Succeeded.Len()),
			zap.Int("failed", len(result.Failed)))
	}
	return result
}

// Poll calls cond until it returns true, the attempts run out or ctx is
// done. Calls are spaced by the minimum interval.
func (w *PowerWaiter) Poll(ctx context.Context, cond func() bool) bool {
	limiter := rate.NewLimiter(rate.Every(w.config.MinInterval), 1)
	for attempt := 0; attempt < w.config.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		if cond() {
			return true
		}
	}
	return false
}
