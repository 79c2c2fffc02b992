package strategy

import (
	"context"
	"math"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
)

// DemandKey is the key of DemandStrategy
const DemandKey = "demand"

// ManualStrategy follows operator instructions. Within one batch the last
// absolute target wins and deltas after it accumulate.
type ManualStrategy struct{}

var _ ScaleStrategy = ManualStrategy{}

func (ManualStrategy) Key() string {
	return clusterstate.DefaultStrategyKey
}

func (ManualStrategy) Evaluate(ctx context.Context, c *Context, clusterID types.ClusterID, events []types.ClusterScaleEvent) error {
	return evaluate(ctx, c, clusterID, events, false)
}

// DemandStrategy sizes the cluster from the latest demand snapshot, clamped
// to the cluster's min and max compute nodes. Operator instructions still
// apply on top.
type DemandStrategy struct{}

var _ ScaleStrategy = DemandStrategy{}

func (DemandStrategy) Key() string {
	return DemandKey
}

func (DemandStrategy) Evaluate(ctx context.Context, c *Context, clusterID types.ClusterID, events []types.ClusterScaleEvent) error {
	return evaluate(ctx, c, clusterID, events, true)
}

func evaluate(ctx context.Context, c *Context, clusterID types.ClusterID, events []types.ClusterScaleEvent, demand bool) error {
	snap, err := TakeSnapshot(c, clusterID)
	if err != nil {
		return err
	}

	target, ok := targetFromEvents(c.Logger, snap, events, demand)
	if !ok {
		c.Logger.Debug("No sizing events in batch", clusterID.ZapField(), zap.Int("events", len(events)))
		return nil
	}
	return applyTarget(ctx, c, snap, target)
}

// targetFromEvents folds the batch into a target count of powered-on
// compute VMs. Returns false if no event in the batch sizes the cluster.
func targetFromEvents(logger *zap.Logger, snap *Snapshot, events []types.ClusterScaleEvent, demand bool) (int, bool) {
	target := snap.PoweredOn.Len()
	sized := false

	for _, event := range events {
		switch e := event.(type) {
		case *types.ScaleInstructionEvent:
			if e.Target != nil {
				target = *e.Target
			} else {
				target += e.Delta
			}
			sized = true
		case *types.ScaleDemandEvent:
			if !demand {
				logger.Debug("Ignoring demand snapshot for manually sized cluster", snap.ClusterID.ZapField())
				continue
			}
			target = demandTarget(snap, e)
			sized = true
		case *types.HostChangeEvent:
			logger.Debug("Host changed", snap.ClusterID.ZapField(), e.HostID.ZapField(), zap.String("reason", e.Reason))
		}
	}
	return target, sized
}

// demandTarget is ceil(pending / slots) within the configured limits
func demandTarget(snap *Snapshot, e *types.ScaleDemandEvent) int {
	slots := e.SlotsPerNode
	if slots <= 0 {
		slots = 1
	}
	target := int(math.Ceil(float64(e.PendingWork) / float64(slots)))

	low, ok := snap.IntExtraInfo(clusterstate.ExtraInfoMinComputeNodes)
	if !ok {
		low = 0
	}
	high, ok := snap.IntExtraInfo(clusterstate.ExtraInfoMaxComputeNodes)
	if !ok || high > snap.Compute.Len() {
		high = snap.Compute.Len()
	}
	if low > high {
		low = high
	}
	return clamp(target, low, high)
}
