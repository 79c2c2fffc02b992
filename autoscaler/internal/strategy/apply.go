package strategy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Snapshot is a consistent copy of one cluster's state, taken under a read
// lease so that nothing is held across platform calls
type Snapshot struct {
	ClusterID  types.ClusterID
	Viable     bool
	Compute    sets.Set[types.VMID]
	PoweredOn  sets.Set[types.VMID]
	PoweredOff sets.Set[types.VMID]
	Hosts      map[types.VMID]types.HostID
	DNSNames   map[types.VMID]string
	ExtraInfo  map[string]string
	Info       actions.ClusterInfo
}

// IntExtraInfo parses an integer extra info entry
func (s *Snapshot) IntExtraInfo(key string) (int, bool) {
	v, ok := s.ExtraInfo[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TakeSnapshot copies the cluster's state under a read lease
func TakeSnapshot(c *Context, clusterID types.ClusterID) (*Snapshot, error) {
	var snap *Snapshot
	err := c.Gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		if !r.ClusterMapHasData() || !r.VMMapHasData() {
			return ErrUnknownCluster
		}
		if _, ok := r.MasterVMID(clusterID); !ok {
			return ErrUnknownCluster
		}

		on, off := true, false
		compute := r.ComputeVMsForCluster(clusterID, nil)
		snap = &Snapshot{
			ClusterID:  clusterID,
			Viable:     r.ClusterIsViable(clusterID),
			Compute:    compute.Clone(),
			PoweredOn:  r.ComputeVMsForCluster(clusterID, &on).Clone(),
			PoweredOff: r.ComputeVMsForCluster(clusterID, &off).Clone(),
			Hosts:      make(map[types.VMID]types.HostID),
			DNSNames:   r.DNSNamesForVMs(compute).Copy(),
		}
		for _, id := range compute.List() {
			if host, ok := r.HostIDForVM(id); ok {
				snap.Hosts[id] = host
			}
		}
		if extra, ok := r.ExtraInfo(clusterID); ok {
			snap.ExtraInfo = extra.Copy()
		}

		snap.Info = actions.ClusterInfo{ClusterID: clusterID, ExtraInfo: snap.ExtraInfo}
		snap.Info.MasterDNSName, _ = r.MasterDNSName(clusterID)
		snap.Info.JobTrackerPort, _ = r.JobTrackerPort(clusterID)
		return nil
	})
	return snap, err
}

// dnsNamesOf returns the DNS names known for the VMs
func dnsNamesOf(c *Context, vms sets.Set[types.VMID]) (map[types.VMID]string, error) {
	var out map[types.VMID]string
	err := c.Gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.VMMapHasData()
		out = r.DNSNamesForVMs(clusterstate.NewIDSet(vms)).Copy()
		return nil
	})
	return out, err
}

func namesOf(dns map[types.VMID]string, vms sets.Set[types.VMID]) []string {
	out := make([]string, 0, vms.Len())
	for _, id := range sets.List(vms) {
		if name, ok := dns[id]; ok {
			out = append(out, name)
		}
	}
	return out
}

// clamp limits target to [low, high]
func clamp(target, low, high int) int {
	if target < low {
		return low
	}
	if target > high {
		return high
	}
	return target
}

// applyTarget powers the cluster's compute VMs up or down until target of
// them are on. Nodes are decommissioned before power-off and recommissioned
// after power-on. A completion event is always enqueued.
func applyTarget(ctx context.Context, c *Context, snap *Snapshot, target int) (err error) {
	log := c.Logger.With(snap.ClusterID.ZapField())
	completion := types.NewClusterScaleCompletionEvent(snap.ClusterID, c.OperationID)
	defer func() {
		if err != nil {
			completion.Err = err.Error()
		}
		c.Sink.Enqueue(completion)
	}()

	if !snap.Viable {
		return ErrClusterNotViable
	}

	target = clamp(target, 0, snap.Compute.Len())
	delta := target - snap.PoweredOn.Len()
	log.Info("Applying scale target",
		zap.Int("target", target),
		zap.Int("poweredOn", snap.PoweredOn.Len()),
		zap.Int("delta", delta))

	switch {
	case delta > 0:
		vms := c.Chooser.ChooseToEnable(snap, delta)
		if err := enable(ctx, c, snap, vms, completion); err != nil {
			return err
		}
	case delta < 0:
		vms := c.Chooser.ChooseToDisable(snap, -delta)
		if err := disable(ctx, c, snap, vms, completion); err != nil {
			return err
		}
	default:
		log.Debug("Cluster already at target")
	}

	active, err := c.Actions.CheckTargetSuccess(ctx, target, snap.Info)
	if err != nil {
		return fmt.Errorf("checking target: %w", err)
	}
	log.Info("Cluster reached target", zap.Int("active", active.Len()))
	return nil
}

func enable(ctx context.Context, c *Context, snap *Snapshot, vms sets.Set[types.VMID], completion *types.ClusterScaleCompletionEvent) error {
	tasks, err := c.Platform.ChangeVMPowerState(ctx, vms, true)
	if err != nil {
		return actions.NewStatus(actions.CodeConnectivity, "platform", err)
	}
	result := c.Waiter.Wait(ctx, tasks)
	completion.Enabled = result.Succeeded.Clone()
	if result.Succeeded.Len() == 0 {
		return fmt.Errorf("no VM powered on: %d failures", len(result.Failed))
	}

	// DNS names appear once the platform reports the VMs as on
	var dns map[types.VMID]string
	c.Waiter.Poll(ctx, func() bool {
		dns, err = dnsNamesOf(c, result.Succeeded)
		return err == nil && len(dns) == result.Succeeded.Len()
	})
	names := namesOf(dns, result.Succeeded)
	if len(names) < result.Succeeded.Len() {
		c.Logger.Warn("Some powered-on VMs have no DNS name yet",
			snap.ClusterID.ZapField(),
			zap.Int("named", len(names)),
			zap.Int("poweredOn", result.Succeeded.Len()))
	}

	if err := c.Actions.Recommission(ctx, names, snap.Info); err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d VMs failed to power on", len(result.Failed))
	}
	return nil
}

func disable(ctx context.Context, c *Context, snap *Snapshot, vms sets.Set[types.VMID], completion *types.ClusterScaleCompletionEvent) error {
	if err := c.Actions.Decommission(ctx, namesOf(snap.DNSNames, vms), snap.Info); err != nil {
		return err
	}

	tasks, err := c.Platform.ChangeVMPowerState(ctx, vms, false)
	if err != nil {
		return actions.NewStatus(actions.CodeConnectivity, "platform", err)
	}
	result := c.Waiter.Wait(ctx, tasks)
	completion.Disabled = result.Succeeded.Clone()
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d VMs failed to power off", len(result.Failed))
	}
	return nil
}
