package strategy

import (
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// VMChooser picks concrete VMs for a power change
type VMChooser interface {
	// ChooseToEnable picks up to n powered-off compute VMs
	ChooseToEnable(snap *Snapshot, n int) sets.Set[types.VMID]
	// ChooseToDisable picks up to n powered-on compute VMs
	ChooseToDisable(snap *Snapshot, n int) sets.Set[types.VMID]
}

// BalancedChooser spreads the cluster's powered-on VMs across hosts: it
// enables on the least loaded host and disables on the most loaded one.
// Ties go to the lowest host id, then the lowest VM id.
type BalancedChooser struct{}

var _ VMChooser = BalancedChooser{}

func (BalancedChooser) ChooseToEnable(snap *Snapshot, n int) sets.Set[types.VMID] {
	return choose(snap, snap.PoweredOff, n, func(candidate, best int) bool { return candidate < best })
}

func (BalancedChooser) ChooseToDisable(snap *Snapshot, n int) sets.Set[types.VMID] {
	return choose(snap, snap.PoweredOn, n, func(candidate, best int) bool { return candidate > best })
}

// choose repeatedly takes one VM from the host that better wins, updating
// host load as it goes
func choose(snap *Snapshot, pool sets.Set[types.VMID], n int, better func(candidate, best int) bool) sets.Set[types.VMID] {
	chosen := sets.New[types.VMID]()
	if n <= 0 {
		return chosen
	}

	load := make(map[types.HostID]int)
	for id := range snap.PoweredOn {
		load[snap.Hosts[id]]++
	}

	byHost := make(map[types.HostID][]types.VMID)
	for _, id := range sets.List(pool) {
		host := snap.Hosts[id]
		byHost[host] = append(byHost[host], id)
	}
	hosts := sets.List(sets.KeySet(byHost))

	// Enabling raises a host's load, disabling lowers it
	step := 1
	if better(1, 0) {
		step = -1
	}

	for chosen.Len() < n {
		var best types.HostID
		found := false
		for _, host := range hosts {
			if len(byHost[host]) == 0 {
				continue
			}
			if !found || better(load[host], load[best]) {
				best = host
				found = true
			}
		}
		if !found {
			break
		}
		chosen.Insert(byHost[best][0])
		byHost[best] = byHost[best][1:]
		load[best] += step
	}
	return chosen
}
