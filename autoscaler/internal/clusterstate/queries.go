package clusterstate

import (
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// powerArg renders an optional power filter as a cache key argument
func powerArg(on *bool) string {
	if on == nil {
		return "any"
	}
	if *on {
		return "on"
	}
	return "off"
}

func powerMatches(vm *vmRecord, on *bool) bool {
	return on == nil || vm.powerState == *on
}

// VM-only queries

// ClusterIDForVM returns the cluster owning the VM
func (r *Reader) ClusterIDForVM(vmID types.VMID) (types.ClusterID, bool) {
	return cached(r, vmTable, "clusterIDForVM", []any{vmID}, func(a *access) (types.ClusterID, bool) {
		vm, ok := a.vms()[vmID]
		if !ok {
			return "", false
		}
		return vm.clusterID, true
	})
}

// VMIDsForCluster returns every VM of the cluster, master included, filtered
// by power state when on is non-nil
func (r *Reader) VMIDsForCluster(clusterID types.ClusterID, on *bool) IDSet[types.VMID] {
	v, _ := cached(r, vmTable, "vmIDsForCluster", []any{clusterID, powerArg(on)}, func(a *access) (IDSet[types.VMID], bool) {
		out := sets.New[types.VMID]()
		for id, vm := range a.vms() {
			if vm.clusterID == clusterID && powerMatches(vm, on) {
				out.Insert(id)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// ComputeVMsForCluster returns the cluster's compute VMs, filtered by power
// state when on is non-nil
func (r *Reader) ComputeVMsForCluster(clusterID types.ClusterID, on *bool) IDSet[types.VMID] {
	v, _ := cached(r, vmTable, "computeVMsForCluster", []any{clusterID, powerArg(on)}, func(a *access) (IDSet[types.VMID], bool) {
		out := sets.New[types.VMID]()
		for id, vm := range a.vms() {
			if vm.clusterID == clusterID && vm.isCompute() && powerMatches(vm, on) {
				out.Insert(id)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// ComputeVMsForClusterHost returns the cluster's compute VMs on one host
func (r *Reader) ComputeVMsForClusterHost(clusterID types.ClusterID, hostID types.HostID, on *bool) IDSet[types.VMID] {
	v, _ := cached(r, vmTable, "computeVMsForClusterHost", []any{clusterID, hostID, powerArg(on)}, func(a *access) (IDSet[types.VMID], bool) {
		out := sets.New[types.VMID]()
		for id, vm := range a.vms() {
			if vm.clusterID == clusterID && vm.hostID == hostID && vm.isCompute() && powerMatches(vm, on) {
				out.Insert(id)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// ComputeVMsByPowerState returns every compute VM in the given power state
func (r *Reader) ComputeVMsByPowerState(on bool) IDSet[types.VMID] {
	v, _ := cached(r, vmTable, "computeVMsByPowerState", []any{on}, func(a *access) (IDSet[types.VMID], bool) {
		out := sets.New[types.VMID]()
		for id, vm := range a.vms() {
			if vm.isCompute() && vm.powerState == on {
				out.Insert(id)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// HostsWithComputeVMs returns the hosts running compute VMs of the cluster
func (r *Reader) HostsWithComputeVMs(clusterID types.ClusterID) IDSet[types.HostID] {
	v, _ := cached(r, vmTable, "hostsWithComputeVMs", []any{clusterID}, func(a *access) (IDSet[types.HostID], bool) {
		out := sets.New[types.HostID]()
		for _, vm := range a.vms() {
			if vm.clusterID == clusterID && vm.isCompute() && vm.hostID.IsValid() {
				out.Insert(vm.hostID)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// ClusterIDsForHost returns the clusters with compute VMs on the host
func (r *Reader) ClusterIDsForHost(hostID types.HostID) IDSet[types.ClusterID] {
	v, _ := cached(r, vmTable, "clusterIDsForHost", []any{hostID}, func(a *access) (IDSet[types.ClusterID], bool) {
		out := sets.New[types.ClusterID]()
		for _, vm := range a.vms() {
			if vm.hostID == hostID && vm.isCompute() {
				out.Insert(vm.clusterID)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// HostIDForVM returns the host the VM runs on
func (r *Reader) HostIDForVM(vmID types.VMID) (types.HostID, bool) {
	return cached(r, vmTable, "hostIDForVM", []any{vmID}, func(a *access) (types.HostID, bool) {
		vm, ok := a.vms()[vmID]
		if !ok || !vm.hostID.IsValid() {
			return "", false
		}
		return vm.hostID, true
	})
}

// HostIDsForVMs returns the hosts of the given VMs
func (r *Reader) HostIDsForVMs(vmIDs IDSet[types.VMID]) IDSet[types.HostID] {
	v, _ := cached(r, vmTable, "hostIDsForVMs", []any{vmIDs.List()}, func(a *access) (IDSet[types.HostID], bool) {
		vms := a.vms()
		out := sets.New[types.HostID]()
		for _, id := range vmIDs.List() {
			if vm, ok := vms[id]; ok && vm.hostID.IsValid() {
				out.Insert(vm.hostID)
			}
		}
		return newIDSet(out), true
	})
	return v
}

// DNSNameForVM returns the VM's DNS name. Powered-off VMs have none.
func (r *Reader) DNSNameForVM(vmID types.VMID) (string, bool) {
	return cached(r, vmTable, "dnsNameForVM", []any{vmID}, func(a *access) (string, bool) {
		vm, ok := a.vms()[vmID]
		if !ok || vm.dnsName == "" {
			return "", false
		}
		return vm.dnsName, true
	})
}

// DNSNamesForVMs maps each VM with a DNS name to that name
func (r *Reader) DNSNamesForVMs(vmIDs IDSet[types.VMID]) Map[types.VMID, string] {
	v, _ := cached(r, vmTable, "dnsNamesForVMs", []any{vmIDs.List()}, func(a *access) (Map[types.VMID, string], bool) {
		vms := a.vms()
		out := make(map[types.VMID]string)
		for _, id := range vmIDs.List() {
			if vm, ok := vms[id]; ok && vm.dnsName != "" {
				out[id] = vm.dnsName
			}
		}
		return newMap(out), true
	})
	return v
}

// VMIDsForDNSNames maps each known DNS name to its VM
func (r *Reader) VMIDsForDNSNames(dnsNames []string) Map[string, types.VMID] {
	names := sets.List(sets.New(dnsNames...))
	v, _ := cached(r, vmTable, "vmIDsForDNSNames", []any{names}, func(a *access) (Map[string, types.VMID], bool) {
		wanted := sets.New(names...)
		out := make(map[string]types.VMID)
		for id, vm := range a.vms() {
			if vm.dnsName != "" && wanted.Has(vm.dnsName) {
				out[vm.dnsName] = id
			}
		}
		return newMap(out), true
	})
	return v
}

// PowerState returns whether the VM is powered on
func (r *Reader) PowerState(vmID types.VMID) (bool, bool) {
	return cached(r, vmTable, "powerState", []any{vmID}, func(a *access) (bool, bool) {
		vm, ok := a.vms()[vmID]
		if !ok {
			return false, false
		}
		return vm.powerState, true
	})
}

// PowerOnTime returns when the VM was last powered on, if it is on
func (r *Reader) PowerOnTime(vmID types.VMID) (time.Time, bool) {
	return cached(r, vmTable, "powerOnTime", []any{vmID}, func(a *access) (time.Time, bool) {
		vm, ok := a.vms()[vmID]
		if !ok || vm.powerOnTime.IsZero() {
			return time.Time{}, false
		}
		return vm.powerOnTime, true
	})
}

// PowerOffTime returns when the VM was last powered off, if it is off
func (r *Reader) PowerOffTime(vmID types.VMID) (time.Time, bool) {
	return cached(r, vmTable, "powerOffTime", []any{vmID}, func(a *access) (time.Time, bool) {
		vm, ok := a.vms()[vmID]
		if !ok || vm.powerOffTime.IsZero() {
			return time.Time{}, false
		}
		return vm.powerOffTime, true
	})
}

// VCPUCount returns the VM's vCPU count
func (r *Reader) VCPUCount(vmID types.VMID) (int, bool) {
	return cached(r, vmTable, "vcpuCount", []any{vmID}, func(a *access) (int, bool) {
		vm, ok := a.vms()[vmID]
		if !ok {
			return 0, false
		}
		return vm.vcpuCount, true
	})
}

// NICAddresses returns the VM's addresses per network interface
func (r *Reader) NICAddresses(vmID types.VMID) (Map[string, IDSet[string]], bool) {
	return cached(r, vmTable, "nicAddresses", []any{vmID}, func(a *access) (Map[string, IDSet[string]], bool) {
		vm, ok := a.vms()[vmID]
		if !ok {
			return Map[string, IDSet[string]]{}, false
		}
		out := make(map[string]IDSet[string], len(vm.nics))
		for nic, addrs := range vm.nics {
			out[nic] = newIDSet(addrs.Clone())
		}
		return newMap(out), true
	})
}

// CheckPowerStateOfVMs returns true if every VM is known and in the given
// power state
func (r *Reader) CheckPowerStateOfVMs(vmIDs IDSet[types.VMID], on bool) bool {
	v, _ := cached(r, vmTable, "checkPowerStateOfVMs", []any{vmIDs.List(), on}, func(a *access) (bool, bool) {
		vms := a.vms()
		for _, id := range vmIDs.List() {
			vm, ok := vms[id]
			if !ok || vm.powerState != on {
				return false, true
			}
		}
		return true, true
	})
	return v
}

// Cluster-only queries

// AllClusterIDs returns every known cluster
func (r *Reader) AllClusterIDs() IDSet[types.ClusterID] {
	v, _ := cached(r, clusterTable, "allClusterIDs", nil, func(a *access) (IDSet[types.ClusterID], bool) {
		return newIDSet(sets.KeySet(a.clusters())), true
	})
	return v
}

// ClusterIDForFolder returns the cluster whose discovered or management
// folder matches
func (r *Reader) ClusterIDForFolder(folder string) (types.ClusterID, bool) {
	return cached(r, clusterTable, "clusterIDForFolder", []any{folder}, func(a *access) (types.ClusterID, bool) {
		for id, c := range a.clusters() {
			if folder != "" && (c.discoveredFolder == folder || c.managementFolder == folder) {
				return id, true
			}
		}
		return "", false
	})
}

// MasterVMID returns the cluster's master VM
func (r *Reader) MasterVMID(clusterID types.ClusterID) (types.VMID, bool) {
	return cached(r, clusterTable, "masterVMID", []any{clusterID}, func(a *access) (types.VMID, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok {
			return "", false
		}
		return c.masterVMID, true
	})
}

// ScaleStrategyKey returns the key of the cluster's scale strategy
func (r *Reader) ScaleStrategyKey(clusterID types.ClusterID) (string, bool) {
	return cached(r, clusterTable, "scaleStrategyKey", []any{clusterID}, func(a *access) (string, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok || c.strategyKey == "" {
			return "", false
		}
		return c.strategyKey, true
	})
}

// JobTrackerPort returns the port the cluster's job tracker listens on
func (r *Reader) JobTrackerPort(clusterID types.ClusterID) (int, bool) {
	return cached(r, clusterTable, "jobTrackerPort", []any{clusterID}, func(a *access) (int, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok || c.jobTrackerPort == nil {
			return 0, false
		}
		return *c.jobTrackerPort, true
	})
}

// ExtraInfo returns all extra info entries of the cluster
func (r *Reader) ExtraInfo(clusterID types.ClusterID) (Map[string, string], bool) {
	return cached(r, clusterTable, "extraInfo", []any{clusterID}, func(a *access) (Map[string, string], bool) {
		c, ok := a.clusters()[clusterID]
		if !ok {
			return Map[string, string]{}, false
		}
		out := make(map[string]string, len(c.extraInfo))
		for k, v := range c.extraInfo {
			out[k] = v
		}
		return newMap(out), true
	})
}

// ExtraInfoValue returns one extra info entry of the cluster
func (r *Reader) ExtraInfoValue(clusterID types.ClusterID, key string) (string, bool) {
	return cached(r, clusterTable, "extraInfoValue", []any{clusterID, key}, func(a *access) (string, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok {
			return "", false
		}
		v, ok := c.extraInfo[key]
		return v, ok
	})
}

// FolderName returns the cluster's discovered folder, falling back to the
// folder it was provisioned into
func (r *Reader) FolderName(clusterID types.ClusterID) (string, bool) {
	return cached(r, clusterTable, "folderName", []any{clusterID}, func(a *access) (string, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok || c.folder() == "" {
			return "", false
		}
		return c.folder(), true
	})
}

// LastCompletionEvent returns the most recent completion for the cluster
func (r *Reader) LastCompletionEvent(clusterID types.ClusterID) (*types.ClusterScaleCompletionEvent, bool) {
	return cached(r, clusterTable, "lastCompletionEvent", []any{clusterID}, func(a *access) (*types.ClusterScaleCompletionEvent, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok || c.lastCompletion == nil {
			return nil, false
		}
		return c.lastCompletion, true
	})
}

// Combined queries

// MasterPowerState returns whether the cluster's master VM is powered on
func (r *Reader) MasterPowerState(clusterID types.ClusterID) (bool, bool) {
	return cached(r, combinedTable, "masterPowerState", []any{clusterID}, func(a *access) (bool, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok {
			return false, false
		}
		master, ok := a.vms()[c.masterVMID]
		if !ok {
			return false, false
		}
		return master.powerState, true
	})
}

// MasterDNSName returns the DNS name of the cluster's master VM
func (r *Reader) MasterDNSName(clusterID types.ClusterID) (string, bool) {
	return cached(r, combinedTable, "masterDNSName", []any{clusterID}, func(a *access) (string, bool) {
		c, ok := a.clusters()[clusterID]
		if !ok {
			return "", false
		}
		master, ok := a.vms()[c.masterVMID]
		if !ok || master.dnsName == "" {
			return "", false
		}
		return master.dnsName, true
	})
}
