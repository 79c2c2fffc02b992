package clusterstate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Completeness classifies how long a cluster has been missing the data it
// needs to be scaled
type Completeness int

const (
	// Unknown means the cluster id is not known
	Unknown Completeness = iota
	// Complete clusters have a strategy key, a job tracker port and at least
	// one compute VM
	Complete
	// RecentlyIncomplete clusters were complete within the grace period
	RecentlyIncomplete
	// LongIncomplete clusters have been incomplete for longer than the grace
	// period
	LongIncomplete
)

func (c Completeness) String() string {
	switch c {
	case Complete:
		return "complete"
	case RecentlyIncomplete:
		return "recently-incomplete"
	case LongIncomplete:
		return "long-incomplete"
	default:
		return "unknown"
	}
}

// Completeness checks the cluster and updates its last-complete timestamp.
// A grace of zero never escalates to LongIncomplete.
func (r *Reader) Completeness(clusterID types.ClusterID, grace time.Duration) Completeness {
	store := r.m.store
	cluster, ok := store.clusters[clusterID]
	if !ok {
		return Unknown
	}

	state := cluster.completeness
	state.mu.Lock()
	defer state.mu.Unlock()

	now := r.m.clock.Now()
	if store.isComplete(cluster) {
		state.lastComplete = now
		return Complete
	}
	if grace == 0 || now.Sub(state.lastComplete) <= grace {
		return RecentlyIncomplete
	}
	return LongIncomplete
}

// ClusterIsViable returns true if the cluster is complete and its master VM
// is powered on
func (r *Reader) ClusterIsViable(clusterID types.ClusterID) bool {
	if r.Completeness(clusterID, r.m.grace) != Complete {
		return false
	}
	return r.m.store.masterPoweredOn(r.m.store.clusters[clusterID])
}

// DumpState renders the whole model for diagnostics
func (r *Reader) DumpState() string {
	store := r.m.store
	var b strings.Builder

	clusterIDs := sets.List(sets.KeySet(store.clusters))
	fmt.Fprintf(&b, "clusters (%d):\n", len(clusterIDs))
	for _, id := range clusterIDs {
		c := store.clusters[id]
		port := "-"
		if c.jobTrackerPort != nil {
			port = fmt.Sprint(*c.jobTrackerPort)
		}
		fmt.Fprintf(&b, "  %s master=%s strategy=%q port=%s folder=%q extra=%v\n",
			id, c.masterVMID, c.strategyKey, port, c.folder(), sortedPairs(c.extraInfo))
	}

	vmIDs := sets.List(sets.KeySet(store.vms))
	fmt.Fprintf(&b, "vms (%d):\n", len(vmIDs))
	for _, id := range vmIDs {
		vm := store.vms[id]
		fmt.Fprintf(&b, "  %s cluster=%s type=%s host=%s on=%t dns=%q vcpus=%d\n",
			id, vm.clusterID, vm.vmType, vm.hostID, vm.powerState, vm.dnsName, vm.vcpuCount)
	}
	return b.String()
}

func sortedPairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
