package clusterstate

import (
	"sync"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// vmRecord is the store's view of one VM
type vmRecord struct {
	id        types.VMID
	vmType    types.VMType
	clusterID types.ClusterID

	name         string
	hostID       types.HostID
	powerState   bool
	powerOnTime  time.Time
	powerOffTime time.Time
	dnsName      string
	vcpuCount    int
	nics         map[string]sets.Set[string]
}

func (v *vmRecord) isCompute() bool {
	return v.vmType == types.VMTypeCompute
}

// clusterRecord is the store's view of one cluster
type clusterRecord struct {
	id         types.ClusterID
	masterVMID types.VMID
	// managementFolder is set at creation and never changes
	managementFolder string
	discoveredFolder string

	strategyKey    string
	jobTrackerPort *int
	extraInfo      map[string]string

	lastCompletion *types.ClusterScaleCompletionEvent

	completeness *completenessState
}

func (c *clusterRecord) folder() string {
	if c.discoveredFolder != "" {
		return c.discoveredFolder
	}
	return c.managementFolder
}

// completenessState tracks the last time a cluster was seen complete. It is
// updated by readers, so it carries its own lock.
type completenessState struct {
	mu           sync.Mutex
	lastComplete time.Time
}
