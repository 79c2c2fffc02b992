package clusterstate

import (
	"testing"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestMap(t *testing.T) (*ClusterMap, *testingclock.FakeClock) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(Options{
		Clock:             clk,
		ValidateAccess:    true,
		CompletenessGrace: time.Second,
	}, zaptest.NewLogger(t))
	return m, clk
}

func clusterData(port int) *types.ClusterVariableData {
	return &types.ClusterVariableData{
		JobTrackerPort: types.Ptr(port),
		FolderName:     types.Ptr("folder-x"),
	}
}

func masterCreated(cluster, vm string, on bool, data *types.ClusterVariableData) *types.VMCreatedEvent {
	return types.NewVMCreatedEvent(types.VMEventData{
		VMID: types.VMID(vm),
		Constant: &types.VMConstantData{
			Type:             types.VMTypeMaster,
			ClusterID:        types.ClusterID(cluster),
			ManagementFolder: "mgmt/" + cluster,
		},
		Name:       types.Ptr(vm),
		HostID:     types.Ptr(types.HostID("host-master")),
		PowerState: types.Ptr(on),
		DNSName:    types.Ptr(vm + ".example.com"),
		Cluster:    data,
	})
}

func computeCreated(cluster, vm, host string, on bool) *types.VMCreatedEvent {
	return types.NewVMCreatedEvent(types.VMEventData{
		VMID: types.VMID(vm),
		Constant: &types.VMConstantData{
			Type:      types.VMTypeCompute,
			ClusterID: types.ClusterID(cluster),
		},
		Name:       types.Ptr(vm),
		HostID:     types.Ptr(types.HostID(host)),
		PowerState: types.Ptr(on),
		DNSName:    types.Ptr(vm + ".example.com"),
		VCPUCount:  types.Ptr(2),
	})
}

func powerUpdate(vm string, on bool) *types.VMUpdatedEvent {
	return types.NewVMUpdatedEvent(types.VMEventData{
		VMID:       types.VMID(vm),
		PowerState: types.Ptr(on),
	})
}

// checked returns a reader that made both has-data checks
func checked(m *ClusterMap) *Reader {
	r := m.NewReader()
	r.ClusterMapHasData()
	r.VMMapHasData()
	return r
}
