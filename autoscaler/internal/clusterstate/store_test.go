package clusterstate

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

func TestStore_CreateClusterFromMaster(t *testing.T) {
	m, _ := newTestMap(t)

	clusterID, implied := m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))
	assert.Equal(t, types.ClusterID("c1"), clusterID)
	assert.Empty(t, implied)

	r := checked(m)
	assert.True(t, r.AllClusterIDs().Has("c1"))

	master, ok := r.MasterVMID("c1")
	require.True(t, ok)
	assert.Equal(t, types.VMID("m1"), master)

	key, ok := r.ScaleStrategyKey("c1")
	require.True(t, ok)
	assert.Equal(t, DefaultStrategyKey, key, "Clusters without a strategy use the default")

	port, ok := r.JobTrackerPort("c1")
	require.True(t, ok)
	assert.Equal(t, 8021, port)

	folder, ok := r.FolderName("c1")
	require.True(t, ok)
	assert.Equal(t, "folder-x", folder)

	byFolder, ok := r.ClusterIDForFolder("mgmt/c1")
	require.True(t, ok)
	assert.Equal(t, types.ClusterID("c1"), byFolder)
}

func TestStore_DuplicateClusterDropped(t *testing.T) {
	m, _ := newTestMap(t)
	m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))

	// A second master for the same cluster is dropped along with its VM
	clusterID, _ := m.ApplyEvent(masterCreated("c1", "m2", true, clusterData(9000)))
	assert.Empty(t, clusterID)

	r := checked(m)
	master, _ := r.MasterVMID("c1")
	assert.Equal(t, types.VMID("m1"), master)
	_, ok := r.ClusterIDForVM("m2")
	assert.False(t, ok)

	// Duplicate VM ids are dropped too
	clusterID, _ = m.ApplyEvent(computeCreated("c1", "m1", "h1", true))
	assert.Empty(t, clusterID)
}

func TestStore_RemoveMasterRemovesCluster(t *testing.T) {
	m, _ := newTestMap(t)
	m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))
	m.ApplyEvent(masterCreated("c2", "m2", true, clusterData(8021)))
	m.ApplyEvent(computeCreated("c2", "w1", "h1", true))
	m.ApplyEvent(computeCreated("c2", "w2", "h2", false))

	r := checked(m)
	assert.Equal(t, []types.ClusterID{"c1", "c2"}, r.AllClusterIDs().List())

	clusterID, _ := m.ApplyEvent(types.NewVMRemovedEvent("m2"))
	assert.Equal(t, types.ClusterID("c2"), clusterID)

	r = checked(m)
	assert.Equal(t, []types.ClusterID{"c1"}, r.AllClusterIDs().List())
	assert.True(t, r.VMIDsForCluster("c2", nil).IsEmpty(), "No VM may reference a removed cluster")
	_, ok := r.MasterVMID("c2")
	assert.False(t, ok)
}

func TestStore_RandomSequencesKeepOneClusterPerMaster(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		m, _ := newTestMap(t)
		masters := map[string]bool{}

		for i := 0; i < 100; i++ {
			cluster := fmt.Sprintf("c%d", rng.Intn(4))
			switch rng.Intn(4) {
			case 0:
				m.ApplyEvent(masterCreated(cluster, "m-"+cluster, rng.Intn(2) == 0, clusterData(8021)))
				masters[cluster] = true
			case 1:
				m.ApplyEvent(computeCreated(cluster, fmt.Sprintf("w-%s-%d", cluster, rng.Intn(5)), "h1", true))
			case 2:
				m.ApplyEvent(powerUpdate(fmt.Sprintf("w-%s-%d", cluster, rng.Intn(5)), rng.Intn(2) == 0))
			case 3:
				m.ApplyEvent(types.NewVMRemovedEvent(types.VMID("m-" + cluster)))
				delete(masters, cluster)
			}
		}

		r := checked(m)
		clusters := r.AllClusterIDs()
		assert.Equal(t, len(masters), clusters.Len())
		for cluster := range masters {
			assert.True(t, clusters.Has(types.ClusterID(cluster)))
			master, ok := r.MasterVMID(types.ClusterID(cluster))
			require.True(t, ok)
			assert.Equal(t, types.VMID("m-"+cluster), master)
		}
		// Every VM belonging to a cluster that was removed after its compute
		// VMs arrived is gone
		for i := 0; i < 4; i++ {
			cluster := types.ClusterID(fmt.Sprintf("c%d", i))
			if clusters.Has(cluster) {
				continue
			}
			_, ok := r.ClusterIDForVM(types.VMID("m-" + string(cluster)))
			assert.False(t, ok)
		}
	}
}

func TestStore_UpdateIsIdempotent(t *testing.T) {
	m, _ := newTestMap(t)
	m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))
	m.ApplyEvent(computeCreated("c1", "w1", "h1", false))

	update := types.NewVMUpdatedEvent(types.VMEventData{
		VMID:         "w1",
		HostID:       types.Ptr(types.HostID("h2")),
		PowerState:   types.Ptr(true),
		DNSName:      types.Ptr("w1.internal"),
		NICAddresses: map[string][]string{"eth0": {"10.0.0.1", "10.0.0.2"}},
	})

	m.ApplyEvent(update)
	once := checked(m).DumpState()
	r := checked(m)
	onTime, ok := r.PowerOnTime("w1")
	require.True(t, ok)

	m.ApplyEvent(update)
	assert.Equal(t, once, checked(m).DumpState())

	r = checked(m)
	again, ok := r.PowerOnTime("w1")
	require.True(t, ok)
	assert.Equal(t, onTime, again, "Unchanged power state must not restamp the power-on time")

	nics, ok := r.NICAddresses("w1")
	require.True(t, ok)
	addrs, ok := nics.Get("eth0")
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, addrs.List())
}

func TestStore_PowerOffClearsDNSName(t *testing.T) {
	m, clk := newTestMap(t)
	m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))
	m.ApplyEvent(computeCreated("c1", "w1", "h1", true))

	r := checked(m)
	dns, ok := r.DNSNameForVM("w1")
	require.True(t, ok)
	assert.Equal(t, "w1.example.com", dns)
	_, ok = r.PowerOnTime("w1")
	assert.True(t, ok)

	clk.Step(1)
	m.ApplyEvent(powerUpdate("w1", false))

	r = checked(m)
	_, ok = r.DNSNameForVM("w1")
	assert.False(t, ok, "Powered-off VMs must not keep a DNS name")
	_, ok = r.PowerOnTime("w1")
	assert.False(t, ok, "Power-on time is cleared on power-off")
	offTime, ok := r.PowerOffTime("w1")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), offTime)

	// A DNS name reported while off is ignored
	m.ApplyEvent(types.NewVMUpdatedEvent(types.VMEventData{VMID: "w1", DNSName: types.Ptr("stale.example.com")}))
	_, ok = checked(m).DNSNameForVM("w1")
	assert.False(t, ok)

	// and is not a change, so the cache survives it
	_, ok = checked(m).PowerState("w1")
	require.True(t, ok)
	hits := m.CacheStats().Hits
	m.ApplyEvent(types.NewVMUpdatedEvent(types.VMEventData{VMID: "w1", DNSName: types.Ptr("stale.example.com")}))
	_, ok = checked(m).PowerState("w1")
	require.True(t, ok)
	assert.Equal(t, hits+1, m.CacheStats().Hits)
}

func TestStore_ImpliedScaleEvents(t *testing.T) {
	m, _ := newTestMap(t)

	// New clusters always get implied events
	data := clusterData(8021)
	data.TargetComputeNodes = types.Ptr(2)
	_, implied := m.ApplyEvent(masterCreated("c1", "m1", false, data))
	require.Len(t, implied, 1)
	instruction, ok := implied[0].(*types.ScaleInstructionEvent)
	require.True(t, ok)
	require.NotNil(t, instruction.Target)
	assert.Equal(t, 2, *instruction.Target)
	assert.Equal(t, types.ClusterID("c1"), instruction.ClusterID)

	// Same data again is not a change
	_, implied = m.ApplyEvent(types.NewClusterUpdatedEvent("m1", *data))
	assert.Empty(t, implied)

	// The cluster is not viable yet: no compute VMs and master off
	_, implied = m.ApplyEvent(types.NewClusterUpdatedEvent("m1", types.ClusterVariableData{TargetComputeNodes: types.Ptr(3)}))
	assert.Empty(t, implied)

	m.ApplyEvent(computeCreated("c1", "w1", "h1", false))
	m.ApplyEvent(powerUpdate("m1", true))
	require.True(t, checked(m).ClusterIsViable("c1"))

	// Master updates forward cluster data
	_, implied = m.ApplyEvent(types.NewVMUpdatedEvent(types.VMEventData{
		VMID:    "m1",
		Cluster: &types.ClusterVariableData{TargetComputeNodes: types.Ptr(1)},
	}))
	require.Len(t, implied, 1)

	value, ok := checked(m).ExtraInfoValue("c1", ExtraInfoTargetComputeNodes)
	require.True(t, ok)
	assert.Equal(t, "1", value)
}

func TestStore_StrategyKeyFromClusterData(t *testing.T) {
	m, _ := newTestMap(t)
	data := clusterData(8021)
	data.ScaleStrategy = types.Ptr("demand")
	m.ApplyEvent(masterCreated("c1", "m1", true, data))

	key, ok := checked(m).ScaleStrategyKey("c1")
	require.True(t, ok)
	assert.Equal(t, "demand", key)

	// Data without a strategy keeps the current key
	m.ApplyEvent(types.NewClusterUpdatedEvent("m1", types.ClusterVariableData{MinComputeNodes: types.Ptr(1)}))
	key, _ = checked(m).ScaleStrategyKey("c1")
	assert.Equal(t, "demand", key)
}

func TestStore_CompletionRecorded(t *testing.T) {
	m, _ := newTestMap(t)
	m.ApplyEvent(masterCreated("c1", "m1", true, clusterData(8021)))

	_, ok := checked(m).LastCompletionEvent("c1")
	assert.False(t, ok)

	completion := types.NewClusterScaleCompletionEvent("c1", "op-1")
	completion.Enabled.Insert("w1")
	m.ApplyCompletion(completion)

	last, ok := checked(m).LastCompletionEvent("c1")
	require.True(t, ok)
	assert.Equal(t, "op-1", last.OperationID)

	// Completions for unknown clusters are ignored
	m.ApplyCompletion(types.NewClusterScaleCompletionEvent("nope", "op-2"))
}
