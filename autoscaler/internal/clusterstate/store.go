package clusterstate

import (
	"maps"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

// ChangeObserver is notified synchronously whenever a backing collection or
// one of its records changes
type ChangeObserver interface {
	OnVMsChanged()
	OnClustersChanged()
}

// Store owns the VM and cluster records. Mutations must only happen while
// the caller holds the gate exclusively.
type Store struct {
	vms      map[types.VMID]*vmRecord
	clusters map[types.ClusterID]*clusterRecord

	mapper    ExtraInfoMapper
	clock     clock.PassiveClock
	observers []ChangeObserver
	logger    *zap.Logger
}

// NewStore creates an empty store
func NewStore(mapper ExtraInfoMapper, clk clock.PassiveClock, logger *zap.Logger) *Store {
	if mapper == nil {
		mapper = DefaultMapper{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		vms:      make(map[types.VMID]*vmRecord),
		clusters: make(map[types.ClusterID]*clusterRecord),
		mapper:   mapper,
		clock:    clk,
		logger:   logger.Named("store"),
	}
}

// AddObserver registers an observer for collection changes
func (s *Store) AddObserver(o ChangeObserver) {
	s.observers = append(s.observers, o)
}

func (s *Store) vmsChanged() {
	for _, o := range s.observers {
		o.OnVMsChanged()
	}
}

func (s *Store) clustersChanged() {
	for _, o := range s.observers {
		o.OnClustersChanged()
	}
}

// ApplyEvent applies a state change and returns the affected cluster, if
// any, along with the scale events the change implies
func (s *Store) ApplyEvent(event types.ClusterStateChangeEvent) (types.ClusterID, []types.ClusterScaleEvent) {
	switch e := event.(type) {
	case *types.VMCreatedEvent:
		return s.createVM(&e.Data)
	case *types.VMUpdatedEvent:
		return s.updateVM(&e.Data)
	case *types.ClusterUpdatedEvent:
		return s.updateClusterFromMaster(e.MasterVMID, &e.Data)
	case *types.VMRemovedEvent:
		return s.removeVM(e.VMID), nil
	default:
		s.logger.DPanic("Unknown cluster state change event", zap.String("eventID", event.EventID()))
		return "", nil
	}
}

// ApplyCompletion records the latest completion event on its cluster
func (s *Store) ApplyCompletion(event *types.ClusterScaleCompletionEvent) {
	cluster, ok := s.clusters[event.ClusterID]
	if !ok {
		s.logger.Warn("Completion event for unknown cluster",
			event.ClusterID.ZapField(),
			zap.String("operationID", event.OperationID))
		return
	}
	cluster.lastCompletion = event
	s.clustersChanged()
}

func (s *Store) createVM(data *types.VMEventData) (types.ClusterID, []types.ClusterScaleEvent) {
	if data.Constant == nil || !data.Constant.ClusterID.IsValid() {
		s.logger.Error("New VM event without constant data, dropping", data.VMID.ZapField())
		return "", nil
	}
	if _, exists := s.vms[data.VMID]; exists {
		s.logger.Error("VM already exists, dropping new VM event",
			data.VMID.ZapField(),
			data.Constant.ClusterID.ZapField())
		return "", nil
	}

	clusterID := data.Constant.ClusterID
	newCluster := false
	if data.IsMaster() {
		if _, exists := s.clusters[clusterID]; exists {
			s.logger.DPanic("Cluster already exists, dropping new master VM event",
				clusterID.ZapField(),
				data.VMID.ZapField())
			return "", nil
		}
		s.clusters[clusterID] = &clusterRecord{
			id:               clusterID,
			masterVMID:       data.VMID,
			managementFolder: data.Constant.ManagementFolder,
			extraInfo:        make(map[string]string),
			completeness:     &completenessState{lastComplete: s.clock.Now()},
		}
		newCluster = true
		s.logger.Info("Created cluster",
			clusterID.ZapField(),
			data.VMID.ZapField(),
			zap.String("folder", data.Constant.ManagementFolder))
		s.clustersChanged()
	} else if _, ok := s.clusters[clusterID]; !ok {
		s.logger.Debug("Compute VM discovered before its master", data.VMID.ZapField(), clusterID.ZapField())
	}

	vm := &vmRecord{
		id:        data.VMID,
		vmType:    data.Constant.Type,
		clusterID: clusterID,
		nics:      make(map[string]sets.Set[string]),
	}
	s.vms[data.VMID] = vm
	s.applyVMFields(vm, data)
	s.logger.Info("Created VM",
		data.VMID.ZapField(),
		clusterID.ZapField(),
		zap.Stringer("type", vm.vmType))
	s.vmsChanged()

	var implied []types.ClusterScaleEvent
	if data.IsMaster() && data.Cluster != nil {
		implied = s.applyClusterData(s.clusters[clusterID], data.Cluster, newCluster)
	}
	return clusterID, implied
}

func (s *Store) updateVM(data *types.VMEventData) (types.ClusterID, []types.ClusterScaleEvent) {
	vm, ok := s.vms[data.VMID]
	if !ok {
		s.logger.Warn("Update for unknown VM, dropping", data.VMID.ZapField())
		return "", nil
	}

	if s.applyVMFields(vm, data) {
		s.vmsChanged()
	}

	var implied []types.ClusterScaleEvent
	if vm.vmType == types.VMTypeMaster && !data.Cluster.IsEmpty() {
		if cluster, ok := s.clusters[vm.clusterID]; ok {
			implied = s.applyClusterData(cluster, data.Cluster, false)
		}
	}
	return vm.clusterID, implied
}

func (s *Store) updateClusterFromMaster(masterID types.VMID, data *types.ClusterVariableData) (types.ClusterID, []types.ClusterScaleEvent) {
	vm, ok := s.vms[masterID]
	if !ok || vm.vmType != types.VMTypeMaster {
		s.logger.Warn("Cluster update for unknown master VM, dropping", masterID.ZapField())
		return "", nil
	}
	cluster, ok := s.clusters[vm.clusterID]
	if !ok {
		s.logger.Warn("Cluster update for unknown cluster, dropping", masterID.ZapField(), vm.clusterID.ZapField())
		return "", nil
	}
	return cluster.id, s.applyClusterData(cluster, data, false)
}

func (s *Store) removeVM(id types.VMID) types.ClusterID {
	vm, ok := s.vms[id]
	if !ok {
		s.logger.Warn("Removal of unknown VM", id.ZapField())
		return ""
	}

	delete(s.vms, id)
	s.logger.Info("Removed VM", id.ZapField(), vm.clusterID.ZapField())

	if vm.vmType == types.VMTypeMaster {
		if _, ok := s.clusters[vm.clusterID]; ok {
			delete(s.clusters, vm.clusterID)
			// Compute VMs never outlive their cluster
			for vmID, other := range s.vms {
				if other.clusterID == vm.clusterID {
					delete(s.vms, vmID)
				}
			}
			s.logger.Info("Removed cluster", vm.clusterID.ZapField())
			s.clustersChanged()
		}
	}
	s.vmsChanged()
	return vm.clusterID
}

// applyVMFields writes the fields of data that differ from vm. Returns true
// if anything changed.
func (s *Store) applyVMFields(vm *vmRecord, data *types.VMEventData) bool {
	changed := false
	log := s.logger.With(vm.id.ZapField())

	if data.Name != nil && *data.Name != vm.name {
		log.Debug("VM name changed", zap.String("from", vm.name), zap.String("to", *data.Name))
		vm.name = *data.Name
		changed = true
	}
	if data.HostID != nil && *data.HostID != vm.hostID {
		log.Debug("VM host changed", zap.Stringer("from", vm.hostID), zap.Stringer("to", *data.HostID))
		vm.hostID = *data.HostID
		changed = true
	}
	if data.VCPUCount != nil && *data.VCPUCount != vm.vcpuCount {
		log.Debug("VM vCPU count changed", zap.Int("from", vm.vcpuCount), zap.Int("to", *data.VCPUCount))
		vm.vcpuCount = *data.VCPUCount
		changed = true
	}
	if data.NICAddresses != nil {
		nics := make(map[string]sets.Set[string], len(data.NICAddresses))
		for nic, addrs := range data.NICAddresses {
			nics[nic] = sets.New(addrs...)
		}
		if !maps.EqualFunc(nics, vm.nics, func(a, b sets.Set[string]) bool { return a.Equal(b) }) {
			log.Debug("VM NIC addresses changed")
			vm.nics = nics
			changed = true
		}
	}
	if data.PowerState != nil && *data.PowerState != vm.powerState {
		now := s.clock.Now()
		vm.powerState = *data.PowerState
		if vm.powerState {
			vm.powerOnTime = now
			vm.powerOffTime = time.Time{}
		} else {
			vm.powerOffTime = now
			vm.powerOnTime = time.Time{}
		}
		log.Debug("VM power state changed", zap.Bool("poweredOn", vm.powerState))
		changed = true
	}
	// DNS entries go stale when a VM powers off
	if data.DNSName != nil {
		dnsName := *data.DNSName
		if !vm.powerState {
			dnsName = ""
		}
		if dnsName != vm.dnsName {
			log.Debug("VM DNS name changed", zap.String("from", vm.dnsName), zap.String("to", dnsName))
			vm.dnsName = dnsName
			changed = true
		}
	}
	if !vm.powerState && vm.dnsName != "" {
		vm.dnsName = ""
		changed = true
	}
	return changed
}

// applyClusterData merges variable data into the cluster. Implied scale
// events are only computed when the data actually changed, and only for
// viable clusters unless the cluster was just created.
func (s *Store) applyClusterData(cluster *clusterRecord, data *types.ClusterVariableData, newCluster bool) []types.ClusterScaleEvent {
	log := s.logger.With(cluster.id.ZapField())
	changed := false

	if data.FolderName != nil && *data.FolderName != cluster.discoveredFolder {
		log.Debug("Cluster folder changed", zap.String("folder", *data.FolderName))
		cluster.discoveredFolder = *data.FolderName
		changed = true
	}
	if data.JobTrackerPort != nil && (cluster.jobTrackerPort == nil || *cluster.jobTrackerPort != *data.JobTrackerPort) {
		log.Debug("Cluster job tracker port changed", zap.Int("port", *data.JobTrackerPort))
		cluster.jobTrackerPort = types.Ptr(*data.JobTrackerPort)
		changed = true
	}
	if key := s.mapper.StrategyKey(cluster.strategyKey, data); key != cluster.strategyKey {
		log.Info("Cluster scale strategy changed", zap.String("from", cluster.strategyKey), zap.String("to", key))
		cluster.strategyKey = key
		changed = true
	}

	previous := cluster.extraInfo
	merged := maps.Clone(previous)
	if merged == nil {
		merged = make(map[string]string)
	}
	maps.Copy(merged, s.mapper.ParseExtraInfo(data))
	extraChanged := !maps.Equal(previous, merged)
	if extraChanged {
		cluster.extraInfo = merged
		changed = true
	}

	if !changed {
		return nil
	}
	s.clustersChanged()

	if !extraChanged {
		return nil
	}
	if !newCluster && !s.isViable(cluster) {
		log.Debug("Cluster is not viable, not generating implied scale events")
		return nil
	}
	return s.mapper.ImpliedScaleEvents(cluster.id, previous, merged)
}

// isComplete is the static completeness check
func (s *Store) isComplete(cluster *clusterRecord) bool {
	if cluster.strategyKey == "" || cluster.jobTrackerPort == nil {
		return false
	}
	for _, vm := range s.vms {
		if vm.clusterID == cluster.id && vm.isCompute() {
			return true
		}
	}
	return false
}

func (s *Store) masterPoweredOn(cluster *clusterRecord) bool {
	master, ok := s.vms[cluster.masterVMID]
	return ok && master.powerState
}

func (s *Store) isViable(cluster *clusterRecord) bool {
	return s.isComplete(cluster) && s.masterPoweredOn(cluster)
}
