package platform

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
)

// simVM is the simulator's record of one VM
type simVM struct {
	folder   string
	constant types.VMConstantData
	name     string
	host     types.HostID
	on       bool
	vcpus    int
	nics     map[string][]string
	cluster  *types.ClusterVariableData
	version  int64
	removed  bool
}

func (v *simVM) snapshot(id types.VMID, domain string) types.VMEventData {
	dns := ""
	if v.on {
		dns = v.name + "." + domain
	}
	data := types.VMEventData{
		VMID:         id,
		Removed:      v.removed,
		Constant:     types.Ptr(v.constant),
		Name:         types.Ptr(v.name),
		HostID:       types.Ptr(v.host),
		PowerState:   types.Ptr(v.on),
		DNSName:      types.Ptr(dns),
		VCPUCount:    types.Ptr(v.vcpus),
		NICAddresses: maps.Clone(v.nics),
	}
	if v.cluster != nil {
		c := *v.cluster
		data.Cluster = &c
	}
	return data
}

// PowerRequest records one call to ChangeVMPowerState
type PowerRequest struct {
	VMIDs []types.VMID
	On    bool
}

// SimulatorConfig configures the in-memory platform
type SimulatorConfig struct {
	// PowerDelay is how long a power change takes to complete
	PowerDelay time.Duration
	// Domain is appended to VM names to form DNS names
	Domain string
}

// Simulator is an in-memory platform used in mock mode and in tests. Every
// mutation bumps a version; WaitForPropertyChange returns snapshots of the
// VMs changed since the caller's version.
type Simulator struct {
	config SimulatorConfig
	logger *zap.Logger

	mu        sync.Mutex
	vms       map[types.VMID]*simVM
	version   int64
	changed   chan struct{}
	requests  []PowerRequest
	failures  map[types.VMID]error
	connected bool
}

var _ Actions = (*Simulator)(nil)

// NewSimulator creates an empty simulated platform
func NewSimulator(config SimulatorConfig, logger *zap.Logger) *Simulator {
	if config.Domain == "" {
		config.Domain = "vm.local"
	}
	return &Simulator{
		config:    config,
		logger:    logger.Named("simulator"),
		vms:       make(map[types.VMID]*simVM),
		changed:   make(chan struct{}),
		failures:  make(map[types.VMID]error),
		connected: true,
	}
}

// bumpLocked advances the version and wakes waiting watchers
func (s *Simulator) bumpLocked(vm *simVM) {
	s.version++
	vm.version = s.version
	close(s.changed)
	s.changed = make(chan struct{})
}

// AddVM adds a VM to a folder
func (s *Simulator) AddVM(folder string, id types.VMID, constant types.VMConstantData, name string, host types.HostID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm := &simVM{
		folder:   folder,
		constant: constant,
		name:     name,
		host:     host,
		on:       on,
		vcpus:    2,
		nics:     map[string][]string{},
	}
	s.vms[id] = vm
	s.bumpLocked(vm)
}

// SetClusterData replaces the variable data carried by a master VM
func (s *Simulator) SetClusterData(master types.VMID, data types.ClusterVariableData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[master]
	if !ok || vm.removed {
		return fmt.Errorf("%w: %s", ErrUnknownVM, master)
	}
	vm.cluster = &data
	s.bumpLocked(vm)
	return nil
}

// SetHost moves a VM to another host
func (s *Simulator) SetHost(id types.VMID, host types.HostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[id]
	if !ok || vm.removed {
		return fmt.Errorf("%w: %s", ErrUnknownVM, id)
	}
	vm.host = host
	s.bumpLocked(vm)
	return nil
}

// RemoveVM deletes a VM. Watchers see one final snapshot marked removed.
func (s *Simulator) RemoveVM(id types.VMID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[id]
	if !ok || vm.removed {
		return fmt.Errorf("%w: %s", ErrUnknownVM, id)
	}
	vm.removed = true
	s.bumpLocked(vm)
	return nil
}

// FailPowerChange makes the next power change of the VM fail with err
func (s *Simulator) FailPowerChange(id types.VMID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = err
}

// SetConnected simulates losing and regaining the platform connection
func (s *Simulator) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	close(s.changed)
	s.changed = make(chan struct{})
}

// PowerRequests returns every power change requested so far
func (s *Simulator) PowerRequests() []PowerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PowerRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// IsPoweredOn returns the simulated power state of a VM
func (s *Simulator) IsPoweredOn(id types.VMID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	return ok && !vm.removed && vm.on
}

func (s *Simulator) ChangeVMPowerState(ctx context.Context, vmIDs sets.Set[types.VMID], on bool) (map[types.VMID]*PowerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrDisconnected
	}

	ids := sets.List(vmIDs)
	s.requests = append(s.requests, PowerRequest{VMIDs: ids, On: on})

	tasks := make(map[types.VMID]*PowerTask, len(ids))
	for _, id := range ids {
		task := NewPowerTask(id, on)
		tasks[id] = task

		vm, ok := s.vms[id]
		if !ok || vm.removed {
			task.Complete(fmt.Errorf("%w: %s", ErrUnknownVM, id))
			continue
		}
		if err, ok := s.failures[id]; ok {
			delete(s.failures, id)
			task.Complete(err)
			continue
		}
		go s.completePowerChange(id, on, task)
	}

	s.logger.Info("Power state change requested", zap.Int("vms", len(ids)), zap.Bool("on", on))
	return tasks, nil
}

func (s *Simulator) completePowerChange(id types.VMID, on bool, task *PowerTask) {
	if s.config.PowerDelay > 0 {
		time.Sleep(s.config.PowerDelay)
	}

	s.mu.Lock()
	vm, ok := s.vms[id]
	if !ok || vm.removed {
		s.mu.Unlock()
		task.Complete(fmt.Errorf("%w: %s", ErrUnknownVM, id))
		return
	}
	if vm.on != on {
		vm.on = on
		s.bumpLocked(vm)
	}
	s.mu.Unlock()

	task.Complete(nil)
}

func (s *Simulator) WaitForPropertyChange(ctx context.Context, folder, version string) (string, []types.VMEventData, error) {
	var since int64
	if version != "" {
		v, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid version %q: %w", version, err)
		}
		since = v
	}

	s.mu.Lock()
	for s.connected && s.version <= since && version != "" {
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return version, nil, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if !s.connected {
		return version, nil, ErrDisconnected
	}

	var out []types.VMEventData
	for _, id := range sets.List(sets.KeySet(s.vms)) {
		vm := s.vms[id]
		if vm.folder != folder || vm.version <= since {
			continue
		}
		// An initial listing does not report VMs that are already gone
		if version == "" && vm.removed {
			continue
		}
		out = append(out, vm.snapshot(id, s.config.Domain))
	}
	return strconv.FormatInt(s.version, 10), out, nil
}

func (s *Simulator) ListVMsInFolder(ctx context.Context, folder string) ([]types.VMID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrDisconnected
	}

	var out []types.VMID
	found := false
	for _, id := range sets.List(sets.KeySet(s.vms)) {
		vm := s.vms[id]
		if vm.folder != folder {
			continue
		}
		found = true
		if !vm.removed {
			out = append(out, id)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFolder, folder)
	}
	return out, nil
}

// ActiveNodes returns the DNS names of the cluster's powered-on compute VMs
func (s *Simulator) ActiveNodes(ctx context.Context, clusterID types.ClusterID) (sets.Set[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrDisconnected
	}

	out := sets.New[string]()
	for _, vm := range s.vms {
		if vm.removed || !vm.on || vm.constant.Type != types.VMTypeCompute || vm.constant.ClusterID != clusterID {
			continue
		}
		out.Insert(vm.name + "." + s.config.Domain)
	}
	return out, nil
}
