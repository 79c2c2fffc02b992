package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/execution"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

var _ Executor = (*execution.Strategy)(nil)

type submission struct {
	cluster types.ClusterID
	key     string
	events  []types.ClusterScaleEvent
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []submission
}

func (e *recordingExecutor) Submit(clusterID types.ClusterID, s strategy.ScaleStrategy, events []types.ClusterScaleEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, submission{cluster: clusterID, key: s.Key(), events: events})
	return false
}

func (e *recordingExecutor) submissions() []submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]submission(nil), e.calls...)
}

func master(cluster, vm string, folder string, strategyKey *string) *types.VMCreatedEvent {
	return types.NewVMCreatedEvent(types.VMEventData{
		VMID: types.VMID(vm),
		Constant: &types.VMConstantData{
			Type:             types.VMTypeMaster,
			ClusterID:        types.ClusterID(cluster),
			ManagementFolder: folder,
		},
		HostID:     types.Ptr(types.HostID("h0")),
		PowerState: types.Ptr(true),
		Cluster: &types.ClusterVariableData{
			JobTrackerPort: types.Ptr(8021),
			ScaleStrategy:  strategyKey,
		},
	})
}

func compute(cluster, vm, host string) *types.VMCreatedEvent {
	return types.NewVMCreatedEvent(types.VMEventData{
		VMID: types.VMID(vm),
		Constant: &types.VMConstantData{
			Type:      types.VMTypeCompute,
			ClusterID: types.ClusterID(cluster),
		},
		HostID:     types.Ptr(types.HostID(host)),
		PowerState: types.Ptr(false),
	})
}

type unitEnv struct {
	dispatcher *Dispatcher
	executor   *recordingExecutor
	gate       *gate.Gate[*clusterstate.ClusterMap]
	sim        *platform.Simulator
}

func newUnitEnv(t *testing.T) *unitEnv {
	logger := zaptest.NewLogger(t)
	g := gate.New(clusterstate.New(clusterstate.Options{ValidateAccess: true}, logger), time.Second, logger)
	registry, err := strategy.NewRegistry(strategy.ManualStrategy{}, strategy.DemandStrategy{})
	require.NoError(t, err)

	executor := &recordingExecutor{}
	sim := platform.NewSimulator(platform.SimulatorConfig{}, logger)
	d := New(Config{FolderLookupTimeout: time.Second}, NewQueue(logger), g, registry, executor, sim, logger)
	return &unitEnv{dispatcher: d, executor: executor, gate: g, sim: sim}
}

func (e *unitEnv) step(t *testing.T, events ...types.NotificationEvent) {
	for _, event := range events {
		e.dispatcher.Enqueue(event)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Step(ctx))
}

func TestDispatcher_GroupsByClusterAndStrategy(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t,
		master("c1", "m1", "f1", nil),
		compute("c1", "w1", "h1"),
		master("c2", "m2", "f2", types.Ptr(strategy.DemandKey)),
		compute("c2", "x1", "h2"),
	)
	assert.Empty(t, env.executor.submissions(), "State changes alone submit nothing")

	env.step(t,
		types.NewScaleDeltaInstruction("c1", 1, "op"),
		types.NewScaleDemandEvent("c2", 4, 2),
		types.NewScaleDeltaInstruction("c1", 1, "op"),
	)

	calls := env.executor.submissions()
	require.Len(t, calls, 2)
	assert.Equal(t, types.ClusterID("c1"), calls[0].cluster)
	assert.Equal(t, "manual", calls[0].key)
	assert.Len(t, calls[0].events, 2)
	assert.Equal(t, types.ClusterID("c2"), calls[1].cluster)
	assert.Equal(t, "demand", calls[1].key)
}

func TestDispatcher_ResolvesVMAndFolderScopes(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t,
		master("c1", "m1", "f1", nil),
		compute("c1", "w1", "h1"),
	)

	byVM := types.NewScaleDeltaInstruction("", 1, "op")
	byVM.VMID = "w1"
	byFolder := types.NewScaleDeltaInstruction("", 1, "op")
	byFolder.Folder = "f1"
	env.step(t, byVM, byFolder)

	calls := env.executor.submissions()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].events, 2)
	assert.Equal(t, types.ClusterID("c1"), byVM.ClusterID)
	assert.True(t, byVM.ClusterDerived())
	assert.Equal(t, types.HostID("h1"), byVM.HostID, "Host is backfilled from the VM")
	assert.Equal(t, types.ClusterID("c1"), byFolder.ClusterID)
}

func TestDispatcher_FolderFallsBackToPlatform(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t,
		master("c1", "m1", "f1", nil),
		compute("c1", "w1", "h1"),
	)
	// The platform knows the VM under a folder the cluster map never saw
	env.sim.AddVM("renamed", "w1", types.VMConstantData{Type: types.VMTypeCompute, ClusterID: "c1"}, "w1", "h1", false)

	event := types.NewScaleDeltaInstruction("", 1, "op")
	event.Folder = "renamed"
	env.step(t, event)

	calls := env.executor.submissions()
	require.Len(t, calls, 1)
	assert.Equal(t, types.ClusterID("c1"), calls[0].cluster)
}

func TestDispatcher_HostEventsFanOut(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t,
		master("c1", "m1", "f1", nil),
		compute("c1", "w1", "shared"),
		master("c2", "m2", "f2", nil),
		compute("c2", "x1", "shared"),
		master("c3", "m3", "f3", nil),
		compute("c3", "y1", "other"),
	)

	env.step(t, types.NewHostChangeEvent("shared", "maintenance"))

	calls := env.executor.submissions()
	require.Len(t, calls, 2)
	assert.Equal(t, types.ClusterID("c1"), calls[0].cluster)
	assert.Equal(t, types.ClusterID("c2"), calls[1].cluster)
	for _, call := range calls {
		require.Len(t, call.events, 1)
		assert.Equal(t, call.cluster, call.events[0].Scope().ClusterID)
		assert.Equal(t, types.HostID("shared"), call.events[0].Scope().HostID)
	}
}

func TestDispatcher_DropsUnresolvedEvents(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t, master("c1", "m1", "f1", nil))

	unknownVM := types.NewScaleDeltaInstruction("", 1, "op")
	unknownVM.VMID = "nope"
	unknownFolder := types.NewScaleDeltaInstruction("", 1, "op")
	unknownFolder.Folder = "nowhere"
	env.step(t,
		types.NewScaleDeltaInstruction("ghost", 1, "op"),
		unknownVM,
		unknownFolder,
		types.NewHostChangeEvent("empty-host", "maintenance"),
	)

	assert.Empty(t, env.executor.submissions())
	assert.Equal(t, int64(4), env.dispatcher.Stats().Dropped)
}

func TestDispatcher_ImpliedEventsAreSubmitted(t *testing.T) {
	env := newUnitEnv(t)
	env.step(t, master("c1", "m1", "f1", nil), compute("c1", "w1", "h1"))

	env.step(t, types.NewClusterUpdatedEvent("m1", types.ClusterVariableData{TargetComputeNodes: types.Ptr(1)}))

	calls := env.executor.submissions()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].events, 1)
	instruction, ok := calls[0].events[0].(*types.ScaleInstructionEvent)
	require.True(t, ok)
	assert.Equal(t, 1, *instruction.Target)
	assert.Equal(t, clusterstate.ConfigInstructionSource, instruction.Source)
}

type completionRecorder struct {
	mu     sync.Mutex
	events []*types.ClusterScaleCompletionEvent
}

func (r *completionRecorder) OnCompletion(event *types.ClusterScaleCompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestDispatcher_NotifiesCompletionListeners(t *testing.T) {
	env := newUnitEnv(t)
	listener := &completionRecorder{}
	env.dispatcher.AddCompletionListener(listener)

	env.step(t, master("c1", "m1", "f1", nil), compute("c1", "w1", "h1"))
	assert.Empty(t, listener.events)

	completion := types.NewClusterScaleCompletionEvent("c1", "op-1")
	env.step(t, completion)

	require.Len(t, listener.events, 1)
	assert.Same(t, completion, listener.events[0])

	_ = env.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.ClusterMapHasData()
		last, ok := r.LastCompletionEvent("c1")
		assert.True(t, ok)
		assert.Equal(t, "op-1", last.OperationID)
		return nil
	})
}

func TestDispatcher_ConsistencyPanicDropsOnlyThatEvent(t *testing.T) {
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))
	g := gate.New(clusterstate.New(clusterstate.Options{ValidateAccess: true}, logger), time.Second, logger)
	registry, err := strategy.NewRegistry(strategy.ManualStrategy{})
	require.NoError(t, err)
	d := New(Config{}, NewQueue(logger), g, registry, &recordingExecutor{}, nil, logger)
	listener := &completionRecorder{}
	d.AddCompletionListener(listener)

	step := func(events ...types.NotificationEvent) {
		for _, event := range events {
			d.Enqueue(event)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NotPanics(t, func() {
			require.NoError(t, d.Step(ctx))
		})
	}

	step(master("c1", "m1", "f1", nil))
	completion := types.NewClusterScaleCompletionEvent("c1", "op-1")
	step(
		master("c1", "m2", "f1", nil),
		compute("c1", "w1", "h1"),
		completion,
	)

	assert.Equal(t, int64(1), d.Stats().Dropped)
	assert.Equal(t, int64(3), d.Stats().Applied)
	require.Len(t, listener.events, 1)
	assert.Same(t, completion, listener.events[0])

	_ = g.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.ClusterMapHasData()
		r.VMMapHasData()
		masterID, ok := r.MasterVMID("c1")
		assert.True(t, ok)
		assert.Equal(t, types.VMID("m1"), masterID)
		clusterID, ok := r.ClusterIDForVM("w1")
		assert.True(t, ok)
		assert.Equal(t, types.ClusterID("c1"), clusterID)
		_, ok = r.ClusterIDForVM("m2")
		assert.False(t, ok)
		return nil
	})
}

func TestDispatcher_RegisterAfterStart(t *testing.T) {
	env := newUnitEnv(t)
	require.NoError(t, env.dispatcher.Start())
	defer env.dispatcher.Stop()

	err := env.dispatcher.Register(platform.NewWatcher(env.sim, platform.WatcherConfig{}, zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, ErrStarted)
	assert.ErrorIs(t, env.dispatcher.Start(), ErrAlreadyStarted)
}

// e2eEnv wires the whole loop against the simulated platform
type e2eEnv struct {
	sim        *platform.Simulator
	gate       *gate.Gate[*clusterstate.ClusterMap]
	dispatcher *Dispatcher
	executor   *execution.Strategy
}

func newE2EEnv(t *testing.T) *e2eEnv {
	logger := zaptest.NewLogger(t)

	sim := platform.NewSimulator(platform.SimulatorConfig{PowerDelay: 5 * time.Millisecond}, logger)
	masterConstant := func(cluster types.ClusterID) types.VMConstantData {
		return types.VMConstantData{Type: types.VMTypeMaster, ClusterID: cluster, ManagementFolder: "vms"}
	}
	computeConstant := func(cluster types.ClusterID) types.VMConstantData {
		return types.VMConstantData{Type: types.VMTypeCompute, ClusterID: cluster}
	}

	sim.AddVM("vms", "c1-master", masterConstant("C1"), "c1-master", "h0", true)
	sim.AddVM("vms", "c1-w1", computeConstant("C1"), "c1-w1", "h1", false)
	sim.AddVM("vms", "c1-w2", computeConstant("C1"), "c1-w2", "h1", false)
	sim.AddVM("vms", "c1-w3", computeConstant("C1"), "c1-w3", "h2", false)
	sim.AddVM("vms", "c1-w4", computeConstant("C1"), "c1-w4", "h2", false)
	require.NoError(t, sim.SetClusterData("c1-master", types.ClusterVariableData{JobTrackerPort: types.Ptr(8021)}))

	sim.AddVM("vms", "c2-master", masterConstant("C2"), "c2-master", "h0", true)
	sim.AddVM("vms", "c2-w1", computeConstant("C2"), "c2-w1", "h3", false)
	require.NoError(t, sim.SetClusterData("c2-master", types.ClusterVariableData{JobTrackerPort: types.Ptr(8021)}))

	g := gate.New(clusterstate.New(clusterstate.Options{ValidateAccess: true}, logger), time.Second, logger)
	queue := NewQueue(logger)
	registry, err := strategy.NewRegistry(strategy.ManualStrategy{}, strategy.DemandStrategy{})
	require.NoError(t, err)

	executor := execution.New(execution.Config{MaxWorkers: 4}, &strategy.Context{
		Gate:     g,
		Platform: sim,
		Actions:  actions.NewRetrying(actions.NewRecorder(sim), actions.RetryConfig{Attempts: 50, Delay: 5 * time.Millisecond}, logger),
		Waiter:   platform.NewPowerWaiter(platform.WaiterConfig{MinInterval: 5 * time.Millisecond, MaxAttempts: 200}, logger),
		Chooser:  strategy.BalancedChooser{},
		Sink:     queue,
		Logger:   logger,
	}, logger)

	d := New(Config{}, queue, g, registry, executor, sim, logger)
	require.NoError(t, d.Register(platform.NewWatcher(sim, platform.WatcherConfig{Folders: []string{"vms"}}, logger)))
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Stop()
		executor.Stop()
	})

	env := &e2eEnv{sim: sim, gate: g, dispatcher: d, executor: executor}
	require.Eventually(t, func() bool {
		return env.clusters().Equal(sets.New[types.ClusterID]("C1", "C2"))
	}, time.Second, 5*time.Millisecond)
	return env
}

func (e *e2eEnv) clusters() sets.Set[types.ClusterID] {
	var out sets.Set[types.ClusterID]
	_ = e.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.ClusterMapHasData()
		out = r.AllClusterIDs().Clone()
		return nil
	})
	return out
}

func (e *e2eEnv) lastCompletion(id types.ClusterID) *types.ClusterScaleCompletionEvent {
	var out *types.ClusterScaleCompletionEvent
	_ = e.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.ClusterMapHasData()
		out, _ = r.LastCompletionEvent(id)
		return nil
	})
	return out
}

// Test that a +2 instruction powers on exactly two VMs, one per host, and
// that the completion naming them comes back through the queue
func TestE2E_ScaleUp(t *testing.T) {
	env := newE2EEnv(t)

	env.dispatcher.Enqueue(types.NewScaleDeltaInstruction("C1", 2, "test"))

	var completion *types.ClusterScaleCompletionEvent
	require.Eventually(t, func() bool {
		completion = env.lastCompletion("C1")
		return completion != nil
	}, 5*time.Second, 10*time.Millisecond)

	requests := env.sim.PowerRequests()
	require.Len(t, requests, 1)
	assert.True(t, requests[0].On)
	assert.Equal(t, []types.VMID{"c1-w1", "c1-w3"}, requests[0].VMIDs)

	assert.True(t, completion.Succeeded(), completion.Err)
	assert.True(t, completion.Enabled.Equal(sets.New[types.VMID]("c1-w1", "c1-w3")))
	assert.Empty(t, completion.Disabled)
	assert.Nil(t, env.lastCompletion("C2"))
}

// Test that removing C2's master removes the cluster and its VMs
func TestE2E_RemoveMaster(t *testing.T) {
	env := newE2EEnv(t)

	require.NoError(t, env.sim.RemoveVM("c2-master"))
	require.Eventually(t, func() bool {
		return env.clusters().Equal(sets.New[types.ClusterID]("C1"))
	}, time.Second, 5*time.Millisecond)

	_ = env.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.VMMapHasData()
		_, ok := r.ClusterIDForVM("c2-w1")
		assert.False(t, ok, "Compute VMs go with their cluster")
		_, ok = r.ClusterIDForVM("c1-w1")
		assert.True(t, ok)
		return nil
	})
}
