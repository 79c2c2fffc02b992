package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
	"k8s.io/apimachinery/pkg/util/sets"
)

// applyingSink applies state changes straight to the map and keeps
// completions for inspection
type applyingSink struct {
	gate *gate.Gate[*clusterstate.ClusterMap]

	mu          sync.Mutex
	completions []*types.ClusterScaleCompletionEvent
}

func (s *applyingSink) Enqueue(event types.NotificationEvent) {
	switch e := event.(type) {
	case types.ClusterStateChangeEvent:
		s.gate.RunExclusive(func(m *clusterstate.ClusterMap) {
			m.ApplyEvent(e)
		})
	case *types.ClusterScaleCompletionEvent:
		s.mu.Lock()
		s.completions = append(s.completions, e)
		s.mu.Unlock()
	}
}

func (s *applyingSink) lastCompletion() *types.ClusterScaleCompletionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completions) == 0 {
		return nil
	}
	return s.completions[len(s.completions)-1]
}

type testEnv struct {
	sim      *platform.Simulator
	recorder *actions.Recorder
	sink     *applyingSink
	ctx      *Context
}

func newTestEnv(t *testing.T, masterOn bool) *testEnv {
	logger := zaptest.NewLogger(t)

	sim := platform.NewSimulator(platform.SimulatorConfig{}, logger)
	compute := types.VMConstantData{Type: types.VMTypeCompute, ClusterID: "c1"}
	sim.AddVM("f1", "m1", types.VMConstantData{Type: types.VMTypeMaster, ClusterID: "c1", ManagementFolder: "f1"}, "m1", "h0", masterOn)
	sim.AddVM("f1", "w1", compute, "w1", "h1", false)
	sim.AddVM("f1", "w2", compute, "w2", "h1", false)
	sim.AddVM("f1", "w3", compute, "w3", "h2", false)
	sim.AddVM("f1", "w4", compute, "w4", "h2", false)
	require.NoError(t, sim.SetClusterData("m1", types.ClusterVariableData{JobTrackerPort: types.Ptr(8021)}))

	g := gate.New(clusterstate.New(clusterstate.Options{ValidateAccess: true}, logger), time.Second, logger)
	sink := &applyingSink{gate: g}

	watcher := platform.NewWatcher(sim, platform.WatcherConfig{Folders: []string{"f1"}}, logger)
	require.NoError(t, watcher.Start(sink))
	t.Cleanup(watcher.Stop)

	require.Eventually(t, func() bool {
		var count int
		_ = g.Read(func(m *clusterstate.ClusterMap) error {
			r := m.NewReader()
			r.VMMapHasData()
			count = r.ComputeVMsForCluster("c1", nil).Len()
			return nil
		})
		return count == 4
	}, time.Second, 5*time.Millisecond)

	recorder := actions.NewRecorder(sim)
	ctx := &Context{
		Gate:     g,
		Platform: sim,
		Actions:  actions.NewRetrying(recorder, actions.RetryConfig{Attempts: 50, Delay: 5 * time.Millisecond}, logger),
		Waiter:   platform.NewPowerWaiter(platform.WaiterConfig{MinInterval: 5 * time.Millisecond, MaxAttempts: 200}, logger),
		Chooser:  BalancedChooser{},
		Sink:     sink,
		Logger:   logger,
	}
	return &testEnv{sim: sim, recorder: recorder, sink: sink, ctx: ctx}
}

func TestManualStrategy_ScaleUpAndDown(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	err := ManualStrategy{}.Evaluate(ctx, env.ctx.WithOperation("op-1"), "c1", []types.ClusterScaleEvent{
		types.NewScaleDeltaInstruction("c1", 2, "test"),
	})
	require.NoError(t, err)

	requests := env.sim.PowerRequests()
	require.Len(t, requests, 1)
	assert.True(t, requests[0].On)
	assert.Equal(t, []types.VMID{"w1", "w3"}, requests[0].VMIDs, "One VM per host")

	completion := env.sink.lastCompletion()
	require.NotNil(t, completion)
	assert.Equal(t, "op-1", completion.OperationID)
	assert.True(t, completion.Succeeded(), completion.Err)
	assert.True(t, completion.Enabled.Equal(sets.New[types.VMID]("w1", "w3")))

	err = ManualStrategy{}.Evaluate(ctx, env.ctx.WithOperation("op-2"), "c1", []types.ClusterScaleEvent{
		types.NewScaleTargetInstruction("c1", 1, "test"),
	})
	require.NoError(t, err)

	completion = env.sink.lastCompletion()
	assert.Equal(t, "op-2", completion.OperationID)
	assert.True(t, completion.Succeeded(), completion.Err)
	assert.True(t, completion.Disabled.Equal(sets.New[types.VMID]("w1")))
	assert.False(t, env.sim.IsPoweredOn("w1"))
	assert.True(t, env.sim.IsPoweredOn("w3"))

	// The node was drained before it was powered off
	var decommissioned []string
	for _, call := range env.recorder.Calls() {
		if call.Op == "decommission" {
			decommissioned = append(decommissioned, call.DNSNames...)
		}
	}
	assert.Equal(t, []string{"w1.vm.local"}, decommissioned)
}

func TestManualStrategy_NotViable(t *testing.T) {
	env := newTestEnv(t, false)

	err := ManualStrategy{}.Evaluate(context.Background(), env.ctx.WithOperation("op-1"), "c1", []types.ClusterScaleEvent{
		types.NewScaleDeltaInstruction("c1", 1, "test"),
	})
	assert.ErrorIs(t, err, ErrClusterNotViable)
	assert.Empty(t, env.sim.PowerRequests())

	completion := env.sink.lastCompletion()
	require.NotNil(t, completion)
	assert.False(t, completion.Succeeded())
}

func TestManualStrategy_IgnoresBatchWithoutInstructions(t *testing.T) {
	env := newTestEnv(t, true)

	err := ManualStrategy{}.Evaluate(context.Background(), env.ctx.WithOperation("op-1"), "c1", []types.ClusterScaleEvent{
		types.NewScaleDemandEvent("c1", 10, 1),
		types.NewHostChangeEvent("h1", "maintenance"),
	})
	require.NoError(t, err)
	assert.Empty(t, env.sim.PowerRequests())
	assert.Nil(t, env.sink.lastCompletion())
}

func TestDemandStrategy_ClampsToLimits(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.sim.SetClusterData("m1", types.ClusterVariableData{
		JobTrackerPort:  types.Ptr(8021),
		ScaleStrategy:   types.Ptr(DemandKey),
		MaxComputeNodes: types.Ptr(3),
	}))
	require.Eventually(t, func() bool {
		snap, err := TakeSnapshot(env.ctx, "c1")
		return err == nil && snap.ExtraInfo[clusterstate.ExtraInfoMaxComputeNodes] == "3"
	}, time.Second, 5*time.Millisecond)

	err := DemandStrategy{}.Evaluate(context.Background(), env.ctx.WithOperation("op-1"), "c1", []types.ClusterScaleEvent{
		types.NewScaleDemandEvent("c1", 100, 4),
	})
	require.NoError(t, err)

	completion := env.sink.lastCompletion()
	require.NotNil(t, completion)
	assert.Equal(t, 3, completion.Enabled.Len())
}

func TestTargetFromEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	snap := &Snapshot{
		ClusterID: "c1",
		Compute:   sets.New[types.VMID]("w1", "w2", "w3", "w4"),
		PoweredOn: sets.New[types.VMID]("w1"),
		ExtraInfo: map[string]string{clusterstate.ExtraInfoMinComputeNodes: "2"},
	}

	target, ok := targetFromEvents(logger, snap, []types.ClusterScaleEvent{
		types.NewScaleDeltaInstruction("c1", 1, "a"),
		types.NewScaleTargetInstruction("c1", 3, "a"),
		types.NewScaleDeltaInstruction("c1", -1, "a"),
	}, false)
	require.True(t, ok)
	assert.Equal(t, 2, target, "Last target wins and later deltas accumulate")

	// Demand below the minimum is raised to it
	target, ok = targetFromEvents(logger, snap, []types.ClusterScaleEvent{types.NewScaleDemandEvent("c1", 1, 8)}, true)
	require.True(t, ok)
	assert.Equal(t, 2, target)

	_, ok = targetFromEvents(logger, snap, []types.ClusterScaleEvent{types.NewScaleDemandEvent("c1", 1, 8)}, false)
	assert.False(t, ok)
}

func TestBalancedChooser(t *testing.T) {
	snap := &Snapshot{
		PoweredOn:  sets.New[types.VMID]("a1", "a2", "b1"),
		PoweredOff: sets.New[types.VMID]("a3", "b2", "b3", "c1"),
		Hosts: map[types.VMID]types.HostID{
			"a1": "ha", "a2": "ha", "a3": "ha",
			"b1": "hb", "b2": "hb", "b3": "hb",
			"c1": "hc",
		},
	}

	chooser := BalancedChooser{}
	// hc has no load, then hb (1) beats ha (2)
	assert.Equal(t, []types.VMID{"b2", "c1"}, sets.List(chooser.ChooseToEnable(snap, 2)))
	assert.Equal(t, 4, chooser.ChooseToEnable(snap, 10).Len(), "Never more than the candidates")

	// ha carries the most load
	assert.Equal(t, []types.VMID{"a1"}, sets.List(chooser.ChooseToDisable(snap, 1)))
	// After one VM ha ties with hb and the lower host id wins
	assert.Equal(t, []types.VMID{"a1", "a2"}, sets.List(chooser.ChooseToDisable(snap, 2)))
	assert.Empty(t, chooser.ChooseToDisable(snap, 0))
}

func TestRegistry(t *testing.T) {
	registry, err := NewRegistry(ManualStrategy{}, DemandStrategy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"demand", "manual"}, registry.Keys())

	s, ok := registry.Get("manual")
	require.True(t, ok)
	assert.Equal(t, "manual", s.Key())

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	assert.ErrorIs(t, registry.Register(ManualStrategy{}), ErrDuplicateStrategy)
}
