// Package dispatcher runs the control loop: it drains notifications, applies
// state changes to the cluster map and hands scale events to the execution
// strategy, one batch per cluster.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// DefaultFolderLookupTimeout bounds platform folder lookups during resolution
const DefaultFolderLookupTimeout = 5 * time.Second

// Common errors for the dispatcher
var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("dispatcher already started")
	// ErrStarted is returned when registering a producer on a running dispatcher
	ErrStarted = errors.New("cannot register producer on a running dispatcher")
)

// Executor runs a strategy for one cluster's batch of scale events
type Executor interface {
	Submit(clusterID types.ClusterID, s strategy.ScaleStrategy, events []types.ClusterScaleEvent) bool
}

// CompletionListener is told about every completion event once it has been
// applied to the cluster map. It is called from the loop and must not block.
type CompletionListener interface {
	OnCompletion(event *types.ClusterScaleCompletionEvent)
}

// Config configures the dispatcher
type Config struct {
	FolderLookupTimeout time.Duration
}

// Stats counts what the loop did
type Stats struct {
	Iterations int64
	Applied    int64
	Submitted  int64
	Dropped    int64
}

// Dispatcher is the single consumer of the notification queue
type Dispatcher struct {
	queue    *Queue
	gate     *gate.Gate[*clusterstate.ClusterMap]
	registry *strategy.Registry
	executor Executor
	platform platform.Actions
	config   Config
	logger   *zap.Logger

	// step serializes loop iterations
	step sync.Mutex

	mu        sync.Mutex
	producers []types.EventProducer
	cancel    context.CancelFunc
	done      chan struct{}

	// lmu guards listeners. The loop must never take mu.
	lmu       sync.RWMutex
	listeners []CompletionListener

	iterations atomic.Int64
	applied    atomic.Int64
	submitted  atomic.Int64
	dropped    atomic.Int64
}

var _ types.EventSink = (*Dispatcher)(nil)

// New creates a dispatcher. platformActions may be nil, in which case scale
// events that only name a folder are resolved from the cluster map alone.
func New(
	config Config,
	queue *Queue,
	g *gate.Gate[*clusterstate.ClusterMap],
	registry *strategy.Registry,
	executor Executor,
	platformActions platform.Actions,
	logger *zap.Logger,
) *Dispatcher {
	if config.FolderLookupTimeout <= 0 {
		config.FolderLookupTimeout = DefaultFolderLookupTimeout
	}
	return &Dispatcher{
		queue:    queue,
		gate:     g,
		registry: registry,
		executor: executor,
		platform: platformActions,
		config:   config,
		logger:   logger.Named("dispatcher"),
	}
}

// Enqueue adds an event to the queue. Safe to call from any goroutine.
func (d *Dispatcher) Enqueue(event types.NotificationEvent) {
	d.queue.Enqueue(event)
}

// Register adds a producer that is started and stopped with the dispatcher
func (d *Dispatcher) Register(p types.EventProducer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("%w: %s", ErrStarted, p.Name())
	}
	d.producers = append(d.producers, p)
	return nil
}

// AddCompletionListener registers l for completion events
func (d *Dispatcher) AddCompletionListener(l CompletionListener) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Start runs the loop in the background and starts the producers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(ctx)

	for i, p := range d.producers {
		if err := p.Start(d); err != nil {
			for _, started := range d.producers[:i] {
				started.Stop()
			}
			cancel()
			<-d.done
			d.cancel = nil
			return fmt.Errorf("starting producer %s: %w", p.Name(), err)
		}
		d.logger.Info("Started producer", zap.String("producer", p.Name()))
	}
	d.logger.Info("Dispatcher started", zap.Int("producers", len(d.producers)))
	return nil
}

// Stop stops the producers, then the loop
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return
	}
	for _, p := range d.producers {
		p.Stop()
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.logger.Info("Dispatcher stopped", zap.Int("queued", d.queue.Len()))
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		if err := d.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Dispatcher iteration failed", zap.Error(err))
		}
	}
}

// Stats returns the loop counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Iterations: d.iterations.Load(),
		Applied:    d.applied.Load(),
		Submitted:  d.submitted.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// Step runs one iteration of the loop. It blocks until events are queued.
func (d *Dispatcher) Step(ctx context.Context) error {
	d.step.Lock()
	defer d.step.Unlock()

	events, err := d.queue.Drain(ctx)
	if err != nil {
		return err
	}
	d.iterations.Add(1)

	var (
		changes     []types.ClusterStateChangeEvent
		completions []*types.ClusterScaleCompletionEvent
		scale       []types.ClusterScaleEvent
	)
	for _, event := range events {
		switch e := event.(type) {
		case types.ClusterStateChangeEvent:
			changes = append(changes, e)
		case *types.ClusterScaleCompletionEvent:
			completions = append(completions, e)
		case types.ClusterScaleEvent:
			scale = append(scale, e)
		default:
			d.logger.Warn("Dropping event of unknown kind",
				zap.String("eventID", event.EventID()),
				zap.String("type", fmt.Sprintf("%T", event)))
		}
	}

	scale = append(scale, d.apply(changes, completions)...)
	if len(scale) == 0 {
		return nil
	}

	batches, order := d.resolve(ctx, scale)
	d.submit(batches, order)
	return nil
}

// apply writes state changes and completions under the exclusive gate and
// returns the scale events they imply
func (d *Dispatcher) apply(changes []types.ClusterStateChangeEvent, completions []*types.ClusterScaleCompletionEvent) []types.ClusterScaleEvent {
	if len(changes) == 0 && len(completions) == 0 {
		return nil
	}

	var (
		implied []types.ClusterScaleEvent
		applied []*types.ClusterScaleCompletionEvent
	)
	d.gate.RunExclusive(func(m *clusterstate.ClusterMap) {
		for _, change := range changes {
			d.applyOne(change, func() {
				_, events := m.ApplyEvent(change)
				implied = append(implied, events...)
			})
		}
		for _, completion := range completions {
			if d.applyOne(completion, func() { m.ApplyCompletion(completion) }) {
				applied = append(applied, completion)
			}
		}
	})
	d.notifyCompletions(applied)

	if len(implied) > 0 {
		d.logger.Debug("State changes implied scale events", zap.Int("implied", len(implied)))
	}
	return implied
}

// applyOne runs fn for a single event. A consistency panic aborts only this
// event; the rest of the batch is still applied.
func (d *Dispatcher) applyOne(event types.NotificationEvent, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.dropped.Add(1)
			d.logger.Error("Applying event panicked, dropping it",
				zap.String("eventID", event.EventID()),
				zap.String("type", fmt.Sprintf("%T", event)),
				zap.Any("panic", r))
			ok = false
		}
	}()
	fn()
	d.applied.Add(1)
	return true
}

func (d *Dispatcher) notifyCompletions(completions []*types.ClusterScaleCompletionEvent) {
	if len(completions) == 0 {
		return
	}
	d.lmu.RLock()
	listeners := append([]CompletionListener(nil), d.listeners...)
	d.lmu.RUnlock()

	for _, completion := range completions {
		for _, l := range listeners {
			l.OnCompletion(completion)
		}
	}
}

// resolve binds every scale event to a cluster and groups the events by
// cluster, in first-seen order
func (d *Dispatcher) resolve(ctx context.Context, scale []types.ClusterScaleEvent) (map[types.ClusterID][]types.ClusterScaleEvent, []types.ClusterID) {
	batches := make(map[types.ClusterID][]types.ClusterScaleEvent)
	var order []types.ClusterID
	add := func(e types.ClusterScaleEvent) {
		id := e.Scope().ClusterID
		if _, ok := batches[id]; !ok {
			order = append(order, id)
		}
		batches[id] = append(batches[id], e)
	}

	var folderOnly, unresolved []types.ClusterScaleEvent
	_ = d.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		if !r.ClusterMapHasData() || !r.VMMapHasData() {
			unresolved = scale
			return nil
		}
		for _, e := range scale {
			resolved, needsFolder := resolveEvent(r, e)
			switch {
			case len(resolved) > 0:
				for _, re := range resolved {
					add(re)
				}
			case needsFolder:
				folderOnly = append(folderOnly, e)
			default:
				unresolved = append(unresolved, e)
			}
		}
		return nil
	})

	for _, e := range folderOnly {
		if re, ok := d.resolveFolder(ctx, e); ok {
			add(re)
			continue
		}
		unresolved = append(unresolved, e)
	}

	if len(unresolved) > 0 {
		d.dropUnresolved(unresolved)
	}
	return batches, order
}

// resolveEvent fills in the cluster and host of an event from the cluster
// map. Host-scoped events fan out to every cluster with compute VMs on the
// host. needsFolder is true when only a platform folder lookup can help.
func resolveEvent(r *clusterstate.Reader, e types.ClusterScaleEvent) (resolved []types.ClusterScaleEvent, needsFolder bool) {
	scope := e.Scope()

	if scope.VMID.IsValid() {
		if host, ok := r.HostIDForVM(scope.VMID); ok {
			scope.BackfillHostID(host)
		}
	}

	switch {
	case scope.ClusterID.IsValid():
		if _, ok := r.MasterVMID(scope.ClusterID); !ok {
			return nil, false
		}
		return []types.ClusterScaleEvent{e}, false

	case scope.VMID.IsValid():
		id, ok := r.ClusterIDForVM(scope.VMID)
		if !ok {
			return nil, false
		}
		if err := scope.SetClusterID(id); err != nil {
			return nil, false
		}
		return []types.ClusterScaleEvent{e}, false

	case scope.HostID.IsValid():
		for _, id := range r.ClusterIDsForHost(scope.HostID).List() {
			resolved = append(resolved, e.ForCluster(id))
		}
		return resolved, false

	case scope.Folder != "":
		id, ok := r.ClusterIDForFolder(scope.Folder)
		if !ok {
			return nil, true
		}
		if err := scope.SetClusterID(id); err != nil {
			return nil, false
		}
		return []types.ClusterScaleEvent{e}, false
	}
	return nil, false
}

// resolveFolder asks the platform which VMs live in the event's folder and
// takes the cluster of the first known one
func (d *Dispatcher) resolveFolder(ctx context.Context, e types.ClusterScaleEvent) (types.ClusterScaleEvent, bool) {
	if d.platform == nil {
		return nil, false
	}
	scope := e.Scope()

	lookupCtx, cancel := context.WithTimeout(ctx, d.config.FolderLookupTimeout)
	defer cancel()
	vms, err := d.platform.ListVMsInFolder(lookupCtx, scope.Folder)
	if err != nil {
		d.logger.Warn("Folder lookup failed", zap.String("folder", scope.Folder), zap.Error(err))
		return nil, false
	}

	clusters := sets.New[types.ClusterID]()
	_ = d.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.VMMapHasData()
		for _, vm := range vms {
			if id, ok := r.ClusterIDForVM(vm); ok {
				clusters.Insert(id)
			}
		}
		return nil
	})

	switch clusters.Len() {
	case 0:
		return nil, false
	case 1:
	default:
		d.logger.Warn("Folder holds VMs of several clusters, using the first",
			zap.String("folder", scope.Folder),
			zap.Strings("clusters", typesToStrings(sets.List(clusters))))
	}
	if err := scope.SetClusterID(sets.List(clusters)[0]); err != nil {
		return nil, false
	}
	return e, true
}

func typesToStrings(ids []types.ClusterID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (d *Dispatcher) dropUnresolved(events []types.ClusterScaleEvent) {
	d.dropped.Add(int64(len(events)))

	var dump string
	_ = d.gate.Read(func(m *clusterstate.ClusterMap) error {
		dump = m.NewReader().DumpState()
		return nil
	})
	for _, e := range events {
		d.logger.Warn("Dropping scale event with no resolvable cluster",
			append(e.Scope().Fields(),
				zap.String("eventID", e.EventID()),
				zap.String("type", fmt.Sprintf("%T", e)))...)
	}
	d.logger.Warn("Cluster state at time of drop", zap.String("state", dump))
}

// submit hands each cluster's batch to the executor with the strategy named
// by the cluster's key
func (d *Dispatcher) submit(batches map[types.ClusterID][]types.ClusterScaleEvent, order []types.ClusterID) {
	keys := make(map[types.ClusterID]string, len(order))
	_ = d.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		r.ClusterMapHasData()
		for _, id := range order {
			if key, ok := r.ScaleStrategyKey(id); ok {
				keys[id] = key
			}
		}
		return nil
	})

	for _, id := range order {
		events := batches[id]
		key, ok := keys[id]
		if !ok {
			key = clusterstate.DefaultStrategyKey
		}
		s, ok := d.registry.Get(key)
		if !ok {
			d.logger.Error("No strategy registered for cluster",
				id.ZapField(),
				zap.String("strategy", key),
				zap.Strings("registered", d.registry.Keys()))
			d.dropped.Add(int64(len(events)))
			continue
		}

		queued := d.executor.Submit(id, s, events)
		d.submitted.Add(int64(len(events)))
		d.logger.Debug("Submitted scale events",
			id.ZapField(),
			zap.String("strategy", key),
			zap.Int("events", len(events)),
			zap.Bool("queued", queued))
	}
}
