package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/strategy"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// DefaultOperationTimeout bounds a single strategy evaluation
const DefaultOperationTimeout = 10 * time.Minute

// Config configures the execution strategy
type Config struct {
	MaxWorkers       int
	IdleTimeout      time.Duration
	OperationTimeout time.Duration
}

// Operation describes a scale operation that is running for a cluster
type Operation struct {
	ID          string
	ClusterID   types.ClusterID
	StrategyKey string
	Events      int
	StartedAt   time.Time
}

// ZapFields returns the operation as log fields
func (o Operation) ZapFields() []zap.Field {
	return []zap.Field{
		zap.String("operationID", o.ID),
		o.ClusterID.ZapField(),
		zap.String("strategy", o.StrategyKey),
		zap.Int("events", o.Events),
	}
}

type batch struct {
	strategy strategy.ScaleStrategy
	events   []types.ClusterScaleEvent
}

// inFlight is the table entry for a busy cluster. Fields are only touched
// while the table's shard lock for the cluster is held.
type inFlight struct {
	op      Operation
	pending *batch
}

// Strategy runs scale strategies on a worker pool. At most one operation
// runs per cluster: a batch submitted for a busy cluster is merged into the
// cluster's pending batch, which starts once the running operation is done.
type Strategy struct {
	pool    *Pool
	base    *strategy.Context
	timeout time.Duration
	logger  *zap.Logger

	inFlight cmap.ConcurrentMap[types.ClusterID, *inFlight]

	ctx    context.Context
	cancel context.CancelFunc

	// idle is closed and replaced whenever the in-flight table empties
	mu   sync.Mutex
	idle chan struct{}
}

// New creates an execution strategy. base is copied for every operation
// with a fresh operation ID.
func New(config Config, base *strategy.Context, logger *zap.Logger) *Strategy {
	logger = logger.Named("execution")
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Strategy{
		pool:     NewPool(config.MaxWorkers, config.IdleTimeout, logger),
		base:     base,
		timeout:  config.OperationTimeout,
		logger:   logger,
		inFlight: cmap.NewStringer[types.ClusterID, *inFlight](),
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
	}
}

// Submit evaluates events for the cluster with s. It returns true if the
// cluster was busy and the events were queued behind the running operation.
func (e *Strategy) Submit(clusterID types.ClusterID, s strategy.ScaleStrategy, events []types.ClusterScaleEvent) bool {
	candidate := &inFlight{op: newOperation(clusterID, s, events)}

	entry := e.inFlight.Upsert(clusterID, candidate, func(exist bool, current, fresh *inFlight) *inFlight {
		if !exist {
			return fresh
		}
		if current.pending == nil {
			current.pending = &batch{}
		}
		// The newest strategy wins in case the cluster's key changed
		current.pending.strategy = s
		current.pending.events = append(current.pending.events, events...)
		return current
	})

	if entry != candidate {
		e.logger.Info("Cluster busy, queued events behind running operation",
			append(entry.op.ZapFields(), zap.Int("queued", len(events)))...)
		return true
	}

	e.start(candidate.op, &batch{strategy: s, events: events})
	return false
}

func newOperation(clusterID types.ClusterID, s strategy.ScaleStrategy, events []types.ClusterScaleEvent) Operation {
	return Operation{
		ID:          uuid.NewString(),
		ClusterID:   clusterID,
		StrategyKey: s.Key(),
		Events:      len(events),
		StartedAt:   time.Now(),
	}
}

func (e *Strategy) start(op Operation, b *batch) {
	e.logger.Info("Starting scale operation", op.ZapFields()...)
	err := e.pool.Submit(func() {
		e.run(op, b)
	})
	if err != nil {
		e.logger.Error("Failed to schedule scale operation", append(op.ZapFields(), zap.Error(err))...)
		e.inFlight.Remove(op.ClusterID)
		e.signalIfIdle()
	}
}

func (e *Strategy) run(op Operation, b *batch) {
	defer e.finish(op)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Scale operation panicked", append(op.ZapFields(), zap.Any("panic", r))...)
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	c := e.base.WithOperation(op.ID)
	if err := b.strategy.Evaluate(ctx, c, op.ClusterID, b.events); err != nil {
		e.logger.Warn("Scale operation failed", append(op.ZapFields(), zap.Error(err))...)
		return
	}
	e.logger.Info("Scale operation finished",
		append(op.ZapFields(), zap.Duration("duration", time.Since(op.StartedAt)))...)
}

// finish removes the cluster from the in-flight table, or starts its
// pending batch if one was queued meanwhile
func (e *Strategy) finish(done Operation) {
	var next *Operation
	var nextBatch *batch

	e.inFlight.RemoveCb(done.ClusterID, func(_ types.ClusterID, entry *inFlight, exists bool) bool {
		if !exists {
			return false
		}
		if entry.op.ID != done.ID {
			e.logger.DPanic("In-flight entry belongs to another operation",
				append(done.ZapFields(), zap.String("current", entry.op.ID))...)
			return false
		}
		if entry.pending == nil {
			return true
		}
		nextBatch = entry.pending
		entry.pending = nil
		entry.op = newOperation(done.ClusterID, nextBatch.strategy, nextBatch.events)
		op := entry.op
		next = &op
		return false
	})

	if next != nil {
		e.start(*next, nextBatch)
		return
	}
	e.signalIfIdle()
}

func (e *Strategy) signalIfIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight.IsEmpty() {
		close(e.idle)
		e.idle = make(chan struct{})
	}
}

// InFlight returns true if an operation is running for the cluster
func (e *Strategy) InFlight(clusterID types.ClusterID) bool {
	return e.inFlight.Has(clusterID)
}

// Operations returns the running operations ordered by cluster
func (e *Strategy) Operations() []Operation {
	var out []Operation
	e.inFlight.IterCb(func(_ types.ClusterID, entry *inFlight) {
		out = append(out, entry.op)
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClusterID < out[j].ClusterID
	})
	return out
}

// Wait blocks until no operation is in flight
func (e *Strategy) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.inFlight.IsEmpty() {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d operations: %w", e.inFlight.Count(), ctx.Err())
		}
	}
}

// Stop cancels running operations and waits for the workers to exit
func (e *Strategy) Stop() {
	e.logger.Info("Stopping execution strategy", zap.Int("inFlight", e.inFlight.Count()))
	e.cancel()
	e.pool.Close()
}
