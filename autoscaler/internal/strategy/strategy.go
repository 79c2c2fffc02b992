// Package strategy decides how many compute VMs a cluster should run and
// drives the platform and commissioning calls that get it there.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/actions"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/platform"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
)

// Common errors for strategies
var (
	// ErrDuplicateStrategy is returned when a key is registered twice
	ErrDuplicateStrategy = errors.New("strategy already registered")
	// ErrClusterNotViable is reported when a cluster cannot be scaled yet
	ErrClusterNotViable = errors.New("cluster is not viable")
	// ErrUnknownCluster is reported when the cluster disappeared
	ErrUnknownCluster = errors.New("unknown cluster")
)

// ScaleStrategy is a pluggable scaling policy
type ScaleStrategy interface {
	// Key identifies the strategy in a cluster's scale strategy key
	Key() string
	// Evaluate handles a batch of scale events for one cluster. It runs on
	// an execution worker and may block on platform calls.
	Evaluate(ctx context.Context, c *Context, clusterID types.ClusterID, events []types.ClusterScaleEvent) error
}

// Context carries what a strategy needs while it runs
type Context struct {
	Gate     *gate.Gate[*clusterstate.ClusterMap]
	Platform platform.Actions
	Actions  actions.ClusterActions
	Waiter   *platform.PowerWaiter
	Chooser  VMChooser
	// Sink receives the completion event of the operation
	Sink   types.EventSink
	Logger *zap.Logger

	OperationID string
}

// WithOperation returns a copy of the context for one operation
func (c *Context) WithOperation(operationID string) *Context {
	out := *c
	out.OperationID = operationID
	out.Logger = c.Logger.With(zap.String("operationID", operationID))
	return &out
}

// Registry maps strategy keys to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]ScaleStrategy
}

// NewRegistry creates a registry holding the given strategies
func NewRegistry(strategies ...ScaleStrategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]ScaleStrategy)}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a strategy
func (r *Registry) Register(s ScaleStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.Key()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.Key())
	}
	r.strategies[s.Key()] = s
	return nil
}

// Get looks up a strategy by key
func (r *Registry) Get(key string) (ScaleStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[key]
	return s, ok
}

// Keys returns the registered keys sorted
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
