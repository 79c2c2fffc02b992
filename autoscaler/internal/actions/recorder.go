package actions

import (
	"context"
	"sync"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// NodeLister reports which nodes of a cluster are up
type NodeLister interface {
	ActiveNodes(ctx context.Context, clusterID types.ClusterID) (sets.Set[string], error)
}

// Call records one commissioning request
type Call struct {
	Op        string
	ClusterID types.ClusterID
	DNSNames  []string
}

// Recorder is an in-memory ClusterActions used in mock mode and tests.
// Active nodes are the lister's nodes that have not been decommissioned.
type Recorder struct {
	lister NodeLister

	mu             sync.Mutex
	decommissioned map[types.ClusterID]sets.Set[string]
	calls          []Call
	failures       map[string]error
}

var _ ClusterActions = (*Recorder)(nil)

// NewRecorder creates a recorder backed by lister
func NewRecorder(lister NodeLister) *Recorder {
	return &Recorder{
		lister:         lister,
		decommissioned: make(map[types.ClusterID]sets.Set[string]),
		failures:       make(map[string]error),
	}
}

// FailNext makes the next call of op fail with err
func (r *Recorder) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
}

// Calls returns every recorded request
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Recorder) record(op string, clusterID types.ClusterID, dnsNames []string) error {
	r.calls = append(r.calls, Call{Op: op, ClusterID: clusterID, DNSNames: append([]string(nil), dnsNames...)})
	if err, ok := r.failures[op]; ok {
		delete(r.failures, op)
		return err
	}
	return nil
}

func (r *Recorder) Decommission(ctx context.Context, dnsNames []string, info ClusterInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.record("decommission", info.ClusterID, dnsNames); err != nil {
		return err
	}
	if _, ok := r.decommissioned[info.ClusterID]; !ok {
		r.decommissioned[info.ClusterID] = sets.New[string]()
	}
	r.decommissioned[info.ClusterID].Insert(dnsNames...)
	return nil
}

func (r *Recorder) Recommission(ctx context.Context, dnsNames []string, info ClusterInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.record("recommission", info.ClusterID, dnsNames); err != nil {
		return err
	}
	if drained, ok := r.decommissioned[info.ClusterID]; ok {
		drained.Delete(dnsNames...)
	}
	return nil
}

func (r *Recorder) CheckTargetSuccess(ctx context.Context, expected int, info ClusterInfo) (sets.Set[string], error) {
	r.mu.Lock()
	err := r.record("check", info.ClusterID, nil)
	drained := r.decommissioned[info.ClusterID].Clone()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	up, err := r.lister.ActiveNodes(ctx, info.ClusterID)
	if err != nil {
		return nil, NewStatus(CodeConnectivity, info.MasterDNSName, err)
	}
	active := up.Difference(drained)
	if active.Len() != expected {
		return active, NewStatus(CodeCountMismatch, expected, active.Len())
	}
	return active, nil
}
