// Package clusterstate holds the in-memory model of clusters and their VMs.
//
// A ClusterMap combines the mutable Store with a query cache. Mutations come
// from the dispatcher while it holds the gate exclusively; queries go through
// a per-call Reader that records which "has data" checks the caller made.
package clusterstate

import (
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Options configures a ClusterMap
type Options struct {
	Mapper ExtraInfoMapper
	Clock  clock.PassiveClock
	// ValidateAccess enables the has-data and cache partition assertions
	ValidateAccess bool
	// DisableCache routes every query to the store
	DisableCache bool
	// CompletenessGrace is used by viability checks
	CompletenessGrace time.Duration
}

// ClusterMap is the state object guarded by the gate
type ClusterMap struct {
	store    *Store
	cache    *Cache
	validate bool
	grace    time.Duration
	clock    clock.PassiveClock
	logger   *zap.Logger
}

// New creates an empty cluster map
func New(opts Options, logger *zap.Logger) *ClusterMap {
	logger = logger.Named("clusterstate")
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	m := &ClusterMap{
		store:    NewStore(opts.Mapper, opts.Clock, logger),
		validate: opts.ValidateAccess,
		grace:    opts.CompletenessGrace,
		clock:    opts.Clock,
		logger:   logger,
	}
	if !opts.DisableCache {
		m.cache = NewCache()
		m.store.AddObserver(m.cache)
	}
	return m
}

// ApplyEvent applies a state change. Callers must hold the gate exclusively.
func (m *ClusterMap) ApplyEvent(event types.ClusterStateChangeEvent) (types.ClusterID, []types.ClusterScaleEvent) {
	return m.store.ApplyEvent(event)
}

// ApplyCompletion records a completion event. Callers must hold the gate
// exclusively.
func (m *ClusterMap) ApplyCompletion(event *types.ClusterScaleCompletionEvent) {
	m.store.ApplyCompletion(event)
}

// CacheStats returns the cache counters, or zero values when caching is off
func (m *ClusterMap) CacheStats() CacheStats {
	if m.cache == nil {
		return CacheStats{}
	}
	return m.cache.Stats()
}

// NewReader returns a reader for a single call. Readers are not safe for
// concurrent use and must not outlive the read lease they were created under.
func (m *ClusterMap) NewReader() *Reader {
	return &Reader{m: m}
}

func (m *ClusterMap) checkPartition(t table, op string, a *access) {
	if !m.validate {
		return
	}
	switch {
	case t == vmTable && a.touchedClusters:
		m.logger.DPanic("VM-only query read cluster state", zap.String("op", op))
	case t == clusterTable && a.touchedVMs:
		m.logger.DPanic("Cluster-only query read VM state", zap.String("op", op))
	}
}

// Reader is the per-call query context. Every query asserts that the caller
// checked the relevant collection with ClusterMapHasData or VMMapHasData.
type Reader struct {
	m               *ClusterMap
	checkedVMs      bool
	checkedClusters bool
}

// ClusterMapHasData returns true if any cluster is known
func (r *Reader) ClusterMapHasData() bool {
	r.checkedClusters = true
	return len(r.m.store.clusters) > 0
}

// VMMapHasData returns true if any VM is known
func (r *Reader) VMMapHasData() bool {
	r.checkedVMs = true
	return len(r.m.store.vms) > 0
}

func (r *Reader) checkAccess(t table, op string) {
	if !r.m.validate {
		return
	}
	missingVMs := (t == vmTable || t == combinedTable) && !r.checkedVMs
	missingClusters := (t == clusterTable || t == combinedTable) && !r.checkedClusters
	if missingVMs || missingClusters {
		r.m.logger.DPanic("Query without a preceding has-data check",
			zap.String("op", op),
			zap.Stringer("table", t),
			zap.Bool("vmCheckMissing", missingVMs),
			zap.Bool("clusterCheckMissing", missingClusters))
	}
}
