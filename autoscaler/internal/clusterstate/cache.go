package clusterstate

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// table selects one of the cache's memoization tables
type table int

const (
	vmTable table = iota
	clusterTable
	combinedTable
)

func (t table) String() string {
	switch t {
	case vmTable:
		return "vm"
	case clusterTable:
		return "cluster"
	default:
		return "combined"
	}
}

// Cache memoizes query results keyed by operation and arguments. It is
// invalidated wholesale by the store's change notifications.
type Cache struct {
	mu     sync.Mutex
	tables [3]map[string]any
	// generations advance on every invalidation of the matching table
	generations [3]uint64

	hits   atomic.Int64
	misses atomic.Int64
}

var _ ChangeObserver = (*Cache)(nil)

// NewCache creates an empty cache
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.tables {
		c.tables[i] = make(map[string]any)
	}
	return c
}

// OnVMsChanged clears the VM-only and combined tables
func (c *Cache) OnVMsChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(vmTable)
	c.invalidateLocked(combinedTable)
}

// OnClustersChanged clears the cluster-only and combined tables
func (c *Cache) OnClustersChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(clusterTable)
	c.invalidateLocked(combinedTable)
}

func (c *Cache) invalidateLocked(t table) {
	clear(c.tables[t])
	c.generations[t]++
}

// CacheStats counts lookups since the cache was created
type CacheStats struct {
	Hits   int64
	Misses int64
}

// Stats returns hit and miss counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// get looks up key and also returns the table's generation, which put
// needs to store a value computed after a miss
func (c *Cache) get(t table, key string) (any, bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tables[t][key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok, c.generations[t]
}

// put stores v unless the table was invalidated since generation was read.
// A reader whose lease expired may finish computing after a write.
func (c *Cache) put(t table, key string, v any, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[t] != generation {
		return false
	}
	c.tables[t][key] = v
	return true
}

// cacheKey renders arguments in Go syntax so that strings and slices of
// strings cannot collide
func cacheKey(op string, args []any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, a := range args {
		b.WriteByte('|')
		fmt.Fprintf(&b, "%#v", a)
	}
	return b.String()
}

// access records which collections a single query touched
type access struct {
	store           *Store
	touchedVMs      bool
	touchedClusters bool
}

func (a *access) vms() map[types.VMID]*vmRecord {
	a.touchedVMs = true
	return a.store.vms
}

func (a *access) clusters() map[types.ClusterID]*clusterRecord {
	a.touchedClusters = true
	return a.store.clusters
}

// cached runs compute through the cache table t. Absent results are never
// stored. Any query routed through the VM-only or cluster-only table that
// reads the other collection is a consistency error.
func cached[T any](r *Reader, t table, op string, args []any, compute func(a *access) (T, bool)) (T, bool) {
	r.checkAccess(t, op)

	key := cacheKey(op, args)
	var generation uint64
	if r.m.cache != nil {
		v, ok, gen := r.m.cache.get(t, key)
		if ok {
			return v.(T), true
		}
		generation = gen
	}

	a := &access{store: r.m.store}
	v, ok := compute(a)
	r.m.checkPartition(t, op, a)

	if ok && r.m.cache != nil {
		r.m.cache.put(t, key, v, generation)
	}
	return v, ok
}
