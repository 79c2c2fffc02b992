package clusterstate

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// IDSet is a read-only set returned by queries. It has no mutators; List and
// Clone return fresh copies that the caller owns.
type IDSet[T ~string] struct {
	items sets.Set[T]
}

func newIDSet[T ~string](items sets.Set[T]) IDSet[T] {
	return IDSet[T]{items: items}
}

// NewIDSet wraps a copy of items
func NewIDSet[T ~string](items sets.Set[T]) IDSet[T] {
	return newIDSet(items.Clone())
}

// Has returns true if id is in the set
func (s IDSet[T]) Has(id T) bool {
	return s.items.Has(id)
}

// Len returns the number of items
func (s IDSet[T]) Len() int {
	return s.items.Len()
}

// IsEmpty returns true if the set holds no items
func (s IDSet[T]) IsEmpty() bool {
	return s.items.Len() == 0
}

// List returns the items sorted
func (s IDSet[T]) List() []T {
	return sets.List(s.items)
}

// Clone returns a mutable copy of the set
func (s IDSet[T]) Clone() sets.Set[T] {
	if s.items == nil {
		return sets.New[T]()
	}
	return s.items.Clone()
}

// Map is a read-only map returned by queries
type Map[K ~string, V any] struct {
	items map[K]V
}

func newMap[K ~string, V any](items map[K]V) Map[K, V] {
	return Map[K, V]{items: items}
}

// Get returns the value for key
func (m Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

// Len returns the number of entries
func (m Map[K, V]) Len() int {
	return len(m.items)
}

// Keys returns the keys sorted
func (m Map[K, V]) Keys() []K {
	keys := sets.KeySet(m.items)
	return sets.List(keys)
}

// Copy returns a mutable copy of the map
func (m Map[K, V]) Copy() map[K]V {
	out := make(map[K]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}
