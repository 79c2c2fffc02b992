// Package gate provides a multiple-reader single-writer gate around a shared
// state object.
//
// Readers register their goroutine while they hold the state. A writer takes
// an exclusive lock, blocks new readers, and waits for registered readers to
// drain. Readers that do not drain within the configured timeout have their
// leases expired so that the writer is never blocked indefinitely.
package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultDrainTimeout bounds how long a writer waits for readers to drain
const DefaultDrainTimeout = 10 * time.Second

// ExpiredLeaseRetention is how long an evicted lease is remembered. Releasing
// it later than that reports ErrNotReading instead of ErrLeaseExpired.
const ExpiredLeaseRetention = 10 * time.Minute

// Errors returned for misuse of the gate
var (
	// ErrAlreadyReading is returned when a goroutine acquires a second read lease
	ErrAlreadyReading = errors.New("goroutine already holds a read lease")
	// ErrNotReading is returned when releasing a lease that is not registered
	ErrNotReading = errors.New("read lease is not registered")
	// ErrLeaseExpired is returned when releasing a lease that a writer evicted
	ErrLeaseExpired = errors.New("read lease expired while a writer was waiting")
)

// Gate guards a state object of type T
type Gate[T any] struct {
	state        T
	drainTimeout time.Duration
	clock        clock.PassiveClock
	logger       *zap.Logger

	// writerMu serializes writers
	writerMu sync.Mutex

	// mu guards everything below
	mu        sync.Mutex
	readers   map[int64]uint64
	expired   map[uint64]time.Time
	writing   bool
	changed   chan struct{}
	nextLease uint64
}

// ReadHandle is a registered read lease
type ReadHandle[T any] struct {
	gate      *Gate[T]
	goroutine int64
	lease     uint64
}

// New creates a gate around state
func New[T any](state T, drainTimeout time.Duration, logger *zap.Logger) *Gate[T] {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Gate[T]{
		state:        state,
		drainTimeout: drainTimeout,
		clock:        clock.RealClock{},
		logger:       logger.Named("gate"),
		readers:      make(map[int64]uint64),
		expired:      make(map[uint64]time.Time),
		changed:      make(chan struct{}),
	}
}

// AcquireRead registers the calling goroutine as a reader. It blocks while a
// writer holds the gate. A goroutine that already holds a lease gets
// ErrAlreadyReading instead of deadlocking against a waiting writer.
func (g *Gate[T]) AcquireRead() (*ReadHandle[T], error) {
	gid := goid.Get()

	g.mu.Lock()
	if _, ok := g.readers[gid]; ok {
		g.mu.Unlock()
		g.logger.DPanic("Goroutine tried to acquire a second read lease",
			zap.Int64("goroutine", gid))
		return nil, ErrAlreadyReading
	}

	for g.writing {
		ch := g.changed
		g.mu.Unlock()
		<-ch
		g.mu.Lock()
	}

	g.nextLease++
	lease := g.nextLease
	g.readers[gid] = lease
	g.mu.Unlock()

	return &ReadHandle[T]{gate: g, goroutine: gid, lease: lease}, nil
}

// ReleaseRead removes the lease. Releasing a lease that is not registered is
// a programmer error and returns ErrNotReading; releasing a lease that a
// writer evicted returns ErrLeaseExpired.
func (g *Gate[T]) ReleaseRead(h *ReadHandle[T]) error {
	if h == nil {
		return ErrNotReading
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lease, ok := g.readers[h.goroutine]
	if !ok || lease != h.lease {
		if _, wasExpired := g.expired[h.lease]; wasExpired {
			delete(g.expired, h.lease)
			g.logger.Warn("Released a read lease that had already expired",
				zap.Int64("goroutine", h.goroutine),
				zap.Uint64("lease", h.lease))
			return ErrLeaseExpired
		}
		g.logger.DPanic("Released a read lease that is not registered",
			zap.Int64("goroutine", h.goroutine),
			zap.Uint64("lease", h.lease))
		return ErrNotReading
	}

	delete(g.readers, h.goroutine)
	g.broadcastLocked()
	return nil
}

// RunExclusive runs fn with exclusive access to the state. New readers block
// until fn returns. fn must not call back into the gate.
func (g *Gate[T]) RunExclusive(fn func(state T)) {
	g.writerMu.Lock()
	defer g.writerMu.Unlock()

	g.mu.Lock()
	g.writing = true
	g.waitForReadersLocked()
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.writing = false
		g.broadcastLocked()
		g.mu.Unlock()
	}()

	fn(g.state)
}

// Read runs fn while holding a read lease
func (g *Gate[T]) Read(fn func(state T) error) error {
	h, err := g.AcquireRead()
	if err != nil {
		return err
	}

	fnErr := fn(h.State())
	if err := h.Release(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// ActiveReaders returns the number of registered read leases
func (g *Gate[T]) ActiveReaders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.readers)
}

// Writing returns true while a writer holds the gate
func (g *Gate[T]) Writing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writing
}

// waitForReadersLocked waits until the reader set is empty or the drain
// timeout passes. Called and returns with g.mu held.
func (g *Gate[T]) waitForReadersLocked() {
	if len(g.readers) == 0 {
		return
	}

	timer := time.NewTimer(g.drainTimeout)
	defer timer.Stop()

	for len(g.readers) > 0 {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ch:
			g.mu.Lock()
		case <-timer.C:
			g.mu.Lock()
			g.evictLocked()
			return
		}
	}
}

// evictLocked expires every outstanding lease
func (g *Gate[T]) evictLocked() {
	if len(g.readers) == 0 {
		return
	}

	now := g.clock.Now()
	for lease, at := range g.expired {
		if now.Sub(at) > ExpiredLeaseRetention {
			delete(g.expired, lease)
		}
	}

	goroutines := make([]int64, 0, len(g.readers))
	for gid, lease := range g.readers {
		goroutines = append(goroutines, gid)
		g.expired[lease] = now
	}
	g.readers = make(map[int64]uint64)

	g.logger.Error("Readers did not drain before the timeout, expiring their leases",
		zap.Duration("drainTimeout", g.drainTimeout),
		zap.Int64s("goroutines", goroutines))
}

// broadcastLocked wakes every goroutine waiting on the current change channel
func (g *Gate[T]) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// State returns the guarded state
func (h *ReadHandle[T]) State() T {
	return h.gate.state
}

// Release is shorthand for ReleaseRead
func (h *ReadHandle[T]) Release() error {
	return h.gate.ReleaseRead(h)
}
