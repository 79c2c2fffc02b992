package execution

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a closed pool
var ErrPoolClosed = errors.New("worker pool is closed")

// Default pool limits
const (
	DefaultMaxWorkers  = 16
	DefaultIdleTimeout = 60 * time.Second
)

// Pool is an elastic worker pool. Workers are started on demand up to a
// maximum and exit after sitting idle for the idle timeout. Tasks submitted
// while every worker is busy wait in an unbounded backlog, so Submit never
// blocks.
type Pool struct {
	maxWorkers  int
	idleTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	backlog []func()
	workers int
	idle    int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool with no running workers
func NewPool(maxWorkers int, idleTimeout time.Duration, logger *zap.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		logger:      logger.Named("pool"),
		wake:        make(chan struct{}, maxWorkers),
		done:        make(chan struct{}),
	}
}

// Submit schedules task on a worker
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.backlog = append(p.backlog, task)

	if p.idle > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	// Idle workers cover at most p.idle tasks of the backlog
	if len(p.backlog) > p.idle && p.workers < p.maxWorkers {
		p.workers++
		p.wg.Add(1)
		go p.worker()
		p.logger.Debug("Started worker", zap.Int("workers", p.workers))
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		task()
	}
}

// next blocks until a task is available. It returns false when the worker
// should exit, either because it idled out or because the pool closed.
func (p *Pool) next() (func(), bool) {
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.backlog) > 0 {
			task := p.backlog[0]
			p.backlog[0] = nil
			p.backlog = p.backlog[1:]
			return task, true
		}
		if p.closed {
			p.workers--
			return nil, false
		}

		p.idle++
		p.mu.Unlock()
		expired := false
		select {
		case <-p.wake:
		case <-p.done:
		case <-timer.C:
			expired = true
		}
		p.mu.Lock()
		p.idle--

		if expired && len(p.backlog) == 0 {
			p.workers--
			p.logger.Debug("Idle worker exited", zap.Int("workers", p.workers))
			return nil, false
		}
	}
}

// Workers returns the number of running workers
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Backlog returns the number of tasks waiting for a worker
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
