package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// Report is the outcome of one sweep
type Report struct {
	Complete           int
	RecentlyIncomplete int
	LongIncomplete     []types.ClusterID
}

// Manager periodically classifies every cluster's completeness and warns
// about clusters that have been incomplete for longer than the grace period
type Manager struct {
	gate     *gate.Gate[*clusterstate.ClusterMap]
	interval time.Duration
	grace    time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	// last classification per cluster, used to log transitions once
	mu   sync.Mutex
	last map[types.ClusterID]clusterstate.Completeness
}

// NewManager creates a new health manager
func NewManager(g *gate.Gate[*clusterstate.ClusterMap], interval, grace time.Duration, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		gate:     g,
		interval: interval,
		grace:    grace,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("health-job"),
		last:     make(map[types.ClusterID]clusterstate.Completeness),
	}
}

// Start begins the health job in a goroutine
func (m *Manager) Start() {
	m.logger.Info("Starting health job",
		zap.Duration("interval", m.interval),
		zap.Duration("grace", m.grace))
	go m.runJob()
}

// Stop cancels the health job
func (m *Manager) Stop() {
	m.logger.Info("Stopping health job")
	m.cancel()
}

func (m *Manager) runJob() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Health job shutting down")
			return
		case <-ticker.C:
			report, err := m.Sweep()
			if err != nil {
				m.logger.Error("Error during health sweep", zap.Error(err))
			} else if len(report.LongIncomplete) > 0 {
				m.logger.Warn("Clusters incomplete past grace period",
					zap.Int("count", len(report.LongIncomplete)),
					zap.Int("complete", report.Complete))
			}
		}
	}
}

// Sweep classifies every known cluster once
func (m *Manager) Sweep() (Report, error) {
	var report Report
	current := make(map[types.ClusterID]clusterstate.Completeness)

	err := m.gate.Read(func(cm *clusterstate.ClusterMap) error {
		r := cm.NewReader()
		if !r.ClusterMapHasData() {
			return nil
		}
		for _, id := range r.AllClusterIDs().List() {
			c := r.Completeness(id, m.grace)
			current[id] = c
			switch c {
			case clusterstate.Complete:
				report.Complete++
			case clusterstate.RecentlyIncomplete:
				report.RecentlyIncomplete++
			case clusterstate.LongIncomplete:
				report.LongIncomplete = append(report.LongIncomplete, id)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	m.logTransitions(current)
	return report, nil
}

func (m *Manager) logTransitions(current map[types.ClusterID]clusterstate.Completeness) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range current {
		prev, seen := m.last[id]
		if seen && prev == c {
			continue
		}
		fields := []zap.Field{id.ZapField(), zap.Stringer("completeness", c)}
		switch {
		case c == clusterstate.LongIncomplete:
			m.logger.Warn("Cluster has been incomplete past the grace period", fields...)
		case seen:
			m.logger.Info("Cluster completeness changed",
				append(fields, zap.Stringer("previous", prev))...)
		}
	}
	m.last = current
}
