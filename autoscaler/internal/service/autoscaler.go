// Package service exposes the autoscaler to operators: it reads cluster
// status from the cluster map and turns operator requests into scale
// instructions on the dispatcher's queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// Common errors for the service
var (
	// ErrClusterNotFound is returned for clusters the autoscaler does not know
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
)

// OperatorSource marks instructions submitted through the API
const OperatorSource = "operator"

// OperationTracker reports whether a cluster has a scale operation running
type OperationTracker interface {
	InFlight(clusterID types.ClusterID) bool
}

// Completion is the outcome of a cluster's last scale operation
type Completion struct {
	OperationID string
	Enabled     []types.VMID
	Disabled    []types.VMID
	Error       string
	At          time.Time
}

// ClusterStatus is a point-in-time view of one cluster
type ClusterStatus struct {
	ClusterID      types.ClusterID
	MasterVMID     types.VMID
	MasterOn       bool
	StrategyKey    string
	JobTrackerPort int
	Folder         string
	Completeness   clusterstate.Completeness
	Viable         bool
	ComputeVMs     []types.VMID
	PoweredOn      []types.VMID
	ExtraInfo      map[string]string
	LastCompletion *Completion
	InFlight       bool
}

// AutoscalerService answers status queries and accepts scale instructions
type AutoscalerService struct {
	gate    *gate.Gate[*clusterstate.ClusterMap]
	sink    types.EventSink
	tracker OperationTracker
	grace   time.Duration
	logger  *zap.Logger
}

// NewAutoscalerService creates the service. grace is the completeness grace
// period reported in status.
func NewAutoscalerService(
	g *gate.Gate[*clusterstate.ClusterMap],
	sink types.EventSink,
	tracker OperationTracker,
	grace time.Duration,
	logger *zap.Logger,
) *AutoscalerService {
	return &AutoscalerService{
		gate:    g,
		sink:    sink,
		tracker: tracker,
		grace:   grace,
		logger:  logger.Named("autoscaler-service"),
	}
}

// SetTarget asks for target powered-on compute VMs in the cluster. Returns
// the ID of the enqueued instruction.
func (s *AutoscalerService) SetTarget(ctx context.Context, clusterID types.ClusterID, target int, source string) (string, error) {
	if target < 0 {
		return "", fmt.Errorf("%w: target must not be negative", ErrInvalidArgument)
	}
	if err := s.requireCluster(clusterID); err != nil {
		return "", err
	}

	event := types.NewScaleTargetInstruction(clusterID, target, sourceOrDefault(source))
	s.sink.Enqueue(event)
	s.logger.Info("Enqueued scale target", clusterID.ZapField(), zap.Int("target", target), zap.String("eventID", event.EventID()))
	return event.EventID(), nil
}

// AdjustSize asks for delta more (or fewer) powered-on compute VMs
func (s *AutoscalerService) AdjustSize(ctx context.Context, clusterID types.ClusterID, delta int, source string) (string, error) {
	if delta == 0 {
		return "", fmt.Errorf("%w: delta must not be zero", ErrInvalidArgument)
	}
	if err := s.requireCluster(clusterID); err != nil {
		return "", err
	}

	event := types.NewScaleDeltaInstruction(clusterID, delta, sourceOrDefault(source))
	s.sink.Enqueue(event)
	s.logger.Info("Enqueued scale delta", clusterID.ZapField(), zap.Int("delta", delta), zap.String("eventID", event.EventID()))
	return event.EventID(), nil
}

func sourceOrDefault(source string) string {
	if source == "" {
		return OperatorSource
	}
	return source
}

func (s *AutoscalerService) requireCluster(clusterID types.ClusterID) error {
	if !clusterID.IsValid() {
		return fmt.Errorf("%w: cluster ID is required", ErrInvalidArgument)
	}
	return s.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		if !r.ClusterMapHasData() {
			return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
		}
		if _, ok := r.MasterVMID(clusterID); !ok {
			return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
		}
		return nil
	})
}

// ListClusters returns the known cluster IDs sorted
func (s *AutoscalerService) ListClusters(ctx context.Context) ([]types.ClusterID, error) {
	var out []types.ClusterID
	err := s.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		if !r.ClusterMapHasData() {
			return nil
		}
		out = r.AllClusterIDs().List()
		return nil
	})
	return out, err
}

// GetClusterStatus returns the status of one cluster
func (s *AutoscalerService) GetClusterStatus(ctx context.Context, clusterID types.ClusterID) (*ClusterStatus, error) {
	if !clusterID.IsValid() {
		return nil, fmt.Errorf("%w: cluster ID is required", ErrInvalidArgument)
	}

	var status *ClusterStatus
	err := s.gate.Read(func(m *clusterstate.ClusterMap) error {
		r := m.NewReader()
		if !r.ClusterMapHasData() || !r.VMMapHasData() {
			return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
		}
		masterID, ok := r.MasterVMID(clusterID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
		}

		on := true
		status = &ClusterStatus{
			ClusterID:    clusterID,
			MasterVMID:   masterID,
			Completeness: r.Completeness(clusterID, s.grace),
			Viable:       r.ClusterIsViable(clusterID),
			ComputeVMs:   r.ComputeVMsForCluster(clusterID, nil).List(),
			PoweredOn:    r.ComputeVMsForCluster(clusterID, &on).List(),
		}
		status.MasterOn, _ = r.MasterPowerState(clusterID)
		status.StrategyKey, _ = r.ScaleStrategyKey(clusterID)
		status.JobTrackerPort, _ = r.JobTrackerPort(clusterID)
		status.Folder, _ = r.FolderName(clusterID)
		if extra, ok := r.ExtraInfo(clusterID); ok {
			status.ExtraInfo = extra.Copy()
		}
		if last, ok := r.LastCompletionEvent(clusterID); ok {
			status.LastCompletion = &Completion{
				OperationID: last.OperationID,
				Enabled:     clusterstate.NewIDSet(last.Enabled).List(),
				Disabled:    clusterstate.NewIDSet(last.Disabled).List(),
				Error:       last.Err,
				At:          last.Timestamp(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.tracker != nil {
		status.InFlight = s.tracker.InFlight(clusterID)
	}
	return status, nil
}
