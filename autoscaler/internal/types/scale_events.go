package types

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ErrClusterAlreadySet is returned when a scale event's cluster is derived twice
var ErrClusterAlreadySet = errors.New("cluster ID already set on scale event")

// ScaleScope says what a scale event applies to. At least one field must be
// set; the dispatcher derives the rest before the event reaches a strategy.
type ScaleScope struct {
	VMID      VMID
	HostID    HostID
	ClusterID ClusterID
	// Folder names the platform folder holding the cluster's VMs
	Folder string

	clusterDerived bool
}

// HasTarget returns true if any of the scope fields is set
func (s *ScaleScope) HasTarget() bool {
	return s.VMID.IsValid() || s.HostID.IsValid() || s.ClusterID.IsValid() || s.Folder != ""
}

// SetClusterID fills in a cluster ID that arrived unset. It may only be
// called once, and never on a scope that already names a cluster.
func (s *ScaleScope) SetClusterID(id ClusterID) error {
	if s.ClusterID.IsValid() {
		return ErrClusterAlreadySet
	}
	s.ClusterID = id
	s.clusterDerived = true
	return nil
}

// ClusterDerived reports whether the cluster ID was filled in by resolution
func (s *ScaleScope) ClusterDerived() bool {
	return s.clusterDerived
}

// BackfillHostID sets the host ID if it is unset. Returns true if it changed.
func (s *ScaleScope) BackfillHostID(id HostID) bool {
	if s.HostID.IsValid() || !id.IsValid() {
		return false
	}
	s.HostID = id
	return true
}

// Fields returns the scope as zap fields
func (s *ScaleScope) Fields() []zap.Field {
	fields := []zap.Field{s.ClusterID.ZapField(), s.VMID.ZapField(), s.HostID.ZapField()}
	if s.Folder != "" {
		fields = append(fields, zap.String("folder", s.Folder))
	}
	return fields
}

// ClusterScaleEvent asks the owning cluster's strategy to re-evaluate its size
type ClusterScaleEvent interface {
	NotificationEvent
	// Scope returns the mutable scope of the event
	Scope() *ScaleScope
	// ForCluster returns a copy of the event bound to the given cluster
	ForCluster(id ClusterID) ClusterScaleEvent
}

// ScaleInstructionEvent is an explicit operator instruction: either an
// absolute target number of powered-on compute VMs, or a relative delta.
// Instructions clear any queued demand snapshots.
type ScaleInstructionEvent struct {
	EventBase
	ScaleScope
	Target *int
	Delta  int
	Source string
}

// NewScaleTargetInstruction creates an instruction with an absolute target
func NewScaleTargetInstruction(clusterID ClusterID, target int, source string) *ScaleInstructionEvent {
	return &ScaleInstructionEvent{
		EventBase:  NewEventBase(),
		ScaleScope: ScaleScope{ClusterID: clusterID},
		Target:     Ptr(target),
		Source:     source,
	}
}

// NewScaleDeltaInstruction creates an instruction with a relative delta
func NewScaleDeltaInstruction(clusterID ClusterID, delta int, source string) *ScaleInstructionEvent {
	return &ScaleInstructionEvent{
		EventBase:  NewEventBase(),
		ScaleScope: ScaleScope{ClusterID: clusterID},
		Delta:      delta,
		Source:     source,
	}
}

func (e *ScaleInstructionEvent) Scope() *ScaleScope {
	return &e.ScaleScope
}

func (e *ScaleInstructionEvent) CanClearQueue() bool {
	return true
}

// DedupeKey collapses identical absolute targets from the same source. Deltas
// never collapse since two +1 instructions mean +2.
func (e *ScaleInstructionEvent) DedupeKey() string {
	if e.Target == nil {
		return e.ID
	}
	return fmt.Sprintf("instruction/%s/%s/%s/%s/%s/%d",
		e.ClusterID, e.VMID, e.HostID, e.Folder, e.Source, *e.Target)
}

func (e *ScaleInstructionEvent) ForCluster(id ClusterID) ClusterScaleEvent {
	c := *e
	c.ID = e.ID + "/" + id.String()
	c.ScaleScope.ClusterID = id
	c.ScaleScope.clusterDerived = true
	return &c
}

// ScaleDemandEvent is a snapshot of outstanding work on a cluster. Only the
// latest snapshot matters, so queued snapshots may be cleared.
type ScaleDemandEvent struct {
	EventBase
	ScaleScope
	PendingWork  int
	SlotsPerNode int
}

// NewScaleDemandEvent creates a demand snapshot for a cluster
func NewScaleDemandEvent(clusterID ClusterID, pendingWork, slotsPerNode int) *ScaleDemandEvent {
	return &ScaleDemandEvent{
		EventBase:    NewEventBase(),
		ScaleScope:   ScaleScope{ClusterID: clusterID},
		PendingWork:  pendingWork,
		SlotsPerNode: slotsPerNode,
	}
}

func (e *ScaleDemandEvent) Scope() *ScaleScope {
	return &e.ScaleScope
}

func (e *ScaleDemandEvent) CanBeCleared() bool {
	return true
}

func (e *ScaleDemandEvent) ForCluster(id ClusterID) ClusterScaleEvent {
	c := *e
	c.ID = e.ID + "/" + id.String()
	c.ScaleScope.ClusterID = id
	c.ScaleScope.clusterDerived = true
	return &c
}

// HostChangeEvent reports that a host's capacity or availability changed.
// It fans out to every cluster with compute VMs on the host.
type HostChangeEvent struct {
	EventBase
	ScaleScope
	Reason string
}

// NewHostChangeEvent creates a host-scoped scale event
func NewHostChangeEvent(hostID HostID, reason string) *HostChangeEvent {
	return &HostChangeEvent{
		EventBase:  NewEventBase(),
		ScaleScope: ScaleScope{HostID: hostID},
		Reason:     reason,
	}
}

func (e *HostChangeEvent) Scope() *ScaleScope {
	return &e.ScaleScope
}

// DedupeKey collapses repeated notifications for the same host and cluster
func (e *HostChangeEvent) DedupeKey() string {
	return fmt.Sprintf("host/%s/%s/%s/%s/%s", e.HostID, e.ClusterID, e.VMID, e.Folder, e.Reason)
}

func (e *HostChangeEvent) ForCluster(id ClusterID) ClusterScaleEvent {
	c := *e
	c.ID = e.ID + "/" + id.String()
	c.ScaleScope.ClusterID = id
	c.ScaleScope.clusterDerived = true
	return &c
}

// ClusterScaleCompletionEvent reports the outcome of one scale operation
type ClusterScaleCompletionEvent struct {
	EventBase
	ClusterID   ClusterID
	OperationID string
	Enabled     sets.Set[VMID]
	Disabled    sets.Set[VMID]
	// Err is empty when the operation reached its target
	Err string
}

// NewClusterScaleCompletionEvent creates an empty completion for an operation
func NewClusterScaleCompletionEvent(clusterID ClusterID, operationID string) *ClusterScaleCompletionEvent {
	return &ClusterScaleCompletionEvent{
		EventBase:   NewEventBase(),
		ClusterID:   clusterID,
		OperationID: operationID,
		Enabled:     sets.New[VMID](),
		Disabled:    sets.New[VMID](),
	}
}

// Succeeded returns true if the operation reported no error
func (e *ClusterScaleCompletionEvent) Succeeded() bool {
	return e.Err == ""
}
