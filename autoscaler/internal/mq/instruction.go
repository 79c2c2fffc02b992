// Package mq carries scale instructions over a Redis list. Operators and
// external schedulers push JSON instructions; the consumer turns them into
// scale events for the dispatcher.
package mq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ErrInvalidInstruction is returned for messages that do not describe a
// scale event
var ErrInvalidInstruction = errors.New("invalid instruction")

// Instruction kinds
const (
	KindTarget = "target"
	KindDelta  = "delta"
	KindDemand = "demand"
	KindHost   = "host"
)

// DefaultSource marks instructions that did not name a source
const DefaultSource = "mq"

// Instruction is the wire form of a scale event
type Instruction struct {
	Kind string `json:"kind"`

	ClusterID string `json:"clusterId,omitempty"`
	VMID      string `json:"vmId,omitempty"`
	HostID    string `json:"hostId,omitempty"`
	Folder    string `json:"folder,omitempty"`

	Target *int   `json:"target,omitempty"`
	Delta  int    `json:"delta,omitempty"`
	Source string `json:"source,omitempty"`

	PendingWork  int `json:"pendingWork,omitempty"`
	SlotsPerNode int `json:"slotsPerNode,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Decode parses a message into a scale event
func Decode(data []byte) (types.ClusterScaleEvent, error) {
	var in Instruction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	return in.Event()
}

// Encode serializes an instruction
func Encode(in Instruction) ([]byte, error) {
	if _, err := in.Event(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

// Event converts the instruction into a scale event
func (in Instruction) Event() (types.ClusterScaleEvent, error) {
	scope := types.ScaleScope{
		ClusterID: types.ClusterID(in.ClusterID),
		VMID:      types.VMID(in.VMID),
		HostID:    types.HostID(in.HostID),
		Folder:    in.Folder,
	}
	source := in.Source
	if source == "" {
		source = DefaultSource
	}

	var event types.ClusterScaleEvent
	switch in.Kind {
	case KindTarget:
		if in.Target == nil || *in.Target < 0 {
			return nil, fmt.Errorf("%w: target must be a non-negative number", ErrInvalidInstruction)
		}
		e := types.NewScaleTargetInstruction(scope.ClusterID, *in.Target, source)
		e.ScaleScope = scope
		event = e
	case KindDelta:
		if in.Delta == 0 {
			return nil, fmt.Errorf("%w: delta must not be zero", ErrInvalidInstruction)
		}
		e := types.NewScaleDeltaInstruction(scope.ClusterID, in.Delta, source)
		e.ScaleScope = scope
		event = e
	case KindDemand:
		if in.PendingWork < 0 || in.SlotsPerNode <= 0 {
			return nil, fmt.Errorf("%w: demand needs pendingWork >= 0 and slotsPerNode > 0", ErrInvalidInstruction)
		}
		e := types.NewScaleDemandEvent(scope.ClusterID, in.PendingWork, in.SlotsPerNode)
		e.ScaleScope = scope
		event = e
	case KindHost:
		if !scope.HostID.IsValid() {
			return nil, fmt.Errorf("%w: host instruction needs a hostId", ErrInvalidInstruction)
		}
		e := types.NewHostChangeEvent(scope.HostID, in.Reason)
		e.ScaleScope = scope
		event = e
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInstruction, in.Kind)
	}

	if !event.Scope().HasTarget() {
		return nil, fmt.Errorf("%w: no cluster, VM, host or folder named", ErrInvalidInstruction)
	}
	return event, nil
}
