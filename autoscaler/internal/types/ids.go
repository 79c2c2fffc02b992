package types

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Common errors for ID validation
var (
	ErrEmptyID = errors.New("ID cannot be empty")
)

// ClusterID identifies a cluster. It is assigned when the master VM is first
// discovered and never changes afterwards.
type ClusterID string

// VMID is the platform-stable reference of a virtual machine
type VMID string

// HostID is the platform reference of a hypervisor host
type HostID string

// NewClusterID creates a ClusterID from a string, trimming surrounding whitespace
// Returns an error if the resulting ID would be empty
func NewClusterID(id string) (ClusterID, error) {
	cleanID := strings.TrimSpace(id)
	if cleanID == "" {
		return "", ErrEmptyID
	}
	return ClusterID(cleanID), nil
}

// IsValid returns true if the cluster ID is valid (not empty)
func (c ClusterID) IsValid() bool {
	return c != ""
}

// String returns the raw cluster ID
func (c ClusterID) String() string {
	return string(c)
}

func (c ClusterID) ZapField() zap.Field {
	if !c.IsValid() {
		return zap.Skip()
	}
	return zap.String("clusterID", string(c))
}

// NewVMID creates a VMID from a string
// Returns an error if the resulting ID would be empty
func NewVMID(id string) (VMID, error) {
	cleanID := strings.TrimSpace(id)
	if cleanID == "" {
		return "", ErrEmptyID
	}
	return VMID(cleanID), nil
}

func (v VMID) IsValid() bool {
	return v != ""
}

// String returns the raw VM ID
func (v VMID) String() string {
	return string(v)
}

func (v VMID) ZapField() zap.Field {
	if !v.IsValid() {
		return zap.Skip()
	}
	return zap.String("vmID", string(v))
}

func (h HostID) IsValid() bool {
	return h != ""
}

// String returns the raw host ID
func (h HostID) String() string {
	return string(h)
}

func (h HostID) ZapField() zap.Field {
	if !h.IsValid() {
		return zap.Skip()
	}
	return zap.String("hostID", string(h))
}

// VMType is the immutable role of a VM inside its cluster
type VMType int

const (
	// VMTypeCompute is a worker node that the autoscaler powers on and off
	VMTypeCompute VMType = iota
	// VMTypeMaster is the single master node of a cluster
	VMTypeMaster
)

func (t VMType) String() string {
	switch t {
	case VMTypeMaster:
		return "master"
	case VMTypeCompute:
		return "compute"
	default:
		return "unknown"
	}
}
