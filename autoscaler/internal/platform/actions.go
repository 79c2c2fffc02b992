// Package platform models the virtualization platform the autoscaler drives:
// power operations on VMs and property-change notifications per folder.
package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Common errors for platform operations
var (
	// ErrUnknownVM is returned for operations on VMs the platform does not know
	ErrUnknownVM = errors.New("unknown VM")
	// ErrUnknownFolder is returned when a folder does not exist
	ErrUnknownFolder = errors.New("unknown folder")
	// ErrPowerTimeout is returned when a power task did not finish in time
	ErrPowerTimeout = errors.New("timed out waiting for power state change")
	// ErrDisconnected is returned when the platform cannot be reached
	ErrDisconnected = errors.New("platform disconnected")
)

// Actions is the platform client consumed by the core
type Actions interface {
	// ChangeVMPowerState requests a power state change for every VM and
	// returns one task per VM. Tasks complete asynchronously.
	ChangeVMPowerState(ctx context.Context, vmIDs sets.Set[types.VMID], on bool) (map[types.VMID]*PowerTask, error)
	// WaitForPropertyChange blocks until something in the folder changed
	// after version, and returns the new version along with the changed VMs.
	// An empty version returns the full current contents of the folder.
	WaitForPropertyChange(ctx context.Context, folder, version string) (string, []types.VMEventData, error)
	// ListVMsInFolder returns the VMs in a folder
	ListVMsInFolder(ctx context.Context, folder string) ([]types.VMID, error)
}

// PowerTask is the pending result of one power state change
type PowerTask struct {
	VMID types.VMID
	On   bool

	once sync.Once
	done chan struct{}
	err  error
}

// NewPowerTask creates an unfinished task
func NewPowerTask(vmID types.VMID, on bool) *PowerTask {
	return &PowerTask{VMID: vmID, On: on, done: make(chan struct{})}
}

// Complete finishes the task. Only the first call has any effect.
func (t *PowerTask) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed when the task finishes
func (t *PowerTask) Done() <-chan struct{} {
	return t.done
}

// Finished returns true if the task completed, along with its error
func (t *PowerTask) Finished() (bool, error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

// Wait blocks until the task finishes or ctx is done
func (t *PowerTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
