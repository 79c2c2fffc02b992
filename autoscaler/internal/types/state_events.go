package types

// VMConstantData is reported the first time a VM is seen and never changes
type VMConstantData struct {
	Type      VMType
	ClusterID ClusterID
	// ManagementFolder is the folder the cluster was provisioned into
	ManagementFolder string
}

// ClusterVariableData is cluster-level configuration carried by the master
// VM. Nil fields were not part of the notification.
type ClusterVariableData struct {
	ScaleStrategy      *string
	JobTrackerPort     *int
	TargetComputeNodes *int
	MinComputeNodes    *int
	MaxComputeNodes    *int
	FolderName         *string
	ExtraInfo          map[string]string
}

// IsEmpty returns true if the notification carried no cluster data
func (d *ClusterVariableData) IsEmpty() bool {
	if d == nil {
		return true
	}
	return d.ScaleStrategy == nil &&
		d.JobTrackerPort == nil &&
		d.TargetComputeNodes == nil &&
		d.MinComputeNodes == nil &&
		d.MaxComputeNodes == nil &&
		d.FolderName == nil &&
		len(d.ExtraInfo) == 0
}

// VMEventData is a single VM notification from the platform. Pointer fields
// are nil when the property was not part of the change set.
type VMEventData struct {
	VMID    VMID
	Removed bool

	Constant *VMConstantData

	Name         *string
	HostID       *HostID
	PowerState   *bool
	DNSName      *string
	VCPUCount    *int
	NICAddresses map[string][]string

	Cluster *ClusterVariableData
}

// IsMaster returns true if the notification identifies a master VM
func (d *VMEventData) IsMaster() bool {
	return d.Constant != nil && d.Constant.Type == VMTypeMaster
}

// ClusterStateChangeEvent is applied to the cluster state store by the
// dispatcher under the exclusive lock
type ClusterStateChangeEvent interface {
	NotificationEvent
	isClusterStateChange()
}

// VMCreatedEvent reports a VM seen for the first time
type VMCreatedEvent struct {
	EventBase
	Data VMEventData
}

// NewVMCreatedEvent creates an event for a newly discovered VM
func NewVMCreatedEvent(data VMEventData) *VMCreatedEvent {
	return &VMCreatedEvent{EventBase: NewEventBase(), Data: data}
}

func (*VMCreatedEvent) isClusterStateChange() {}

// VMUpdatedEvent reports changed properties of a known VM
type VMUpdatedEvent struct {
	EventBase
	Data VMEventData
}

// NewVMUpdatedEvent creates an update event
func NewVMUpdatedEvent(data VMEventData) *VMUpdatedEvent {
	return &VMUpdatedEvent{EventBase: NewEventBase(), Data: data}
}

func (*VMUpdatedEvent) isClusterStateChange() {}

// ClusterUpdatedEvent carries cluster variable data read from a master VM
type ClusterUpdatedEvent struct {
	EventBase
	MasterVMID VMID
	Data       ClusterVariableData
}

// NewClusterUpdatedEvent creates a cluster update keyed by its master VM
func NewClusterUpdatedEvent(masterVMID VMID, data ClusterVariableData) *ClusterUpdatedEvent {
	return &ClusterUpdatedEvent{EventBase: NewEventBase(), MasterVMID: masterVMID, Data: data}
}

func (*ClusterUpdatedEvent) isClusterStateChange() {}

// VMRemovedEvent reports that a VM no longer exists
type VMRemovedEvent struct {
	EventBase
	VMID VMID
}

// NewVMRemovedEvent creates a removal event
func NewVMRemovedEvent(vmID VMID) *VMRemovedEvent {
	return &VMRemovedEvent{EventBase: NewEventBase(), VMID: vmID}
}

func (*VMRemovedEvent) isClusterStateChange() {}
