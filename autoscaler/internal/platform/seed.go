package platform

import (
	"fmt"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// DefaultJobTrackerPort is the port seeded masters advertise
const DefaultJobTrackerPort = 8021

// SeedConfig describes a demo inventory
type SeedConfig struct {
	Folder         string
	Clusters       int
	Hosts          int
	ComputePerHost int
}

// Seed fills the simulator with clusters named c1..cN. Every master runs on
// host h0 and is powered on; compute VMs are spread over h1..hN powered off.
// Returns the created cluster IDs.
func Seed(s *Simulator, config SeedConfig) ([]types.ClusterID, error) {
	var out []types.ClusterID
	for c := 1; c <= config.Clusters; c++ {
		clusterID := types.ClusterID(fmt.Sprintf("c%d", c))
		masterID := types.VMID(fmt.Sprintf("%s-master", clusterID))

		s.AddVM(config.Folder, masterID, types.VMConstantData{
			Type:             types.VMTypeMaster,
			ClusterID:        clusterID,
			ManagementFolder: config.Folder,
		}, string(masterID), "h0", true)

		err := s.SetClusterData(masterID, types.ClusterVariableData{
			JobTrackerPort: types.Ptr(DefaultJobTrackerPort),
			FolderName:     types.Ptr(config.Folder),
		})
		if err != nil {
			return nil, err
		}

		n := 0
		for h := 1; h <= config.Hosts; h++ {
			host := types.HostID(fmt.Sprintf("h%d", h))
			for i := 0; i < config.ComputePerHost; i++ {
				n++
				vmID := types.VMID(fmt.Sprintf("%s-w%d", clusterID, n))
				s.AddVM(config.Folder, vmID, types.VMConstantData{
					Type:      types.VMTypeCompute,
					ClusterID: clusterID,
				}, string(vmID), host, false)
			}
		}
		out = append(out, clusterID)
	}
	return out, nil
}
