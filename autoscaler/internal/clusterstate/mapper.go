package clusterstate

import (
	"strconv"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// Extra info keys written by DefaultMapper
const (
	ExtraInfoTargetComputeNodes = "targetComputeNodes"
	ExtraInfoMinComputeNodes    = "minComputeNodes"
	ExtraInfoMaxComputeNodes    = "maxComputeNodes"
)

// DefaultStrategyKey is used for clusters that never named a strategy
const DefaultStrategyKey = "manual"

// ConfigInstructionSource marks scale instructions implied by cluster data
const ConfigInstructionSource = "cluster-config"

// ExtraInfoMapper turns the variable data carried by a master VM into the
// cluster's strategy key and extra info, and decides which scale events a
// change implies
type ExtraInfoMapper interface {
	// StrategyKey returns the strategy key given the current key and new data
	StrategyKey(current string, data *types.ClusterVariableData) string
	// ParseExtraInfo returns the extra info entries present in data
	ParseExtraInfo(data *types.ClusterVariableData) map[string]string
	// ImpliedScaleEvents is called when a cluster's extra info changed
	ImpliedScaleEvents(clusterID types.ClusterID, previous, current map[string]string) []types.ClusterScaleEvent
}

// DefaultMapper stores node limits as extra info and implies a target
// instruction whenever the configured target changes
type DefaultMapper struct{}

var _ ExtraInfoMapper = DefaultMapper{}

func (DefaultMapper) StrategyKey(current string, data *types.ClusterVariableData) string {
	if data != nil && data.ScaleStrategy != nil && *data.ScaleStrategy != "" {
		return *data.ScaleStrategy
	}
	if current == "" {
		return DefaultStrategyKey
	}
	return current
}

func (DefaultMapper) ParseExtraInfo(data *types.ClusterVariableData) map[string]string {
	out := make(map[string]string)
	if data == nil {
		return out
	}
	for k, v := range data.ExtraInfo {
		out[k] = v
	}
	if data.TargetComputeNodes != nil {
		out[ExtraInfoTargetComputeNodes] = strconv.Itoa(*data.TargetComputeNodes)
	}
	if data.MinComputeNodes != nil {
		out[ExtraInfoMinComputeNodes] = strconv.Itoa(*data.MinComputeNodes)
	}
	if data.MaxComputeNodes != nil {
		out[ExtraInfoMaxComputeNodes] = strconv.Itoa(*data.MaxComputeNodes)
	}
	return out
}

func (DefaultMapper) ImpliedScaleEvents(clusterID types.ClusterID, previous, current map[string]string) []types.ClusterScaleEvent {
	target, ok := current[ExtraInfoTargetComputeNodes]
	if !ok || target == previous[ExtraInfoTargetComputeNodes] {
		return nil
	}
	n, err := strconv.Atoi(target)
	if err != nil || n < 0 {
		return nil
	}
	return []types.ClusterScaleEvent{types.NewScaleTargetInstruction(clusterID, n, ConfigInstructionSource)}
}
