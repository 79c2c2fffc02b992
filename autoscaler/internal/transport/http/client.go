package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// AutoscalerClient calls the autoscaler's Connect API
type AutoscalerClient struct {
	setTarget  *connect.Client[structpb.Struct, structpb.Struct]
	adjustSize *connect.Client[structpb.Struct, structpb.Struct]
	status     *connect.Client[structpb.Struct, structpb.Struct]
	list       *connect.Client[structpb.Struct, structpb.Struct]
	logger     *zap.Logger
}

// NewAutoscalerClient creates a client for the server at baseURL
func NewAutoscalerClient(httpClient connect.HTTPClient, baseURL string, logger *zap.Logger, opts ...connect.ClientOption) *AutoscalerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	newClient := func(procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
		return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	}
	return &AutoscalerClient{
		setTarget:  newClient(SetTargetProcedure),
		adjustSize: newClient(AdjustSizeProcedure),
		status:     newClient(GetClusterStatusProcedure),
		list:       newClient(ListClustersProcedure),
		logger:     logger.Named("autoscaler-client"),
	}
}

// SetTarget asks for an absolute number of powered-on compute VMs and
// returns the instruction's event ID
func (c *AutoscalerClient) SetTarget(ctx context.Context, clusterID string, target int, source string) (string, error) {
	resp, err := c.call(ctx, c.setTarget, map[string]any{"clusterId": clusterID, "target": target, "source": source})
	if err != nil {
		return "", fmt.Errorf("failed to set target: %w", err)
	}
	return resp.GetFields()["eventId"].GetStringValue(), nil
}

// AdjustSize asks for delta more or fewer compute VMs
func (c *AutoscalerClient) AdjustSize(ctx context.Context, clusterID string, delta int, source string) (string, error) {
	resp, err := c.call(ctx, c.adjustSize, map[string]any{"clusterId": clusterID, "delta": delta, "source": source})
	if err != nil {
		return "", fmt.Errorf("failed to adjust size: %w", err)
	}
	return resp.GetFields()["eventId"].GetStringValue(), nil
}

// GetClusterStatus returns the cluster's status as plain values
func (c *AutoscalerClient) GetClusterStatus(ctx context.Context, clusterID string) (map[string]any, error) {
	resp, err := c.call(ctx, c.status, map[string]any{"clusterId": clusterID})
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster status: %w", err)
	}
	return resp.AsMap(), nil
}

// ListClusters returns the known cluster IDs
func (c *AutoscalerClient) ListClusters(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, c.list, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	values := resp.GetFields()["clusters"].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out, nil
}

func (c *AutoscalerClient) call(
	ctx context.Context,
	client *connect.Client[structpb.Struct, structpb.Struct],
	fields map[string]any,
) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		c.logger.Debug("Call failed", zap.Stringer("code", connect.CodeOf(err)), zap.Error(err))
		return nil, err
	}
	return resp.Msg, nil
}
