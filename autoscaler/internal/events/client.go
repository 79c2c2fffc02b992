package events

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// SendScaleEventProcedure is the receiver's Connect procedure
const SendScaleEventProcedure = "/vhm.autoscaler.v1.ScaleEventService/SendScaleEvent"

// ScaleEventClient is a client for a ScaleEventService receiver
type ScaleEventClient struct {
	client     *connect.Client[structpb.Struct, structpb.Struct]
	httpClient *http.Client
}

// NewScaleEventClient creates a new client for the receiver at endpoint.
// A bare host:port is addressed over plain HTTP.
func NewScaleEventClient(endpoint string) *ScaleEventClient {
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
	}

	baseURL := endpoint
	if !strings.Contains(endpoint, "://") {
		baseURL = fmt.Sprintf("http://%s", endpoint)
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](
		httpClient,
		strings.TrimRight(baseURL, "/")+SendScaleEventProcedure,
	)

	return &ScaleEventClient{
		client:     client,
		httpClient: httpClient,
	}
}

// Send delivers a single scale event to the receiver
func (c *ScaleEventClient) Send(ctx context.Context, event *structpb.Struct) error {
	if _, err := c.client.CallUnary(ctx, connect.NewRequest(event)); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}
