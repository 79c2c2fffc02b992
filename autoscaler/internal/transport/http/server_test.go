package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/clusterstate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/gate"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/service"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.NotificationEvent
}

func (s *recordingSink) Enqueue(event types.NotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingSink, *AutoscalerClient) {
	logger := zaptest.NewLogger(t)
	cm := clusterstate.New(clusterstate.Options{}, logger)
	g := gate.New(cm, time.Second, logger)
	g.RunExclusive(func(m *clusterstate.ClusterMap) {
		m.ApplyEvent(types.NewVMCreatedEvent(types.VMEventData{
			VMID:       "c1-master",
			Constant:   &types.VMConstantData{Type: types.VMTypeMaster, ClusterID: "c1"},
			PowerState: types.Ptr(true),
			Cluster:    &types.ClusterVariableData{JobTrackerPort: types.Ptr(8021)},
		}))
		m.ApplyEvent(types.NewVMCreatedEvent(types.VMEventData{
			VMID:       "c1-w1",
			Constant:   &types.VMConstantData{Type: types.VMTypeCompute, ClusterID: "c1"},
			HostID:     types.Ptr(types.HostID("h1")),
			PowerState: types.Ptr(false),
		}))
	})

	sink := &recordingSink{}
	svc := service.NewAutoscalerService(g, sink, nil, time.Minute, logger)
	srv := httptest.NewServer(NewMux(NewAutoscalerServer(svc, logger)))
	t.Cleanup(srv.Close)
	return srv, sink, NewAutoscalerClient(srv.Client(), srv.URL, logger)
}

func call(t *testing.T, srv *httptest.Server, procedure string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	client := connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+procedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func TestServer_SetTarget(t *testing.T) {
	srv, sink, _ := newTestServer(t)

	resp, err := call(t, srv, SetTargetProcedure, map[string]any{"clusterId": "c1", "target": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.GetFields()["eventId"].GetStringValue())
	assert.Equal(t, 1, sink.Len())

	_, err = call(t, srv, SetTargetProcedure, map[string]any{"clusterId": "c1"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call(t, srv, SetTargetProcedure, map[string]any{"clusterId": "c1", "target": 1.5})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call(t, srv, SetTargetProcedure, map[string]any{"clusterId": "nope", "target": 1})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	assert.Equal(t, 1, sink.Len())
}

func TestServer_AdjustSize(t *testing.T) {
	srv, sink, _ := newTestServer(t)

	_, err := call(t, srv, AdjustSizeProcedure, map[string]any{"clusterId": "c1", "delta": -2})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.Len())

	_, err = call(t, srv, AdjustSizeProcedure, map[string]any{"clusterId": "c1", "delta": 0})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServer_StatusAndList(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := call(t, srv, ListClustersProcedure, map[string]any{})
	require.NoError(t, err)
	clusters := resp.GetFields()["clusters"].GetListValue().AsSlice()
	assert.Equal(t, []any{"c1"}, clusters)

	resp, err = call(t, srv, GetClusterStatusProcedure, map[string]any{"clusterId": "c1"})
	require.NoError(t, err)
	fields := resp.GetFields()
	assert.Equal(t, "c1-master", fields["masterVmId"].GetStringValue())
	assert.Equal(t, "complete", fields["completeness"].GetStringValue())
	assert.True(t, fields["viable"].GetBoolValue())
	assert.Equal(t, float64(8021), fields["jobTrackerPort"].GetNumberValue())
	assert.Equal(t, []any{"c1-w1"}, fields["computeVms"].GetListValue().AsSlice())
	assert.Empty(t, fields["poweredOn"].GetListValue().AsSlice())
	_, hasLast := fields["lastCompletion"]
	assert.False(t, hasLast)

	_, err = call(t, srv, GetClusterStatusProcedure, map[string]any{"clusterId": "c9"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestServer_Healthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient(t *testing.T) {
	_, sink, client := newTestServer(t)
	ctx := context.Background()

	clusters, err := client.ListClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, clusters)

	eventID, err := client.SetTarget(ctx, "c1", 1, "test")
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	_, err = client.AdjustSize(ctx, "c1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sink.Len())

	status, err := client.GetClusterStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1-master", status["masterVmId"])
	assert.Equal(t, float64(8021), status["jobTrackerPort"])

	_, err = client.GetClusterStatus(ctx, "c9")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}
