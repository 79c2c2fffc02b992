package http

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/service"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ServiceName is the fully qualified name of the Connect service
const ServiceName = "vhm.autoscaler.v1.AutoscalerService"

// Procedure paths of the service
const (
	SetTargetProcedure        = "/" + ServiceName + "/SetTarget"
	AdjustSizeProcedure       = "/" + ServiceName + "/AdjustSize"
	GetClusterStatusProcedure = "/" + ServiceName + "/GetClusterStatus"
	ListClustersProcedure     = "/" + ServiceName + "/ListClusters"
)

// AutoscalerServer implements the Connect AutoscalerService. Messages are
// structpb.Struct values so the API needs no generated code.
type AutoscalerServer struct {
	service *service.AutoscalerService
	logger  *zap.Logger
}

// NewAutoscalerServer creates a new instance of AutoscalerServer
func NewAutoscalerServer(svc *service.AutoscalerService, logger *zap.Logger) *AutoscalerServer {
	return &AutoscalerServer{
		service: svc,
		logger:  logger.Named("autoscaler-server"),
	}
}

// Handler returns the service's path prefix and handler
func (s *AutoscalerServer) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(SetTargetProcedure, connect.NewUnaryHandler(SetTargetProcedure, s.SetTarget, opts...))
	mux.Handle(AdjustSizeProcedure, connect.NewUnaryHandler(AdjustSizeProcedure, s.AdjustSize, opts...))
	mux.Handle(GetClusterStatusProcedure, connect.NewUnaryHandler(GetClusterStatusProcedure, s.GetClusterStatus, opts...))
	mux.Handle(ListClustersProcedure, connect.NewUnaryHandler(ListClustersProcedure, s.ListClusters, opts...))
	return "/" + ServiceName + "/", mux
}

// SetTarget implements the SetTarget method: {clusterId, target, source?}
func (s *AutoscalerServer) SetTarget(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	clusterID := stringField(req.Msg, "clusterId")
	target, err := intField(req.Msg, "target")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	eventID, err := s.service.SetTarget(ctx, types.ClusterID(clusterID), target, stringField(req.Msg, "source"))
	if err != nil {
		s.logger.Warn("Failed to set target", zap.String("clusterID", clusterID), zap.Error(err))
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"eventId": eventID})
}

// AdjustSize implements the AdjustSize method: {clusterId, delta, source?}
func (s *AutoscalerServer) AdjustSize(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	clusterID := stringField(req.Msg, "clusterId")
	delta, err := intField(req.Msg, "delta")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	eventID, err := s.service.AdjustSize(ctx, types.ClusterID(clusterID), delta, stringField(req.Msg, "source"))
	if err != nil {
		s.logger.Warn("Failed to adjust size", zap.String("clusterID", clusterID), zap.Error(err))
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"eventId": eventID})
}

// GetClusterStatus implements the GetClusterStatus method: {clusterId}
func (s *AutoscalerServer) GetClusterStatus(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	status, err := s.service.GetClusterStatus(ctx, types.ClusterID(stringField(req.Msg, "clusterId")))
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(statusToMap(status))
}

// ListClusters implements the ListClusters method
func (s *AutoscalerServer) ListClusters(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	ids, err := s.service.ListClusters(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"clusters": idsToList(ids)})
}

func respond(fields map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, service.ErrClusterNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, service.ErrInvalidArgument):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func stringField(msg *structpb.Struct, key string) string {
	if msg == nil {
		return ""
	}
	return msg.GetFields()[key].GetStringValue()
}

func intField(msg *structpb.Struct, key string) (int, error) {
	v, ok := msg.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%s must be a whole number", key)
	}
	return int(n.NumberValue), nil
}

func idsToList[T ~string](ids []T) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func statusToMap(status *service.ClusterStatus) map[string]any {
	extra := make(map[string]any, len(status.ExtraInfo))
	for k, v := range status.ExtraInfo {
		extra[k] = v
	}
	out := map[string]any{
		"clusterId":      status.ClusterID.String(),
		"masterVmId":     status.MasterVMID.String(),
		"masterOn":       status.MasterOn,
		"strategy":       status.StrategyKey,
		"jobTrackerPort": status.JobTrackerPort,
		"folder":         status.Folder,
		"completeness":   status.Completeness.String(),
		"viable":         status.Viable,
		"computeVms":     idsToList(status.ComputeVMs),
		"poweredOn":      idsToList(status.PoweredOn),
		"extraInfo":      extra,
		"inFlight":       status.InFlight,
	}
	if last := status.LastCompletion; last != nil {
		out["lastCompletion"] = map[string]any{
			"operationId": last.OperationID,
			"enabled":     idsToList(last.Enabled),
			"disabled":    idsToList(last.Disabled),
			"error":       last.Error,
			"at":          last.At.UTC().Format(time.RFC3339),
		}
	}
	return out
}
