package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/middleware"
	"github.com/pesio-ai/be-bank-reconciliation/internal/service"
)

// GRPCServiceName is the fully qualified name of the workflow service.
const GRPCServiceName = "bankrec.v1.ReconciliationWorkflow"

// ReconciliationWorkflowServer is the gRPC surface of the workflow engine.
// Requests and responses are google.protobuf.Struct documents with the same
// field names as the HTTP API.
type ReconciliationWorkflowServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WorkflowStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	NextApprovers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ReconciliationWorkflowServiceDesc describes the service for
// grpc.Server.RegisterService.
var ReconciliationWorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*ReconciliationWorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		structMethod("Submit", ReconciliationWorkflowServer.Submit),
		structMethod("Decide", ReconciliationWorkflowServer.Decide),
		structMethod("WorkflowStatus", ReconciliationWorkflowServer.WorkflowStatus),
		structMethod("NextApprovers", ReconciliationWorkflowServer.NextApprovers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bankrec/v1/reconciliation_workflow.proto",
}

type structCall func(ReconciliationWorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structMethod(name string, call structCall) grpc.MethodDesc {
	fullMethod := "/" + GRPCServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReconciliationWorkflowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReconciliationWorkflowServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCHandler implements ReconciliationWorkflowServer
type GRPCHandler struct {
	svc    Services
	access access
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		svc:    svc,
		access: newAccess(svc),
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ReconciliationWorkflowServiceDesc, h)
}

// callerID returns the caller set by the identity interceptor.
func callerID(ctx context.Context) (int64, error) {
	id, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		return 0, status.Error(codes.Unauthenticated, "caller identity is required")
	}
	return id, nil
}

// Submit hands the caller's files to the first approval level.
func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in filesRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if err := h.access.canSubmit(ctx, userID); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.logger.Info().Int64("user_id", userID).Int("files", len(in.Files)).Msg("gRPC Submit called")

	results, err := h.svc.Workflow.Submit(ctx, userID, in.keys())
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"results": results})
}

// Decide approves or rejects a set of files.
func (h *GRPCHandler) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in decideRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	action, err := service.ParseAction(in.Action)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if err := h.access.canApprove(ctx, userID); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.logger.Info().
		Int64("user_id", userID).
		Str("action", string(action)).
		Int("files", len(in.Files)).
		Msg("gRPC Decide called")

	items := make([]service.DecisionItem, 0, len(in.Files))
	for _, f := range in.Files {
		items = append(items, service.DecisionItem{Key: f.key(), ExpectedStatus: f.ExpectedStatus})
	}
	results, err := h.svc.Workflow.Decide(ctx, userID, action, in.Comment, items)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"results": results})
}

// WorkflowStatus returns the item's position in its workflow.
func (h *GRPCHandler) WorkflowStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := callerID(ctx); err != nil {
		return nil, err
	}
	key, err := keyFromStruct(req)
	if err != nil {
		return nil, err
	}
	st, err := h.svc.Queries.WorkflowStatus(ctx, key)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(st)
}

// NextApprovers returns who may act on the item next.
func (h *GRPCHandler) NextApprovers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := callerID(ctx); err != nil {
		return nil, err
	}
	key, err := keyFromStruct(req)
	if err != nil {
		return nil, err
	}
	users, err := h.svc.Queries.NextApprovers(ctx, key)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"approvers": users})
}

func keyFromStruct(req *structpb.Struct) (key domain.ItemKey, err error) {
	var f fileRequest
	if err := fromStruct(req, &f); err != nil {
		return key, err
	}
	key = f.key()
	if err := key.Validate(); err != nil {
		return key, status.Error(codes.InvalidArgument, err.Error())
	}
	return key, nil
}

// fromStruct decodes a Struct into one of the HTTP request types.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// mapErrorToGRPC converts application errors to gRPC status errors
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if appErr, ok := errors.AsAppError(err); ok {
		msg = appErr.Message
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeDuplicate:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeStaleState:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeUnavailable:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
