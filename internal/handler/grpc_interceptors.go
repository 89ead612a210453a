package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/middleware"
)

// Metadata keys the gateway sets on incoming calls.
const (
	mdUserID    = "x-user-id"
	mdRequestID = "x-request-id"
)

// IdentityInterceptor copies the caller id from incoming metadata into the
// context, the gRPC counterpart of middleware.UserID.
func IdentityInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(mdUserID); len(vals) > 0 && vals[0] != "" {
			id, err := strconv.ParseInt(vals[0], 10, 64)
			if err != nil || id <= 0 {
				return nil, status.Error(codes.Unauthenticated, "invalid "+mdUserID+" metadata")
			}
			ctx = middleware.WithUserID(ctx, id)
		}
	}
	return handler(ctx, req)
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(mdRequestID); len(vals) > 0 {
				requestID = vals[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		resp, err := handler(ctx, req)

		code := status.Code(err)
		event := logger.Info()
		if code == codes.Internal || code == codes.Unknown || code == codes.Unavailable {
			event = logger.Error().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("request_id", requestID).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
