package grpc

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/essaylake/essaylake/internal/errors"
)

type requestIDKey struct{}

// CodeFor maps a service error to its gRPC status code.
func CodeFor(err error) codes.Code {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case stderrors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch errors.GetCategory(err) {
	case errors.ErrCategoryValidation:
		return codes.InvalidArgument
	case errors.ErrCategorySnapshot:
		if errors.GetCode(err) == errors.CodeSnapshotNotFound {
			return codes.NotFound
		}
		return codes.DataLoss
	case errors.ErrCategoryStorage:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts a service error into a gRPC status error.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	msg := err.Error()
	if stderrors.Is(err, errors.ErrSnapshotNotFound) {
		msg = "no data available"
	}
	return status.Error(CodeFor(err), msg)
}

// extractRequestID returns the request ID set by the interceptor, the one
// sent in metadata, or a new one.
func extractRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// UnaryInterceptor assigns request IDs, recovers from panics and logs
// every call.
func UnaryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		requestID := extractRequestID(ctx)
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))

		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Interface("panic", p).
					Str("method", info.FullMethod).
					Str("request_id", requestID).
					Msg("grpc handler panicked")
				err = status.Error(codes.Internal, "internal server error")
			}

			event := log.Info()
			if err != nil && status.Code(err) == codes.Internal {
				event = log.Warn()
			}
			event.
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Str("request_id", requestID).
				Msg("grpc request")
		}()

		return handler(ctx, req)
	}
}
