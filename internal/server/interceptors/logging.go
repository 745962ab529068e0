package interceptors

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/paymentgateway/internal/log"
)

// RequestIDHeader is the metadata key an upstream request id is read from
const RequestIDHeader = "x-request-id"

// LoggingInterceptor tags every call with a request id and logs its outcome
type LoggingInterceptor struct{}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor() *LoggingInterceptor {
	return &LoggingInterceptor{}
}

// Unary returns a unary interceptor for request logging
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx = log.WithRequestID(ctx, requestIDFromMetadata(ctx))

		resp, err := handler(ctx, req)
		logCompletion(ctx, "gRPC request", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// Stream returns a stream interceptor for request logging
func (i *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := log.WithRequestID(stream.Context(), requestIDFromMetadata(stream.Context()))

		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
		logCompletion(ctx, "gRPC stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logCompletion(ctx context.Context, kind, method string, duration time.Duration, err error) {
	st := status.Convert(err)
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", duration),
		zap.String("code", st.Code().String()),
	}
	if err != nil {
		log.Warn(ctx, kind+" failed", append(fields, zap.String("error", st.Message()))...)
		return
	}
	log.Debug(ctx, kind+" completed", fields...)
}

// wrappedServerStream wraps grpc.ServerStream to provide a custom context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// requestIDFromMetadata reuses the caller's request id or generates one
func requestIDFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}
