package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/paymentgateway/internal/log"
)

func TestUnaryReusesIncomingRequestID(t *testing.T) {
	log.SetLogger(log.NewNop())
	interceptor := NewLoggingInterceptor().Unary()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-42"))
	var seen string
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			seen = log.RequestID(ctx)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "req-42", seen)
}

func TestUnaryGeneratesRequestID(t *testing.T) {
	log.SetLogger(log.NewNop())
	interceptor := NewLoggingInterceptor().Unary()

	var seen string
	wantErr := status.Error(codes.NotFound, "unknown service")
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			seen = log.RequestID(ctx)
			return nil, wantErr
		})
	assert.True(t, errors.Is(err, wantErr))
	assert.Len(t, seen, 36)
}
