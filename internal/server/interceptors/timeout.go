package interceptors

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/paymentgateway/internal/log"
)

// TimeoutInterceptor bounds unary RPCs. Streams such as Health/Watch are
// long-lived and are left alone.
type TimeoutInterceptor struct {
	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor; methodTimeouts overrides
// defaultTimeout per full method name
func NewTimeoutInterceptor(defaultTimeout time.Duration, methodTimeouts map[string]time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{
		defaultTimeout: defaultTimeout,
		methodTimeouts: methodTimeouts,
	}
}

// Unary returns the unary interceptor
func (i *TimeoutInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		timeout := i.timeoutFor(info.FullMethod)
		if timeout <= 0 {
			return handler(ctx, req)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := handler(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn(ctx, "Request timeout exceeded",
				zap.String("method", info.FullMethod),
				zap.Duration("timeout", timeout))
			return nil, status.Errorf(codes.DeadlineExceeded, "request timeout exceeded")
		}
		return resp, err
	}
}

func (i *TimeoutInterceptor) timeoutFor(method string) time.Duration {
	if timeout, ok := i.methodTimeouts[method]; ok {
		return timeout
	}
	return i.defaultTimeout
}
