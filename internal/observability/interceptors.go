// Package observability provides the admin gRPC interceptors and the
// metrics HTTP server.
package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
)

// rpcDone records one finished call. Failures log at warn; health checks
// arrive every few seconds, so successes stay at debug.
func rpcDone(m *metrics.Metrics, log zerolog.Logger, method, kind string, start time.Time, err error) {
	took := time.Since(start)
	code := status.Code(err).String()
	m.RecordRPC(method, code, took.Seconds())

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("method", method).
		Str("kind", kind).
		Str("code", code).
		Dur("duration", took).
		Msg("gRPC call finished")
}

// UnaryServerInterceptor records metrics and logs each unary call.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		rpcDone(m, log, info.FullMethod, "unary", start, err)
		return resp, err
	}
}

// StreamServerInterceptor records metrics and logs each stream. Health
// watches and reflection are the only streams served.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		rpcDone(m, log, info.FullMethod, "stream", start, err)
		return err
	}
}
