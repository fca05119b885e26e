package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"captcha-gate/internal/server/interceptors"
	"captcha-gate/internal/telemetry"
)

// Deps holds optional dependencies for the gRPC server.
type Deps struct {
	// Emitter receives a grpc_request event per unary RPC. If nil, RPCs are not recorded.
	Emitter telemetry.EventEmitter
	// SkipMethods are full method names not recorded by the telemetry interceptor. Health checks
	// are always skipped.
	SkipMethods map[string]bool
}

// NewServer returns a gRPC server instrumented with otelgrpc and the telemetry interceptor,
// with the standard health service registered and reporting SERVING until told otherwise.
func NewServer(deps Deps) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.TelemetryUnary(deps.Emitter, skipMethods(deps.SkipMethods))),
	)
	hs := health.NewServer()
	RegisterServices(s, hs)
	return s, hs
}

// skipMethods returns extra plus the health check, which probes call too often to record.
func skipMethods(extra map[string]bool) map[string]bool {
	out := map[string]bool{healthpb.Health_Check_FullMethodName: true}
	for m, skip := range extra {
		if skip {
			out[m] = true
		}
	}
	return out
}

// RegisterServices registers the health service with s and marks the server as serving.
func RegisterServices(s grpc.ServiceRegistrar, hs *health.Server) {
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}
