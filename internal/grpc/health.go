package grpc

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check service name for the attendance engine.
const ServiceName = "geohub.attendance"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer builds the gRPC server with tracing and the health service
// registered. serviceToken may be empty, in which case calls are not
// authenticated.
func NewServer(serviceToken string) (*grpc.Server, *health.Server, error) {
	opts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if serviceToken != "" {
		interceptor, err := NewServiceAuthUnaryInterceptor(serviceToken)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.UnaryInterceptor(interceptor))
	}
	server := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer, nil
}

// WatchStore pings store every interval and mirrors the result into the
// health service until ctx ends. The first ping runs immediately.
func WatchStore(ctx context.Context, healthServer *health.Server, store Pinger, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		next := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
			if last != next {
				log.Printf("attendance store unhealthy: %v", err)
			}
		}
		if next != last {
			healthServer.SetServingStatus(ServiceName, next)
			healthServer.SetServingStatus("", next)
			last = next
		}

		select {
		case <-ctx.Done():
			healthServer.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
