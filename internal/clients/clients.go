package clients

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

const serviceTokenHeader = "x-service-token"

type Clients struct {
	Conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New dials the attendance gRPC endpoint. serviceToken is attached to every
// call when set.
func New(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*Clients, error) {
	conn, err := dial(ctx, addr, serviceToken, timeout)
	if err != nil {
		return nil, err
	}
	return &Clients{
		Conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Check returns the serving status reported for service.
func (c *Clients) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func dial(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if serviceToken != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(serviceAuthUnaryClientInterceptor(serviceToken)))
	}
	return grpc.DialContext(ctx, addr, opts...)
}

func serviceAuthUnaryClientInterceptor(serviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, serviceTokenHeader, serviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
