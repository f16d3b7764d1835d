package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"geohub/attendance/internal/clients"
	attendancegrpc "geohub/attendance/internal/grpc"
)

type probeConfig struct {
	GRPCAddr         string        `env:"GRPC_ADDR"          envDefault:":9093"`
	ServiceAuthToken string        `env:"SERVICE_AUTH_TOKEN"`
	Timeout          time.Duration `env:"HEALTHCHECK_TIMEOUT" envDefault:"3s"`
}

func main() {
	var cfg probeConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}
	addr := cfg.GRPCAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	c, err := clients.New(ctx, addr, cfg.ServiceAuthToken, cfg.Timeout)
	if err != nil {
		log.Fatalf("grpc dial failed: %v", err)
	}
	defer c.Close()

	status, err := c.Check(ctx, attendancegrpc.ServiceName)
	if err != nil {
		log.Printf("health check failed: %v", err)
		os.Exit(1)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		log.Printf("attendance is %s", status)
		os.Exit(1)
	}
}
