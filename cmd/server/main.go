package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/config"
	"geohub/attendance/internal/db"
	"geohub/attendance/internal/db/sqlite"
	"geohub/attendance/internal/geo"
	attendancegrpc "geohub/attendance/internal/grpc"
	internalhttp "geohub/attendance/internal/http"
	"geohub/attendance/internal/jobs"
	"geohub/attendance/internal/notify"
	"geohub/attendance/internal/telemetry"
)

type store interface {
	attendance.Store
	Ping(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("attendance server error: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "attendance", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	notifiers, err := buildNotifiers(cfg, redisClient)
	if err != nil {
		return err
	}

	validator, err := geo.NewValidator(cfg.Hub(), cfg.GeofenceEnforced)
	if err != nil {
		return fmt.Errorf("geofence init failed: %w", err)
	}
	if !cfg.GeofenceEnforced {
		log.Printf("geofence bypass enabled: check-ins are accepted from any location")
	}
	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	service := attendance.NewService(st, validator, rules, attendance.Options{
		Notifier:           notifiers,
		MaxClockSkew:       cfg.MaxClockSkew,
		StreakLookbackDays: cfg.StreakLookbackDays,
		MaxWindowDays:      cfg.MaxWindowDays,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           internalhttp.NewServer(cfg, service, st).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer, healthServer, err := attendancegrpc.NewServer(cfg.ServiceAuthToken)
	if err != nil {
		return fmt.Errorf("grpc init failed: %w", err)
	}

	var dedupe jobs.Deduper
	if redisClient != nil {
		dedupe = jobs.NewRedisDeduper(redisClient)
	}
	jobs.StartCheckoutReminderJob(ctx, cfg, jobs.NewCheckoutReminder(service, cfg.ReminderAfter(), dedupe))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("attendance http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Printf("attendance grpc listening on %s", cfg.GRPCAddr)
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		attendancegrpc.WatchStore(gctx, healthServer, st, 10*time.Second, 2*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		grpcServer.GracefulStop()
		return nil
	})
	err = g.Wait()
	log.Printf("attendance server stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		log.Printf("attendance store: sqlite %s", cfg.SQLitePath)
		return st, func() {
			if err := st.Close(); err != nil {
				log.Printf("sqlite close error: %v", err)
			}
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connection failed: %w", err)
		}
		st := db.NewStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate failed: %w", err)
		}
		log.Printf("attendance store: postgres")
		return st, pool.Close, nil
	}
}

func buildNotifiers(cfg config.Config, redisClient *redis.Client) (attendance.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(log.Default())}
	if redisClient != nil {
		notifiers = append(notifiers, notify.NewRedis(redisClient, cfg.RedisChannel))
	}
	if cfg.DiscordWebhookID != "" && cfg.DiscordWebhookToken != "" {
		discord, err := notify.NewDiscord(cfg.DiscordWebhookID, cfg.DiscordWebhookToken)
		if err != nil {
			return nil, fmt.Errorf("discord init failed: %w", err)
		}
		notifiers = append(notifiers, notify.Only(discord, attendance.EventLateLimitReached, attendance.EventCheckoutReminder))
	}
	return notifiers, nil
}
