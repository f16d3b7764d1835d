package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"geohub/attendance/internal/config"
	"geohub/attendance/internal/db"
	"geohub/attendance/internal/db/sqlite"
)

type migrateConfig struct {
	StoreDriver string        `env:"STORE_DRIVER"    envDefault:"postgres"`
	DatabaseURL string        `env:"DATABASE_URL"`
	SQLitePath  string        `env:"SQLITE_PATH"     envDefault:"data/attendance.db"`
	Timeout     time.Duration `env:"MIGRATE_TIMEOUT" envDefault:"1m"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite migrate failed: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("sqlite close error: %v", err)
		}
		log.Printf("sqlite schema up to date at %s", cfg.SQLitePath)
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			log.Fatalf("DATABASE_URL is required")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connection failed: %v", err)
		}
		defer pool.Close()
		if err := db.NewStore(pool).Migrate(ctx); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
		log.Printf("postgres schema at version %d", db.SchemaVersion)
	default:
		log.Fatalf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
