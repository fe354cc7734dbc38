package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/wa-throttle/internal/config"
	"github.com/aman-churiwal/wa-throttle/internal/logger"
	"github.com/aman-churiwal/wa-throttle/internal/server"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("WATHROTTLE_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	db, err := storage.Open(storage.DatabaseOptions{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}
	log.WithField("driver", cfg.Database.Driver).Info("connected to database")

	var redis *storage.RedisClient
	if cfg.Redis.Enabled {
		redis, err = storage.NewRedis(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		log.WithField("addr", cfg.Redis.Addr()).Info("connected to redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, db, redis)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	if err := srv.Run(ctx, ":"+cfg.Server.Port); err != nil {
		log.WithError(err).Error("server stopped with error")
		return
	}

	log.Info("server exited")
}
