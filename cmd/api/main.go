package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capsulejournal/capsuled/internal/capsule"
	"github.com/capsulejournal/capsuled/internal/clock"
	"github.com/capsulejournal/capsuled/internal/config"
	"github.com/capsulejournal/capsuled/internal/database"
	"github.com/capsulejournal/capsuled/internal/handlers"
	"github.com/capsulejournal/capsuled/internal/logging"
	"github.com/capsulejournal/capsuled/internal/middleware"
	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/notify"
	"github.com/capsulejournal/capsuled/internal/scheduler"
	"github.com/capsulejournal/capsuled/internal/vault"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Env == "development")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Initialize database (detects embedded vs external automatically)
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}

	// 3. Synchronize schema
	if err := db.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Capsule{},
		&models.Conversation{},
	); err != nil {
		logger.Fatalw("schema migration failed", "error", err)
	}

	// 4. Build the core
	codec, err := vault.New(cfg.EncKey)
	if err != nil {
		logger.Fatalw("invalid ENC_KEY", "error", err)
	}

	clk := clock.System()
	capsules := capsule.NewService(db.DB, codec, clk, cfg.Capsules, logger)

	// 5. Start the delivery sweeper
	notifier := notify.Notifier(notify.NewEmailNotifier(cfg.Mailer, logger))
	notifier = notify.NewBreaker(notifier, logger)

	sweeper := scheduler.NewSweeper(db.DB, capsules, codec, notifier, clk, cfg.Scheduler, logger)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	// 6. Set up the HTTP router, with Redis-backed rate limiting when
	// configured
	var limiter *middleware.RateLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = middleware.NewRateLimiter(rdb, "capsuled:rl", 120, time.Minute, logger)
		logger.Infow("rate limiting enabled", "redis", cfg.RedisAddr)
	}

	router := handlers.NewRouter(db.DB, capsules, cfg, limiter, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 7. Run with graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Infow("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	sig := <-shutdown
	logger.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorw("http shutdown error", "error", err)
	}

	stopSweeper()

	if err := db.Close(); err != nil {
		logger.Errorw("database close error", "error", err)
	}

	logger.Info("shutdown complete")
}
