package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"transaction-reconciler/internal/api"
	"transaction-reconciler/internal/archive"
	"transaction-reconciler/internal/cache"
	"transaction-reconciler/internal/config"
	"transaction-reconciler/internal/notify"
	"transaction-reconciler/internal/orchestrator"
	"transaction-reconciler/internal/ratelimit"
	"transaction-reconciler/internal/secrets"
	"transaction-reconciler/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	codec, err := secrets.NewCodec(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("encryption key", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	adapterCache := cache.NewRedisCache(redisClient)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("archive setup", zap.Error(err))
	}

	dispatcher := notify.NewDispatcher(st, cfg.WebhookTimeout, logger)
	emailer := notify.NewEmailer(st, cfg.ResendAPIKey, cfg.FromEmail, cfg.FromName, cfg.DashboardURL, logger)

	orch := orchestrator.New(st, st, codec, adapterCache,
		[]orchestrator.Notifier{dispatcher, emailer},
		archiverOrNil(archiver),
		orchestrator.Options{
			AdapterTimeout: cfg.AdapterTimeout,
			CacheTTL:       cfg.AdapterCacheTTL,
			MaxPages:       cfg.MaxSourcePages,
			DefaultDays:    cfg.DefaultDays,
			MaxRetries:     cfg.DefaultMaxRetries,
			Logger:         logger,
		})

	server := api.New(cfg, st, orch, dispatcher, codec, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// archiverOrNil keeps a nil *Archiver from becoming a non-nil
// interface value.
func archiverOrNil(a *archive.Archiver) orchestrator.Archiver {
	if a == nil {
		return nil
	}
	return a
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
