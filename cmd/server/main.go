package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"aidetector/internal/classify"
	"aidetector/internal/config"
	"aidetector/internal/pipeline"
	"aidetector/internal/query"
	"aidetector/internal/ratelimit"
	"aidetector/internal/records"
	"aidetector/internal/server"
	"aidetector/internal/usertoken"
	"aidetector/internal/util"
	"aidetector/pkg/metadata"
	"aidetector/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	var metaStore metadata.Store
	switch cfg.MetadataBackend {
	case "postgres":
		store, err := metadata.NewGormStore(cfg.DatabaseURL, cfg.Tenant)
		if err != nil {
			log.Fatalf("failed to init postgres metadata store: %v", err)
		}
		metaStore = store
	default:
		metaStore = metadata.NewRedisStoreWithClient(redisClient, cfg.Tenant)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	tokens, err := usertoken.NewManager(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to init token manager: %v", err)
	}

	limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, cfg.LoginRatePerMin, time.Minute)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	users := records.NewUsers(metaStore)
	images := records.NewImages(metaStore)
	accuracy := records.NewAccuracy(metaStore)

	bootstrapUsers(users)

	httpServer, err := server.New(server.Config{
		Users:          users,
		Pipeline:       pipeline.New(images, accuracy, objects),
		Query:          query.New(images, users),
		Objects:        objects,
		Classifier:     classify.NewClient(cfg.InferenceURL, 30*time.Second),
		Tokens:         tokens,
		LoginLimiter:   limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		PresignTTL:     cfg.PresignTTL(),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr, "backend", cfg.MetadataBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

// bootstrapUsers seeds the default accounts on first start. Registration is
// idempotent, so restarts are harmless. Failure is logged, not fatal: the
// store may simply not be reachable yet.
func bootstrapUsers(users *records.Users) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, seed := range []struct {
		username string
		password string
		isAdmin  bool
	}{
		{"admin", "admin", true},
		{"user", "password", false},
	} {
		if _, err := users.Register(ctx, seed.username, seed.password, seed.isAdmin); err != nil {
			slog.Warn("bootstrap user failed", "username", seed.username, "err", err)
		}
	}
}
