package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gorilla/sessions"

	"dsa-judge-api/core"
)

func main() {
	cfg := core.Load()
	ctx := context.Background()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	// Ensure writable dir for uploads
	if cfg.UploadDir == "" {
		log.Fatalf("upload dir path is empty")
	}
	if abs, err := filepath.Abs(cfg.UploadDir); err == nil {
		cfg.UploadDir = abs
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to ensure upload dir %s: %v", cfg.UploadDir, err)
	}

	// Gorilla cookie store holds the HttpOnly refresh-token cookie.
	store := sessions.NewCookieStore([]byte(cfg.CookieKey))

	userRepo := core.NewPgUserRepository(db)
	if err := core.BootstrapAdmin(ctx, userRepo, cfg); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}

	// Daily login-history prune runs on its own store session.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go core.StartLoginHistorySweeper(sweepCtx, core.NewPgLoginHistoryRepository(db))

	router := core.NewRouter(cfg, store, db, redisClient)

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Printf("starting api server on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
