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

	"campanile/notifications/internal/audit"
	"campanile/notifications/internal/billing"
	"campanile/notifications/internal/config"
	"campanile/notifications/internal/db"
	internalhttp "campanile/notifications/internal/http"
	"campanile/notifications/internal/push"
	"campanile/notifications/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var dedup billing.Deduper
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		dedup = billing.NewRedisDeduper(redisClient, cfg.WebhookDedupTTL)
	}

	sink := audit.NewSink(store, cfg.AuditQueueSize)
	sink.Start()
	defer sink.Close()

	processor := billing.NewProcessor(store, sink, dedup)
	transport := push.NewWebPushTransport(cfg.VAPIDSubscriber, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
	dispatcher := push.NewDispatcher(store, transport, cfg.DefaultIconPath, cfg.DefaultBadgePath)

	server := internalhttp.NewServer(cfg, processor, dispatcher, store)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("notifications listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
