package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"wellspring/session/internal/app"
	"wellspring/session/internal/config"
	"wellspring/session/internal/entitlement"
	"wellspring/session/internal/invite"
	"wellspring/session/internal/notify"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
	"wellspring/session/internal/querycache"
	"wellspring/session/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	// Preference pointers live in Postgres when a database is configured,
	// otherwise they share the Redis instance with the session cache.
	var durable prefs.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		log.Printf("Using PostgreSQL for preference storage")
		db, err := prefs.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		durable, err = prefs.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatalf("preference schema setup failed: %v", err)
		}
	} else {
		log.Printf("Using Redis for preference storage")
		durable = prefs.NewRedisStoreWithClient(redisClient)
	}
	store := prefs.NewWriteThrough(durable)

	upstream := platform.New(cfg.PlatformURL)
	cache, err := querycache.New(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("query cache setup failed: %v", err)
	}

	notifier := notify.New()
	invites := invite.NewManager(upstream, cache, store, notifier, cfg.EntitlementProduct)
	policy := entitlement.Policy{Product: cfg.EntitlementProduct}
	sessions := session.NewAggregator(redisClient, upstream, policy, cfg.SessionMaxAge)
	invites.BindSessions(sessions)

	service := app.New(cfg, upstream, cache, store, invites, sessions)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Wellspring session API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
