package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"refundledger/backend/internal/cache"
	"refundledger/backend/internal/config"
	"refundledger/backend/internal/gateway"
	"refundledger/backend/internal/httpapi"
	"refundledger/backend/internal/journal"
	"refundledger/backend/internal/service"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/store/memory"
	pgstore "refundledger/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	summaries := cache.SummaryCache(cache.NoopSummaryCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			summaries = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var attempts journal.Journal
	if cfg.JournalPath != "" {
		bolt, err := journal.OpenBolt(cfg.JournalPath)
		if err != nil {
			log.Fatalf("journal unavailable at %s: %v", cfg.JournalPath, err)
		}
		attempts = bolt
		log.Printf("journal: bolt (%s)", cfg.JournalPath)
	} else {
		attempts = journal.NewMemory()
		log.Println("journal: in-memory")
	}

	var gw gateway.Gateway = gateway.Simulated{}
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout())
		log.Printf("gateway: %s", cfg.GatewayURL)
	} else {
		log.Println("gateway: simulated")
	}

	svc := service.New(repo, gw, attempts, summaries, service.Options{
		SummaryTTL:        cfg.SummaryCacheTTL(),
		RepairConcurrency: cfg.RepairConcurrency,
		ClaimTimeout:      cfg.GatewayTimeout() + time.Minute,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	repairCtx, stopRepair := context.WithCancel(context.Background())
	repairDone := make(chan struct{})
	go func() {
		defer close(repairDone)
		svc.RunRepairLoop(repairCtx, cfg.RepairInterval())
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("refund ledger listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopRepair()
	<-repairDone

	// The journal closes last; in-flight requests may still write to it.
	closers = append(closers, attempts.Close)
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.GatewayURL != "" {
		if !strings.HasPrefix(cfg.GatewayURL, "https://") && !strings.HasPrefix(cfg.GatewayURL, "http://") {
			return fmt.Errorf("GATEWAY_URL must be an http(s) URL")
		}
		if len(cfg.GatewayAPIKey) < 16 {
			return fmt.Errorf("GATEWAY_API_KEY must be set and at least 16 characters when GATEWAY_URL is set")
		}
	}
	return nil
}
