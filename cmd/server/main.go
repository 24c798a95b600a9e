package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/auth"
	"github.com/BaseRock-Technologies/bill-management/internal/cache"
	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/config"
	"github.com/BaseRock-Technologies/bill-management/internal/httpapi"
	"github.com/BaseRock-Technologies/bill-management/internal/logging"
	"github.com/BaseRock-Technologies/bill-management/internal/metrics"
	"github.com/BaseRock-Technologies/bill-management/internal/service"
	"github.com/BaseRock-Technologies/bill-management/internal/settlement"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/store/memory"
	pgstore "github.com/BaseRock-Technologies/bill-management/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogMode, cfg.LogFile)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var docs store.Store
	closers := make([]func() error, 0, 2)
	seed := false

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		docs = pg
		closers = append(closers, pg.Close)
		logger.Info("store: postgres")
	} else {
		docs = memory.New()
		closers = append(closers, docs.Close)
		seed = true
		logger.Info("store: in-memory")
	}

	productCache := cache.ProductCache(cache.NoopProductCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisProductCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			productCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	m := metrics.New()
	products := catalog.New(docs, productCache, cfg.ProductCacheTTL, logger)
	if seed {
		if err := seedProducts(ctx, products); err != nil {
			logger.Fatal("seed demo products", zap.Error(err))
		}
	}

	engine := settlement.NewEngine(docs, products, settlement.Options{
		AllowNegativeStock: cfg.AllowNegativeStock,
		Epsilon:            cfg.SettlementEpsilon,
		Saga:               cfg.SettlementMode == config.SettlementModeSaga,
	}, m, logger)
	logger.Info("settlement engine ready",
		zap.Bool("transactional", engine.Transactional()),
		zap.Bool("allow_negative_stock", cfg.AllowNegativeStock),
	)

	users := auth.NewService(docs, auth.BcryptVerifier{Cost: cfg.BcryptCost}, logger)
	svc := service.New(docs, products, engine, settlement.NewLedger(docs), users, logger)
	tokens := httpapi.NewTokenIssuer(cfg.AuthSecret, cfg.AccessTokenTTL)
	api := httpapi.New(svc, tokens, m, logger, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		RequestTimeout: cfg.RequestTimeout,
		AuthRequired:   cfg.AuthRequired,
		LoginRateLimit: cfg.LoginRateLimit,
		Production:     cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("bill-management listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// validateSecurityConfig requires a strong signing secret whenever tokens
// guard writes or the process runs in production.
func validateSecurityConfig(cfg config.Config) error {
	if !cfg.AuthRequired && !cfg.IsProduction() {
		return nil
	}
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowNegativeStock && cfg.IsProduction() {
		return fmt.Errorf("ALLOW_NEGATIVE_STOCK must not be enabled in production")
	}
	return nil
}
