// Package main provides the API server entry point for the wallet dashboard.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-dashboard/internal/api"
	"github.com/wallet-dashboard/internal/chain"
	"github.com/wallet-dashboard/internal/circuitbreaker"
	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/explorer"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/portfolio"
	"github.com/wallet-dashboard/internal/price"
	"github.com/wallet-dashboard/internal/ratelimit"
	"github.com/wallet-dashboard/internal/retry"
	"github.com/wallet-dashboard/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	m := metrics.NewMetrics("wallet_dashboard")

	breakers := circuitbreaker.NewManager(func(name string) *circuitbreaker.Config {
		bc := circuitbreaker.DefaultConfig(name)
		bc.IsFailure = explorer.IsBreakerFailure
		bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
			m.IncBreakerTransition(name, string(to))
		}
		return bc
	})

	// Chain readers
	logger.Info("Connecting to chain nodes...")
	registry, err := chain.DialRegistry(ctx, cfg.Chains,
		chain.WithConcurrency(cfg.Portfolio.LookupConcurrency),
		chain.WithMetrics(m),
		chain.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain nodes")
	}
	defer registry.Close()

	if len(registry.ChainIDs()) == 0 {
		logger.Warn("No chain has an RPC endpoint configured - portfolios will be unavailable")
	}
	for _, name := range cfg.Chains.Enabled {
		if _, ok := config.NetworkByName(name); !ok {
			logger.WithField("chain", name).Warn("Skipping unknown chain")
		}
	}

	// Optional Redis: shared snapshot cache and explorer request budget
	var redisCache *storage.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = storage.NewRedisCache(ctx, &cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without shared cache and budget")
		} else {
			defer redisCache.Close()
		}
	}

	explorerConfig := explorer.ClientConfig{
		Explorers:         cfg.Explorers,
		Timeout:           cfg.Explorer.Timeout,
		RequestsPerSecond: cfg.Explorer.RequestsPerSecond,
		Retry: &retry.RetryConfig{
			MaxAttempts:  cfg.Explorer.MaxAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
		Breakers: breakers,
		Metrics:  m,
		Logger:   logger,
	}
	if redisCache != nil && cfg.Explorer.SharedBudget > 0 {
		budget, err := ratelimit.NewBudget(&ratelimit.BudgetConfig{
			Redis:          redisCache.Client(),
			TotalBudget:    cfg.Explorer.SharedBudget,
			ReservedBudget: cfg.Explorer.ReservedBudget,
		}, ratelimit.WithBudgetMetrics(m), ratelimit.WithBudgetLogger(logger))
		if err != nil {
			logger.WithError(err).Fatal("Invalid explorer budget")
		}
		explorerConfig.Budget = budget
		logger.WithFields(map[string]interface{}{
			"total":    cfg.Explorer.SharedBudget,
			"reserved": cfg.Explorer.ReservedBudget,
		}).Info("Shared explorer budget enabled")
	}
	explorerClient := explorer.NewClient(explorerConfig)
	if cfg.Explorer.APIKey == "" {
		logger.Warn("ETHERSCAN_API_KEY not set, explorer requests may be throttled")
	}

	priceResolver := price.NewResolver(cfg.Price.BaseURL, cfg.Price.Timeout, m, logger)

	aggregator := portfolio.NewAggregator(explorerClient, portfolio.ReadersFromRegistry(registry), priceResolver, logger)

	serviceOpts := []portfolio.ServiceOption{
		portfolio.WithServiceMetrics(m),
		portfolio.WithServiceLogger(logger),
	}

	if redisCache != nil {
		cacheService := storage.NewCacheService(redisCache, cfg.Portfolio.RefreshInterval)
		serviceOpts = append(serviceOpts, portfolio.WithStore(portfolio.NewCachedStore(cacheService, cfg.Portfolio.RefreshInterval)))
		logger.Info("Redis snapshot cache enabled")
	}

	portfolioService := portfolio.NewService(aggregator, cfg.Portfolio, serviceOpts...)
	go portfolioService.Run(ctx)

	trustedProxies, err := api.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		logger.WithError(err).Fatal("Invalid TRUSTED_PROXIES")
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		TrustedProxies:    trustedProxies,
	}
	server := api.NewServer(serverConfig, portfolioService, explorerClient, registry, breakers, m, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			stop()
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"chains": registry.ChainIDs(),
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
