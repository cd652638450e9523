// Package config provides configuration management for the wallet dashboard.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wallet-dashboard/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Chains    ChainsConfig
	Explorer  ExplorerSettings
	Explorers ExplorerRegistry
	Price     PriceConfig
	Portfolio PortfolioConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ChainsConfig holds chain configuration
type ChainsConfig struct {
	Enabled []string
	Chains  map[types.ChainID]ChainConfig
}

// ChainConfig holds RPC endpoints for a specific chain
type ChainConfig struct {
	Network      Network
	RPCPrimary   string
	RPCSecondary string
}

// ExplorerSettings holds block explorer client configuration
type ExplorerSettings struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxAttempts       int
	OverridesFile     string

	// Cross-instance budget in requests per second, kept in Redis. 0 disables it.
	SharedBudget   int
	ReservedBudget int
}

// PriceConfig holds price API configuration
type PriceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PortfolioConfig holds refresh and staleness policy
type PortfolioConfig struct {
	RefreshInterval    time.Duration
	StaleTime          time.Duration
	NativePollInterval time.Duration
	IdleTTL            time.Duration
	LookupConcurrency  int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	TrustedProxies    []string // IPs or CIDRs allowed to set X-Forwarded-For
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Explorer: ExplorerSettings{
			BaseURL:           getEnv("EXPLORER_BASE_URL", DefaultExplorerBaseURL),
			APIKey:            getEnv("ETHERSCAN_API_KEY", ""),
			RequestsPerSecond: getEnvAsFloat("EXPLORER_REQUESTS_PER_SECOND", 3),
			Timeout:           getEnvAsDuration("EXPLORER_TIMEOUT", 30*time.Second),
			MaxAttempts:       getEnvAsInt("EXPLORER_MAX_ATTEMPTS", 3),
			OverridesFile:     getEnv("EXPLORERS_FILE", ""),
			SharedBudget:      getEnvAsInt("EXPLORER_SHARED_BUDGET", 0),
			ReservedBudget:    getEnvAsInt("EXPLORER_RESERVED_BUDGET", 0),
		},
		Price: PriceConfig{
			BaseURL: getEnv("PRICE_API_BASE_URL", "https://api.coingecko.com/api/v3"),
			Timeout: getEnvAsDuration("PRICE_API_TIMEOUT", 10*time.Second),
		},
		Portfolio: PortfolioConfig{
			RefreshInterval:    getEnvAsDuration("PORTFOLIO_REFRESH_INTERVAL", 60*time.Second),
			StaleTime:          getEnvAsDuration("PORTFOLIO_STALE_TIME", 30*time.Second),
			NativePollInterval: getEnvAsDuration("NATIVE_POLL_INTERVAL", 30*time.Second),
			IdleTTL:            getEnvAsDuration("PORTFOLIO_IDLE_TTL", 10*time.Minute),
			LookupConcurrency:  getEnvAsInt("TOKEN_LOOKUP_CONCURRENCY", 8),
		},
		Redis: RedisConfig{
			Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			TrustedProxies:    getEnvAsList("TRUSTED_PROXIES"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs()

	explorers, err := loadExplorerRegistry(config.Explorer)
	if err != nil {
		return nil, err
	}
	config.Explorers = explorers

	return config, nil
}

// loadChainConfigs loads chain-specific RPC endpoints.
// Unknown chain names are kept in Enabled but get no entry in Chains.
func loadChainConfigs() ChainsConfig {
	enabledChains := strings.Split(getEnv("ENABLED_CHAINS", "ethereum,base,polygon,arbitrum,optimism"), ",")

	chains := make(map[types.ChainID]ChainConfig)
	enabled := make([]string, 0, len(enabledChains))
	for _, name := range enabledChains {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		enabled = append(enabled, name)

		network, ok := NetworkByName(name)
		if !ok {
			continue
		}

		prefix := network.EnvPrefix()
		chains[network.ChainID] = ChainConfig{
			Network:      network,
			RPCPrimary:   getEnv(prefix+"_RPC_PRIMARY", ""),
			RPCSecondary: getEnv(prefix+"_RPC_SECONDARY", ""),
		}
	}

	return ChainsConfig{
		Enabled: enabled,
		Chains:  chains,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping blank entries
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
