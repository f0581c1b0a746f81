package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bracketBot/internal/adapters/logger" // Import the logger package for LogLevel
	"bracketBot/internal/domain"
	"bracketBot/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Signal defaults
	QuoteAsset      string
	DefaultRisk     float64 // fraction of the balance put at risk per signal
	DefaultLeverage int
	Providers       map[string]ProviderDefaults

	// Bracket
	MaxTargets   int
	TPAllocation domain.AllocationStrategy

	// Sizing
	SizingMode         risk.SizingMode
	MaxAllocation      float64
	SlippageMultiplier float64
	MaxEntryRatio      float64 // entry guard, fraction of the way to the first target
	StopLimitRatio     float64 // limit price of wait entries

	// Default stop when a signal has none
	StopATRInterval    string
	StopATRPeriod      int
	StopATRMultiplier  float64
	DefaultStopPercent float64

	// Timing
	DedupWindow       time.Duration
	PriceWaitAttempts int
	PriceWaitInterval time.Duration
	PriceStaleAfter   time.Duration
	PlaceRetries      int
	PlaceRetryDelay   time.Duration
	ReconcileInterval time.Duration
	WaitEntryTTL      time.Duration
	PersistInterval   time.Duration

	// Throughput
	OrderRateLimit  float64 // exchange requests per second
	WorkerPoolSize  int
	SignalQueueSize int

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // text, console or json

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Surfaces
	MetricsAddr   string // empty disables the metrics endpoint
	ProvidersFile string
	SignalSource  string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Signal defaults
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	cfg.DefaultRisk, err = getEnvAsFloatRequired("DEFAULT_RISK", 0.025)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_RISK: %v", err))
	} else if cfg.DefaultRisk <= 0 || cfg.DefaultRisk >= 1 {
		errs = append(errs, "DEFAULT_RISK must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_LEVERAGE: %v", err))
	} else if cfg.DefaultLeverage <= 0 || cfg.DefaultLeverage > 125 {
		errs = append(errs, "DEFAULT_LEVERAGE must be between 1 and 125")
	}

	// Bracket
	cfg.MaxTargets, err = getEnvAsIntRequired("MAX_TARGETS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TARGETS: %v", err))
	} else if cfg.MaxTargets <= 0 {
		errs = append(errs, "MAX_TARGETS must be positive")
	}

	cfg.TPAllocation, err = domain.ParseAllocationStrategy(getEnv("TP_ALLOCATION", string(domain.AllocationHalving)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TP_ALLOCATION: %v", err))
	}

	// Sizing
	cfg.SizingMode, err = risk.ParseSizingMode(getEnv("SIZING_MODE", string(risk.SizingFraction)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIZING_MODE: %v", err))
	}

	cfg.MaxAllocation, err = getEnvAsFloatRequired("MAX_ALLOCATION", 0.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ALLOCATION: %v", err))
	} else if cfg.MaxAllocation <= 0 || cfg.MaxAllocation > 1 {
		errs = append(errs, "MAX_ALLOCATION must be in (0, 1]")
	}

	cfg.SlippageMultiplier, err = getEnvAsFloatRequired("SLIPPAGE_MULTIPLIER", 1.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SLIPPAGE_MULTIPLIER: %v", err))
	} else if cfg.SlippageMultiplier < 1 {
		errs = append(errs, "SLIPPAGE_MULTIPLIER cannot be below 1")
	}

	cfg.MaxEntryRatio, err = getEnvAsFloatRequired("MAX_ENTRY_RATIO", 0.8)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ENTRY_RATIO: %v", err))
	} else if cfg.MaxEntryRatio <= 0 || cfg.MaxEntryRatio > 1 {
		errs = append(errs, "MAX_ENTRY_RATIO must be in (0, 1]")
	}

	cfg.StopLimitRatio, err = getEnvAsFloatRequired("STOP_LIMIT_RATIO", 0.2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LIMIT_RATIO: %v", err))
	} else if cfg.StopLimitRatio < 0 || cfg.StopLimitRatio > cfg.MaxEntryRatio {
		errs = append(errs, "STOP_LIMIT_RATIO must be between 0 and MAX_ENTRY_RATIO")
	}

	// Default stop
	cfg.StopATRInterval = getEnv("STOP_ATR_INTERVAL", "1h")
	cfg.StopATRPeriod = getEnvAsInt("STOP_ATR_PERIOD", 14)
	if cfg.StopATRPeriod <= 0 {
		errs = append(errs, "STOP_ATR_PERIOD must be positive")
	}
	cfg.StopATRMultiplier = getEnvAsFloat("STOP_ATR_MULTIPLIER", 2)
	cfg.DefaultStopPercent, err = getEnvAsFloatRequired("DEFAULT_STOP_PERCENT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_STOP_PERCENT: %v", err))
	} else if cfg.DefaultStopPercent <= 0 || cfg.DefaultStopPercent >= 1 {
		errs = append(errs, "DEFAULT_STOP_PERCENT must be between 0.0 and 1.0 (exclusive)")
	}

	// Timing
	cfg.DedupWindow = time.Duration(getEnvAsInt("DEDUP_WINDOW_MINUTES", 60)) * time.Minute
	cfg.PriceWaitAttempts = getEnvAsInt("PRICE_WAIT_ATTEMPTS", 10)
	cfg.PriceWaitInterval = time.Duration(getEnvAsInt("PRICE_WAIT_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.PriceStaleAfter = time.Duration(getEnvAsInt("PRICE_STALE_SECONDS", 10)) * time.Second
	cfg.PlaceRetries = getEnvAsInt("PLACE_RETRY_ATTEMPTS", 3)
	cfg.PlaceRetryDelay = time.Duration(getEnvAsInt("PLACE_RETRY_DELAY_SECONDS", 5)) * time.Second
	cfg.ReconcileInterval = time.Duration(getEnvAsInt("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second
	cfg.WaitEntryTTL = time.Duration(getEnvAsInt("WAIT_ENTRY_TTL_MINUTES", 1440)) * time.Minute
	cfg.PersistInterval = time.Duration(getEnvAsInt("PERSIST_INTERVAL_SECONDS", 30)) * time.Second

	if cfg.PriceWaitAttempts < 0 || cfg.PriceWaitInterval <= 0 || cfg.PriceStaleAfter <= 0 {
		errs = append(errs, "price wait settings must be positive")
	}
	if cfg.PlaceRetries <= 0 {
		errs = append(errs, "PLACE_RETRY_ATTEMPTS must be positive")
	}
	if cfg.ReconcileInterval <= 0 || cfg.PersistInterval <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SECONDS and PERSIST_INTERVAL_SECONDS must be positive")
	}
	if cfg.WaitEntryTTL <= 0 {
		errs = append(errs, "WAIT_ENTRY_TTL_MINUTES must be positive")
	}

	// Throughput
	cfg.OrderRateLimit = getEnvAsFloat("ORDER_RATE_LIMIT", 10)
	cfg.WorkerPoolSize = getEnvAsInt("WORKER_POOL_SIZE", 8)
	cfg.SignalQueueSize = getEnvAsInt("SIGNAL_QUEUE_SIZE", 100)
	if cfg.WorkerPoolSize <= 0 || cfg.SignalQueueSize <= 0 {
		errs = append(errs, "WORKER_POOL_SIZE and SIGNAL_QUEUE_SIZE must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/bracket_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	switch cfg.LogFormat {
	case "text", "console", "json":
	default:
		errs = append(errs, "LOG_FORMAT must be one of text, console, json")
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Surfaces
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.SignalSource = strings.ToLower(getEnv("SIGNAL_SOURCE", "console"))
	if cfg.SignalSource != "console" && cfg.SignalSource != "none" {
		errs = append(errs, "SIGNAL_SOURCE must be console or none")
	}

	cfg.ProvidersFile = getEnv("PROVIDERS_FILE", "")
	if cfg.ProvidersFile != "" {
		cfg.Providers, err = LoadProviders(cfg.ProvidersFile)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid PROVIDERS_FILE: %v", err))
		}
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// ProviderDefaults returns the risk and leverage applied to signals from
// provider that do not name their own.
func (c *Config) ProviderDefaults(provider string) ProviderDefaults {
	d := ProviderDefaults{Risk: c.DefaultRisk, Leverage: c.DefaultLeverage}
	if p, ok := c.Providers[strings.ToLower(provider)]; ok {
		if p.Risk > 0 {
			d.Risk = p.Risk
		}
		if p.Leverage > 0 {
			d.Leverage = p.Leverage
		}
	}
	return d
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
