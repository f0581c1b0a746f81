package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"

	"bracketBot/config"
	"bracketBot/internal/adapters/binanceclient"
	"bracketBot/internal/adapters/console"
	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/adapters/sqlite"
	"bracketBot/internal/app"
	"bracketBot/internal/metrics"
	"bracketBot/internal/parser"
	"bracketBot/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogLevel.String(), cfg.LogFormat)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	if syncer, ok := appLogger.(interface{ Sync() error }); ok {
		defer syncer.Sync() //nolint:errcheck
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level":  cfg.LogLevel.String(),
		"format": cfg.LogFormat,
	})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		OrderRateLimit:       cfg.OrderRateLimit,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Signal Parsing and Sources
	parsers := parser.NewRegistry(parser.NewCommandParser(cfg.QuoteAsset, cfg))
	var source ports.SignalSource
	if cfg.SignalSource == "console" {
		source = console.NewSource(os.Stdin, appLogger)
	}
	notifier := console.NewNotifier(os.Stdout)
	appLogger.Info(context.Background(), "Signal sources initialized", map[string]interface{}{
		"source":    cfg.SignalSource,
		"providers": len(cfg.Providers),
	})

	// 6. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg, app.Deps{
		Logger:   appLogger,
		Exchange: binanceClient,
		Store:    repo,
		Trades:   repo,
		Notifier: notifier,
		Metrics:  metrics.New(),
		Source:   source,
		Parser:   parsers,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 7. Start the Service
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
