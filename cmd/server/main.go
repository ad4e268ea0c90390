package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/adapter/messaging"
	"github.com/sellhub/payment-service/internal/adapter/repository"
	"github.com/sellhub/payment-service/internal/config"
	"github.com/sellhub/payment-service/internal/domain/event"
	"github.com/sellhub/payment-service/internal/infrastructure/crypto"
	"github.com/sellhub/payment-service/internal/infrastructure/database"
	httpServer "github.com/sellhub/payment-service/internal/infrastructure/http"
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
	"github.com/sellhub/payment-service/internal/usecase"
	"github.com/sellhub/payment-service/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.NewZapLogger(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	// Initialize database connection
	db, err := database.NewConnection(&cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, zapLogger); err != nil {
			zapLogger.Error("Failed to close database connection", zap.Error(err))
		}
	}()

	// Run database migrations
	if err := database.Migrate(db, zapLogger); err != nil {
		zapLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Credential vault
	vault, err := crypto.NewVault(cfg.Service.MasterSecret)
	if err != nil {
		zapLogger.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// Event publisher: RabbitMQ when configured, in-process otherwise
	var publisher event.Publisher
	if cfg.Events.RabbitURL != "" {
		publisher, err = messaging.NewRabbitMQPublisher(cfg.Events.RabbitURL, cfg.Events.Exchange, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
	} else {
		zapLogger.Warn("No RabbitMQ URL configured, using in-process event publisher")
		publisher = messaging.NewMemoryPublisher()
	}
	defer publisher.Close()

	// Wire repositories and services
	paymentRepo := repository.NewPaymentRepository(db, zapLogger)
	configRepo := repository.NewConfigRepository(db, zapLogger)
	factory := infraProvider.NewFactory(zapLogger)
	configSvc := usecase.NewConfigService(configRepo, vault, factory, cfg.Monitor.ToleranceOrDefault(), zapLogger)
	engine := usecase.NewTransactionService(paymentRepo, configSvc, nil, publisher, zapLogger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional in-process chain monitor
	if cfg.Monitor.Enabled {
		monitor := usecase.NewCryptoMonitor(
			paymentRepo, configSvc, engine,
			cfg.Monitor.PollIntervalOrDefault(),
			cfg.Monitor.ToleranceOrDefault(),
			zapLogger,
		)
		go monitor.Run(ctx)
	}

	httpSrv := httpServer.NewServer(cfg, zapLogger, engine, configSvc)

	go func() {
		if err := httpSrv.Start(); err != nil {
			zapLogger.Info("HTTP server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zapLogger.Info("Shutting down...")
	cancel()

	if err := httpSrv.Shutdown(context.Background()); err != nil {
		zapLogger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}

	zapLogger.Info("Server shut down successfully")
}
