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
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
	"github.com/sellhub/payment-service/internal/usecase"
	"github.com/sellhub/payment-service/pkg/logger"
)

// Standalone chain monitor worker. Deployments that want reconciliation
// isolated from the API server run this binary instead of enabling the
// in-process monitor.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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

	db, err := database.NewConnection(&cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, zapLogger); err != nil {
			zapLogger.Error("Failed to close database connection", zap.Error(err))
		}
	}()

	vault, err := crypto.NewVault(cfg.Service.MasterSecret)
	if err != nil {
		zapLogger.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

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

	paymentRepo := repository.NewPaymentRepository(db, zapLogger)
	configRepo := repository.NewConfigRepository(db, zapLogger)
	factory := infraProvider.NewFactory(zapLogger)
	configSvc := usecase.NewConfigService(configRepo, vault, factory, cfg.Monitor.ToleranceOrDefault(), zapLogger)
	engine := usecase.NewTransactionService(paymentRepo, configSvc, nil, publisher, zapLogger)

	monitor := usecase.NewCryptoMonitor(
		paymentRepo, configSvc, engine,
		cfg.Monitor.PollIntervalOrDefault(),
		cfg.Monitor.ToleranceOrDefault(),
		zapLogger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zapLogger.Info("Shutting down monitor...")
	cancel()
}
