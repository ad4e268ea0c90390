package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	handlers "github.com/sellhub/payment-service/internal/adapter/handler/http"
	"github.com/sellhub/payment-service/internal/config"
	"github.com/sellhub/payment-service/internal/middleware/auth"
	"github.com/sellhub/payment-service/internal/usecase"
	pkgErrors "github.com/sellhub/payment-service/pkg/errors"
)

type Server struct {
	config    *config.Config
	logger    *zap.Logger
	echo      *echo.Echo
	engine    *usecase.TransactionService
	configSvc *usecase.ConfigService
}

func NewServer(cfg *config.Config, logger *zap.Logger, engine *usecase.TransactionService, configSvc *usecase.ConfigService) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	// Fallback handler for errors the payment handlers do not translate
	// themselves (routing, binding, auth middleware).
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		httpErr := pkgErrors.ToHTTPError(err)

		pkgErrors.LogError(logger, err, "HTTP error",
			zap.Int("status", httpErr.Code),
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.String("ip", c.RealIP()),
		)

		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(httpErr.Code)
			return
		}
		if jsonErr := c.JSON(httpErr.Code, map[string]interface{}{
			"error": fmt.Sprintf("%v", httpErr.Message),
		}); jsonErr != nil {
			logger.Error("Failed to send error response", zap.Error(jsonErr))
		}
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		echo:      e,
		engine:    engine,
		configSvc: configSvc,
	}
}

func (s *Server) Start() error {
	// Setup routes
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.config.Server.HTTP.Host, s.config.Server.HTTP.Port)
	s.logger.Info("Starting HTTP server", zap.String("address", addr))

	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Health check
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": s.config.Service.Name,
		})
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(s.engine, s.logger)
	configHandler := handlers.NewConfigHandler(s.configSvc, s.logger)
	webhookHandler := handlers.NewWebhookHandler(s.engine, s.logger)

	// Provider callbacks authenticate with signatures, not JWT.
	s.echo.POST("/webhooks/:entityType/:entityId/:provider", webhookHandler.HandleWebhook)

	// JWT middleware configuration
	jwtConfig := auth.JWTConfig{
		Secret: s.config.JWT.Secret,
		Logger: s.logger,
		SkipPaths: []string{
			"/health",
			"/webhooks",
		},
	}

	// API v1 routes, all authenticated
	v1 := s.echo.Group("/api/v1", auth.JWTMiddleware(jwtConfig))

	payments := v1.Group("/payments")
	payments.POST("", paymentHandler.CreatePayment)
	payments.GET("/:id", paymentHandler.GetPayment)
	payments.POST("/:id/check", paymentHandler.CheckStatus)
	payments.POST("/:id/cancel", paymentHandler.CancelPayment)
	payments.POST("/:id/capture", paymentHandler.CapturePayment)
	payments.POST("/:id/refund", paymentHandler.RefundPayment)

	entities := v1.Group("/entities/:entityType/:entityId")
	entities.GET("/payments", paymentHandler.ListPayments)
	entities.GET("/config", configHandler.GetConfig)
	entities.PUT("/config", configHandler.SaveConfig)
	entities.DELETE("/config", configHandler.DeleteConfig)
	entities.POST("/config/providers/:provider/validate", configHandler.ValidateProvider)
}
