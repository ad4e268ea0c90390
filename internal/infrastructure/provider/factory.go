package provider

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/cloudpayments"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/robokassa"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/stripe"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/usdt"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/yookassa"
)

// Per-provider settings schemas. Field names double as the settings keys and
// as the violation names reported back on validation failure.
type cloudPaymentsSettings struct {
	PublicID  string `settings:"public_id" validate:"required"`
	APISecret string `settings:"api_secret" validate:"required"`
}

type yooKassaSettings struct {
	ShopID        string `settings:"shop_id" validate:"required"`
	SecretKey     string `settings:"secret_key" validate:"required"`
	WebhookSecret string `settings:"webhook_secret"`
	// TwoStage switches to authorize/capture payments.
	TwoStage string `settings:"two_stage"`
}

type robokassaSettings struct {
	Login     string `settings:"login" validate:"required"`
	Password1 string `settings:"password1" validate:"required"`
	Password2 string `settings:"password2" validate:"required"`
}

type stripeSettings struct {
	SecretKey     string `settings:"secret_key" validate:"required"`
	WebhookSecret string `settings:"webhook_secret"`
}

type usdtSettings struct {
	WalletAddress     string `settings:"wallet_address" validate:"required"`
	ConversionRate    string `settings:"conversion_rate" validate:"omitempty,numeric"`
	MaxOffset         string `settings:"max_offset" validate:"omitempty,numeric"`
	InvoiceTTLMinutes string `settings:"invoice_ttl_minutes" validate:"omitempty,numeric"`
	APIKey            string `settings:"api_key"`
}

// secretFields lists, per provider, the settings keys the vault encrypts and
// the merge logic protects from masked-value round-trips.
var secretFields = map[provider.Type][]string{
	provider.TypeCloudPayments: {"api_secret"},
	provider.TypeYooKassa:      {"secret_key", "webhook_secret"},
	provider.TypeRobokassa:     {"password1", "password2"},
	provider.TypeStripe:        {"secret_key", "webhook_secret"},
	provider.TypeUSDT:          {"api_key"},
}

// Factory validates raw settings blobs and instantiates adapters.
type Factory struct {
	logger   *zap.Logger
	validate *validator.Validate
}

// NewFactory creates a new provider factory
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		logger:   logger,
		validate: validator.New(),
	}
}

// SupportedProviders returns every provider the factory can build.
func (f *Factory) SupportedProviders() []string {
	types := provider.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}

// SecretFields returns the settings keys treated as secrets for a provider.
func (f *Factory) SecretFields(t provider.Type) []string {
	return secretFields[t]
}

// Create validates settings against the provider's schema and builds the
// adapter. Validation failure is reported before construction, listing every
// violated field.
func (f *Factory) Create(t provider.Type, settings map[string]string, testMode bool) (provider.PaymentProvider, error) {
	switch t {
	case provider.TypeCloudPayments:
		cfg := cloudPaymentsSettings{
			PublicID:  settings["public_id"],
			APISecret: settings["api_secret"],
		}
		if err := f.check(t, cfg); err != nil {
			return nil, err
		}
		return cloudpayments.New(cfg.PublicID, cfg.APISecret, testMode, f.logger), nil

	case provider.TypeYooKassa:
		cfg := yooKassaSettings{
			ShopID:        settings["shop_id"],
			SecretKey:     settings["secret_key"],
			WebhookSecret: settings["webhook_secret"],
			TwoStage:      settings["two_stage"],
		}
		if err := f.check(t, cfg); err != nil {
			return nil, err
		}
		return yookassa.New(cfg.ShopID, cfg.SecretKey, cfg.WebhookSecret, cast.ToBool(cfg.TwoStage), f.logger), nil

	case provider.TypeRobokassa:
		cfg := robokassaSettings{
			Login:     settings["login"],
			Password1: settings["password1"],
			Password2: settings["password2"],
		}
		if err := f.check(t, cfg); err != nil {
			return nil, err
		}
		return robokassa.New(cfg.Login, cfg.Password1, cfg.Password2, testMode, f.logger), nil

	case provider.TypeStripe:
		cfg := stripeSettings{
			SecretKey:     settings["secret_key"],
			WebhookSecret: settings["webhook_secret"],
		}
		if err := f.check(t, cfg); err != nil {
			return nil, err
		}
		return stripe.New(cfg.SecretKey, cfg.WebhookSecret, f.logger), nil

	case provider.TypeUSDT:
		cfg := usdtSettings{
			WalletAddress:     settings["wallet_address"],
			ConversionRate:    settings["conversion_rate"],
			MaxOffset:         settings["max_offset"],
			InvoiceTTLMinutes: settings["invoice_ttl_minutes"],
			APIKey:            settings["api_key"],
		}
		if err := f.check(t, cfg); err != nil {
			return nil, err
		}

		rate, _ := decimal.NewFromString(cfg.ConversionRate)
		maxOffset, err := decimal.NewFromString(cfg.MaxOffset)
		if err != nil {
			maxOffset = decimal.NewFromFloat(0.05)
		}
		ttl := time.Duration(cast.ToInt64(cfg.InvoiceTTLMinutes)) * time.Minute

		explorer := usdt.NewExplorerClient(testMode, cfg.APIKey, f.logger)
		return usdt.New(cfg.WalletAddress, rate, maxOffset, ttl, explorer, f.logger), nil

	default:
		return nil, domainErrors.NewInvalidConfigError(string(t), []string{"unsupported provider type"})
	}
}

// check runs schema validation and converts violations into a single
// InvalidConfig error naming each failed settings key.
func (f *Factory) check(t provider.Type, cfg interface{}) error {
	err := f.validate.Struct(cfg)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return domainErrors.NewInvalidConfigError(string(t), []string{err.Error()})
	}

	violations := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		violations = append(violations,
			settingsKey(cfg, fieldErr.StructField())+" "+fieldErr.Tag())
	}

	f.logger.Warn("provider settings failed validation",
		zap.String("provider", string(t)),
		zap.Strings("violations", violations))

	return domainErrors.NewInvalidConfigError(string(t), violations)
}

// settingsKey maps a schema struct field back to its settings key.
func settingsKey(cfg interface{}, field string) string {
	tag := structTag(cfg, field)
	if tag != "" {
		return tag
	}
	return strings.ToLower(field)
}
