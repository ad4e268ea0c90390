package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	domainRepo "github.com/sellhub/payment-service/internal/domain/repository"
	"github.com/sellhub/payment-service/internal/infrastructure/crypto"
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/usdt"
)

// ConfigService manages per-entity payment configuration. It owns the vault
// merge rules for provider secrets and the adapter cache that the payment
// engine resolves providers through.
type ConfigService struct {
	configRepo domainRepo.ConfigRepository
	vault      *crypto.Vault
	factory    *infraProvider.Factory
	logger     *zap.Logger

	// tolerancePercent is the chain monitor's matching tolerance. Save-time
	// validation of USDT settings must use the same value the monitor
	// matches with, or a raised tolerance silently widens the band past the
	// perturbation spread.
	tolerancePercent decimal.Decimal

	mu       sync.Mutex
	adapters map[string]provider.PaymentProvider
}

// NewConfigService creates a new config service instance. tolerancePercent
// mirrors the monitor configuration; zero falls back to the rail default.
func NewConfigService(
	configRepo domainRepo.ConfigRepository,
	vault *crypto.Vault,
	factory *infraProvider.Factory,
	tolerancePercent float64,
	logger *zap.Logger,
) *ConfigService {
	tolerance := decimal.NewFromFloat(tolerancePercent)
	if !tolerance.IsPositive() {
		tolerance = usdt.DefaultTolerancePercent
	}
	return &ConfigService{
		configRepo:       configRepo,
		vault:            vault,
		factory:          factory,
		logger:           logger,
		tolerancePercent: tolerance,
		adapters:         make(map[string]provider.PaymentProvider),
	}
}

// GetOrCreate returns the entity's config, materializing a disabled test-mode
// default on first access. An entity that never touched payments therefore
// always reads a well-formed config instead of a not-found error.
func (s *ConfigService) GetOrCreate(ctx context.Context, entityType, entityID, ownerID string) (*model.PaymentConfig, error) {
	cfg, err := s.configRepo.GetByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	cfg = &model.PaymentConfig{
		EntityType: entityType,
		EntityID:   entityID,
		OwnerID:    ownerID,
		Enabled:    false,
		TestMode:   true,
		Currency:   "RUB",
	}
	if err := s.configRepo.Save(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("Created default payment config",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID))
	return cfg, nil
}

// MaskedConfig is the read model returned to clients. Secret settings values
// are replaced by their masked form; SecretsSet tells a UI which secrets are
// configured without revealing them.
type MaskedConfig struct {
	Config     *model.PaymentConfig       `json:"config"`
	SecretsSet map[string]map[string]bool `json:"secrets_set,omitempty"`
}

// GetMasked returns the entity's config with every secret masked for display.
func (s *ConfigService) GetMasked(ctx context.Context, entityType, entityID, ownerID string) (*MaskedConfig, error) {
	cfg, err := s.GetOrCreate(ctx, entityType, entityID, ownerID)
	if err != nil {
		return nil, err
	}

	view := *cfg
	view.ProviderSettings = make(model.ProviderSettings, len(cfg.ProviderSettings))
	secretsSet := make(map[string]map[string]bool)

	for name, settings := range cfg.ProviderSettings {
		fields := s.factory.SecretFields(provider.Type(name))
		masked, isSet, err := s.vault.MaskSettings(settings, fields)
		if err != nil {
			return nil, domainErrors.NewDecryptionError(err)
		}
		view.ProviderSettings[name] = masked
		if len(isSet) > 0 {
			secretsSet[name] = isSet
		}
	}

	return &MaskedConfig{Config: &view, SecretsSet: secretsSet}, nil
}

// Save validates and persists an updated config. Incoming secret values that
// are empty or masked keep the stored ciphertext; new plaintext secrets are
// encrypted before the row is written. Cached adapters for the entity are
// dropped so the next payment sees the new credentials.
func (s *ConfigService) Save(ctx context.Context, incoming *model.PaymentConfig) error {
	for _, name := range incoming.ActiveProviders {
		if !provider.Type(name).Valid() {
			return domainErrors.NewInvalidConfigError(name, []string{"unknown provider"})
		}
	}

	if !incoming.MaxAmount.IsZero() && incoming.MinAmount.GreaterThan(incoming.MaxAmount) {
		return domainErrors.NewInvalidConfigError("config", []string{"min_amount exceeds max_amount"})
	}

	existing, err := s.configRepo.GetByEntity(ctx, incoming.EntityType, incoming.EntityID)
	if err != nil {
		return err
	}

	merged := make(model.ProviderSettings, len(incoming.ProviderSettings))
	for name, settings := range incoming.ProviderSettings {
		t := provider.Type(name)
		if !t.Valid() {
			return domainErrors.NewInvalidConfigError(name, []string{"unknown provider"})
		}

		var prev map[string]string
		if existing != nil {
			prev = existing.ProviderSettings[name]
		}

		out, err := s.vault.MergeSettings(prev, settings, s.factory.SecretFields(t))
		if err != nil {
			return fmt.Errorf("failed to merge %s settings: %w", name, err)
		}
		merged[name] = out
	}
	incoming.ProviderSettings = merged

	if settings, ok := merged[string(provider.TypeUSDT)]; ok {
		if err := s.checkUSDTSettings(settings, incoming.MaxAmount); err != nil {
			return err
		}
	}

	if existing != nil {
		incoming.ID = existing.ID
		incoming.CreatedAt = existing.CreatedAt
	}

	if err := s.configRepo.Save(ctx, incoming); err != nil {
		return err
	}

	s.invalidateAdapters(incoming.EntityType, incoming.EntityID)

	s.logger.Info("Saved payment config",
		zap.String("entity_type", incoming.EntityType),
		zap.String("entity_id", incoming.EntityID),
		zap.Bool("enabled", incoming.Enabled),
		zap.Bool("test_mode", incoming.TestMode),
		zap.Strings("active_providers", incoming.ActiveProviders))
	return nil
}

// Delete removes the entity's config and drops its cached adapters.
func (s *ConfigService) Delete(ctx context.Context, entityType, entityID string) error {
	if err := s.configRepo.Delete(ctx, entityType, entityID); err != nil {
		return err
	}
	s.invalidateAdapters(entityType, entityID)
	return nil
}

// Adapter resolves a ready-to-use provider adapter for the entity. Built
// adapters are cached per (entity, provider, test mode) because construction
// decrypts credentials; Save and Delete invalidate the entity's cache slice.
func (s *ConfigService) Adapter(ctx context.Context, cfg *model.PaymentConfig, t provider.Type) (provider.PaymentProvider, error) {
	if !cfg.ActiveProviders.Contains(string(t)) {
		return nil, domainErrors.NewProviderNotActiveError(string(t))
	}

	key := adapterKey(cfg.EntityType, cfg.EntityID, string(t), cfg.TestMode)

	s.mu.Lock()
	defer s.mu.Unlock()

	if adapter, ok := s.adapters[key]; ok {
		return adapter, nil
	}

	settings, ok := cfg.ProviderSettings[string(t)]
	if !ok {
		return nil, domainErrors.NewInvalidConfigError(string(t), []string{"provider has no settings"})
	}

	plain, err := s.vault.DecryptSettings(settings)
	if err != nil {
		return nil, domainErrors.NewDecryptionError(err)
	}

	adapter, err := s.factory.Create(t, plain, cfg.TestMode)
	if err != nil {
		return nil, err
	}

	s.adapters[key] = adapter
	return adapter, nil
}

// ValidateProvider builds the adapter and runs its live credential probe.
func (s *ConfigService) ValidateProvider(ctx context.Context, entityType, entityID, ownerID string, t provider.Type) error {
	cfg, err := s.GetOrCreate(ctx, entityType, entityID, ownerID)
	if err != nil {
		return err
	}

	adapter, err := s.Adapter(ctx, cfg, t)
	if err != nil {
		return err
	}

	return adapter.ValidateConfig(ctx)
}

// checkUSDTSettings rejects a (max_offset, tolerance) pair where the whole
// perturbation spread fits inside the tolerance band at the configured
// maximum amount. Past that point every perturbed invoice matches the same
// transfers and the amount correlation stops discriminating.
func (s *ConfigService) checkUSDTSettings(settings map[string]string, maxAmount decimal.Decimal) error {
	if maxAmount.IsZero() {
		return nil
	}

	maxOffset := decimal.NewFromFloat(0.05)
	if raw, ok := settings["max_offset"]; ok && raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			return domainErrors.NewInvalidConfigError(string(provider.TypeUSDT), []string{"max_offset"})
		}
		maxOffset = parsed
	}

	expectedMax := maxAmount
	if raw, ok := settings["conversion_rate"]; ok && raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			return domainErrors.NewInvalidConfigError(string(provider.TypeUSDT), []string{"conversion_rate"})
		}
		expectedMax = maxAmount.Mul(rate)
	}

	band := expectedMax.Mul(s.tolerancePercent).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(2))
	if band.GreaterThanOrEqual(maxOffset) {
		return domainErrors.NewInvalidConfigError(string(provider.TypeUSDT),
			[]string{"max_offset too small for the tolerance window at max_amount"})
	}

	return nil
}

func (s *ConfigService) invalidateAdapters(entityType, entityID string) {
	prefix := entityType + ":" + entityID + ":"

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.adapters {
		if strings.HasPrefix(key, prefix) {
			delete(s.adapters, key)
		}
	}
}

func adapterKey(entityType, entityID, providerName string, testMode bool) string {
	return fmt.Sprintf("%s:%s:%s:%t", entityType, entityID, providerName, testMode)
}
