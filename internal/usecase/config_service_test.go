package usecase

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/infrastructure/crypto"
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
)

func newConfigService(t *testing.T, tolerancePercent float64) *ConfigService {
	t.Helper()

	logger := zap.NewNop()
	vault, err := crypto.NewVault("test-master-secret")
	require.NoError(t, err)

	return NewConfigService(newFakeConfigRepo(), vault, infraProvider.NewFactory(logger), tolerancePercent, logger)
}

func usdtConfig(maxOffset string) *model.PaymentConfig {
	return &model.PaymentConfig{
		EntityType:      "shop",
		EntityID:        "shop-9",
		OwnerID:         "owner-1",
		Enabled:         true,
		TestMode:        true,
		Currency:        "USD",
		MaxAmount:       decimal.RequireFromString("1000"),
		ActiveProviders: model.StringList{"usdt"},
		ProviderSettings: model.ProviderSettings{
			"usdt": {
				"wallet_address":   "TTestWalletAddressxxxxxxxxxxxxxxxx",
				"trongrid_api_key": "key",
				"conversion_rate":  "1",
				"max_offset":       maxOffset,
			},
		},
	}
}

// The (max_offset, tolerance) pair is validated with the tolerance the
// monitor actually matches with. At max_amount 1000 and rate 1 the band is
// 2*1000*t/100: 0.2 for the 0.01% default, 10 when an operator raises the
// tolerance to 0.5%.
func TestSaveUSDTSettings_TolerancePair(t *testing.T) {
	ctx := context.Background()

	t.Run("offset clears default tolerance band", func(t *testing.T) {
		svc := newConfigService(t, 0)
		require.NoError(t, svc.Save(ctx, usdtConfig("0.5")))
	})

	t.Run("raised tolerance rejects same offset", func(t *testing.T) {
		svc := newConfigService(t, 0.5)
		err := svc.Save(ctx, usdtConfig("0.5"))
		require.Error(t, err)
		assert.Equal(t, domainErrors.ErrTypeInvalidConfig, domainErrors.TypeOf(err))
	})

	t.Run("wide offset clears raised tolerance", func(t *testing.T) {
		svc := newConfigService(t, 0.5)
		require.NoError(t, svc.Save(ctx, usdtConfig("25")))
	})
}
