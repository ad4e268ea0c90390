package usdt

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
)

func newTestProvider() *Provider {
	explorer := NewExplorerClient(true, "", zap.NewNop())
	return New(
		"TWalletAddressExample123456789",
		decimal.RequireFromString("0.011"), // RUB to USDT
		decimal.RequireFromString("0.05"),
		time.Hour,
		explorer,
		zap.NewNop(),
	)
}

func TestPerturbAmount(t *testing.T) {
	base := decimal.RequireFromString("100.00")
	maxOffset := decimal.RequireFromString("0.05")

	t.Run("deterministic for the same key", func(t *testing.T) {
		a := PerturbAmount(base, "order-1", maxOffset)
		b := PerturbAmount(base, "order-1", maxOffset)
		assert.True(t, a.Equal(b))
	})

	t.Run("offset stays in the open-closed window", func(t *testing.T) {
		keys := []string{"order-1", "order-2", "order-3", "invoice-xyz", "another-key"}
		for _, key := range keys {
			perturbed := PerturbAmount(base, key, maxOffset)
			offset := perturbed.Sub(base)
			assert.True(t, offset.IsPositive(), "offset must be positive for %s", key)
			assert.True(t, offset.LessThanOrEqual(maxOffset), "offset must not exceed max for %s", key)
		}
	})

	t.Run("different keys rarely collide", func(t *testing.T) {
		a := PerturbAmount(base, "order-1", maxOffset)
		b := PerturbAmount(base, "order-2", maxOffset)
		assert.False(t, a.Equal(b))
	})

	t.Run("zero max offset leaves the base unchanged", func(t *testing.T) {
		assert.True(t, base.Equal(PerturbAmount(base, "order-1", decimal.Zero)))
	})
}

func TestCreatePayment(t *testing.T) {
	p := newTestProvider()

	resp, err := p.CreatePayment(context.Background(), &provider.CreatePaymentRequest{
		Amount:         decimal.RequireFromString("1500.00"),
		Currency:       "RUB",
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)

	assert.Equal(t, "usdt-order-42", resp.ExternalID)
	assert.Equal(t, model.PaymentStatusPending, resp.Status)
	require.NotNil(t, resp.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *resp.ExpiresAt, time.Minute)

	assert.Equal(t, "TWalletAddressExample123456789", resp.ProviderData[MetaWalletAddress])

	original, err := decimal.NewFromString(resp.ProviderData[MetaOriginalAmount].(string))
	require.NoError(t, err)
	assert.True(t, original.Equal(decimal.RequireFromString("1500")))

	// 1500 RUB at 0.011 = 16.5 USDT plus a perturbation within the offset
	expected, err := decimal.NewFromString(resp.ProviderData[MetaExpectedAmount].(string))
	require.NoError(t, err)
	baseToken := decimal.RequireFromString("16.5")
	assert.True(t, expected.GreaterThan(baseToken))
	assert.True(t, expected.Sub(baseToken).LessThanOrEqual(decimal.RequireFromString("0.05")))
}

func TestCreatePayment_IdempotentExpectedAmount(t *testing.T) {
	p := newTestProvider()
	req := &provider.CreatePaymentRequest{
		Amount:         decimal.RequireFromString("1500.00"),
		Currency:       "RUB",
		IdempotencyKey: "order-42",
	}

	a, err := p.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	b, err := p.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	// Same invoice must demand the same amount on re-submission
	assert.Equal(t, a.ProviderData[MetaExpectedAmount], b.ProviderData[MetaExpectedAmount])
	assert.Equal(t, a.ExternalID, b.ExternalID)
}

func TestUnsupportedCapabilities(t *testing.T) {
	p := newTestProvider()
	ctx := context.Background()

	_, err := p.GetPaymentStatus(ctx, "usdt-order-42")
	assert.True(t, provider.IsNotSupported(err))

	_, err = p.CapturePayment(ctx, "usdt-order-42", nil)
	assert.True(t, provider.IsNotSupported(err))

	_, err = p.Refund(ctx, &provider.RefundRequest{ExternalID: "usdt-order-42"})
	assert.True(t, provider.IsNotSupported(err))

	_, err = p.ParseWebhook(nil, "")
	assert.True(t, provider.IsNotSupported(err))

	// Cancel only drops the local invoice
	assert.NoError(t, p.CancelPayment(ctx, "usdt-order-42"))
}

func TestExplorerClient_NetworkSelection(t *testing.T) {
	mainnet := NewExplorerClient(false, "", zap.NewNop())
	testnet := NewExplorerClient(true, "", zap.NewNop())

	assert.Equal(t, MainnetContract, mainnet.Contract())
	assert.Equal(t, TestnetContract, testnet.Contract())
	assert.NotEqual(t, mainnet.Contract(), testnet.Contract())
}
