package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/adapter/messaging"
	"github.com/sellhub/payment-service/internal/domain/event"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/infrastructure/crypto"
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/usdt"
)

const testWallet = "TWalletAddressExample123456789"

// explorerStub serves a canned TronGrid transfer list.
func explorerStub(t *testing.T, amounts ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := ""
		for i, amount := range amounts {
			raw := decimal.RequireFromString(amount).Shift(6).StringFixed(0)
			if i > 0 {
				items += ","
			}
			items += fmt.Sprintf(`{
				"transaction_id": "tx-%d",
				"from": "TSenderAddress",
				"to": %q,
				"type": "Transfer",
				"value": %q,
				"block_timestamp": %d,
				"token_info": {"address": %q, "decimals": 6}
			}`, i+1, testWallet, raw, time.Now().UnixMilli(), usdt.TestnetContract)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success": true, "data": [%s]}`, items)
	}))
}

type monitorEnv struct {
	monitor     *CryptoMonitor
	engine      *TransactionService
	paymentRepo *fakePaymentRepo
	events      *[]event.PaymentEvent
}

func newMonitorEnv(t *testing.T, explorerURL string, tolerancePercent float64) *monitorEnv {
	t.Helper()

	logger := zap.NewNop()
	vault, err := crypto.NewVault("test-master-secret")
	require.NoError(t, err)

	paymentRepo := newFakePaymentRepo()
	configRepo := newFakeConfigRepo()
	configRepo.configs["shop:shop-1"] = &model.PaymentConfig{
		ID:              1,
		EntityType:      "shop",
		EntityID:        "shop-1",
		OwnerID:         "owner-1",
		Enabled:         true,
		TestMode:        true,
		Currency:        "RUB",
		ActiveProviders: model.StringList{"usdt"},
		ProviderSettings: model.ProviderSettings{
			"usdt": {"wallet_address": testWallet},
		},
	}

	factory := infraProvider.NewFactory(logger)
	configSvc := NewConfigService(configRepo, vault, factory, 0, logger)

	// Point the adapter at the stub explorer.
	explorer := usdt.NewExplorerClient(true, "", logger)
	explorer.SetBaseURL(explorerURL)
	adapter := usdt.New(testWallet, decimal.RequireFromString("0.011"), decimal.RequireFromString("0.05"), time.Hour, explorer, logger)
	configSvc.adapters[adapterKey("shop", "shop-1", "usdt", true)] = adapter

	publisher := messaging.NewMemoryPublisher()
	events := &[]event.PaymentEvent{}
	publisher.Subscribe(func(evt event.PaymentEvent) {
		*events = append(*events, evt)
	})

	gateway := &mockGateway{}
	gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := NewTransactionService(paymentRepo, configSvc, gateway, publisher, logger)
	monitor := NewCryptoMonitor(paymentRepo, configSvc, engine, time.Minute, tolerancePercent, logger)

	return &monitorEnv{
		monitor:     monitor,
		engine:      engine,
		paymentRepo: paymentRepo,
		events:      events,
	}
}

func pendingCryptoPayment(t *testing.T, env *monitorEnv, externalID, expectedAmount string, expiresAt time.Time) *model.Payment {
	t.Helper()
	payment := &model.Payment{
		Provider:   "usdt",
		EntityType: "shop",
		EntityID:   "shop-1",
		TargetType: "order",
		TargetID:   "order-42",
		OwnerID:    "owner-1",
		Amount:     decimal.RequireFromString("1500.00"),
		Currency:   "RUB",
		Status:     model.PaymentStatusPending,
		StatusHistory: model.StatusHistory{{
			Status:    model.PaymentStatusPending,
			ChangedAt: time.Now(),
			Reason:    "created",
		}},
		Metadata: model.JSONB{
			usdt.MetaWalletAddress:  testWallet,
			usdt.MetaExpectedAmount: expectedAmount,
		},
		ExternalID: &externalID,
		ExpiresAt:  &expiresAt,
		CreatedAt:  time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, env.paymentRepo.Create(context.Background(), payment))
	return payment
}

func TestCryptoMonitor_MatchesTransferWithinTolerance(t *testing.T) {
	srv := explorerStub(t, "16.530001")
	defer srv.Close()

	env := newMonitorEnv(t, srv.URL, 0.01)
	payment := pendingCryptoPayment(t, env, "usdt-order-42", "16.53", time.Now().Add(time.Hour))

	env.monitor.Tick(context.Background())

	reloaded, err := env.engine.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusSucceeded, reloaded.Status)
	require.NotNil(t, reloaded.PaidAt)
	assert.Equal(t, "tx-1", reloaded.Metadata["matched_tx_id"])
	assert.Equal(t, "chain transfer matched", reloaded.StatusHistory.Head().Reason)

	require.Len(t, *env.events, 1)
	assert.Equal(t, event.PaymentSucceeded, (*env.events)[0].Name)
}

func TestCryptoMonitor_RejectsTransferOutsideTolerance(t *testing.T) {
	// 16.54 against expected 16.53 is a 0.06% deviation, band is 0.01%
	srv := explorerStub(t, "16.54")
	defer srv.Close()

	env := newMonitorEnv(t, srv.URL, 0.01)
	payment := pendingCryptoPayment(t, env, "usdt-order-42", "16.53", time.Now().Add(time.Hour))

	env.monitor.Tick(context.Background())

	reloaded, err := env.engine.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, reloaded.Status)
	assert.Empty(t, *env.events)
}

func TestCryptoMonitor_TransferClaimedOnce(t *testing.T) {
	// One transfer, two invoices demanding the same amount: only one may win.
	srv := explorerStub(t, "16.53")
	defer srv.Close()

	env := newMonitorEnv(t, srv.URL, 0.01)
	a := pendingCryptoPayment(t, env, "usdt-order-1", "16.53", time.Now().Add(time.Hour))
	b := pendingCryptoPayment(t, env, "usdt-order-2", "16.53", time.Now().Add(time.Hour))

	env.monitor.Tick(context.Background())

	reloadedA, err := env.engine.GetPayment(context.Background(), a.ID)
	require.NoError(t, err)
	reloadedB, err := env.engine.GetPayment(context.Background(), b.ID)
	require.NoError(t, err)

	succeeded := 0
	if reloadedA.Status == model.PaymentStatusSucceeded {
		succeeded++
	}
	if reloadedB.Status == model.PaymentStatusSucceeded {
		succeeded++
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, *env.events, 1)
}

func TestCryptoMonitor_ExpiresLapsedInvoices(t *testing.T) {
	srv := explorerStub(t) // no transfers
	defer srv.Close()

	env := newMonitorEnv(t, srv.URL, 0.01)
	payment := pendingCryptoPayment(t, env, "usdt-order-42", "16.53", time.Now().Add(-time.Minute))

	env.monitor.Tick(context.Background())

	reloaded, err := env.engine.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusCanceled, reloaded.Status)
	require.NotNil(t, reloaded.CanceledAt)
	assert.Equal(t, "expired", reloaded.StatusHistory.Head().Reason)

	require.Len(t, *env.events, 1)
	assert.Equal(t, event.PaymentCanceled, (*env.events)[0].Name)
}

func TestCryptoMonitor_PerturbationSeparatesInvoices(t *testing.T) {
	// Concurrent invoices for the same base amount each demand a distinct
	// perturbed amount within the offset window.
	base := decimal.RequireFromString("16.5")
	maxOffset := decimal.RequireFromString("0.05")

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("order-%d", i)
		amount := usdt.PerturbAmount(base, key, maxOffset)

		offset := amount.Sub(base)
		assert.True(t, offset.IsPositive())
		assert.True(t, offset.LessThanOrEqual(maxOffset))
		seen[amount.String()] = true
	}

	// With 10000 possible offsets, 20 invoices colliding would mean the
	// derivation is broken, not unlucky.
	assert.GreaterOrEqual(t, len(seen), 19)
}
