package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/adapter/messaging"
	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/event"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/domain/target"
	"github.com/sellhub/payment-service/internal/infrastructure/crypto"
	infraProvider "github.com/sellhub/payment-service/internal/infrastructure/provider"
)

// fakePaymentRepo is an in-memory PaymentRepository.
type fakePaymentRepo struct {
	mu       sync.Mutex
	seq      int64
	payments map[int64]*model.Payment
	refunds  []*model.Refund
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[int64]*model.Payment)}
}

func (r *fakePaymentRepo) Create(ctx context.Context, payment *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	payment.ID = r.seq
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) GetByID(ctx context.Context, id int64) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domainErrors.NewPaymentNotFoundError(fmt.Sprintf("%d", id))
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetByExternalID(ctx context.Context, providerName, externalID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Provider == providerName && p.ExternalID != nil && *p.ExternalID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domainErrors.NewPaymentNotFoundError(externalID)
}

func (r *fakePaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domainErrors.NewPaymentNotFoundError(key)
}

func (r *fakePaymentRepo) ListByEntity(ctx context.Context, entityType, entityID string, statuses []model.PaymentStatus) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.EntityType != entityType || p.EntityID != entityID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if p.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakePaymentRepo) ListByTarget(ctx context.Context, targetType, targetID string) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.TargetType == targetType && p.TargetID == targetID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) ListPendingByProvider(ctx context.Context, providerName string) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.Provider == providerName && p.Status == model.PaymentStatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) Update(ctx context.Context, payment *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) AddRefund(ctx context.Context, refund *model.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds = append(r.refunds, refund)
	return nil
}

// fakeConfigRepo is an in-memory ConfigRepository.
type fakeConfigRepo struct {
	mu      sync.Mutex
	configs map[string]*model.PaymentConfig
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{configs: make(map[string]*model.PaymentConfig)}
}

func (r *fakeConfigRepo) GetByEntity(ctx context.Context, entityType, entityID string) (*model.PaymentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[entityType+":"+entityID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (r *fakeConfigRepo) Save(ctx context.Context, config *model.PaymentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *config
	r.configs[config.EntityType+":"+config.EntityID] = &cp
	return nil
}

func (r *fakeConfigRepo) Delete(ctx context.Context, entityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, entityType+":"+entityID)
	return nil
}

// mockProvider is a testify mock for the PaymentProvider interface.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "cloudpayments" }

func (m *mockProvider) ValidateConfig(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockProvider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.CreatePaymentResponse), args.Error(1)
}

func (m *mockProvider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.PaymentStatusInfo), args.Error(1)
}

func (m *mockProvider) CancelPayment(ctx context.Context, externalID string) error {
	args := m.Called(ctx, externalID)
	return args.Error(0)
}

func (m *mockProvider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	args := m.Called(ctx, externalID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.PaymentStatusInfo), args.Error(1)
}

func (m *mockProvider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.RefundResponse), args.Error(1)
}

func (m *mockProvider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.WebhookData), args.Error(1)
}

func (m *mockProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	args := m.Called(payload, signature)
	return args.Bool(0)
}

// mockGateway is a testify mock for the target Gateway.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) AmountOwed(ctx context.Context, targetType, targetID string) (decimal.Decimal, error) {
	args := m.Called(ctx, targetType, targetID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockGateway) OwnerID(ctx context.Context, targetType, targetID string) (string, error) {
	args := m.Called(ctx, targetType, targetID)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) SetPaymentStatus(ctx context.Context, targetType, targetID string, paymentID int64, state target.PaymentState) error {
	args := m.Called(ctx, targetType, targetID, paymentID, state)
	return args.Error(0)
}

type testEnv struct {
	engine      *TransactionService
	paymentRepo *fakePaymentRepo
	configRepo  *fakeConfigRepo
	configSvc   *ConfigService
	provider    *mockProvider
	gateway     *mockGateway
	events      *[]event.PaymentEvent
}

func newTestEnv(t *testing.T) *testEnv {
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
		MinAmount:       decimal.RequireFromString("10"),
		MaxAmount:       decimal.RequireFromString("100000"),
		ActiveProviders: model.StringList{"cloudpayments"},
		ProviderSettings: model.ProviderSettings{
			"cloudpayments": {"public_id": "pk_test", "api_secret": "secret"},
		},
	}

	factory := infraProvider.NewFactory(logger)
	configSvc := NewConfigService(configRepo, vault, factory, 0, logger)

	// Seed the adapter cache so the engine talks to the mock instead of a
	// real gateway client.
	prov := &mockProvider{}
	configSvc.adapters[adapterKey("shop", "shop-1", "cloudpayments", true)] = prov

	publisher := messaging.NewMemoryPublisher()
	events := &[]event.PaymentEvent{}
	publisher.Subscribe(func(evt event.PaymentEvent) {
		*events = append(*events, evt)
	})

	gateway := &mockGateway{}
	gateway.On("AmountOwed", mock.Anything, "order", "order-42").Return(decimal.RequireFromString("1500.00"), nil)
	engine := NewTransactionService(paymentRepo, configSvc, gateway, publisher, logger)

	return &testEnv{
		engine:      engine,
		paymentRepo: paymentRepo,
		configRepo:  configRepo,
		configSvc:   configSvc,
		provider:    prov,
		gateway:     gateway,
		events:      events,
	}
}

func createInput() *CreatePaymentInput {
	return &CreatePaymentInput{
		EntityType:     "shop",
		EntityID:       "shop-1",
		TargetType:     "order",
		TargetID:       "order-42",
		OwnerID:        "owner-1",
		Provider:       "cloudpayments",
		Amount:         decimal.RequireFromString("1500.00"),
		Currency:       "RUB",
		Description:    "Order #42",
		IdempotencyKey: "order-42-attempt-1",
	}
}

func TestCreatePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.MatchedBy(func(req *provider.CreatePaymentRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("1500.00")) && req.Currency == "RUB"
	})).Return(&provider.CreatePaymentResponse{
		ExternalID:      "cp-001",
		Status:          model.PaymentStatusPending,
		ConfirmationURL: "https://pay.example/cp-001",
	}, nil)
	env.gateway.On("SetPaymentStatus", mock.Anything, "order", "order-42", mock.Anything, target.StateAwaiting).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	assert.Equal(t, "https://pay.example/cp-001", result.ConfirmationURL)
	assert.Equal(t, model.PaymentStatusPending, result.Payment.Status)
	require.NotNil(t, result.Payment.ExternalID)
	assert.Equal(t, "cp-001", *result.Payment.ExternalID)

	require.Len(t, result.Payment.StatusHistory, 1)
	assert.Equal(t, model.PaymentStatusPending, result.Payment.StatusHistory[0].Status)
	assert.Equal(t, "created", result.Payment.StatusHistory[0].Reason)

	env.gateway.AssertCalled(t, "SetPaymentStatus", mock.Anything, "order", "order-42", result.Payment.ID, target.StateAwaiting)
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil)
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	first, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	second, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	env.provider.AssertNumberOfCalls(t, "CreatePayment", 1)
}

func TestCreatePayment_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.configRepo.configs["shop:shop-1"].Enabled = false

	_, err := env.engine.CreatePayment(context.Background(), createInput())
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypePaymentsDisabled, domainErrors.TypeOf(err))
}

func TestCreatePayment_AmountOutOfBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	below := createInput()
	below.Amount = decimal.RequireFromString("5")
	below.IdempotencyKey = "too-low"
	_, err := env.engine.CreatePayment(ctx, below)
	assert.Equal(t, domainErrors.ErrTypeInvalidAmount, domainErrors.TypeOf(err))

	above := createInput()
	above.Amount = decimal.RequireFromString("200000")
	above.IdempotencyKey = "too-high"
	_, err = env.engine.CreatePayment(ctx, above)
	assert.Equal(t, domainErrors.ErrTypeInvalidAmount, domainErrors.TypeOf(err))
}

func TestCreatePayment_ExceedsAmountOwed(t *testing.T) {
	env := newTestEnv(t)

	input := createInput()
	input.TargetID = "order-43"
	input.IdempotencyKey = "order-43-attempt-1"
	env.gateway.On("AmountOwed", mock.Anything, "order", "order-43").Return(decimal.RequireFromString("1200.00"), nil)

	_, err := env.engine.CreatePayment(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeInvalidAmount, domainErrors.TypeOf(err))
	env.provider.AssertNumberOfCalls(t, "CreatePayment", 0)
}

func TestCreatePayment_ResolvesOwnerFromTarget(t *testing.T) {
	env := newTestEnv(t)

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.gateway.On("OwnerID", mock.Anything, "order", "order-42").Return("owner-1", nil)
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	input := createInput()
	input.OwnerID = ""

	result, err := env.engine.CreatePayment(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", result.Payment.OwnerID)
	env.gateway.AssertCalled(t, "OwnerID", mock.Anything, "order", "order-42")
}

func TestCreatePayment_ProviderNotActive(t *testing.T) {
	env := newTestEnv(t)

	input := createInput()
	input.Provider = "yookassa"
	_, err := env.engine.CreatePayment(context.Background(), input)
	assert.Equal(t, domainErrors.ErrTypeProviderNotActive, domainErrors.TypeOf(err))
}

// createSucceededPayment walks a payment to succeeded through the webhook path.
func createSucceededPayment(t *testing.T, env *testEnv) *model.Payment {
	t.Helper()
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	env.provider.On("ParseWebhook", mock.Anything, mock.Anything).Return(&provider.WebhookData{
		EventType:  "pay",
		ExternalID: "cp-001",
		Status:     model.PaymentStatusSucceeded,
	}, nil).Once()

	_, err = env.engine.HandleWebhook(ctx, "shop", "shop-1", provider.TypeCloudPayments, []byte(`{}`), "sig")
	require.NoError(t, err)

	payment, err := env.engine.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusSucceeded, payment.Status)
	return payment
}

func TestHandleWebhook_Succeeded(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)

	require.NotNil(t, payment.PaidAt)
	require.Len(t, payment.StatusHistory, 2)
	assert.Equal(t, model.PaymentStatusPending, payment.StatusHistory[1].PreviousStatus)
	assert.Equal(t, "webhook:pay", payment.StatusHistory[1].Reason)

	env.gateway.AssertCalled(t, "SetPaymentStatus", mock.Anything, "order", "order-42", payment.ID, target.StatePaid)

	require.Len(t, *env.events, 1)
	assert.Equal(t, event.PaymentSucceeded, (*env.events)[0].Name)
	assert.Equal(t, payment.ID, (*env.events)[0].PaymentID)
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)
	firstPaidAt := *payment.PaidAt

	env.provider.On("ParseWebhook", mock.Anything, mock.Anything).Return(&provider.WebhookData{
		EventType:  "pay",
		ExternalID: "cp-001",
		Status:     model.PaymentStatusSucceeded,
	}, nil).Once()

	_, err := env.engine.HandleWebhook(context.Background(), "shop", "shop-1", provider.TypeCloudPayments, []byte(`{}`), "sig")
	require.NoError(t, err)

	reloaded, err := env.engine.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)

	// No duplicate history entry, no moved timestamp, no second event
	assert.Len(t, reloaded.StatusHistory, 2)
	assert.True(t, reloaded.PaidAt.Equal(firstPaidAt))
	assert.Len(t, *env.events, 1)
}

func TestHandleWebhook_RegressionRejected(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)

	env.provider.On("ParseWebhook", mock.Anything, mock.Anything).Return(&provider.WebhookData{
		EventType:  "stale",
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()

	// Out-of-order delivery is acknowledged without error; stored state wins.
	_, err := env.engine.HandleWebhook(context.Background(), "shop", "shop-1", provider.TypeCloudPayments, []byte(`{}`), "sig")
	require.NoError(t, err)

	reloaded, err := env.engine.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, reloaded.Status)
	assert.Len(t, reloaded.StatusHistory, 2)
}

func TestHandleWebhook_UnknownPayment(t *testing.T) {
	env := newTestEnv(t)

	env.provider.On("ParseWebhook", mock.Anything, mock.Anything).Return(&provider.WebhookData{
		EventType:  "pay",
		ExternalID: "cp-unknown",
		Status:     model.PaymentStatusSucceeded,
	}, nil).Once()

	data, err := env.engine.HandleWebhook(context.Background(), "shop", "shop-1", provider.TypeCloudPayments, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, "cp-unknown", data.ExternalID)
}

func TestHandleWebhook_VerificationFailure(t *testing.T) {
	env := newTestEnv(t)

	env.provider.On("ParseWebhook", mock.Anything, mock.Anything).Return(nil, &provider.ProviderError{
		Provider: "cloudpayments",
		Code:     provider.ErrCodeBadSignature,
		Message:  "webhook signature verification failed",
	}).Once()

	_, err := env.engine.HandleWebhook(context.Background(), "shop", "shop-1", provider.TypeCloudPayments, []byte(`{}`), "bad-sig")
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeWebhookVerificationFailed, domainErrors.TypeOf(err))
}

func TestUpdatePaymentStatus_BackwardTransition(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)

	_, err := env.engine.UpdatePaymentStatus(context.Background(), payment.ID, model.PaymentStatusPending, "manual")
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeInvalidStateTransition, domainErrors.TypeOf(err))
}

func TestRefundPayment_PartialThenFull(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)
	ctx := context.Background()

	env.provider.On("Refund", mock.Anything, mock.MatchedBy(func(req *provider.RefundRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("500"))
	})).Return(&provider.RefundResponse{
		RefundExternalID: "rf-001",
		Status:           model.RefundStatusSucceeded,
		Amount:           decimal.RequireFromString("500"),
	}, nil).Once()

	updated, err := env.engine.RefundPayment(ctx, payment.ID, decimal.RequireFromString("500"), "customer request")
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusPartiallyRefunded, updated.Status)
	assert.True(t, updated.RefundedAmount.Equal(decimal.RequireFromString("500")))
	assert.True(t, updated.RemainingAmount().Equal(decimal.RequireFromString("1000")))
	require.Len(t, env.paymentRepo.refunds, 1)
	assert.Equal(t, payment.ID, env.paymentRepo.refunds[0].PaymentID)

	env.gateway.AssertCalled(t, "SetPaymentStatus", mock.Anything, "order", "order-42", payment.ID, target.StateRefunded)

	// Refund the remainder; zero amount means everything refundable.
	env.provider.On("Refund", mock.Anything, mock.MatchedBy(func(req *provider.RefundRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("1000"))
	})).Return(&provider.RefundResponse{
		RefundExternalID: "rf-002",
		Status:           model.RefundStatusSucceeded,
		Amount:           decimal.RequireFromString("1000"),
	}, nil).Once()

	final, err := env.engine.RefundPayment(ctx, payment.ID, decimal.Zero, "customer request")
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusRefunded, final.Status)
	assert.True(t, final.RefundedAmount.Equal(decimal.RequireFromString("1500")))
	assert.True(t, final.RemainingAmount().IsZero())

	// succeeded event plus two refund events
	require.Len(t, *env.events, 3)
	assert.Equal(t, event.PaymentRefunded, (*env.events)[1].Name)
	assert.Equal(t, event.PaymentRefunded, (*env.events)[2].Name)
}

func TestRefundPayment_ConcurrentCallsSerialized(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)
	ctx := context.Background()

	env.provider.On("Refund", mock.Anything, mock.Anything).Return(&provider.RefundResponse{
		RefundExternalID: "rf-001",
		Status:           model.RefundStatusSucceeded,
		Amount:           decimal.RequireFromString("1000"),
	}, nil)

	// Two simultaneous refunds of 1000 on a 1500 payment. The per-payment
	// lock must serialize them so the loser re-reads the reduced remainder
	// and is rejected instead of pushing refunded_amount to 2000.
	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.RefundPayment(ctx, payment.ID, decimal.RequireFromString("1000"), "chargeback")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		rejected++
		assert.Equal(t, domainErrors.ErrTypeInvalidAmount, domainErrors.TypeOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	reloaded, err := env.engine.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.RefundedAmount.Equal(decimal.RequireFromString("1000")))
	assert.True(t, reloaded.RefundedAmount.LessThanOrEqual(reloaded.Amount))
	assert.Equal(t, model.PaymentStatusPartiallyRefunded, reloaded.Status)

	// The rejected caller never reached the provider.
	env.provider.AssertNumberOfCalls(t, "Refund", 1)
	assert.Len(t, env.paymentRepo.refunds, 1)
}

func TestRefundPayment_OverRemainder(t *testing.T) {
	env := newTestEnv(t)
	payment := createSucceededPayment(t, env)

	_, err := env.engine.RefundPayment(context.Background(), payment.ID, decimal.RequireFromString("2000"), "")
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeInvalidAmount, domainErrors.TypeOf(err))
}

func TestRefundPayment_WrongState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	_, err = env.engine.RefundPayment(ctx, result.Payment.ID, decimal.RequireFromString("100"), "")
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeInvalidStateTransition, domainErrors.TypeOf(err))
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.provider.On("CancelPayment", mock.Anything, "cp-001").Return(nil).Once()
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	canceled, err := env.engine.CancelPayment(ctx, result.Payment.ID, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)
	env.gateway.AssertCalled(t, "SetPaymentStatus", mock.Anything, "order", "order-42", result.Payment.ID, target.StateCanceled)

	require.Len(t, *env.events, 1)
	assert.Equal(t, event.PaymentCanceled, (*env.events)[0].Name)

	// Canceling a canceled payment is rejected
	_, err = env.engine.CancelPayment(ctx, result.Payment.ID, "again")
	require.Error(t, err)
	assert.Equal(t, domainErrors.ErrTypeInvalidStateTransition, domainErrors.TypeOf(err))
}

func TestCheckPaymentStatus_AppliesProviderState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	env.provider.On("GetPaymentStatus", mock.Anything, "cp-001").Return(&provider.PaymentStatusInfo{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusSucceeded,
	}, nil).Once()

	updated, err := env.engine.CheckPaymentStatus(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, updated.Status)
	require.NotNil(t, updated.PaidAt)
}

func TestFailPayment_RecordsErrorDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreatePayment", mock.Anything, mock.Anything).Return(&provider.CreatePaymentResponse{
		ExternalID: "cp-001",
		Status:     model.PaymentStatusPending,
	}, nil).Once()
	env.gateway.On("SetPaymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.engine.CreatePayment(ctx, createInput())
	require.NoError(t, err)

	failed, err := env.engine.FailPayment(ctx, result.Payment.ID, "insufficient_funds", "card declined")
	require.NoError(t, err)

	assert.Equal(t, model.PaymentStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, "insufficient_funds", *failed.ErrorCode)

	require.Len(t, *env.events, 1)
	assert.Equal(t, event.PaymentFailed, (*env.events)[0].Name)
}

func TestTransitionAllowedTable(t *testing.T) {
	tests := []struct {
		from    model.PaymentStatus
		to      model.PaymentStatus
		allowed bool
	}{
		{model.PaymentStatusPending, model.PaymentStatusWaitingForCapture, true},
		{model.PaymentStatusPending, model.PaymentStatusSucceeded, true},
		{model.PaymentStatusPending, model.PaymentStatusCanceled, true},
		{model.PaymentStatusPending, model.PaymentStatusRefunded, false},
		{model.PaymentStatusWaitingForCapture, model.PaymentStatusSucceeded, true},
		{model.PaymentStatusWaitingForCapture, model.PaymentStatusPending, false},
		{model.PaymentStatusSucceeded, model.PaymentStatusPartiallyRefunded, true},
		{model.PaymentStatusSucceeded, model.PaymentStatusRefunded, true},
		{model.PaymentStatusSucceeded, model.PaymentStatusPending, false},
		{model.PaymentStatusSucceeded, model.PaymentStatusCanceled, false},
		{model.PaymentStatusPartiallyRefunded, model.PaymentStatusRefunded, true},
		{model.PaymentStatusPartiallyRefunded, model.PaymentStatusPartiallyRefunded, true},
		{model.PaymentStatusRefunded, model.PaymentStatusSucceeded, false},
		{model.PaymentStatusCanceled, model.PaymentStatusSucceeded, false},
		{model.PaymentStatusFailed, model.PaymentStatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, transitionAllowed(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}
