package usdt

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
)

// Metadata keys the adapter writes into the payment record. The crypto
// monitor correlates on-chain transfers through them.
const (
	MetaWalletAddress  = "wallet_address"
	MetaExpectedAmount = "expected_amount"
	MetaOriginalAmount = "original_amount"
	MetaConversionRate = "conversion_rate"
	MetaMatchedTxID    = "matched_tx_id"
)

// offsetSteps quantizes the perturbation into 10000 distinct offsets.
const offsetSteps = 10000

// DefaultTolerancePercent is the allowed deviation, in percent, between the
// expected perturbed amount and an observed on-chain transfer.
var DefaultTolerancePercent = decimal.NewFromFloat(0.01)

// Provider implements the PaymentProvider interface for the USDT TRC-20 rail.
// There is no remote payment object: creating a payment mints a uniquely
// perturbed expected amount for a shared watched address, and confirmation
// comes from the crypto monitor polling the explorer. Push notifications do
// not exist, so webhook capabilities report NotSupported.
type Provider struct {
	walletAddress  string
	conversionRate decimal.Decimal
	maxOffset      decimal.Decimal
	invoiceTTL     time.Duration
	explorer       *ExplorerClient
	logger         *zap.Logger
}

// New creates a USDT provider.
func New(walletAddress string, conversionRate, maxOffset decimal.Decimal, invoiceTTL time.Duration, explorer *ExplorerClient, logger *zap.Logger) *Provider {
	if conversionRate.IsZero() {
		conversionRate = decimal.NewFromInt(1)
	}
	if invoiceTTL <= 0 {
		invoiceTTL = 60 * time.Minute
	}
	return &Provider{
		walletAddress:  walletAddress,
		conversionRate: conversionRate,
		maxOffset:      maxOffset,
		invoiceTTL:     invoiceTTL,
		explorer:       explorer,
		logger:         logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return string(provider.TypeUSDT)
}

// WalletAddress returns the watched receiving address.
func (p *Provider) WalletAddress() string {
	return p.walletAddress
}

// Explorer returns the explorer client for the configured network.
func (p *Provider) Explorer() *ExplorerClient {
	return p.explorer
}

// ValidateConfig probes the wallet address on the selected network.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	return p.explorer.ProbeAccount(ctx, p.walletAddress)
}

// PerturbAmount derives the uniquely perturbed expected token amount. The
// offset is a deterministic function of the idempotency key, so re-submitting
// the same request reproduces the same invoice instead of minting a second
// one. The offset lies in (0, maxOffset] with a 1/10000 granularity.
func PerturbAmount(base decimal.Decimal, idempotencyKey string, maxOffset decimal.Decimal) decimal.Decimal {
	if maxOffset.IsZero() || maxOffset.IsNegative() {
		return base
	}
	h := fnv.New32a()
	h.Write([]byte(idempotencyKey))
	step := int64(h.Sum32()%offsetSteps) + 1
	offset := maxOffset.Mul(decimal.NewFromInt(step)).Div(decimal.NewFromInt(offsetSteps))
	return base.Add(offset).Round(6)
}

// CreatePayment mints the invoice locally: the expected amount, the watched
// wallet and the expiry stamp are everything the monitor needs.
func (p *Provider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	tokenAmount := req.Amount
	if req.Currency != "USDT" {
		tokenAmount = req.Amount.Mul(p.conversionRate)
	}
	expected := PerturbAmount(tokenAmount.Round(2), req.IdempotencyKey, p.maxOffset)

	expiresAt := time.Now().Add(p.invoiceTTL)

	response := &provider.CreatePaymentResponse{
		ExternalID: "usdt-" + req.IdempotencyKey,
		Status:     model.PaymentStatusPending,
		ExpiresAt:  &expiresAt,
		ProviderData: map[string]interface{}{
			MetaWalletAddress:  p.walletAddress,
			MetaExpectedAmount: expected.String(),
			MetaOriginalAmount: req.Amount.String(),
			MetaConversionRate: p.conversionRate.String(),
		},
	}

	p.logger.Info("usdt invoice minted",
		zap.String("external_id", response.ExternalID),
		zap.String("expected_amount", expected.String()),
		zap.Time("expires_at", expiresAt))

	return response, nil
}

// GetPaymentStatus has no provider-side object to poll; reconciliation for
// this rail runs through the crypto monitor's amount matching.
func (p *Provider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	return nil, provider.NewNotSupported(p.Name(), "status polling (handled by the chain monitor)")
}

// CancelPayment has no remote state to release; the engine cancels the local
// record and the monitor stops considering it.
func (p *Provider) CancelPayment(ctx context.Context, externalID string) error {
	return nil
}

// CapturePayment is meaningless for on-chain transfers.
func (p *Provider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	return nil, provider.NewNotSupported(p.Name(), "payment capture")
}

// Refund is not offered; on-chain transfers are not reversible by the platform.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	return nil, provider.NewNotSupported(p.Name(), "refunds")
}

// ParseWebhook is not offered; the rail has no push notifications.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	return nil, provider.NewNotSupported(p.Name(), "webhooks")
}

// VerifyWebhookSignature is not offered for the same reason.
func (p *Provider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return false
}
