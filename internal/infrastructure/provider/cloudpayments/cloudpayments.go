package cloudpayments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/httpx"
)

const apiBaseURL = "https://api.cloudpayments.ru"

// Provider implements the PaymentProvider interface for CloudPayments.
// Sandbox behavior is selected by test credentials; the API host is shared.
type Provider struct {
	publicID  string
	apiSecret string
	testMode  bool
	client    *httpx.Client
	logger    *zap.Logger
}

// New creates a CloudPayments provider.
func New(publicID, apiSecret string, testMode bool, logger *zap.Logger) *Provider {
	return &Provider{
		publicID:  publicID,
		apiSecret: apiSecret,
		testMode:  testMode,
		client:    httpx.NewClient(string(provider.TypeCloudPayments), httpx.DefaultTimeout, logger),
		logger:    logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return string(provider.TypeCloudPayments)
}

func (p *Provider) headers(requestID string) map[string]string {
	auth := base64.StdEncoding.EncodeToString([]byte(p.publicID + ":" + p.apiSecret))
	h := map[string]string{
		"Authorization": "Basic " + auth,
		"Content-Type":  "application/json",
	}
	if requestID != "" {
		// CloudPayments deduplicates retried POSTs on X-Request-ID.
		h["X-Request-ID"] = requestID
	}
	return h
}

// apiResult is the envelope every CloudPayments endpoint answers with.
type apiResult struct {
	Success bool                   `json:"Success"`
	Message string                 `json:"Message"`
	Model   map[string]interface{} `json:"Model"`
}

func (p *Provider) post(ctx context.Context, path, requestID string, body map[string]interface{}) (*apiResult, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "failed to prepare request",
			Details:  err.Error(),
		}
	}

	resp, err := p.client.Do(ctx, http.MethodPost, apiBaseURL+path, p.headers(requestID), jsonBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeUnauthorized,
			Message:  "CloudPayments rejected the credentials",
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("CloudPayments API returned status %d", resp.StatusCode),
			Details:  string(resp.Body),
		}
	}

	var result apiResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeParse,
			Message:  "failed to parse CloudPayments response",
			Details:  err.Error(),
		}
	}
	return &result, nil
}

// ValidateConfig calls the ping endpoint, which requires valid credentials but
// moves no money.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	result, err := p.post(ctx, "/test", "", map[string]interface{}{})
	if err != nil {
		return err
	}
	if !result.Success {
		return &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeUnauthorized,
			Message:  "CloudPayments credential check failed",
			Details:  result.Message,
		}
	}
	return nil
}

// CreatePayment creates an order with a hosted payment link.
func (p *Provider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	body := map[string]interface{}{
		"Amount":      req.Amount.InexactFloat64(),
		"Currency":    req.Currency,
		"Description": req.Description,
		"InvoiceId":   req.IdempotencyKey,
	}
	if req.CustomerEmail != "" {
		body["Email"] = req.CustomerEmail
	}
	if len(req.Metadata) > 0 {
		body["JsonData"] = req.Metadata
	}

	result, err := p.post(ctx, "/orders/create", req.IdempotencyKey, body)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, p.declined(result.Message)
	}

	response := &provider.CreatePaymentResponse{
		ExternalID:      cast.ToString(result.Model["Id"]),
		Status:          model.PaymentStatusPending,
		ConfirmationURL: cast.ToString(result.Model["Url"]),
		ProviderData:    result.Model,
	}

	p.logger.Info("cloudpayments order created",
		zap.String("external_id", response.ExternalID))

	return response, nil
}

// GetPaymentStatus finds the payment by the invoice id the order was created with.
func (p *Provider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	result, err := p.post(ctx, "/payments/find", "", map[string]interface{}{
		"InvoiceId": externalID,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		// Not yet paid orders have no transaction to find.
		return &provider.PaymentStatusInfo{
			ExternalID: externalID,
			Status:     model.PaymentStatusPending,
		}, nil
	}

	info := &provider.PaymentStatusInfo{
		ExternalID:   externalID,
		Status:       MapStatus(cast.ToString(result.Model["Status"])),
		ProviderData: result.Model,
	}
	if amount := cast.ToFloat64(result.Model["Amount"]); amount > 0 {
		value := decimal.NewFromFloat(amount)
		info.Amount = &value
	}
	return info, nil
}

// CancelPayment voids an authorized transaction.
func (p *Provider) CancelPayment(ctx context.Context, externalID string) error {
	txID, err := p.transactionID(ctx, externalID)
	if err != nil {
		return err
	}
	result, err := p.post(ctx, "/payments/void", "", map[string]interface{}{
		"TransactionId": txID,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return p.declined(result.Message)
	}
	return nil
}

// CapturePayment confirms an authorized two-phase transaction.
func (p *Provider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	txID, err := p.transactionID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{"TransactionId": txID}
	if amount != nil {
		body["Amount"] = amount.InexactFloat64()
	}

	result, err := p.post(ctx, "/payments/confirm", "", body)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, p.declined(result.Message)
	}

	return p.GetPaymentStatus(ctx, externalID)
}

// Refund returns money on a completed transaction.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	txID, err := p.transactionID(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}

	result, err := p.post(ctx, "/payments/refund", req.IdempotencyKey, map[string]interface{}{
		"TransactionId": txID,
		"Amount":        req.Amount.InexactFloat64(),
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, p.declined(result.Message)
	}

	return &provider.RefundResponse{
		RefundExternalID: cast.ToString(result.Model["TransactionId"]),
		Status:           model.RefundStatusSucceeded,
		Amount:           req.Amount,
	}, nil
}

// transactionID resolves the charge transaction behind an order.
func (p *Provider) transactionID(ctx context.Context, externalID string) (int64, error) {
	result, err := p.post(ctx, "/payments/find", "", map[string]interface{}{
		"InvoiceId": externalID,
	})
	if err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "transaction not found at CloudPayments",
			Details:  externalID,
		}
	}
	return cast.ToInt64(result.Model["TransactionId"]), nil
}

// ParseWebhook normalizes a form-encoded CloudPayments notification. The
// Content-HMAC signature is checked before anything is read from the body.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	if !p.VerifyWebhookSignature(payload, signature) {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeBadSignature,
			Message:  "webhook signature verification failed",
		}
	}

	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeParse,
			Message:  "failed to parse CloudPayments notification",
			Details:  err.Error(),
		}
	}

	meta := make(map[string]interface{}, len(values))
	for k := range values {
		meta[k] = values.Get(k)
	}

	data := &provider.WebhookData{
		EventType:  values.Get("NotificationType"),
		ExternalID: values.Get("InvoiceId"),
		Status:     MapStatus(values.Get("Status")),
		Metadata:   meta,
		RawPayload: payload,
	}
	if data.EventType == "" {
		data.EventType = "pay"
	}
	if amount, err := decimal.NewFromString(values.Get("Amount")); err == nil {
		data.Amount = &amount
	}
	return data, nil
}

// VerifyWebhookSignature checks the base64 HMAC-SHA256 of the raw body
// computed with the API secret (the Content-HMAC header contract).
func (p *Provider) VerifyWebhookSignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(p.apiSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MapStatus converts CloudPayments transaction status into the internal one.
func MapStatus(s string) model.PaymentStatus {
	switch s {
	case "AwaitingAuthentication":
		return model.PaymentStatusPending
	case "Authorized":
		return model.PaymentStatusWaitingForCapture
	case "Completed":
		return model.PaymentStatusSucceeded
	case "Cancelled":
		return model.PaymentStatusCanceled
	case "Declined":
		return model.PaymentStatusFailed
	default:
		return model.PaymentStatusPending
	}
}

func (p *Provider) declined(message string) error {
	return &provider.ProviderError{
		Provider: p.Name(),
		Code:     provider.ErrCodeDeclined,
		Message:  message,
	}
}
