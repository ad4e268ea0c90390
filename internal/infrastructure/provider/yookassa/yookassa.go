package yookassa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/httpx"
)

const apiBaseURL = "https://api.yookassa.ru/v3"

// Provider implements the PaymentProvider interface for YooKassa.
// Test mode is selected by the shop's test credentials; the API host is the
// same for both environments.
type Provider struct {
	shopID        string
	secretKey     string
	webhookSecret string
	twoStage      bool
	baseURL       string
	client        *httpx.Client
	logger        *zap.Logger
}

// New creates a YooKassa provider. With twoStage the payment is created
// uncaptured and stays in waiting_for_capture until CapturePayment;
// otherwise YooKassa captures immediately on authorization.
func New(shopID, secretKey, webhookSecret string, twoStage bool, logger *zap.Logger) *Provider {
	return &Provider{
		shopID:        shopID,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		twoStage:      twoStage,
		baseURL:       apiBaseURL,
		client:        httpx.NewClient(string(provider.TypeYooKassa), httpx.DefaultTimeout, logger),
		logger:        logger,
	}
}

// SetBaseURL overrides the API host.
func (p *Provider) SetBaseURL(baseURL string) {
	p.baseURL = baseURL
}

// Name returns the provider name
func (p *Provider) Name() string {
	return string(provider.TypeYooKassa)
}

func (p *Provider) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.shopID+":"+p.secretKey))
}

func (p *Provider) headers(idempotencyKey string) map[string]string {
	h := map[string]string{
		"Authorization": p.authHeader(),
		"Content-Type":  "application/json",
	}
	if idempotencyKey != "" {
		h["Idempotence-Key"] = idempotencyKey
	}
	return h
}

// ValidateConfig confirms the credentials with the account endpoint. It never
// attempts a payment.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	resp, err := p.client.Do(ctx, http.MethodGet, p.baseURL+"/me", p.headers(""), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeUnauthorized,
			Message:  "YooKassa rejected the credentials",
		}
	}
	if resp.StatusCode != http.StatusOK {
		return p.apiError(resp)
	}
	return nil
}

// CreatePayment creates a payment with a redirect confirmation. YooKassa
// deduplicates on the Idempotence-Key header, so re-submission with the same
// key returns the original payment.
func (p *Provider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
		"capture":     !p.twoStage,
		"description": req.Description,
	}
	if req.ReturnURL != "" {
		body["confirmation"] = map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		}
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "failed to prepare request",
			Details:  err.Error(),
		}
	}

	resp, err := p.client.Do(ctx, http.MethodPost, p.baseURL+"/payments", p.headers(req.IdempotencyKey), jsonBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, p.parseError(err)
	}

	result := &provider.CreatePaymentResponse{
		ExternalID:   cast.ToString(raw["id"]),
		Status:       MapStatus(cast.ToString(raw["status"])),
		ProviderData: raw,
	}
	if conf, ok := raw["confirmation"].(map[string]interface{}); ok {
		result.ConfirmationURL = cast.ToString(conf["confirmation_url"])
	}
	if expires := cast.ToString(raw["expires_at"]); expires != "" {
		if parsed, err := time.Parse(time.RFC3339, expires); err == nil {
			result.ExpiresAt = &parsed
		}
	}

	p.logger.Info("yookassa payment created",
		zap.String("external_id", result.ExternalID),
		zap.String("status", string(result.Status)))

	return result, nil
}

// GetPaymentStatus polls the payment object.
func (p *Provider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	resp, err := p.client.Do(ctx, http.MethodGet, p.baseURL+"/payments/"+externalID, p.headers(""), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "payment not found at YooKassa",
			Details:  externalID,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, p.parseError(err)
	}

	return statusInfoFromObject(raw), nil
}

// CancelPayment cancels a payment awaiting capture.
func (p *Provider) CancelPayment(ctx context.Context, externalID string) error {
	resp, err := p.client.Do(ctx, http.MethodPost, p.baseURL+"/payments/"+externalID+"/cancel",
		p.headers(uuid.NewString()), []byte("{}"))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return p.apiError(resp)
	}
	return nil
}

// CapturePayment captures an authorized payment; nil amount captures in full.
func (p *Provider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	body := map[string]interface{}{}
	if amount != nil {
		body["amount"] = map[string]string{"value": amount.StringFixed(2)}
	}
	jsonBody, _ := json.Marshal(body)

	resp, err := p.client.Do(ctx, http.MethodPost, p.baseURL+"/payments/"+externalID+"/capture",
		p.headers(uuid.NewString()), jsonBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, p.parseError(err)
	}
	return statusInfoFromObject(raw), nil
}

// Refund issues a full or partial refund.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	body := map[string]interface{}{
		"payment_id": req.ExternalID,
		"amount": map[string]string{
			"value":    req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
	}
	if req.Reason != "" {
		body["description"] = req.Reason
	}
	jsonBody, _ := json.Marshal(body)

	resp, err := p.client.Do(ctx, http.MethodPost, p.baseURL+"/refunds", p.headers(req.IdempotencyKey), jsonBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, p.parseError(err)
	}

	status := model.RefundStatusPending
	if cast.ToString(raw["status"]) == "succeeded" {
		status = model.RefundStatusSucceeded
	}

	return &provider.RefundResponse{
		RefundExternalID: cast.ToString(raw["id"]),
		Status:           status,
		Amount:           req.Amount,
	}, nil
}

// ParseWebhook normalizes a YooKassa notification. The signature is verified
// first; a failed check rejects the payload outright.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	if !p.VerifyWebhookSignature(payload, signature) {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeBadSignature,
			Message:  "webhook signature verification failed",
		}
	}

	var notification struct {
		Event  string                 `json:"event"`
		Object map[string]interface{} `json:"object"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, p.parseError(err)
	}

	data := &provider.WebhookData{
		EventType:  notification.Event,
		ExternalID: cast.ToString(notification.Object["id"]),
		Status:     MapStatus(cast.ToString(notification.Object["status"])),
		Metadata:   notification.Object,
		RawPayload: payload,
	}
	if amountObj, ok := notification.Object["amount"].(map[string]interface{}); ok {
		if value, err := decimal.NewFromString(cast.ToString(amountObj["value"])); err == nil {
			data.Amount = &value
		}
	}

	// Refund notifications carry the refund object; resolve the payment id.
	if notification.Event == "refund.succeeded" {
		if paymentID := cast.ToString(notification.Object["payment_id"]); paymentID != "" {
			data.ExternalID = paymentID
		}
		data.Status = model.PaymentStatusRefunded
	}

	return data, nil
}

// VerifyWebhookSignature checks an HMAC-SHA256 of the body against the
// configured webhook secret. YooKassa itself authenticates by source IP; when
// no secret is configured the notification is accepted as trusted-source.
func (p *Provider) VerifyWebhookSignature(payload []byte, signature string) bool {
	if p.webhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MapStatus converts YooKassa payment status into the internal one. Unknown
// codes stay pending rather than optimistically succeeding.
func MapStatus(s string) model.PaymentStatus {
	switch s {
	case "pending":
		return model.PaymentStatusPending
	case "waiting_for_capture":
		return model.PaymentStatusWaitingForCapture
	case "succeeded":
		return model.PaymentStatusSucceeded
	case "canceled":
		return model.PaymentStatusCanceled
	default:
		return model.PaymentStatusPending
	}
}

func statusInfoFromObject(raw map[string]interface{}) *provider.PaymentStatusInfo {
	info := &provider.PaymentStatusInfo{
		ExternalID:   cast.ToString(raw["id"]),
		Status:       MapStatus(cast.ToString(raw["status"])),
		ProviderData: raw,
	}
	if amountObj, ok := raw["amount"].(map[string]interface{}); ok {
		if value, err := decimal.NewFromString(cast.ToString(amountObj["value"])); err == nil {
			info.Amount = &value
		}
	}
	if capturedAt := cast.ToString(raw["captured_at"]); capturedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, capturedAt); err == nil {
			info.PaidAt = &parsed
		}
	}
	return info
}

func (p *Provider) apiError(resp *httpx.Response) error {
	var errResp map[string]interface{}
	json.Unmarshal(resp.Body, &errResp)

	code := cast.ToString(errResp["code"])
	message := cast.ToString(errResp["description"])
	if message == "" {
		message = fmt.Sprintf("YooKassa API returned status %d", resp.StatusCode)
	}

	p.logger.Error("yookassa api error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("code", code))

	return &provider.ProviderError{
		Provider: p.Name(),
		Code:     providerErrorCode(code, resp.StatusCode),
		Message:  message,
		Details:  string(resp.Body),
	}
}

func (p *Provider) parseError(err error) error {
	return &provider.ProviderError{
		Provider: p.Name(),
		Code:     provider.ErrCodeParse,
		Message:  "failed to parse YooKassa response",
		Details:  err.Error(),
	}
}

func providerErrorCode(apiCode string, status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.ErrCodeUnauthorized
	case apiCode == "invalid_request" || status == http.StatusBadRequest:
		return provider.ErrCodeInvalidRequest
	default:
		return provider.ErrCodeDeclined
	}
}
