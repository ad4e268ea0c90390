package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
)

// Provider implements the PaymentProvider interface for Stripe hosted
// checkout. Each tenant gets its own client.API instance; the package-global
// stripe key is never set.
type Provider struct {
	sc            *client.API
	webhookSecret string
	logger        *zap.Logger
}

// New creates a Stripe provider for one tenant's secret key.
func New(secretKey, webhookSecret string, logger *zap.Logger) *Provider {
	sc := &client.API{}
	sc.Init(secretKey, nil)

	return &Provider{
		sc:            sc,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return string(provider.TypeStripe)
}

// ValidateConfig confirms the key with a balance read, the standard low-risk
// credential probe.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	params := &stripego.BalanceParams{}
	params.Context = ctx
	if _, err := p.sc.Balance.Get(params); err != nil {
		return p.mapError(err)
	}
	return nil
}

// amountToMinorUnits converts a decimal amount into Stripe's smallest
// currency unit representation.
func amountToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreatePayment opens a hosted checkout session. Stripe deduplicates on the
// idempotency key, so a re-submitted request returns the original session.
func (p *Provider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	description := req.Description
	if description == "" {
		description = "Payment"
	}

	params := &stripego.CheckoutSessionParams{
		Mode:       stripego.String(string(stripego.CheckoutSessionModePayment)),
		SuccessURL: stripego.String(req.ReturnURL),
		CancelURL:  stripego.String(req.CancelURL),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				Quantity: stripego.Int64(1),
				PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripego.String(req.Currency),
					UnitAmount: stripego.Int64(amountToMinorUnits(req.Amount)),
					ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripego.String(description),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripego.String(req.IdempotencyKey)
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripego.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		if s, ok := v.(string); ok {
			params.AddMetadata(k, s)
		}
	}

	session, err := p.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, p.mapError(err)
	}

	response := &provider.CreatePaymentResponse{
		ExternalID:      session.ID,
		Status:          model.PaymentStatusPending,
		ConfirmationURL: session.URL,
	}
	if session.ExpiresAt > 0 {
		expires := time.Unix(session.ExpiresAt, 0)
		response.ExpiresAt = &expires
	}

	p.logger.Info("stripe checkout session created",
		zap.String("external_id", session.ID))

	return response, nil
}

func (p *Provider) getSession(ctx context.Context, externalID string) (*stripego.CheckoutSession, error) {
	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	session, err := p.sc.CheckoutSessions.Get(externalID, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	return session, nil
}

// GetPaymentStatus polls the checkout session.
func (p *Provider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	session, err := p.getSession(ctx, externalID)
	if err != nil {
		return nil, err
	}

	info := &provider.PaymentStatusInfo{
		ExternalID: externalID,
		Status:     mapSessionStatus(session),
	}
	if session.AmountTotal > 0 {
		amount := decimal.NewFromInt(session.AmountTotal).Div(decimal.NewFromInt(100))
		info.Amount = &amount
	}
	if session.PaymentIntent != nil && session.PaymentIntent.LatestCharge != nil {
		paidAt := time.Unix(session.PaymentIntent.LatestCharge.Created, 0)
		info.PaidAt = &paidAt
	}
	return info, nil
}

// CancelPayment expires an open checkout session.
func (p *Provider) CancelPayment(ctx context.Context, externalID string) error {
	params := &stripego.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := p.sc.CheckoutSessions.Expire(externalID, params); err != nil {
		return p.mapError(err)
	}
	return nil
}

// CapturePayment captures the session's authorized payment intent.
func (p *Provider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	session, err := p.getSession(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if session.PaymentIntent == nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "checkout session has no payment intent to capture",
			Details:  externalID,
		}
	}

	params := &stripego.PaymentIntentCaptureParams{}
	params.Context = ctx
	if amount != nil {
		params.AmountToCapture = stripego.Int64(amountToMinorUnits(*amount))
	}
	if _, err := p.sc.PaymentIntents.Capture(session.PaymentIntent.ID, params); err != nil {
		return nil, p.mapError(err)
	}

	return p.GetPaymentStatus(ctx, externalID)
}

// Refund refunds the session's payment intent, fully or partially.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	session, err := p.getSession(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}
	if session.PaymentIntent == nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "checkout session has no payment intent to refund",
			Details:  req.ExternalID,
		}
	}

	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(session.PaymentIntent.ID),
		Amount:        stripego.Int64(amountToMinorUnits(req.Amount)),
	}
	params.Context = ctx
	params.IdempotencyKey = stripego.String(req.IdempotencyKey)

	refund, err := p.sc.Refunds.New(params)
	if err != nil {
		return nil, p.mapError(err)
	}

	status := model.RefundStatusPending
	if refund.Status == stripego.RefundStatusSucceeded {
		status = model.RefundStatusSucceeded
	}

	return &provider.RefundResponse{
		RefundExternalID: refund.ID,
		Status:           status,
		Amount:           req.Amount,
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeBadSignature,
			Message:  "webhook signature verification failed",
			Details:  err.Error(),
		}
	}

	data := &provider.WebhookData{
		EventType:  string(event.Type),
		Metadata:   map[string]interface{}{"event_id": event.ID},
		RawPayload: payload,
	}

	switch event.Type {
	case stripego.EventTypeCheckoutSessionCompleted:
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, p.parseError(err)
		}
		data.ExternalID = session.ID
		data.Status = mapSessionStatus(&session)
		if session.AmountTotal > 0 {
			amount := decimal.NewFromInt(session.AmountTotal).Div(decimal.NewFromInt(100))
			data.Amount = &amount
		}
	case stripego.EventTypeCheckoutSessionExpired:
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, p.parseError(err)
		}
		data.ExternalID = session.ID
		data.Status = model.PaymentStatusCanceled
	default:
		// Unrecognized events stay pending; the engine treats that as a no-op.
		data.Status = model.PaymentStatusPending
	}

	return data, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header.
func (p *Provider) VerifyWebhookSignature(payload []byte, signature string) bool {
	_, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	return err == nil
}

func mapSessionStatus(session *stripego.CheckoutSession) model.PaymentStatus {
	switch {
	case session.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid:
		return model.PaymentStatusSucceeded
	case session.Status == stripego.CheckoutSessionStatusExpired:
		return model.PaymentStatusCanceled
	default:
		return model.PaymentStatusPending
	}
}

func (p *Provider) mapError(err error) error {
	if stripeErr, ok := err.(*stripego.Error); ok {
		code := provider.ErrCodeDeclined
		retryable := false
		// v79 has no dedicated auth or rate-limit error types: rate limits
		// carry ErrorCodeRateLimit, bad keys arrive as invalid_request_error
		// with a 401.
		switch {
		case stripeErr.Code == stripego.ErrorCodeRateLimit:
			code = provider.ErrCodeRateLimit
			retryable = true
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
			code = provider.ErrCodeUnauthorized
		case stripeErr.Type == stripego.ErrorTypeInvalidRequest:
			code = provider.ErrCodeInvalidRequest
		}
		return &provider.ProviderError{
			Provider:  p.Name(),
			Code:      code,
			Message:   stripeErr.Msg,
			Details:   string(stripeErr.Code),
			Retryable: retryable,
		}
	}
	return &provider.ProviderError{
		Provider:  p.Name(),
		Code:      provider.ErrCodeNetwork,
		Message:   "Stripe API request failed",
		Details:   err.Error(),
		Retryable: true,
	}
}

func (p *Provider) parseError(err error) error {
	return &provider.ProviderError{
		Provider: p.Name(),
		Code:     provider.ErrCodeParse,
		Message:  "failed to parse Stripe event",
		Details:  err.Error(),
	}
}
