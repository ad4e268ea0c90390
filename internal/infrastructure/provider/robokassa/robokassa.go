package robokassa

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/httpx"
)

const (
	merchantBaseURL = "https://auth.robokassa.ru/Merchant/Index.aspx"
	opStateURL      = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx/OpStateExt"
)

// Invoice state codes from the OpStateExt interface.
const (
	stateInitiated = 5
	stateCanceled  = 10
	stateHeld      = 50
	stateReturned  = 60
	stateSuspended = 80
	stateCompleted = 100
)

// Provider implements the PaymentProvider interface for Robokassa. The
// gateway offers no refund, capture or cancel API; those capabilities report
// NotSupported so callers can branch.
type Provider struct {
	login     string
	password1 string
	password2 string
	testMode  bool
	client    *httpx.Client
	logger    *zap.Logger
}

// New creates a Robokassa provider.
func New(login, password1, password2 string, testMode bool, logger *zap.Logger) *Provider {
	return &Provider{
		login:     login,
		password1: password1,
		password2: password2,
		testMode:  testMode,
		client:    httpx.NewClient(string(provider.TypeRobokassa), httpx.DefaultTimeout, logger),
		logger:    logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return string(provider.TypeRobokassa)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// invoiceID derives a stable numeric InvId from the idempotency key, so a
// re-submitted request reuses the same Robokassa invoice.
func invoiceID(idempotencyKey string) int64 {
	h := fnv.New32a()
	h.Write([]byte(idempotencyKey))
	// Keep within Robokassa's positive 31-bit InvId range.
	return int64(h.Sum32() & 0x7fffffff)
}

// ValidateConfig probes the status interface with a throwaway invoice id.
// A signature rejection means bad credentials; "invoice not found" means the
// credentials are fine.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	state, err := p.fetchState(ctx, 1)
	if err != nil {
		return err
	}
	if state.Result.Code == 1 {
		return &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeUnauthorized,
			Message:  "Robokassa rejected the signature, check merchant credentials",
		}
	}
	return nil
}

// CreatePayment builds the hosted redirect URL. Nothing is created on the
// Robokassa side until the payer follows the link, so the signed URL itself is
// the payment object.
func (p *Provider) CreatePayment(ctx context.Context, req *provider.CreatePaymentRequest) (*provider.CreatePaymentResponse, error) {
	invID := invoiceID(req.IdempotencyKey)
	outSum := req.Amount.StringFixed(2)

	signature := md5Hex(fmt.Sprintf("%s:%s:%d:%s", p.login, outSum, invID, p.password1))

	params := url.Values{}
	params.Set("MerchantLogin", p.login)
	params.Set("OutSum", outSum)
	params.Set("InvId", fmt.Sprintf("%d", invID))
	params.Set("Description", req.Description)
	params.Set("SignatureValue", signature)
	if req.CustomerEmail != "" {
		params.Set("Email", req.CustomerEmail)
	}
	if p.testMode {
		params.Set("IsTest", "1")
	}

	response := &provider.CreatePaymentResponse{
		ExternalID:      fmt.Sprintf("%d", invID),
		Status:          model.PaymentStatusPending,
		ConfirmationURL: merchantBaseURL + "?" + params.Encode(),
	}

	p.logger.Info("robokassa invoice prepared",
		zap.String("external_id", response.ExternalID),
		zap.Bool("test_mode", p.testMode))

	return response, nil
}

type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code int `xml:"Code"`
	} `xml:"Result"`
	State struct {
		Code int `xml:"Code"`
	} `xml:"State"`
}

func (p *Provider) fetchState(ctx context.Context, invID int64) (*opStateResponse, error) {
	signature := md5Hex(fmt.Sprintf("%s:%d:%s", p.login, invID, p.password2))

	params := url.Values{}
	params.Set("MerchantLogin", p.login)
	params.Set("InvoiceID", fmt.Sprintf("%d", invID))
	params.Set("Signature", signature)

	resp, err := p.client.Do(ctx, http.MethodPost, opStateURL,
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		[]byte(params.Encode()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("Robokassa status interface returned %d", resp.StatusCode),
			Details:  string(resp.Body),
		}
	}

	var state opStateResponse
	if err := xml.Unmarshal(resp.Body, &state); err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeParse,
			Message:  "failed to parse Robokassa state response",
			Details:  err.Error(),
		}
	}
	return &state, nil
}

// GetPaymentStatus polls the XML status interface.
func (p *Provider) GetPaymentStatus(ctx context.Context, externalID string) (*provider.PaymentStatusInfo, error) {
	var invID int64
	if _, err := fmt.Sscanf(externalID, "%d", &invID); err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "invalid Robokassa invoice id",
			Details:  externalID,
		}
	}

	state, err := p.fetchState(ctx, invID)
	if err != nil {
		return nil, err
	}
	if state.Result.Code != 0 {
		// Code 3: invoice not found. The payer may simply not have opened the
		// link yet, which is still a pending invoice from our side.
		return &provider.PaymentStatusInfo{
			ExternalID: externalID,
			Status:     model.PaymentStatusPending,
		}, nil
	}

	return &provider.PaymentStatusInfo{
		ExternalID: externalID,
		Status:     MapStateCode(state.State.Code),
	}, nil
}

// CancelPayment is not offered by the Robokassa merchant API.
func (p *Provider) CancelPayment(ctx context.Context, externalID string) error {
	return provider.NewNotSupported(p.Name(), "payment cancellation")
}

// CapturePayment is not offered; Robokassa charges are single-phase.
func (p *Provider) CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*provider.PaymentStatusInfo, error) {
	return nil, provider.NewNotSupported(p.Name(), "payment capture")
}

// Refund is not offered by the Robokassa merchant API.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResponse, error) {
	return nil, provider.NewNotSupported(p.Name(), "refunds")
}

// ParseWebhook handles the form-encoded Result URL notification. The
// SignatureValue is md5(OutSum:InvId:password2) and is checked before the
// status is trusted.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookData, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeParse,
			Message:  "failed to parse Robokassa notification",
			Details:  err.Error(),
		}
	}

	if signature == "" {
		signature = values.Get("SignatureValue")
	}
	if !p.verifyResultSignature(values.Get("OutSum"), values.Get("InvId"), signature) {
		return nil, &provider.ProviderError{
			Provider: p.Name(),
			Code:     provider.ErrCodeBadSignature,
			Message:  "webhook signature verification failed",
		}
	}

	meta := make(map[string]interface{}, len(values))
	for k := range values {
		meta[k] = values.Get(k)
	}

	data := &provider.WebhookData{
		EventType:  "result",
		ExternalID: values.Get("InvId"),
		Status:     model.PaymentStatusSucceeded,
		Metadata:   meta,
		RawPayload: payload,
	}
	if amount, err := decimal.NewFromString(values.Get("OutSum")); err == nil {
		data.Amount = &amount
	}
	return data, nil
}

// VerifyWebhookSignature checks a Result URL body carrying its own
// SignatureValue field.
func (p *Provider) VerifyWebhookSignature(payload []byte, signature string) bool {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}
	if signature == "" {
		signature = values.Get("SignatureValue")
	}
	return p.verifyResultSignature(values.Get("OutSum"), values.Get("InvId"), signature)
}

func (p *Provider) verifyResultSignature(outSum, invID, signature string) bool {
	expected := md5Hex(fmt.Sprintf("%s:%s:%s", outSum, invID, p.password2))
	return subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(signature)),
		[]byte(expected),
	) == 1
}

// AckBody is the byte-for-byte acknowledgment Robokassa requires before it
// stops retrying a Result notification.
func AckBody(invID string) string {
	return "OK" + invID
}

// MapStateCode converts an OpStateExt state code into the internal status.
func MapStateCode(code int) model.PaymentStatus {
	switch code {
	case stateInitiated, stateHeld, stateSuspended:
		return model.PaymentStatusPending
	case stateCanceled:
		return model.PaymentStatusCanceled
	case stateReturned:
		return model.PaymentStatusRefunded
	case stateCompleted:
		return model.PaymentStatusSucceeded
	default:
		return model.PaymentStatusPending
	}
}
