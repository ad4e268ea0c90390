package provider

// Error codes raised by adapters.
const (
	ErrCodeNotSupported   = "NOT_SUPPORTED"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeRateLimit      = "RATE_LIMIT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeDeclined       = "PAYMENT_DECLINED"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeBadSignature   = "WEBHOOK_VERIFICATION_FAILED"
)

// ProviderError carries a provider-level failure with its machine-readable
// code and a retryable flag callers can branch on.
type ProviderError struct {
	Provider  string `json:"provider"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *ProviderError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// NewNotSupported builds the error every adapter returns for a capability the
// gateway does not offer.
func NewNotSupported(providerName, capability string) *ProviderError {
	return &ProviderError{
		Provider: providerName,
		Code:     ErrCodeNotSupported,
		Message:  capability + " is not supported by " + providerName,
	}
}

// IsNotSupported reports whether err is a missing-capability error.
func IsNotSupported(err error) bool {
	pe, ok := err.(*ProviderError)
	return ok && pe.Code == ErrCodeNotSupported
}

// IsRetryable reports whether err is worth retrying upstream.
func IsRetryable(err error) bool {
	pe, ok := err.(*ProviderError)
	return ok && pe.Retryable
}
