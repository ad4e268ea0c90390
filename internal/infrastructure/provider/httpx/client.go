package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/provider"
)

// Defaults shared by every adapter. Network errors and HTTP 429 are retried
// with exponential backoff; every other class is terminal.
const (
	DefaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMultiplier  = 2
)

// Response is the raw provider reply after retries are exhausted or a
// non-retryable status is received.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client wraps http.Client with the retry policy shared across adapters.
type Client struct {
	providerName string
	httpClient   *http.Client
	logger       *zap.Logger
	maxAttempts  int
	baseDelay    time.Duration
}

// NewClient builds a retrying client for one provider.
func NewClient(providerName string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		providerName: providerName,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
	}
}

// Do sends the request, rebuilding the body for each attempt. The retry loop
// owns pacing; caller cancellation is honored between attempts.
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	delay := c.baseDelay

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, &provider.ProviderError{
				Provider: c.providerName,
				Code:     provider.ErrCodeInvalidRequest,
				Message:  "failed to build request",
				Details:  err.Error(),
			}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("provider request failed",
				zap.String("provider", c.providerName),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt < c.maxAttempts && sleepCtx(ctx, delay) {
				delay *= defaultMultiplier
				continue
			}
			return nil, &provider.ProviderError{
				Provider:  c.providerName,
				Code:      provider.ErrCodeNetwork,
				Message:   "provider request failed",
				Details:   lastErr.Error(),
				Retryable: true,
			}
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &provider.ProviderError{
				Provider:  c.providerName,
				Code:      provider.ErrCodeNetwork,
				Message:   "failed to read provider response",
				Details:   err.Error(),
				Retryable: true,
			}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("provider rate limited",
				zap.String("provider", c.providerName),
				zap.String("url", url),
				zap.Int("attempt", attempt))
			if attempt < c.maxAttempts && sleepCtx(ctx, delay) {
				delay *= defaultMultiplier
				continue
			}
			return nil, &provider.ProviderError{
				Provider:  c.providerName,
				Code:      provider.ErrCodeRateLimit,
				Message:   "provider rate limit exceeded",
				Retryable: true,
			}
		}

		return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
	}

	// Unreachable: the loop always returns.
	return nil, &provider.ProviderError{
		Provider:  c.providerName,
		Code:      provider.ErrCodeNetwork,
		Message:   "provider request failed",
		Retryable: true,
	}
}

// sleepCtx waits for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
