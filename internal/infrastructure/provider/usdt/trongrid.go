package usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/httpx"
)

// Mainnet and Shasta testnet targets. The testnet uses its own token contract
// so a sandbox config can never watch the production asset.
const (
	MainnetBaseURL  = "https://api.trongrid.io"
	TestnetBaseURL  = "https://api.shasta.trongrid.io"
	MainnetContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	TestnetContract = "TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs"
)

// usdtDecimals is the TRC-20 USDT token precision.
const usdtDecimals = 6

// Transfer is one confirmed incoming token transfer.
type Transfer struct {
	TxID      string
	From      string
	To        string
	Value     decimal.Decimal
	Timestamp time.Time
}

// ExplorerClient queries TronGrid for confirmed TRC-20 transfers.
type ExplorerClient struct {
	baseURL  string
	contract string
	apiKey   string
	client   *httpx.Client
	logger   *zap.Logger
}

// NewExplorerClient builds a TronGrid client for the selected network.
func NewExplorerClient(testMode bool, apiKey string, logger *zap.Logger) *ExplorerClient {
	baseURL, contract := MainnetBaseURL, MainnetContract
	if testMode {
		baseURL, contract = TestnetBaseURL, TestnetContract
	}
	return &ExplorerClient{
		baseURL:  baseURL,
		contract: contract,
		apiKey:   apiKey,
		client:   httpx.NewClient(string(provider.TypeUSDT), httpx.DefaultTimeout, logger),
		logger:   logger,
	}
}

// Contract returns the watched token contract address.
func (c *ExplorerClient) Contract() string {
	return c.contract
}

// SetBaseURL redirects the client to a different explorer endpoint.
// Self-hosted TronGrid mirrors use this.
func (c *ExplorerClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

type trc20Response struct {
	Success bool `json:"success"`
	Data    []struct {
		TransactionID string `json:"transaction_id"`
		From          string `json:"from"`
		To            string `json:"to"`
		Type          string `json:"type"`
		Value         string `json:"value"`
		Timestamp     int64  `json:"block_timestamp"`
		TokenInfo     struct {
			Address  string `json:"address"`
			Decimals int32  `json:"decimals"`
		} `json:"token_info"`
	} `json:"data"`
}

// IncomingTransfers returns confirmed transfers of the watched token into the
// address since the given time.
func (c *ExplorerClient) IncomingTransfers(ctx context.Context, address string, since time.Time) ([]Transfer, error) {
	params := url.Values{}
	params.Set("only_confirmed", "true")
	params.Set("only_to", "true")
	params.Set("limit", "200")
	params.Set("contract_address", c.contract)
	params.Set("min_timestamp", fmt.Sprintf("%d", since.UnixMilli()))

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", c.baseURL, address, params.Encode())

	headers := map[string]string{"Accept": "application/json"}
	if c.apiKey != "" {
		headers["TRON-PRO-API-KEY"] = c.apiKey
	}

	resp, err := c.client.Do(ctx, http.MethodGet, endpoint, headers, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.ProviderError{
			Provider: string(provider.TypeUSDT),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  fmt.Sprintf("explorer API returned status %d", resp.StatusCode),
			Details:  string(resp.Body),
		}
	}

	var parsed trc20Response
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &provider.ProviderError{
			Provider: string(provider.TypeUSDT),
			Code:     provider.ErrCodeParse,
			Message:  "failed to parse explorer response",
			Details:  err.Error(),
		}
	}

	transfers := make([]Transfer, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		if item.Type != "Transfer" || item.TokenInfo.Address != c.contract {
			continue
		}
		rawValue, err := decimal.NewFromString(item.Value)
		if err != nil {
			c.logger.Warn("skipping transfer with unparsable value",
				zap.String("tx_id", item.TransactionID))
			continue
		}
		decimals := item.TokenInfo.Decimals
		if decimals == 0 {
			decimals = usdtDecimals
		}
		transfers = append(transfers, Transfer{
			TxID:      item.TransactionID,
			From:      item.From,
			To:        item.To,
			Value:     rawValue.Shift(-decimals),
			Timestamp: time.UnixMilli(item.Timestamp),
		})
	}
	return transfers, nil
}

// ProbeAccount checks that the address exists on the selected network. Used by
// config validation; moves nothing.
func (c *ExplorerClient) ProbeAccount(ctx context.Context, address string) error {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s", c.baseURL, address)

	headers := map[string]string{"Accept": "application/json"}
	if c.apiKey != "" {
		headers["TRON-PRO-API-KEY"] = c.apiKey
	}

	resp, err := c.client.Do(ctx, http.MethodGet, endpoint, headers, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &provider.ProviderError{
			Provider: string(provider.TypeUSDT),
			Code:     provider.ErrCodeInvalidRequest,
			Message:  "wallet address is not known to the explorer",
			Details:  address,
		}
	}
	return nil
}
