package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tronpay/internal/common/money"
)

// Config holds explorer client configuration.
type Config struct {
	BaseURL string        `envconfig:"TRONSCAN_API_URL" default:"https://apilist.tronscanapi.com/api"`
	Timeout time.Duration `envconfig:"TRONSCAN_TIMEOUT" default:"10s"`
	// PageLimit caps the number of transactions fetched per listing call.
	PageLimit int `envconfig:"TRONSCAN_PAGE_LIMIT" default:"50"`
}

// Limiter throttles outbound API calls. Satisfied by *rate.Limiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Feed is the ledger feed consumed by the reconciliation loop.
type Feed interface {
	RecentTransactions(ctx context.Context, address string, since time.Time) ([]Transaction, error)
	AccountInfo(ctx context.Context, address string) (*AccountInfo, error)
}

// Client talks to a TronScan-style explorer API.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    Limiter
	logger     *slog.Logger
}

// NewClient creates an explorer API client. limiter may be nil, in which
// case calls are not throttled.
func NewClient(cfg Config, limiter Limiter, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// listEntry is one row of the /transaction listing.
type listEntry struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"` // milliseconds
}

type listResponse struct {
	Data []listEntry `json:"data"`
}

// txDetails is the /transaction-info response.
type txDetails struct {
	Confirmed     bool  `json:"confirmed"`
	Confirmations int64 `json:"confirmations"`
	ContractData  struct {
		Amount       int64  `json:"amount"` // sun
		OwnerAddress string `json:"owner_address"`
		ToAddress    string `json:"to_address"`
	} `json:"contractData"`
	TRC20Transfers []struct {
		AmountStr   string `json:"amount_str"`
		FromAddress string `json:"from_address"`
		ToAddress   string `json:"to_address"`
		TokenInfo   struct {
			TokenID string `json:"tokenId"`
			Symbol  string `json:"symbol"`
		} `json:"tokenInfo"`
	} `json:"trc20TransferInfo"`
}

// RecentTransactions lists transfers to or from address with timestamps at
// or after since, newest first. Malformed or forged records are dropped and
// logged, never returned.
func (c *Client) RecentTransactions(ctx context.Context, address string, since time.Time) ([]Transaction, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("limit", strconv.Itoa(c.config.PageLimit))
	params.Set("start", "0")
	params.Set("sort", "-timestamp")

	var list listResponse
	if err := c.get(ctx, "/transaction", params, &list); err != nil {
		return nil, err
	}

	var txs []Transaction
	for _, entry := range list.Data {
		if !ValidHash(entry.Hash) {
			c.logger.Warn("dropping transaction with malformed hash", "hash", entry.Hash)
			continue
		}
		ts := time.UnixMilli(entry.Timestamp).UTC()
		if !saneTimestamp(ts) {
			c.logger.Warn("dropping transaction with implausible timestamp",
				"hash", entry.Hash,
				"timestamp", ts,
			)
			continue
		}
		if ts.Before(since) {
			continue
		}

		tx, err := c.transactionDetails(ctx, entry.Hash, ts)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			continue
		}
		txs = append(txs, *tx)
	}

	c.logger.Debug("fetched recent transactions",
		"address", MaskAddress(address),
		"count", len(txs),
	)
	return txs, nil
}

// transactionDetails resolves the transfer inside a transaction. Returns
// nil for records that carry no usable transfer.
func (c *Client) transactionDetails(ctx context.Context, hash string, ts time.Time) (*Transaction, error) {
	params := url.Values{}
	params.Set("hash", hash)

	var details txDetails
	if err := c.get(ctx, "/transaction-info", params, &details); err != nil {
		return nil, err
	}

	if len(details.TRC20Transfers) > 0 {
		transfer := details.TRC20Transfers[0]
		if transfer.TokenInfo.Symbol == string(money.USDT) && transfer.TokenInfo.TokenID != OfficialUSDTContract {
			c.logger.Warn("dropping transfer with forged USDT contract",
				"hash", hash,
				"contract", transfer.TokenInfo.TokenID,
			)
			return nil, nil
		}
		amount, err := decimal.NewFromString(transfer.AmountStr)
		if err != nil {
			c.logger.Warn("dropping transfer with unparseable amount",
				"hash", hash,
				"amount", transfer.AmountStr,
			)
			return nil, nil
		}
		return &Transaction{
			Hash:          hash,
			From:          transfer.FromAddress,
			To:            transfer.ToAddress,
			Amount:        money.New(amount, money.Currency(transfer.TokenInfo.Symbol)),
			Timestamp:     ts,
			Confirmations: details.Confirmations,
			Confirmed:     details.Confirmed,
		}, nil
	}

	if details.ContractData.ToAddress != "" {
		// Native TRX transfer, amount reported in sun
		amount := decimal.New(details.ContractData.Amount, -6)
		return &Transaction{
			Hash:          hash,
			From:          details.ContractData.OwnerAddress,
			To:            details.ContractData.ToAddress,
			Amount:        money.New(amount, money.TRX),
			Timestamp:     ts,
			Confirmations: details.Confirmations,
			Confirmed:     details.Confirmed,
		}, nil
	}

	return nil, nil
}

// AccountInfo fetches summary data for a wallet address.
func (c *Client) AccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("address", address)

	var info AccountInfo
	if err := c.get(ctx, "/account", params, &info); err != nil {
		return nil, err
	}
	info.Address = address
	return &info, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", ErrUpstreamUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: explorer api status=%d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %w", ErrUpstreamUnavailable, err)
	}

	return nil
}

// saneTimestamp bounds record timestamps to a plausible range: not more
// than a year old, not more than a day ahead of local time.
func saneTimestamp(ts time.Time) bool {
	now := time.Now().UTC()
	if ts.Before(now.Add(-365 * 24 * time.Hour)) {
		return false
	}
	if ts.After(now.Add(24 * time.Hour)) {
		return false
	}
	return true
}
