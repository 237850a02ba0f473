// Package tron provides a client for TronScan-style block-explorer APIs and
// a bounded TTL cache over it.
package tron

import (
	"errors"
	"regexp"
	"time"

	"tronpay/internal/common/money"
)

// ErrUpstreamUnavailable indicates the explorer API could not be reached or
// returned an unusable response. Callers skip the current cycle and retry
// on the next tick.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// OfficialUSDTContract is the TRC20 contract of canonical USDT on Tron.
// Transfers reporting any other contract as USDT are forged.
const OfficialUSDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

// Transaction is a transfer observed on the ledger feed.
type Transaction struct {
	Hash          string      `json:"hash"`
	From          string      `json:"from_address"`
	To            string      `json:"to_address"`
	Amount        money.Money `json:"amount"`
	Timestamp     time.Time   `json:"timestamp"`
	Confirmations int64       `json:"confirmations"`
	Confirmed     bool        `json:"confirmed"`
}

// AccountInfo is summary data for a wallet address.
type AccountInfo struct {
	Address    string `json:"address"`
	BalanceSun int64  `json:"balance"`
	TxCount    int64  `json:"transactions"`
}

var addressPattern = regexp.MustCompile(`^T[A-Za-z0-9]{33}$`)

// ValidAddress reports whether s looks like a base58 Tron address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidHash reports whether s is a well-formed transaction hash.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// MaskAddress shortens an address for log output.
func MaskAddress(addr string) string {
	if len(addr) < 8 {
		return "****"
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}
