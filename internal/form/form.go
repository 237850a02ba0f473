// Package form holds the payment form domain model: lifecycle states,
// input validation, tagged amount allocation and persistence.
package form

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"tronpay/internal/common/money"
)

var (
	// ErrNotFound indicates the form does not exist.
	ErrNotFound = errors.New("form not found")
	// ErrNotPending indicates a state transition was attempted on a form
	// that already left the pending state.
	ErrNotPending = errors.New("form is not pending")
	// ErrAmountCollision indicates the tagged amount is already reserved
	// by another pending form.
	ErrAmountCollision = errors.New("tagged amount already reserved")
	// ErrCollisionExhausted indicates no free tagged amount was found.
	ErrCollisionExhausted = errors.New("could not allocate a unique amount")
	// ErrCapacityExceeded indicates the active form cap was reached.
	ErrCapacityExceeded = errors.New("active form capacity exceeded")
)

// Status is the lifecycle state of a payment form.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// PaymentForm is a request to receive an exact tagged amount at a wallet
// before a deadline. The tagged amount is unique among pending forms of
// the same currency, which is what makes matching unambiguous.
type PaymentForm struct {
	FormID          string      `json:"form_id"`
	RequestedAmount money.Money `json:"requested_amount"`
	TaggedAmount    money.Money `json:"tagged_amount"`
	WalletAddress   string      `json:"wallet_address"`
	Description     string      `json:"description,omitempty"`
	UserID          string      `json:"user_id,omitempty"`
	ClientIP        string      `json:"-"`
	Status          Status      `json:"status"`
	MatchedTxHash   string      `json:"matched_tx_hash,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// Expired reports whether the form deadline has passed. A form whose
// deadline equals now is already expired.
func (f *PaymentForm) Expired(now time.Time) bool {
	return !f.ExpiresAt.After(now)
}

// LedgerTransaction is the persistent record of an observed inbound
// transfer. Rows are written once per hash and flipped to processed
// exactly once, which is what makes replayed feed entries harmless.
type LedgerTransaction struct {
	Hash          string
	From          string
	To            string
	Amount        money.Money
	Timestamp     time.Time
	Confirmations int64
	Processed     bool
	MatchedFormID string
	RejectReason  string
	CreatedAt     time.Time
}

// Amount bounds per currency.
var amountLimits = map[money.Currency]struct{ min, max decimal.Decimal }{
	money.USDT: {decimal.RequireFromString("0.1"), decimal.RequireFromString("10000")},
	money.TRX:  {decimal.RequireFromString("1"), decimal.RequireFromString("100000")},
}

const (
	// MinExpiresHours and MaxExpiresHours bound the form lifetime.
	MinExpiresHours = 1
	MaxExpiresHours = 168

	// MaxDescriptionLength bounds the free-text description.
	MaxDescriptionLength = 500
)

// dangerousChars are rejected in descriptions. They have no legitimate use
// in a payment memo and show up in injection probes.
const dangerousChars = "<>\"'&;`"

// ValidateAmount checks the requested amount against per-currency bounds
// and the six decimal place precision limit.
func ValidateAmount(m money.Money) error {
	limits, ok := amountLimits[m.Currency]
	if !ok {
		return fmt.Errorf("unsupported currency %q", m.Currency)
	}
	if !m.WithinPrecision() {
		info, _ := money.GetCurrencyInfo(m.Currency)
		return fmt.Errorf("amount has more than %d decimal places", info.Decimals)
	}
	if m.Amount.LessThan(limits.min) || m.Amount.GreaterThan(limits.max) {
		return fmt.Errorf("amount must be between %s and %s %s",
			limits.min.String(), limits.max.String(), m.Currency)
	}
	return nil
}

// ValidateExpiresHours checks the requested form lifetime.
func ValidateExpiresHours(hours int) error {
	if hours < MinExpiresHours || hours > MaxExpiresHours {
		return fmt.Errorf("expires_hours must be between %d and %d", MinExpiresHours, MaxExpiresHours)
	}
	return nil
}

// ValidateDescription checks length and rejects control and markup
// characters.
func ValidateDescription(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLength)
	}
	if strings.ContainsAny(desc, dangerousChars) {
		return errors.New("description contains forbidden characters")
	}
	for _, r := range desc {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return errors.New("description contains control characters")
		}
	}
	return nil
}
