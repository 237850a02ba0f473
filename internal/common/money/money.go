package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents a supported settlement currency on the Tron network
type Currency string

const (
	USDT Currency = "USDT"
	TRX  Currency = "TRX"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code     Currency
	Decimals int32 // fractional digits carried on chain
	Symbol   string
}

var currencies = map[Currency]CurrencyInfo{
	USDT: {Code: USDT, Decimals: 6, Symbol: "USDT"},
	TRX:  {Code: TRX, Decimals: 6, Symbol: "TRX"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsSupported reports whether the currency is one this system settles
func IsSupported(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// Money represents an exact monetary amount. Amounts are compared with
// exact decimal equality; there is no tolerance anywhere in matching.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// New creates a Money value from a decimal amount
func New(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// FromString parses a decimal string into a Money value
func FromString(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// FromFloat creates a Money value from a float, rounded to the currency's
// on-chain precision
func FromFloat(f float64, currency Currency) Money {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{Decimals: 6}
	}
	return Money{Amount: decimal.NewFromFloat(f).Round(info.Decimals), Currency: currency}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is strictly positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Round returns the amount rounded to the currency's on-chain precision
func (m Money) Round() Money {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{Decimals: 6}
	}
	return Money{Amount: m.Amount.Round(info.Decimals), Currency: m.Currency}
}

// WithinPrecision reports whether the amount carries no more fractional
// digits than the currency supports on chain
func (m Money) WithinPrecision() bool {
	return m.Amount.Equal(m.Round().Amount)
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal checks exact equality of amount and currency
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp < 0
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
	}
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(info.Decimals), info.Symbol)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Amount.String(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	d, err := decimal.NewFromString(v.Amount)
	if err != nil {
		return fmt.Errorf("parsing amount %q: %w", v.Amount, err)
	}
	m.Amount = d
	m.Currency = Currency(v.Currency)
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns fetched as text
func (m *Money) Scan(src interface{}) error {
	if src == nil {
		*m = Money{}
		return nil
	}
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		m.Amount = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		m.Amount = d
		return nil
	default:
		return errors.New("cannot scan into Money")
	}
}

// Value implements driver.Valuer
func (m Money) Value() (driver.Value, error) {
	return m.Amount.String(), nil
}
