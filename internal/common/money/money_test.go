package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	m, err := FromString("100.000123", USDT)
	require.NoError(t, err)
	assert.Equal(t, "100.000123 USDT", m.String())

	_, err = FromString("abc", USDT)
	assert.Error(t, err)
}

func TestExactEquality(t *testing.T) {
	a, _ := FromString("100.000123", USDT)
	b, _ := FromString("100.000123", USDT)
	c, _ := FromString("100.000124", USDT)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	// Same digits in another currency never compare equal.
	d, _ := FromString("100.000123", TRX)
	assert.False(t, a.Equal(d))
}

func TestRepresentationDoesNotAffectEquality(t *testing.T) {
	a, _ := FromString("1.5", USDT)
	b, _ := FromString("1.500000", USDT)
	assert.True(t, a.Equal(b))
}

func TestWithinPrecision(t *testing.T) {
	ok, _ := FromString("1.000001", USDT)
	assert.True(t, ok.WithinPrecision())

	tooFine, _ := FromString("1.0000001", USDT)
	assert.False(t, tooFine.WithinPrecision())
}

func TestArithmetic(t *testing.T) {
	a, _ := FromString("1.1", USDT)
	b, _ := FromString("2.2", USDT)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Amount.Equal(decimal.RequireFromString("3.3")))

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.True(t, diff.Amount.Equal(decimal.RequireFromString("1.1")))

	trx, _ := FromString("1", TRX)
	_, err = a.Add(trx)
	assert.Error(t, err)

	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.LessThan(b))
}

func TestJSONRoundTrip(t *testing.T) {
	m, _ := FromString("100.000123", USDT)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"100.000123","currency":"USDT"}`, string(data))

	var got Money
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, m.Equal(got))
}

func TestScanFromText(t *testing.T) {
	var m Money
	require.NoError(t, m.Scan("42.000007"))
	assert.True(t, m.Amount.Equal(decimal.RequireFromString("42.000007")))

	require.NoError(t, m.Scan([]byte("0.100000")))
	assert.True(t, m.Amount.Equal(decimal.RequireFromString("0.1")))

	assert.Error(t, m.Scan(3.14))
}

func TestFromFloatRounds(t *testing.T) {
	m := FromFloat(1.23456789, USDT)
	assert.True(t, m.WithinPrecision())
	assert.Equal(t, "1.234568", m.Amount.StringFixed(6))
}

func TestCurrencySupport(t *testing.T) {
	assert.True(t, IsSupported(USDT))
	assert.True(t, IsSupported(TRX))
	assert.False(t, IsSupported(Currency("BTC")))

	info, ok := GetCurrencyInfo(USDT)
	require.True(t, ok)
	assert.EqualValues(t, 6, info.Decimals)
}
