package form

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tronpay/internal/common/money"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency money.Currency
		wantErr  bool
	}{
		{"usdt min", "0.1", money.USDT, false},
		{"usdt max", "10000", money.USDT, false},
		{"usdt below min", "0.099999", money.USDT, true},
		{"usdt above max", "10000.000001", money.USDT, true},
		{"trx min", "1", money.TRX, false},
		{"trx max", "100000", money.TRX, false},
		{"trx below min", "0.999999", money.TRX, true},
		{"trx above max", "100001", money.TRX, true},
		{"too many decimals", "5.0000001", money.USDT, true},
		{"six decimals ok", "5.000001", money.USDT, false},
		{"unsupported currency", "5", money.Currency("DOGE"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := money.FromString(tt.amount, tt.currency)
			require.NoError(t, err)
			err = ValidateAmount(m)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateExpiresHours(t *testing.T) {
	assert.NoError(t, ValidateExpiresHours(1))
	assert.NoError(t, ValidateExpiresHours(168))
	assert.Error(t, ValidateExpiresHours(0))
	assert.Error(t, ValidateExpiresHours(169))
	assert.Error(t, ValidateExpiresHours(-5))
}

func TestValidateDescription(t *testing.T) {
	assert.NoError(t, ValidateDescription(""))
	assert.NoError(t, ValidateDescription("Invoice #42 for consulting, June"))
	assert.NoError(t, ValidateDescription("line one\nline two\ttabbed"))
	assert.NoError(t, ValidateDescription(strings.Repeat("a", 500)))

	assert.Error(t, ValidateDescription(strings.Repeat("a", 501)))
	assert.Error(t, ValidateDescription("<script>alert(1)</script>"))
	assert.Error(t, ValidateDescription("drop table; --"))
	assert.Error(t, ValidateDescription("has \"quotes\""))
	assert.Error(t, ValidateDescription("bell\x07char"))
}

func TestExpiredBoundary(t *testing.T) {
	now := time.Now()
	f := &PaymentForm{ExpiresAt: now}

	// A deadline equal to now counts as expired.
	assert.True(t, f.Expired(now))
	assert.True(t, f.Expired(now.Add(time.Second)))
	assert.False(t, f.Expired(now.Add(-time.Second)))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
