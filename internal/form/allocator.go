package form

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"tronpay/internal/common/money"
)

// maxAllocateAttempts bounds the search for a free tagged amount.
const maxAllocateAttempts = 100

// proximityThreshold is how close a candidate may sit to a recently seen
// ledger amount before it is treated as taken. Exact-amount matching means
// a candidate equal to an in-flight transfer would confirm the wrong form.
var proximityThreshold = decimal.RequireFromString("0.01")

// Allocator derives a unique tagged amount from a requested base amount by
// adding a random sub-unit offset. Uniqueness holds among pending forms of
// the same currency and against amounts recently seen on the ledger.
type Allocator struct {
	logger *slog.Logger
}

func NewAllocator(logger *slog.Logger) *Allocator {
	return &Allocator{logger: logger}
}

// Allocate picks a tagged amount for the requested base. pending and
// recent are the amounts to avoid, fetched by the caller under whatever
// consistency it can provide; the database unique index is the final
// arbiter on insert.
func (a *Allocator) Allocate(requested money.Money, pending, recent []decimal.Decimal) (money.Money, error) {
	taken := make(map[string]struct{}, len(pending))
	for _, d := range pending {
		taken[d.StringFixed(6)] = struct{}{}
	}

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		offset, err := randomOffset()
		if err != nil {
			return money.Money{}, fmt.Errorf("generating offset: %w", err)
		}

		candidate := requested.Amount.Add(offset)
		if _, ok := taken[candidate.StringFixed(6)]; ok {
			continue
		}
		if tooCloseToRecent(candidate, recent) {
			continue
		}

		if attempt > 0 {
			a.logger.Debug("allocated tagged amount after retries",
				"attempts", attempt+1,
				"currency", requested.Currency,
			)
		}
		return money.New(candidate, requested.Currency), nil
	}

	return money.Money{}, ErrCollisionExhausted
}

// randomOffset returns a uniform amount in [0.000001, 0.999999]. The
// offset is never zero, so a tagged amount never equals its base.
func randomOffset() (decimal.Decimal, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(999999))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(n.Int64()+1, -6), nil
}

// tooCloseToRecent reports whether the candidate sits within the
// proximity threshold of any recently observed inbound amount.
func tooCloseToRecent(candidate decimal.Decimal, recent []decimal.Decimal) bool {
	for _, r := range recent {
		if candidate.Sub(r).Abs().LessThan(proximityThreshold) {
			return true
		}
	}
	return false
}
