package form

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tronpay/internal/common/money"
)

// ListFilter narrows ListForms results. Zero values mean no filtering.
// ActiveAt, when set, keeps only forms whose deadline is still ahead of
// that instant, so lapsed forms the sweep has not yet closed are excluded.
type ListFilter struct {
	Status   Status
	UserID   string
	Currency money.Currency
	ActiveAt time.Time
	Limit    int
}

// Store persists payment forms and the observed transaction ledger.
//
// ConfirmMatch and CancelForm are compare-and-set operations: they flip a
// form out of pending only if it is still pending and report whether they
// did. Callers race the expiry sweep and each other through these, never
// through read-modify-write. ConfirmMatch also marks the matching ledger
// row processed in the same step, so a confirmed form always has its
// transaction closed out.
type Store interface {
	CreateForm(ctx context.Context, f *PaymentForm) error
	GetForm(ctx context.Context, formID string) (*PaymentForm, error)
	ListForms(ctx context.Context, filter ListFilter) ([]*PaymentForm, error)
	FindPendingByAmount(ctx context.Context, amount money.Money) (*PaymentForm, error)
	ConfirmMatch(ctx context.Context, formID, txHash string) (bool, error)
	CancelForm(ctx context.Context, formID string) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]*PaymentForm, error)
	CountActive(ctx context.Context) (int, error)
	PendingAmounts(ctx context.Context, currency money.Currency) ([]decimal.Decimal, error)

	SaveTransaction(ctx context.Context, tx *LedgerTransaction) error
	GetTransaction(ctx context.Context, hash string) (*LedgerTransaction, error)
	MarkProcessed(ctx context.Context, hash, matchedFormID, rejectReason string) error
	RecentAmounts(ctx context.Context, currency money.Currency, since time.Time) ([]decimal.Decimal, error)
}
