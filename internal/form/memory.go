package form

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tronpay/internal/common/money"
)

// MemoryStore is an in-memory Store used in tests and single-process
// development runs. It enforces the same pending amount uniqueness and
// compare-and-set semantics as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	forms map[string]*PaymentForm
	txs   map[string]*LedgerTransaction
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms: make(map[string]*PaymentForm),
		txs:   make(map[string]*LedgerTransaction),
		now:   time.Now,
	}
}

func amountKey(currency money.Currency, d decimal.Decimal) string {
	return string(currency) + ":" + d.StringFixed(6)
}

func (s *MemoryStore) CreateForm(ctx context.Context, f *PaymentForm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := amountKey(f.TaggedAmount.Currency, f.TaggedAmount.Amount)
	for _, existing := range s.forms {
		if existing.Status == StatusPending &&
			amountKey(existing.TaggedAmount.Currency, existing.TaggedAmount.Amount) == key {
			return ErrAmountCollision
		}
	}

	clone := *f
	s.forms[f.FormID] = &clone
	return nil
}

func (s *MemoryStore) GetForm(ctx context.Context, formID string) (*PaymentForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[formID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *f
	return &clone, nil
}

func (s *MemoryStore) ListForms(ctx context.Context, filter ListFilter) ([]*PaymentForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var forms []*PaymentForm
	for _, f := range s.forms {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && f.UserID != filter.UserID {
			continue
		}
		if filter.Currency != "" && f.TaggedAmount.Currency != filter.Currency {
			continue
		}
		if !filter.ActiveAt.IsZero() && !f.ExpiresAt.After(filter.ActiveAt) {
			continue
		}
		clone := *f
		forms = append(forms, &clone)
	}
	sort.Slice(forms, func(i, j int) bool {
		return forms[i].CreatedAt.After(forms[j].CreatedAt)
	})
	if filter.Limit > 0 && len(forms) > filter.Limit {
		forms = forms[:filter.Limit]
	}
	return forms, nil
}

func (s *MemoryStore) FindPendingByAmount(ctx context.Context, amount money.Money) (*PaymentForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := amountKey(amount.Currency, amount.Amount)
	for _, f := range s.forms {
		if f.Status == StatusPending &&
			amountKey(f.TaggedAmount.Currency, f.TaggedAmount.Amount) == key {
			clone := *f
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ConfirmMatch(ctx context.Context, formID, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[formID]
	if !ok || f.Status != StatusPending {
		return false, nil
	}
	f.Status = StatusConfirmed
	f.MatchedTxHash = txHash
	f.UpdatedAt = s.now()

	if tx, ok := s.txs[txHash]; ok {
		tx.Processed = true
		tx.MatchedFormID = formID
		tx.RejectReason = ""
	}
	return true, nil
}

func (s *MemoryStore) CancelForm(ctx context.Context, formID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[formID]
	if !ok || f.Status != StatusPending {
		return false, nil
	}
	f.Status = StatusCancelled
	f.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) ExpireDue(ctx context.Context, now time.Time) ([]*PaymentForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*PaymentForm
	for _, f := range s.forms {
		if f.Status == StatusPending && !f.ExpiresAt.After(now) {
			f.Status = StatusExpired
			f.UpdatedAt = now
			clone := *f
			expired = append(expired, &clone)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired, nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, f := range s.forms {
		if f.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PendingAmounts(ctx context.Context, currency money.Currency) ([]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var amounts []decimal.Decimal
	for _, f := range s.forms {
		if f.Status == StatusPending && f.TaggedAmount.Currency == currency {
			amounts = append(amounts, f.TaggedAmount.Amount)
		}
	}
	return amounts, nil
}

func (s *MemoryStore) SaveTransaction(ctx context.Context, tx *LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txs[tx.Hash]; ok {
		existing.Confirmations = tx.Confirmations
		return nil
	}
	clone := *tx
	clone.Processed = false
	clone.CreatedAt = s.now()
	s.txs[tx.Hash] = &clone
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, hash string) (*LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tx
	return &clone, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, hash, matchedFormID, rejectReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[hash]
	if !ok || tx.Processed {
		return nil
	}
	tx.Processed = true
	tx.MatchedFormID = matchedFormID
	tx.RejectReason = rejectReason
	return nil
}

func (s *MemoryStore) RecentAmounts(ctx context.Context, currency money.Currency, since time.Time) ([]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var amounts []decimal.Decimal
	for _, tx := range s.txs {
		if tx.Amount.Currency == currency && !tx.Timestamp.Before(since) {
			amounts = append(amounts, tx.Amount.Amount)
		}
	}
	return amounts, nil
}

var _ Store = (*MemoryStore)(nil)
