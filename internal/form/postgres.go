package form

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tronpay/internal/common/database"
	"tronpay/internal/common/money"
)

// PostgresStore implements Store on top of Postgres. Amount columns are
// NUMERIC(20,6) and always travel as text so no float conversion can
// touch them.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const formColumns = `form_id, requested_amount::text, tagged_amount::text, currency,
	wallet_address, description, user_id, client_ip, status, matched_tx_hash,
	created_at, updated_at, expires_at`

func scanForm(row pgx.Row) (*PaymentForm, error) {
	var f PaymentForm
	var currency string
	var userID, clientIP, matchedTxHash *string

	err := row.Scan(
		&f.FormID,
		&f.RequestedAmount,
		&f.TaggedAmount,
		&currency,
		&f.WalletAddress,
		&f.Description,
		&userID,
		&clientIP,
		&f.Status,
		&matchedTxHash,
		&f.CreatedAt,
		&f.UpdatedAt,
		&f.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	f.RequestedAmount.Currency = money.Currency(currency)
	f.TaggedAmount.Currency = money.Currency(currency)
	f.UserID = deref(userID)
	f.ClientIP = deref(clientIP)
	f.MatchedTxHash = deref(matchedTxHash)
	return &f, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateForm inserts a new pending form. The partial unique index on
// (currency, tagged_amount) is the authority on tagged amount uniqueness;
// a violation surfaces as ErrAmountCollision so the caller can retry
// allocation.
func (s *PostgresStore) CreateForm(ctx context.Context, f *PaymentForm) error {
	query := `
		INSERT INTO payment_forms (
			form_id, requested_amount, tagged_amount, currency, wallet_address,
			description, user_id, client_ip, status, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.Pool().Exec(ctx, query,
		f.FormID,
		f.RequestedAmount.Amount.StringFixed(6),
		f.TaggedAmount.Amount.StringFixed(6),
		string(f.TaggedAmount.Currency),
		f.WalletAddress,
		f.Description,
		nullStr(f.UserID),
		nullStr(f.ClientIP),
		string(f.Status),
		f.CreatedAt,
		f.UpdatedAt,
		f.ExpiresAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrAmountCollision
	}
	if err != nil {
		return fmt.Errorf("inserting form: %w", err)
	}
	return nil
}

// GetForm fetches a form by ID.
func (s *PostgresStore) GetForm(ctx context.Context, formID string) (*PaymentForm, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_forms WHERE form_id = $1`, formColumns)

	f, err := scanForm(s.db.Pool().QueryRow(ctx, query, formID))
	if database.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting form: %w", err)
	}
	return f, nil
}

// ListForms returns forms matching the filter, newest first.
func (s *PostgresStore) ListForms(ctx context.Context, filter ListFilter) ([]*PaymentForm, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_forms WHERE 1=1`, formColumns)
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Currency != "" {
		args = append(args, string(filter.Currency))
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if !filter.ActiveAt.IsZero() {
		args = append(args, filter.ActiveAt)
		query += fmt.Sprintf(" AND expires_at > $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing forms: %w", err)
	}
	defer rows.Close()

	var forms []*PaymentForm
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning form: %w", err)
		}
		forms = append(forms, f)
	}
	return forms, rows.Err()
}

// FindPendingByAmount looks up the pending form reserved for an exact
// tagged amount. The partial unique index guarantees at most one row.
func (s *PostgresStore) FindPendingByAmount(ctx context.Context, amount money.Money) (*PaymentForm, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payment_forms
		WHERE status = 'pending' AND currency = $1 AND tagged_amount = $2::numeric`, formColumns)

	f, err := scanForm(s.db.Pool().QueryRow(ctx, query,
		string(amount.Currency), amount.Amount.StringFixed(6)))
	if database.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding pending form by amount: %w", err)
	}
	return f, nil
}

// ConfirmMatch flips a pending form to confirmed, records the matching
// transaction hash and marks that ledger row processed, in one
// transaction so neither side can land without the other. Returns false
// when the form already left pending.
func (s *PostgresStore) ConfirmMatch(ctx context.Context, formID, txHash string) (bool, error) {
	var matched bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payment_forms
			SET status = 'confirmed', matched_tx_hash = $2, updated_at = now()
			WHERE form_id = $1 AND status = 'pending'`, formID, txHash)
		if err != nil {
			return fmt.Errorf("confirming form: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		matched = true

		if _, err := tx.Exec(ctx, `
			UPDATE ledger_transactions
			SET processed = TRUE, matched_form_id = $2, reject_reason = NULL
			WHERE tx_hash = $1`, txHash, formID); err != nil {
			return fmt.Errorf("marking matched transaction: %w", err)
		}
		return nil
	})
	return matched, err
}

// CancelForm flips a pending form to cancelled. Returns false when the
// form already left pending.
func (s *PostgresStore) CancelForm(ctx context.Context, formID string) (bool, error) {
	query := `
		UPDATE payment_forms
		SET status = 'cancelled', updated_at = now()
		WHERE form_id = $1 AND status = 'pending'`

	tag, err := s.db.Pool().Exec(ctx, query, formID)
	if err != nil {
		return false, fmt.Errorf("cancelling form: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireDue flips every pending form whose deadline has passed to expired
// and returns the affected forms.
func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) ([]*PaymentForm, error) {
	query := fmt.Sprintf(`
		UPDATE payment_forms
		SET status = 'expired', updated_at = now()
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING %s`, formColumns)

	rows, err := s.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("expiring forms: %w", err)
	}
	defer rows.Close()

	var forms []*PaymentForm
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired form: %w", err)
		}
		forms = append(forms, f)
	}
	return forms, rows.Err()
}

// CountActive returns the number of pending forms across all currencies.
func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM payment_forms WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active forms: %w", err)
	}
	return count, nil
}

// PendingAmounts returns the tagged amounts currently reserved by pending
// forms of a currency.
func (s *PostgresStore) PendingAmounts(ctx context.Context, currency money.Currency) ([]decimal.Decimal, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT tagged_amount::text FROM payment_forms WHERE status = 'pending' AND currency = $1`,
		string(currency))
	if err != nil {
		return nil, fmt.Errorf("listing pending amounts: %w", err)
	}
	defer rows.Close()

	return scanAmounts(rows)
}

// SaveTransaction upserts an observed transaction. Replays refresh the
// confirmation count but never reset the processed flag.
func (s *PostgresStore) SaveTransaction(ctx context.Context, tx *LedgerTransaction) error {
	query := `
		INSERT INTO ledger_transactions (
			tx_hash, from_address, to_address, amount, currency,
			tx_timestamp, confirmations, processed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, now())
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmations = EXCLUDED.confirmations`

	_, err := s.db.Pool().Exec(ctx, query,
		tx.Hash,
		tx.From,
		tx.To,
		tx.Amount.Amount.StringFixed(6),
		string(tx.Amount.Currency),
		tx.Timestamp,
		tx.Confirmations,
	)
	if err != nil {
		return fmt.Errorf("saving transaction: %w", err)
	}
	return nil
}

// GetTransaction fetches a transaction record by hash.
func (s *PostgresStore) GetTransaction(ctx context.Context, hash string) (*LedgerTransaction, error) {
	query := `
		SELECT tx_hash, from_address, to_address, amount::text, currency,
			tx_timestamp, confirmations, processed, matched_form_id, reject_reason, created_at
		FROM ledger_transactions
		WHERE tx_hash = $1`

	var tx LedgerTransaction
	var currency string
	var matchedFormID, rejectReason *string

	err := s.db.Pool().QueryRow(ctx, query, hash).Scan(
		&tx.Hash,
		&tx.From,
		&tx.To,
		&tx.Amount,
		&currency,
		&tx.Timestamp,
		&tx.Confirmations,
		&tx.Processed,
		&matchedFormID,
		&rejectReason,
		&tx.CreatedAt,
	)
	if database.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}

	tx.Amount.Currency = money.Currency(currency)
	tx.MatchedFormID = deref(matchedFormID)
	tx.RejectReason = deref(rejectReason)
	return &tx, nil
}

// MarkProcessed flips a transaction to processed exactly once, recording
// either the matched form or the reason it was set aside.
func (s *PostgresStore) MarkProcessed(ctx context.Context, hash, matchedFormID, rejectReason string) error {
	query := `
		UPDATE ledger_transactions
		SET processed = TRUE, matched_form_id = $2, reject_reason = $3
		WHERE tx_hash = $1 AND processed = FALSE`

	if _, err := s.db.Pool().Exec(ctx, query, hash, nullStr(matchedFormID), nullStr(rejectReason)); err != nil {
		return fmt.Errorf("marking transaction processed: %w", err)
	}
	return nil
}

// RecentAmounts returns amounts observed on the ledger since a cutoff,
// used by allocation to avoid amounts that in-flight transfers could
// claim.
func (s *PostgresStore) RecentAmounts(ctx context.Context, currency money.Currency, since time.Time) ([]decimal.Decimal, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT amount::text FROM ledger_transactions WHERE currency = $1 AND tx_timestamp >= $2`,
		string(currency), since)
	if err != nil {
		return nil, fmt.Errorf("listing recent amounts: %w", err)
	}
	defer rows.Close()

	return scanAmounts(rows)
}

func scanAmounts(rows pgx.Rows) ([]decimal.Decimal, error) {
	var amounts []decimal.Decimal
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning amount: %w", err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parsing amount %q: %w", s, err)
		}
		amounts = append(amounts, d)
	}
	return amounts, rows.Err()
}
