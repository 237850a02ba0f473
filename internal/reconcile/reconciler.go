// Package reconcile runs the polling loop that matches inbound ledger
// transfers against pending payment forms.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tronpay/internal/common/money"
	"tronpay/internal/form"
	"tronpay/internal/tron"
)

// Rejection reasons recorded on processed transactions.
const (
	ReasonUnmatched     = "unmatched"
	ReasonBlacklisted   = "blacklisted"
	ReasonSelfTransfer  = "self_transfer"
	ReasonFutureStamped = "future_timestamp"
	ReasonAgedOut       = "aged_out"
	ReasonMatchConflict = "match_conflict"
)

// Config holds reconciler configuration.
type Config struct {
	// WalletAddress is the receiving wallet the feed is polled for.
	WalletAddress string `envconfig:"WALLET_ADDRESS" required:"true"`
	// PollInterval is the gap between reconciliation cycles.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	// Lookback bounds how far back the feed is scanned. Unconfirmed
	// transactions older than this are given up on.
	Lookback time.Duration `envconfig:"LOOKBACK" default:"3h"`
	// MinConfirmations is required before a transfer may match a form.
	MinConfirmations int64 `envconfig:"MIN_CONFIRMATIONS" default:"19"`
	// FutureTolerance is the allowed clock skew on feed timestamps.
	FutureTolerance time.Duration `envconfig:"FUTURE_TOLERANCE" default:"5m"`
}

// Blacklist answers whether a sender address is banned.
type Blacklist interface {
	IsBlacklisted(addr string) bool
}

// Notifier receives lifecycle outcomes produced by reconciliation.
type Notifier interface {
	NotifyConfirmed(ctx context.Context, f *form.PaymentForm, tx *form.LedgerTransaction)
	NotifyExpired(ctx context.Context, f *form.PaymentForm)
}

// Reconciler polls the ledger feed and drives pending forms to their
// terminal states. Cycles never overlap; a tick that arrives while a cycle
// is still running is dropped.
type Reconciler struct {
	config    Config
	store     form.Store
	feed      tron.Feed
	blacklist Blacklist
	notifier  Notifier
	logger    *slog.Logger

	runMu sync.Mutex
	now   func() time.Time
}

func New(cfg Config, store form.Store, feed tron.Feed, blacklist Blacklist, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		config:    cfg,
		store:     store,
		feed:      feed,
		blacklist: blacklist,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes reconciliation cycles until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		"wallet", tron.MaskAddress(r.config.WalletAddress),
		"poll_interval", r.config.PollInterval,
		"min_confirmations", r.config.MinConfirmations,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single reconciliation cycle. Returns nil when another
// cycle is already in flight.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.runMu.TryLock() {
		r.logger.Debug("cycle already running, skipping tick")
		cyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer r.runMu.Unlock()

	start := r.now()
	err := r.cycle(ctx)
	cycleDuration.Observe(r.now().Sub(start).Seconds())
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return err
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Reconciler) cycle(ctx context.Context) error {
	now := r.now()

	if err := r.expireDue(ctx, now); err != nil {
		return err
	}

	txs, err := r.feed.RecentTransactions(ctx, r.config.WalletAddress, now.Add(-r.config.Lookback))
	if err != nil {
		return fmt.Errorf("fetching feed: %w", err)
	}

	// Oldest first, so earlier transfers win ties deterministically.
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].Hash < txs[j].Hash
	})

	// Tagged amounts confirmed during this cycle. A second transfer for one
	// of these is a duplicate payment, not a stray, and is flagged as such.
	confirmed := make(map[string]string)

	for i := range txs {
		if err := r.handleTransaction(ctx, now, &txs[i], confirmed); err != nil {
			// One bad transaction must not stall the rest of the cycle.
			r.logger.Error("handling transaction failed",
				"tx_hash", txs[i].Hash,
				"error", err,
			)
		}
	}
	return nil
}

func (r *Reconciler) expireDue(ctx context.Context, now time.Time) error {
	expired, err := r.store.ExpireDue(ctx, now)
	if err != nil {
		return fmt.Errorf("expiring forms: %w", err)
	}
	for _, f := range expired {
		formsExpiredTotal.Inc()
		r.logger.Info("form expired",
			"form_id", f.FormID,
			"tagged_amount", f.TaggedAmount.String(),
		)
		r.notifier.NotifyExpired(ctx, f)
	}
	return nil
}

// handleTransaction walks one feed entry through the validation gauntlet
// and, if it survives, the exact-amount match. Every terminal decision is
// flushed to the ledger record so replays of the same hash are no-ops.
func (r *Reconciler) handleTransaction(ctx context.Context, now time.Time, tx *tron.Transaction, confirmed map[string]string) error {
	existing, err := r.store.GetTransaction(ctx, tx.Hash)
	if err != nil && !errors.Is(err, form.ErrNotFound) {
		return fmt.Errorf("loading ledger record: %w", err)
	}
	if existing != nil && existing.Processed {
		transactionsTotal.WithLabelValues("replay").Inc()
		return nil
	}

	record := &form.LedgerTransaction{
		Hash:          tx.Hash,
		From:          tx.From,
		To:            tx.To,
		Amount:        tx.Amount,
		Timestamp:     tx.Timestamp,
		Confirmations: tx.Confirmations,
	}
	if err := r.store.SaveTransaction(ctx, record); err != nil {
		return fmt.Errorf("saving ledger record: %w", err)
	}

	if reason := r.rejectReason(tx); reason != "" {
		transactionsTotal.WithLabelValues(reason).Inc()
		r.logger.Info("transaction rejected",
			"tx_hash", tx.Hash,
			"from", tron.MaskAddress(tx.From),
			"reason", reason,
		)
		return r.store.MarkProcessed(ctx, tx.Hash, "", reason)
	}

	if tx.Confirmations < r.config.MinConfirmations {
		// Not final yet. Leave the record open unless the transfer has
		// lingered unconfirmed past the lookback window, in which case it
		// will never be seen again and is closed out.
		if now.Sub(tx.Timestamp) > r.config.Lookback {
			transactionsTotal.WithLabelValues(ReasonAgedOut).Inc()
			return r.store.MarkProcessed(ctx, tx.Hash, "", ReasonAgedOut)
		}
		transactionsTotal.WithLabelValues("waiting").Inc()
		return nil
	}

	return r.match(ctx, tx, record, confirmed)
}

func taggedKey(m money.Money) string {
	return string(m.Currency) + ":" + m.Amount.StringFixed(6)
}

// rejectReason screens a transaction before any matching is attempted.
// An empty string means the transaction is eligible.
func (r *Reconciler) rejectReason(tx *tron.Transaction) string {
	if r.blacklist.IsBlacklisted(tx.From) {
		return ReasonBlacklisted
	}
	if tx.From == tx.To || tx.From == r.config.WalletAddress {
		return ReasonSelfTransfer
	}
	if tx.Timestamp.After(r.now().Add(r.config.FutureTolerance)) {
		return ReasonFutureStamped
	}
	return ""
}

func (r *Reconciler) match(ctx context.Context, tx *tron.Transaction, record *form.LedgerTransaction, confirmed map[string]string) error {
	f, err := r.store.FindPendingByAmount(ctx, tx.Amount)
	if errors.Is(err, form.ErrNotFound) {
		// An earlier transfer this cycle may already have claimed the form
		// carrying this tagged amount. That makes this one a duplicate
		// payment for the same tag, which is worth an alarm, not a shrug.
		if winnerID, dup := confirmed[taggedKey(tx.Amount)]; dup {
			matchAnomaliesTotal.Inc()
			r.logger.Warn("duplicate transfer for confirmed tagged amount",
				"form_id", winnerID,
				"tx_hash", tx.Hash,
				"amount", tx.Amount.String(),
			)
			transactionsTotal.WithLabelValues(ReasonMatchConflict).Inc()
			return r.store.MarkProcessed(ctx, tx.Hash, "", ReasonMatchConflict)
		}
		transactionsTotal.WithLabelValues(ReasonUnmatched).Inc()
		return r.store.MarkProcessed(ctx, tx.Hash, "", ReasonUnmatched)
	}
	if err != nil {
		return fmt.Errorf("finding pending form: %w", err)
	}

	if tx.To != f.WalletAddress {
		transactionsTotal.WithLabelValues(ReasonUnmatched).Inc()
		return r.store.MarkProcessed(ctx, tx.Hash, "", ReasonUnmatched)
	}

	ok, err := r.store.ConfirmMatch(ctx, f.FormID, tx.Hash)
	if err != nil {
		return fmt.Errorf("confirming form: %w", err)
	}
	if !ok {
		// The form left pending between lookup and confirm. With the
		// pending-amount uniqueness guarantee this should not happen
		// inside one cycle; record it loudly.
		matchAnomaliesTotal.Inc()
		r.logger.Warn("match lost confirm race",
			"form_id", f.FormID,
			"tx_hash", tx.Hash,
		)
		transactionsTotal.WithLabelValues(ReasonMatchConflict).Inc()
		return r.store.MarkProcessed(ctx, tx.Hash, "", ReasonMatchConflict)
	}

	confirmed[taggedKey(tx.Amount)] = f.FormID

	transactionsTotal.WithLabelValues("matched").Inc()
	r.logger.Info("payment matched",
		"form_id", f.FormID,
		"tx_hash", tx.Hash,
		"amount", tx.Amount.String(),
		"from", tron.MaskAddress(tx.From),
	)
	r.notifier.NotifyConfirmed(ctx, f, record)
	return nil
}
