// Package payment is the application facade: form creation with abuse
// gating and unique amount allocation, lifecycle queries, cancellation,
// callback registration and monitoring control.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tronpay/internal/common/money"
	"tronpay/internal/form"
	"tronpay/internal/guard"
	"tronpay/internal/notify"
	"tronpay/internal/reconcile"
	"tronpay/internal/tron"
)

// Config holds payment service configuration.
type Config struct {
	// WalletAddress is the receiving wallet all forms point at.
	WalletAddress string `envconfig:"WALLET_ADDRESS" required:"true"`
	// MaxActiveForms caps concurrent pending forms across all users.
	MaxActiveForms int `envconfig:"MAX_ACTIVE_FORMS" default:"1000"`
	// DefaultExpiresHours applies when a request does not set a lifetime.
	DefaultExpiresHours int `envconfig:"DEFAULT_EXPIRES_HOURS" default:"24"`
	// RecentAmountWindow is how far back ledger amounts are considered
	// taken during allocation.
	RecentAmountWindow time.Duration `envconfig:"RECENT_AMOUNT_WINDOW" default:"3h"`
}

// ValidationError reports a rejected creation input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CreateRequest describes a new payment form.
type CreateRequest struct {
	Amount       string
	Currency     money.Currency
	Description  string
	ExpiresHours int
	UserID       string
	ClientIP     string
	Callback     notify.Callback
}

// StatusInfo is a point-in-time view of a form returned by CheckStatus.
// State is "waiting" while the form can still be paid, "paid", "expired"
// or "cancelled" afterwards.
type StatusInfo struct {
	Form      *form.PaymentForm `json:"form"`
	State     string            `json:"state"`
	Remaining time.Duration     `json:"remaining_seconds"`
}

// Service wires the form store, abuse guard, amount allocator, dispatcher
// and reconciler behind one API.
type Service struct {
	config     Config
	store      form.Store
	guard      *guard.Guard
	allocator  *form.Allocator
	dispatcher *notify.Dispatcher
	feed       tron.Feed
	reconciler *reconcile.Reconciler
	logger     *slog.Logger

	monMu   sync.Mutex
	monStop context.CancelFunc
	monDone chan struct{}
	now     func() time.Time
}

func NewService(
	cfg Config,
	store form.Store,
	g *guard.Guard,
	allocator *form.Allocator,
	dispatcher *notify.Dispatcher,
	feed tron.Feed,
	reconciler *reconcile.Reconciler,
	logger *slog.Logger,
) (*Service, error) {
	if !tron.ValidAddress(cfg.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", tron.MaskAddress(cfg.WalletAddress))
	}
	return &Service{
		config:     cfg,
		store:      store,
		guard:      g,
		allocator:  allocator,
		dispatcher: dispatcher,
		feed:       feed,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// createAttempts bounds retries when an allocated amount loses an insert
// race against a concurrent creation.
const createAttempts = 3

// CreateForm validates the request, gates it through the abuse guard,
// allocates a unique tagged amount and persists the pending form.
func (s *Service) CreateForm(ctx context.Context, req CreateRequest) (*form.PaymentForm, error) {
	amount, err := money.FromString(req.Amount, req.Currency)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Message: "not a valid decimal amount"}
	}
	if err := form.ValidateAmount(amount); err != nil {
		return nil, &ValidationError{Field: "amount", Message: err.Error()}
	}

	hours := req.ExpiresHours
	if hours == 0 {
		hours = s.config.DefaultExpiresHours
	}
	if err := form.ValidateExpiresHours(hours); err != nil {
		return nil, &ValidationError{Field: "expires_hours", Message: err.Error()}
	}
	if err := form.ValidateDescription(req.Description); err != nil {
		return nil, &ValidationError{Field: "description", Message: err.Error()}
	}

	if err := s.guard.AllowCreation(ctx, req.UserID, req.ClientIP); err != nil {
		return nil, err
	}

	active, err := s.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting active forms: %w", err)
	}
	if active >= s.config.MaxActiveForms {
		return nil, form.ErrCapacityExceeded
	}

	now := s.now().UTC()
	var f *form.PaymentForm
	for attempt := 0; attempt < createAttempts; attempt++ {
		tagged, err := s.allocate(ctx, amount, now)
		if err != nil {
			return nil, err
		}

		f = &form.PaymentForm{
			FormID:          ulid.Make().String(),
			RequestedAmount: amount,
			TaggedAmount:    tagged,
			WalletAddress:   s.config.WalletAddress,
			Description:     req.Description,
			UserID:          req.UserID,
			ClientIP:        req.ClientIP,
			Status:          form.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
			ExpiresAt:       now.Add(time.Duration(hours) * time.Hour),
		}

		err = s.store.CreateForm(ctx, f)
		if errors.Is(err, form.ErrAmountCollision) {
			// Another creation claimed the amount between allocation and
			// insert. Allocate again with a fresh view.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating form: %w", err)
		}

		if req.Callback != nil {
			s.dispatcher.Register(f.FormID, req.Callback)
		}
		s.dispatcher.NotifyCreated(ctx, f)
		s.logger.Info("payment form created",
			"form_id", f.FormID,
			"tagged_amount", f.TaggedAmount.String(),
			"expires_at", f.ExpiresAt,
		)
		return f, nil
	}
	return nil, form.ErrCollisionExhausted
}

func (s *Service) allocate(ctx context.Context, amount money.Money, now time.Time) (money.Money, error) {
	pending, err := s.store.PendingAmounts(ctx, amount.Currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("listing pending amounts: %w", err)
	}
	recent, err := s.store.RecentAmounts(ctx, amount.Currency, now.Add(-s.config.RecentAmountWindow))
	if err != nil {
		return money.Money{}, fmt.Errorf("listing recent amounts: %w", err)
	}
	return s.allocator.Allocate(amount, pending, recent)
}

// GetForm returns a form by ID.
func (s *Service) GetForm(ctx context.Context, formID string) (*form.PaymentForm, error) {
	return s.store.GetForm(ctx, formID)
}

// ListActiveForms returns pending forms whose deadline has not passed,
// optionally narrowed to a user. Lapsed forms awaiting the sweep are
// treated as expired here, matching CheckStatus.
func (s *Service) ListActiveForms(ctx context.Context, userID string) ([]*form.PaymentForm, error) {
	return s.store.ListForms(ctx, form.ListFilter{
		Status:   form.StatusPending,
		UserID:   userID,
		ActiveAt: s.now(),
	})
}

// History returns a user's forms in any state, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*form.PaymentForm, error) {
	return s.store.ListForms(ctx, form.ListFilter{UserID: userID, Limit: limit})
}

// WalletInfo returns live explorer data for the receiving wallet.
func (s *Service) WalletInfo(ctx context.Context) (*tron.AccountInfo, error) {
	return s.feed.AccountInfo(ctx, s.config.WalletAddress)
}

// CancelForm cancels a pending form. Returns ErrNotPending when the form
// already reached a terminal state.
func (s *Service) CancelForm(ctx context.Context, formID string) (*form.PaymentForm, error) {
	ok, err := s.store.CancelForm(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("cancelling form: %w", err)
	}
	if !ok {
		if _, err := s.store.GetForm(ctx, formID); err != nil {
			return nil, err
		}
		return nil, form.ErrNotPending
	}

	f, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.NotifyCancelled(ctx, f)
	s.logger.Info("payment form cancelled", "form_id", formID)
	return f, nil
}

// CheckStatus returns the form together with its remaining lifetime.
func (s *Service) CheckStatus(ctx context.Context, formID string) (*StatusInfo, error) {
	f, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{Form: f}
	switch f.Status {
	case form.StatusConfirmed:
		info.State = "paid"
	case form.StatusExpired:
		info.State = "expired"
	case form.StatusCancelled:
		info.State = "cancelled"
	default:
		// The sweep may not have run yet; report a lapsed deadline as
		// expired rather than waiting.
		if f.Expired(s.now()) {
			info.State = "expired"
		} else {
			info.State = "waiting"
			info.Remaining = f.ExpiresAt.Sub(s.now())
		}
	}
	return info, nil
}

// RegisterCallback installs a terminal-outcome callback for a pending
// form. A repeated registration replaces the earlier one.
func (s *Service) RegisterCallback(ctx context.Context, formID string, cb notify.Callback) error {
	f, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return err
	}
	if f.Status.Terminal() {
		return form.ErrNotPending
	}
	s.dispatcher.Register(formID, cb)
	return nil
}

// UnregisterCallback removes a form's callback.
func (s *Service) UnregisterCallback(formID string) {
	s.dispatcher.Unregister(formID)
}

// StartMonitoring launches the reconcile loop. Safe to call once; a
// second call while running is a no-op.
func (s *Service) StartMonitoring(ctx context.Context) {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.monStop != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.monStop = cancel
	s.monDone = done

	go func() {
		defer close(done)
		s.reconciler.Run(runCtx)
	}()
}

// StopMonitoring stops the reconcile loop and waits for the in-flight
// cycle to finish.
func (s *Service) StopMonitoring() {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.monStop == nil {
		return
	}
	s.monStop()
	<-s.monDone
	s.monStop = nil
	s.monDone = nil
}
