// Package notify fans payment form outcomes out to registered callbacks
// and the event bus.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"tronpay/internal/common/events"
	"tronpay/internal/form"
)

// Notification describes a terminal form outcome delivered to a callback.
type Notification struct {
	Form   *form.PaymentForm
	Event  events.EventType
	TxHash string
}

// Callback receives the outcome of one form. It is invoked at most once,
// on the reconciler goroutine.
type Callback func(n Notification)

// Publisher pushes lifecycle events onto the bus. May be nil when the
// deployment runs without one.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Dispatcher routes form outcomes. Callbacks are keyed by form ID and a
// later registration for the same form silently replaces the earlier one.
// A callback fires at most once; it is dropped from the registry before
// invocation, so redelivered outcomes find nothing to call.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks map[string]Callback
}

func NewDispatcher(publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		logger:    logger,
		callbacks: make(map[string]Callback),
	}
}

// Register installs a callback for a form's terminal outcome.
func (d *Dispatcher) Register(formID string, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[formID] = cb
}

// Unregister removes a form's callback if one is installed.
func (d *Dispatcher) Unregister(formID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.callbacks, formID)
}

// Registered returns the number of installed callbacks.
func (d *Dispatcher) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.callbacks)
}

// NotifyCreated publishes the creation event. No callback fires; creation
// is not a terminal outcome.
func (d *Dispatcher) NotifyCreated(ctx context.Context, f *form.PaymentForm) {
	d.publish(ctx, events.SubjectFormCreated, events.EventFormCreated, events.FormCreatedEvent{
		FormID:        f.FormID,
		TaggedAmount:  f.TaggedAmount.Amount.StringFixed(6),
		Currency:      string(f.TaggedAmount.Currency),
		WalletAddress: f.WalletAddress,
		ExpiresAt:     f.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// NotifyConfirmed delivers a confirmed outcome together with the matched
// ledger transaction.
func (d *Dispatcher) NotifyConfirmed(ctx context.Context, f *form.PaymentForm, tx *form.LedgerTransaction) {
	d.publish(ctx, events.SubjectFormConfirmed, events.EventFormConfirmed, events.FormConfirmedEvent{
		FormID:        f.FormID,
		TxHash:        tx.Hash,
		Amount:        f.TaggedAmount.Amount.StringFixed(6),
		Currency:      string(f.TaggedAmount.Currency),
		FromAddress:   tx.From,
		Confirmations: tx.Confirmations,
	})
	d.invoke(Notification{Form: f, Event: events.EventFormConfirmed, TxHash: tx.Hash})
}

// NotifyExpired delivers an expired outcome.
func (d *Dispatcher) NotifyExpired(ctx context.Context, f *form.PaymentForm) {
	d.publish(ctx, events.SubjectFormExpired, events.EventFormExpired, events.FormClosedEvent{
		FormID: f.FormID,
		Status: string(f.Status),
	})
	d.invoke(Notification{Form: f, Event: events.EventFormExpired})
}

// NotifyCancelled delivers a cancelled outcome.
func (d *Dispatcher) NotifyCancelled(ctx context.Context, f *form.PaymentForm) {
	d.publish(ctx, events.SubjectFormCancelled, events.EventFormCancelled, events.FormClosedEvent{
		FormID: f.FormID,
		Status: string(f.Status),
	})
	d.invoke(Notification{Form: f, Event: events.EventFormCancelled})
}

func (d *Dispatcher) publish(ctx context.Context, subject string, eventType events.EventType, data any) {
	if d.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, "", data)
	if err != nil {
		d.logger.Error("encoding event failed", "type", eventType, "error", err)
		return
	}
	if err := d.publisher.Publish(ctx, subject, env); err != nil {
		d.logger.Error("publishing event failed", "type", eventType, "error", err)
	}
}

func (d *Dispatcher) invoke(n Notification) {
	d.mu.Lock()
	cb, ok := d.callbacks[n.Form.FormID]
	if ok {
		delete(d.callbacks, n.Form.FormID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	// A panicking callback must not take down the reconcile loop.
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("callback panicked",
				"form_id", n.Form.FormID,
				"event", n.Event,
				"panic", p,
			)
		}
	}()
	cb(n)
}
