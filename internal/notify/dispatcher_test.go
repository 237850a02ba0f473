package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tronpay/internal/common/events"
	"tronpay/internal/common/money"
	"tronpay/internal/form"
)

type capturePublisher struct {
	mu        sync.Mutex
	subjects  []string
	envelopes []*events.Envelope
	err       error
}

func (p *capturePublisher) Publish(ctx context.Context, subject string, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.envelopes = append(p.envelopes, env)
	return nil
}

func testTx(hash string) *form.LedgerTransaction {
	amount, _ := money.FromString("10.000123", money.USDT)
	return &form.LedgerTransaction{
		Hash:          hash,
		From:          "TXmVpin5vq5gdZsciyyjdZgKRUju4st1wM",
		Amount:        amount,
		Confirmations: 25,
	}
}

func testForm(id string) *form.PaymentForm {
	tagged, _ := money.FromString("10.000123", money.USDT)
	return &form.PaymentForm{
		FormID:        id,
		TaggedAmount:  tagged,
		WalletAddress: "TNPZvdoyqzi5wJ6NhYQDdSMiM7k5JTib11",
		Status:        form.StatusConfirmed,
	}
}

func newTestDispatcher(pub Publisher) *Dispatcher {
	return NewDispatcher(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCallbackFiresAtMostOnce(t *testing.T) {
	d := newTestDispatcher(nil)

	var calls []Notification
	d.Register("f1", func(n Notification) { calls = append(calls, n) })

	f := testForm("f1")
	d.NotifyConfirmed(context.Background(), f, testTx("abc"))
	d.NotifyConfirmed(context.Background(), f, testTx("abc"))

	require.Len(t, calls, 1)
	assert.Equal(t, events.EventFormConfirmed, calls[0].Event)
	assert.Equal(t, "abc", calls[0].TxHash)
	assert.Equal(t, 0, d.Registered())
}

func TestLastRegistrationWins(t *testing.T) {
	d := newTestDispatcher(nil)

	var got string
	d.Register("f1", func(n Notification) { got = "first" })
	d.Register("f1", func(n Notification) { got = "second" })
	require.Equal(t, 1, d.Registered())

	d.NotifyExpired(context.Background(), testForm("f1"))
	assert.Equal(t, "second", got)
}

func TestUnregisterSuppressesDelivery(t *testing.T) {
	d := newTestDispatcher(nil)

	called := false
	d.Register("f1", func(n Notification) { called = true })
	d.Unregister("f1")

	d.NotifyCancelled(context.Background(), testForm("f1"))
	assert.False(t, called)
}

func TestPanickingCallbackIsContained(t *testing.T) {
	d := newTestDispatcher(nil)

	d.Register("f1", func(n Notification) { panic("boom") })
	assert.NotPanics(t, func() {
		d.NotifyConfirmed(context.Background(), testForm("f1"), testTx("abc"))
	})

	// Delivery still counts; the callback does not fire again.
	fired := false
	d.Register("f2", func(n Notification) { fired = true })
	d.NotifyConfirmed(context.Background(), testForm("f2"), testTx("def"))
	assert.True(t, fired)
}

func TestEventsPublishedPerOutcome(t *testing.T) {
	pub := &capturePublisher{}
	d := newTestDispatcher(pub)
	ctx := context.Background()

	f := testForm("f1")
	d.NotifyCreated(ctx, f)
	d.NotifyConfirmed(ctx, f, testTx("abc"))
	d.NotifyExpired(ctx, f)
	d.NotifyCancelled(ctx, f)

	assert.Equal(t, []string{
		events.SubjectFormCreated,
		events.SubjectFormConfirmed,
		events.SubjectFormExpired,
		events.SubjectFormCancelled,
	}, pub.subjects)
}

func TestConfirmedEventCarriesTransactionDetails(t *testing.T) {
	pub := &capturePublisher{}
	d := newTestDispatcher(pub)

	tx := testTx("abc")
	d.NotifyConfirmed(context.Background(), testForm("f1"), tx)

	require.Len(t, pub.envelopes, 1)
	var ev events.FormConfirmedEvent
	require.NoError(t, pub.envelopes[0].DecodeData(&ev))
	assert.Equal(t, "abc", ev.TxHash)
	assert.Equal(t, tx.From, ev.FromAddress)
	assert.Equal(t, int64(25), ev.Confirmations)
}

func TestPublisherFailureDoesNotBlockCallback(t *testing.T) {
	pub := &capturePublisher{err: assert.AnError}
	d := newTestDispatcher(pub)

	called := false
	d.Register("f1", func(n Notification) { called = true })
	d.NotifyConfirmed(context.Background(), testForm("f1"), testTx("abc"))
	assert.True(t, called)
}
