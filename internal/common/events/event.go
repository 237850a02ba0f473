package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NATS subjects for payment lifecycle events
const (
	SubjectFormCreated   = "payment.form.created"
	SubjectFormConfirmed = "payment.form.confirmed"
	SubjectFormExpired   = "payment.form.expired"
	SubjectFormCancelled = "payment.form.cancelled"
)

// EventType identifies the type of payment event.
type EventType string

const (
	EventFormCreated   EventType = "payment.form.created"
	EventFormConfirmed EventType = "payment.form.confirmed"
	EventFormExpired   EventType = "payment.form.expired"
	EventFormCancelled EventType = "payment.form.cancelled"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the event data into a struct
func (e *Envelope) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// FormCreatedEvent is published when a payment form is created.
type FormCreatedEvent struct {
	FormID        string `json:"form_id"`
	TaggedAmount  string `json:"tagged_amount"`
	Currency      string `json:"currency"`
	WalletAddress string `json:"wallet_address"`
	ExpiresAt     string `json:"expires_at"`
}

// FormConfirmedEvent is published when a ledger transaction is matched to a form.
type FormConfirmedEvent struct {
	FormID        string `json:"form_id"`
	TxHash        string `json:"tx_hash"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	FromAddress   string `json:"from_address"`
	Confirmations int64  `json:"confirmations"`
}

// FormClosedEvent is published when a form expires or is cancelled.
type FormClosedEvent struct {
	FormID string `json:"form_id"`
	Status string `json:"status"`
}
