package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"extrashifty/models"
	"extrashifty/observability/metrics"
)

// Event is a provider webhook delivery. The provider assigns EventID; the
// dispatcher records it in the same transaction that applies the effect so a
// redelivery is a no-op returning the stored result.
type Event struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	ExternalID string          `json:"external_id"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// Handler applies one webhook event inside the supplied database
// transaction and returns a serialisable result.
type Handler func(tx *gorm.DB, evt Event) (result string, err error)

// ErrUnknownEventType indicates no handler is registered for the event type.
var ErrUnknownEventType = errors.New("payments: unknown webhook event type")

// Dispatcher routes provider webhooks to registered handlers with exactly-
// once semantics backed by the ProcessedWebhookEvent table.
type Dispatcher struct {
	db       *gorm.DB
	handlers map[string]Handler
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher over the shared database.
func NewDispatcher(db *gorm.DB, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{db: db, handlers: make(map[string]Handler), now: now}
}

// Register installs the handler for an event type. Later registrations for
// the same type replace earlier ones.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.handlers[strings.TrimSpace(eventType)] = h
}

// Dispatch applies the event once. A second delivery with an already-present
// event id returns the stored result without re-running the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (string, error) {
	if d == nil || d.db == nil {
		return "", fmt.Errorf("payments: dispatcher not configured")
	}
	eventID := strings.TrimSpace(evt.EventID)
	if eventID == "" {
		return "", fmt.Errorf("payments: event_id is required")
	}

	var result string
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen models.ProcessedWebhookEvent
		err := tx.First(&seen, "event_id = ?", eventID).Error
		if err == nil {
			result = seen.Result
			metrics.Ledger().IncWebhookReplay()
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		handler, ok := d.handlers[evt.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
		}
		res, err := handler(tx, evt)
		if err != nil {
			return err
		}
		record := models.ProcessedWebhookEvent{
			EventID:   eventID,
			EventType: evt.Type,
			Result:    res,
			CreatedAt: d.now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
