package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"extrashifty/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestDispatchExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d := NewDispatcher(db, func() time.Time { return now })

	calls := 0
	d.Register("payout.paid", func(tx *gorm.DB, evt Event) (string, error) {
		calls++
		return "applied " + evt.ExternalID, nil
	})

	evt := Event{EventID: "evt_1", Type: "payout.paid", ExternalID: "po_1"}
	first, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	second, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if first != second || first != "applied po_1" {
		t.Fatalf("results = %q / %q, want identical stored result", first, second)
	}

	var record models.ProcessedWebhookEvent
	if err := db.First(&record, "event_id = ?", "evt_1").Error; err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.EventType != "payout.paid" {
		t.Fatalf("event type = %q, want payout.paid", record.EventType)
	}
}

func TestDispatchHandlerFailureLeavesNoRecord(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, nil)

	attempts := 0
	d.Register("payout.failed", func(tx *gorm.DB, evt Event) (string, error) {
		attempts++
		if attempts == 1 {
			return "", fmt.Errorf("transient")
		}
		return "ok", nil
	})

	evt := Event{EventID: "evt_2", Type: "payout.failed", ExternalID: "po_2"}
	if _, err := d.Dispatch(context.Background(), evt); err == nil {
		t.Fatal("first dispatch should fail")
	}
	// The failed attempt left no processed record, so the retry runs.
	res, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res != "ok" || attempts != 2 {
		t.Fatalf("res = %q attempts = %d, want ok after retry", res, attempts)
	}
}

func TestDispatchValidation(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, nil)

	if _, err := d.Dispatch(context.Background(), Event{Type: "payout.paid"}); err == nil {
		t.Fatal("missing event id should fail")
	}
	_, err := d.Dispatch(context.Background(), Event{EventID: "evt_3", Type: "mystery.event"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("err = %v, want ErrUnknownEventType", err)
	}
}

func TestSandboxIdempotentCharges(t *testing.T) {
	s := NewSandbox()
	amount := decimal.New(5000, -2)

	id1, err := s.Charge(context.Background(), amount, "pm_ok", "key-1")
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	id2, err := s.Charge(context.Background(), amount, "pm_ok", "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ on replay: %q vs %q", id1, id2)
	}

	s.FailMethod("pm_bad", "card_declined")
	_, err = s.Charge(context.Background(), amount, "pm_bad", "key-2")
	var perr *ProcessorError
	if !errors.As(err, &perr) || perr.Reason != "card_declined" {
		t.Fatalf("err = %v, want declined processor error", err)
	}
	s.FailMethod("pm_bad", "")
	if _, err := s.Charge(context.Background(), amount, "pm_bad", "key-3"); err != nil {
		t.Fatalf("cleared method still failing: %v", err)
	}
}
