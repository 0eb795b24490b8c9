// Package payout disburses wallet balances to external accounts: the Friday
// weekly run, on-demand instant payouts with their fee, and the provider
// webhook transitions that carry a payout from pending to paid or failed.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"extrashifty/conduct"
	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/notify"
	"extrashifty/observability/metrics"
	"extrashifty/payments"
	"extrashifty/wallet"
)

// Disbursement rules.
var (
	// WeeklyMinimum gates the Friday run; balances below it roll over.
	WeeklyMinimum = money.FromCents(5000)
	// InstantMinimum is the smallest instant payout after debt offset.
	InstantMinimum = money.FromCents(1000)
	// InstantFeeRate is charged on the instant payout amount.
	InstantFeeRate = decimal.RequireFromString("0.015")
)

// Webhook event types emitted by the payment provider.
const (
	EventPayoutInTransit = "payout.in_transit"
	EventPayoutPaid      = "payout.paid"
	EventPayoutFailed    = "payout.failed"
)

var (
	// ErrBelowMinimum rejects an instant payout under the minimum.
	ErrBelowMinimum = errors.New("payout: amount below instant minimum")
	// ErrNoExternalAccount indicates the wallet has no payout destination.
	ErrNoExternalAccount = errors.New("payout: wallet has no external account")
	// ErrPayoutNotFound indicates the provider referenced an unknown payout.
	ErrPayoutNotFound = errors.New("payout: payout not found")
	// ErrNotFriday guards the weekly run outside its schedule.
	ErrNotFriday = errors.New("payout: weekly run only executes on Friday")
)

// Engine owns the disbursement pipeline.
type Engine struct {
	db        *gorm.DB
	processor payments.Processor
	sink      notify.Sink
	now       func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithProcessor supplies the payment provider client.
func WithProcessor(p payments.Processor) Option { return func(e *Engine) { e.processor = p } }

// WithSink supplies the notification sink.
func WithSink(s notify.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs a payout engine.
func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{db: db, processor: payments.NewSandbox(), sink: notify.NoopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// RequestInstantPayout disburses amount immediately for a 1.5 % fee. A zero
// amount means "everything available". Debt is offset before the fee and
// minimum apply; the user receives amount minus offset minus fee. A retry
// carrying the same idemKey returns the first payout without moving funds
// again; an empty key gets a fresh one and no replay protection.
func (e *Engine) RequestInstantPayout(ctx context.Context, userID int64, amount decimal.Decimal, idemKey string) (*models.Payout, error) {
	now := e.now()
	if idemKey == "" {
		idemKey = money.NewIdempotencyKey("instant-payout")
	}
	var (
		payout      *models.Payout
		externalAcc string
		replayed    bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Payout
		err := tx.First(&existing, "idempotency_key = ?", idemKey).Error
		if err == nil {
			payout = &existing
			replayed = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		w, err := wallet.LockByUser(tx, userID)
		if err != nil {
			return err
		}
		if w.ExternalAccountID == "" {
			return ErrNoExternalAccount
		}
		if amount.Sign() == 0 {
			amount = w.Available()
		}
		if amount.Sign() <= 0 || amount.GreaterThan(w.Available()) {
			return &wallet.InsufficientFundsError{
				Required:  amount,
				Available: w.Available(),
				Shortfall: amount.Sub(w.Available()),
			}
		}
		offset, remaining, err := conduct.OffsetNegativeBalance(tx, userID, amount, now)
		if err != nil {
			return err
		}
		fee := money.Percent(remaining, InstantFeeRate)
		net := remaining.Sub(fee)
		if remaining.LessThan(InstantMinimum) {
			return ErrBelowMinimum
		}

		// The whole requested amount leaves the wallet: offset portion to
		// debt, the rest to the provider net of fee.
		if err := wallet.Debit(tx, w, amount, now); err != nil {
			return err
		}
		if offset.Sign() > 0 {
			if _, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       w.ID,
				Type:           models.TxPenalty,
				Amount:         offset,
				Status:         models.TxCompleted,
				IdempotencyKey: money.DeriveKey(idemKey, "offset"),
				Description:    "negative balance offset",
			}); err != nil {
				return err
			}
		}
		_, err = wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxPayout,
			Amount:         remaining,
			Fee:            fee,
			Status:         models.TxPending,
			IdempotencyKey: idemKey,
			Description:    "instant payout",
		})
		if err != nil {
			return err
		}
		payout = &models.Payout{
			WalletID:       w.ID,
			IdempotencyKey: idemKey,
			Amount:         remaining,
			Fee:            fee,
			NetAmount:      net,
			Type:           models.PayoutInstant,
			Status:         models.PayoutPending,
			ScheduledDate:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(payout).Error; err != nil {
			return err
		}
		externalAcc = w.ExternalAccountID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return payout, nil
	}

	// Provider call happens outside the database transaction; the webhook
	// carries the payout forward from here.
	externalID, perr := e.processor.Payout(ctx, payout.NetAmount, externalAcc,
		payments.PayoutInstant, fmt.Sprintf("payout-%d", payout.ID))
	if perr != nil {
		ferr := e.failPayout(ctx, payout.ID, perr.Error())
		if ferr != nil {
			return nil, ferr
		}
		return nil, perr
	}
	if err := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{"external_id": externalID, "updated_at": e.now()}).Error; err != nil {
		return nil, err
	}
	payout.ExternalID = externalID
	return payout, nil
}

// ProcessWeeklyPayouts runs the Friday disbursement: every active staff or
// agency wallet with at least the weekly minimum available pays out its full
// available balance, fee-free, after debt offset. Wallets under the minimum
// are left untouched; once over it, debt offset still applies even when it
// drags the remainder back under and the payout rolls over.
func (e *Engine) ProcessWeeklyPayouts(ctx context.Context) error {
	now := e.now()
	if now.UTC().Weekday() != time.Friday {
		return ErrNotFriday
	}
	var userIDs []int64
	if err := e.db.WithContext(ctx).Model(&models.User{}).
		Where("role IN ? AND active = ? AND deleted = ?", []string{models.RoleStaff, models.RoleAgency}, true, false).
		Pluck("id", &userIDs).Error; err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := e.weeklyPayoutFor(ctx, userID, now); err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) weeklyPayoutFor(ctx context.Context, userID int64, now time.Time) error {
	var (
		payout      *models.Payout
		externalAcc string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := wallet.LockByUser(tx, userID)
		if err != nil {
			return err
		}
		available := w.Available()
		if available.LessThan(WeeklyMinimum) {
			return nil
		}
		offset, remaining, err := conduct.OffsetNegativeBalance(tx, userID, available, now)
		if err != nil {
			return err
		}
		if offset.Sign() > 0 {
			if err := wallet.Debit(tx, w, offset, now); err != nil {
				return err
			}
			if _, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       w.ID,
				Type:           models.TxPenalty,
				Amount:         offset,
				Status:         models.TxCompleted,
				IdempotencyKey: money.NewIdempotencyKey("nb-offset"),
				Description:    "negative balance offset",
			}); err != nil {
				return err
			}
		}
		if remaining.LessThan(WeeklyMinimum) {
			return nil
		}
		if w.ExternalAccountID == "" {
			return nil
		}
		weeklyKey := fmt.Sprintf("weekly-payout-%d-%s", w.ID, now.UTC().Format("2006-01-02"))
		if err := wallet.Debit(tx, w, remaining, now); err != nil {
			return err
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxPayout,
			Amount:         remaining,
			Status:         models.TxPending,
			IdempotencyKey: weeklyKey,
			Description:    "weekly payout",
		}); err != nil {
			return err
		}
		payout = &models.Payout{
			WalletID:       w.ID,
			IdempotencyKey: weeklyKey,
			Amount:         remaining,
			Fee:            money.Zero,
			NetAmount:      remaining,
			Type:           models.PayoutWeekly,
			Status:         models.PayoutPending,
			ScheduledDate:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(payout).Error; err != nil {
			return err
		}
		externalAcc = w.ExternalAccountID
		return nil
	})
	if err != nil || payout == nil {
		return err
	}

	externalID, perr := e.processor.Payout(ctx, payout.NetAmount, externalAcc,
		payments.PayoutStandard, fmt.Sprintf("payout-%d", payout.ID))
	if perr != nil {
		return e.failPayout(ctx, payout.ID, perr.Error())
	}
	return e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{"external_id": externalID, "updated_at": e.now()}).Error
}

// RegisterWebhooks installs the provider event handlers on the dispatcher.
func (e *Engine) RegisterWebhooks(d *payments.Dispatcher) {
	d.Register(EventPayoutInTransit, func(tx *gorm.DB, evt payments.Event) (string, error) {
		return e.applyTransition(tx, evt, models.PayoutInTransit, "")
	})
	d.Register(EventPayoutPaid, func(tx *gorm.DB, evt payments.Event) (string, error) {
		return e.applyTransition(tx, evt, models.PayoutPaid, "")
	})
	d.Register(EventPayoutFailed, func(tx *gorm.DB, evt payments.Event) (string, error) {
		return e.applyTransition(tx, evt, models.PayoutFailed, "provider reported failure")
	})
}

// applyTransition moves the payout along pending → in_transit → paid/failed.
// A failed payout credits the debited funds back to the wallet.
func (e *Engine) applyTransition(tx *gorm.DB, evt payments.Event, to models.PayoutStatus, reason string) (string, error) {
	now := e.now()
	var p models.Payout
	err := tx.Clauses(lockForUpdate()).First(&p, "external_id = ?", evt.ExternalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrPayoutNotFound
		}
		return "", err
	}
	if p.Status == models.PayoutPaid || p.Status == models.PayoutFailed {
		return fmt.Sprintf("payout %d already %s", p.ID, p.Status), nil
	}
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case models.PayoutPaid:
		p.PaidAt = &now
	case models.PayoutFailed:
		p.FailureReason = reason
		w, err := wallet.Lock(tx, p.WalletID)
		if err != nil {
			return "", err
		}
		if err := wallet.Credit(tx, w, p.Amount, now); err != nil {
			return "", err
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxRefund,
			Amount:         p.Amount,
			Status:         models.TxCompleted,
			IdempotencyKey: fmt.Sprintf("payout-%d:refund", p.ID),
			Description:    "payout failed, funds returned",
		}); err != nil {
			return "", err
		}
	}
	if err := tx.Save(&p).Error; err != nil {
		return "", err
	}
	metrics.Ledger().ObservePayout(string(p.Type), string(to))
	return fmt.Sprintf("payout %d -> %s", p.ID, to), nil
}

// failPayout marks a payout failed when the provider call itself errors,
// returning the funds in the same way the webhook path does.
func (e *Engine) failPayout(ctx context.Context, payoutID int64, reason string) error {
	now := e.now()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Payout
		if err := tx.Clauses(lockForUpdate()).First(&p, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if p.Status != models.PayoutPending {
			return nil
		}
		p.Status = models.PayoutFailed
		p.FailureReason = reason
		p.UpdatedAt = now
		w, err := wallet.Lock(tx, p.WalletID)
		if err != nil {
			return err
		}
		if err := wallet.Credit(tx, w, p.Amount, now); err != nil {
			return err
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxRefund,
			Amount:         p.Amount,
			Status:         models.TxCompleted,
			IdempotencyKey: fmt.Sprintf("payout-%d:refund", p.ID),
			Description:    "payout failed, funds returned",
		}); err != nil {
			return err
		}
		return tx.Save(&p).Error
	})
}

// Schedule describes a wallet's upcoming disbursement.
type Schedule struct {
	NextWeeklyRun time.Time
	Available     decimal.Decimal
	DebtOffset    decimal.Decimal
	Eligible      bool
	Pending       []models.Payout
}

// GetPayoutSchedule reports the next Friday run and whether the wallet's
// balance would clear the minimum after debt offset.
func (e *Engine) GetPayoutSchedule(ctx context.Context, userID int64) (*Schedule, error) {
	now := e.now()
	var s Schedule
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := wallet.LockByUser(tx, userID)
		if err != nil {
			return err
		}
		s.Available = w.Available()
		var nb models.NegativeBalance
		if err := tx.First(&nb, "user_id = ?", userID).Error; err == nil {
			s.DebtOffset = money.Min(nb.Amount, s.Available)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		s.Eligible = s.Available.Sub(s.DebtOffset).GreaterThanOrEqual(WeeklyMinimum)
		return tx.Where("wallet_id = ? AND status IN ?", w.ID,
			[]models.PayoutStatus{models.PayoutPending, models.PayoutInTransit}).
			Order("created_at DESC").Find(&s.Pending).Error
	})
	if err != nil {
		return nil, err
	}
	s.NextWeeklyRun = nextFriday(now)
	return &s, nil
}

// GetPayoutHistory lists the wallet's payouts, newest first.
func (e *Engine) GetPayoutHistory(ctx context.Context, userID int64, limit int) ([]models.Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	var w models.Wallet
	if err := e.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wallet.ErrWalletNotFound
		}
		return nil, err
	}
	var rows []models.Payout
	err := e.db.WithContext(ctx).
		Where("wallet_id = ?", w.ID).
		Order("created_at DESC").Limit(limit).
		Find(&rows).Error
	return rows, err
}

func nextFriday(t time.Time) time.Time {
	t = t.UTC()
	days := (int(time.Friday) - int(t.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	day := t.AddDate(0, 0, days)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}
