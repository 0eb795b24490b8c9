// Package settlement implements the shift-lifecycle money flow: reserving
// funds against upcoming shifts, settling completed work into the platform
// split, cancelling with the tiered refund policy, and the deferred reserves
// for multi-day shifts.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/notify"
	"extrashifty/observability/metrics"
	"extrashifty/wallet"
)

// PlatformCommissionRate is the platform's cut of every settled shift.
var PlatformCommissionRate = decimal.RequireFromString("0.15")

// LateCancelHours is the worker compensation window for sub-24 h company
// cancellations.
var lateCancelHours = decimal.NewFromInt(2)

// holdExpiryGrace extends holds past the scheduled shift end so settlement
// normally wins the race against expiry.
const holdExpiryGrace = 24 * time.Hour

// scheduledReserveLead is how far before a shift day its deferred reserve
// executes.
const scheduledReserveLead = 48 * time.Hour

// EscrowPrefix flags holds that back an open dispute rather than a shift.
const EscrowPrefix = "ESCROW:"

// CancelledBy identifies which party cancelled a shift.
type CancelledBy string

const (
	CancelledByWorker   CancelledBy = "worker"
	CancelledByCompany  CancelledBy = "company"
	CancelledByPlatform CancelledBy = "platform"
)

var (
	// ErrShiftNotReservable rejects reserves against cancelled or completed shifts.
	ErrShiftNotReservable = errors.New("settlement: shift not reservable")
	// ErrAlreadySettled indicates the shift's hold was already settled.
	ErrAlreadySettled = errors.New("settlement: shift already settled")
	// ErrReserveNotPending indicates the scheduled reserve is not executable.
	ErrReserveNotPending = errors.New("settlement: scheduled reserve not pending")
)

func lockForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// Engine performs reservation and settlement against the shared ledger.
type Engine struct {
	db   *gorm.DB
	sink notify.Sink
	now  func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithSink supplies the notification sink.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a settlement engine.
func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{db: db, sink: notify.NoopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReserveShiftFunds holds the shift's first-day cost on the payer wallet.
// Agency-managed shifts always reserve against the agency wallet; walletID
// is advisory otherwise and defaults to the company wallet.
func (e *Engine) ReserveShiftFunds(ctx context.Context, shiftID int64, walletID *int64, idemKey string) (*models.FundsHold, error) {
	if idemKey == "" {
		idemKey = money.NewIdempotencyKey("reserve")
	}
	var out *models.FundsHold
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		switch shift.Status {
		case models.ShiftCancelled, models.ShiftCompleted:
			return ErrShiftNotReservable
		}

		var w *models.Wallet
		if shift.IsAgencyManaged || walletID == nil {
			w, err = wallet.LockByUser(tx, PayerUserID(shift))
		} else {
			w, err = wallet.Lock(tx, *walletID)
		}
		if err != nil {
			return err
		}
		if w.Status == models.WalletSuspended {
			return wallet.ErrWalletSuspended
		}

		if existing, err := wallet.FindByIdempotencyKey(tx, idemKey); err != nil {
			return err
		} else if existing != nil {
			hold, err := ActiveHold(tx, w.ID, shiftID)
			if err == nil {
				out = hold
				return nil
			}
			if errors.Is(err, ErrHoldNotFound) {
				return nil
			}
			return err
		}

		cost := DailyCost(shift)
		required := cost.Add(w.MinimumBalance)
		if w.Available().LessThan(required) {
			return &wallet.InsufficientFundsError{
				Required:       required,
				Available:      w.Available(),
				Shortfall:      required.Sub(w.Available()),
				MinimumBalance: w.MinimumBalance,
			}
		}

		if _, err := ActiveHold(tx, w.ID, shiftID); err == nil {
			return ErrHoldExists
		} else if !errors.Is(err, ErrHoldNotFound) {
			return err
		}

		now := e.now()
		expires := ShiftEnd(shift).Add(holdExpiryGrace)
		hold := models.FundsHold{
			WalletID:    w.ID,
			ShiftID:     shiftID,
			Amount:      cost,
			Status:      models.HoldActive,
			Description: fmt.Sprintf("hold for shift %d", shiftID),
			ExpiresAt:   &expires,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&hold).Error; err != nil {
			return err
		}
		if err := wallet.ReserveAdd(tx, w, cost, now); err != nil {
			return err
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxReserve,
			Amount:         cost,
			Status:         models.TxCompleted,
			IdempotencyKey: idemKey,
			RelatedShiftID: &shiftID,
			Description:    hold.Description,
		}); err != nil {
			return err
		}
		out = &hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScheduleSubsequentReserves creates one deferred reserve per non-first day
// of a multi-day shift, executing 48 h before each day starts. Past-due
// execute times are promoted to immediate.
func (e *Engine) ScheduleSubsequentReserves(ctx context.Context, shiftID int64, days []time.Time) ([]models.ScheduledReserve, error) {
	var rows []models.ScheduledReserve
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		w, err := wallet.LockByUser(tx, PayerUserID(shift))
		if err != nil {
			return err
		}
		cost := DailyCost(shift)
		now := e.now()
		for _, day := range days {
			dayStart := time.Date(day.Year(), day.Month(), day.Day(),
				shift.StartTime.Hour(), shift.StartTime.Minute(), 0, 0, time.UTC)
			executeAt := dayStart.Add(-scheduledReserveLead)
			if executeAt.Before(now) {
				executeAt = now
			}
			row := models.ScheduledReserve{
				ShiftID:   shiftID,
				WalletID:  w.ID,
				ShiftDate: dayStart,
				Amount:    cost,
				ExecuteAt: executeAt,
				Status:    models.ReservePending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExecuteScheduledReserve runs the reserve path for one deferred day. The
// day's amount joins the shift's existing active hold when one exists. On
// insufficient funds the row fails with the reason stored and a notice is
// emitted downstream.
func (e *Engine) ExecuteScheduledReserve(ctx context.Context, reserveID int64) error {
	var (
		failedNotice *notify.Notice
		failureKind  string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ScheduledReserve
		if err := tx.Clauses(lockForUpdate()).First(&row, "id = ?", reserveID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("settlement: scheduled reserve %d not found", reserveID)
			}
			return err
		}
		if row.Status != models.ReservePending {
			return ErrReserveNotPending
		}
		now := e.now()
		row.Status = models.ReserveProcessing
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		shift, err := LoadShift(tx, row.ShiftID)
		if err != nil {
			return err
		}
		w, err := wallet.Lock(tx, row.WalletID)
		if err != nil {
			return err
		}
		fail := func(reason string) error {
			row.Status = models.ReserveFailed
			row.FailureReason = reason
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
			failedNotice = &notify.Notice{
				Kind:   notify.KindReserveFailed,
				UserID: w.UserID,
				Title:  "Upcoming shift day could not be funded",
				Body:   reason,
				Meta:   map[string]string{"shift_id": fmt.Sprint(shift.ID)},
			}
			return nil
		}
		if w.Status == models.WalletSuspended {
			failureKind = "wallet_suspended"
			return fail("wallet suspended")
		}
		required := row.Amount.Add(w.MinimumBalance)
		if w.Available().LessThan(required) {
			ie := &wallet.InsufficientFundsError{
				Required:       required,
				Available:      w.Available(),
				Shortfall:      required.Sub(w.Available()),
				MinimumBalance: w.MinimumBalance,
			}
			failureKind = "insufficient_funds"
			return fail(ie.Error())
		}

		hold, err := ActiveHold(tx, w.ID, row.ShiftID)
		switch {
		case err == nil:
			hold.Amount = hold.Amount.Add(row.Amount)
			expires := row.ShiftDate.Add(money.HoursDuration(ScheduledHours(shift))).Add(holdExpiryGrace)
			hold.ExpiresAt = &expires
			hold.UpdatedAt = now
			if err := tx.Save(hold).Error; err != nil {
				return err
			}
		case errors.Is(err, ErrHoldNotFound):
			expires := row.ShiftDate.Add(money.HoursDuration(ScheduledHours(shift))).Add(holdExpiryGrace)
			fresh := models.FundsHold{
				WalletID:    w.ID,
				ShiftID:     row.ShiftID,
				Amount:      row.Amount,
				Status:      models.HoldActive,
				Description: fmt.Sprintf("hold for shift %d", row.ShiftID),
				ExpiresAt:   &expires,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := wallet.ReserveAdd(tx, w, row.Amount, now); err != nil {
			return err
		}
		shiftID := row.ShiftID
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxReserve,
			Amount:         row.Amount,
			Status:         models.TxCompleted,
			IdempotencyKey: fmt.Sprintf("sreserve-%d", row.ID),
			RelatedShiftID: &shiftID,
			Description:    fmt.Sprintf("scheduled reserve for %s", row.ShiftDate.Format("2006-01-02")),
		}); err != nil {
			return err
		}
		row.Status = models.ReserveCompleted
		row.UpdatedAt = now
		return tx.Save(&row).Error
	})
	if err != nil {
		return err
	}
	if failedNotice != nil {
		metrics.Ledger().IncReserveFailure(failureKind)
		e.sink.Notify(ctx, *failedNotice)
	}
	return nil
}

// ReserveUpcomingShiftDays executes every pending scheduled reserve that is
// due. Run hourly by the scheduler.
func (e *Engine) ReserveUpcomingShiftDays(ctx context.Context) error {
	now := e.now()
	var due []models.ScheduledReserve
	if err := e.db.WithContext(ctx).
		Where("status = ? AND execute_at <= ?", models.ReservePending, now).
		Order("execute_at").
		Find(&due).Error; err != nil {
		return err
	}
	for _, row := range due {
		if err := e.ExecuteScheduledReserve(ctx, row.ID); err != nil {
			if errors.Is(err, ErrReserveNotPending) {
				continue
			}
			return err
		}
	}
	return nil
}

// SettleShift converts the shift's hold into the platform split: commission
// to the platform, the remainder to the recipient wallet. Hours priority:
// explicit argument, then clocked hours, then scheduled hours.
func (e *Engine) SettleShift(ctx context.Context, shiftID int64, actualHours *decimal.Decimal, approvedBy *int64) ([]models.Transaction, error) {
	var (
		out       []models.Transaction
		fee       decimal.Decimal
		firstTime bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		baseKey := fmt.Sprintf("settle-shift-%d", shiftID)
		if existing, err := wallet.FindByIdempotencyKey(tx, money.DeriveKey(baseKey, "settlement")); err != nil {
			return err
		} else if existing != nil {
			out = append(out, *existing)
			return nil
		}

		recipientUser, err := RecipientUserID(tx, shift)
		if err != nil {
			return err
		}
		payerUser := PayerUserID(shift)

		var payerWalletID, recipientWalletID int64
		if err := walletIDForUser(tx, payerUser, &payerWalletID); err != nil {
			return err
		}
		if err := walletIDForUser(tx, recipientUser, &recipientWalletID); err != nil {
			return err
		}
		payer, recipient, err := wallet.LockPair(tx, payerWalletID, recipientWalletID)
		if err != nil {
			return err
		}

		hold, err := ActiveHold(tx, payer.ID, shiftID)
		if err != nil {
			if errors.Is(err, ErrHoldNotFound) {
				return ErrAlreadySettled
			}
			return err
		}

		hours := ScheduledHours(shift)
		if shift.ActualHoursWorked != nil {
			hours = *shift.ActualHoursWorked
		}
		if actualHours != nil {
			hours = *actualHours
		}
		gross := money.MulRate(hours, shift.HourlyRate)
		fee = money.Percent(gross, PlatformCommissionRate)
		recipientShare := gross.Sub(fee)

		now := e.now()
		hold.Status = models.HoldSettled
		hold.UpdatedAt = now
		if err := tx.Save(hold).Error; err != nil {
			return err
		}
		if err := wallet.ReserveSub(tx, payer, hold.Amount, now); err != nil {
			return err
		}
		if diff := hold.Amount.Sub(gross); diff.Sign() > 0 {
			refund, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       payer.ID,
				Type:           models.TxRefund,
				Amount:         diff,
				Status:         models.TxCompleted,
				IdempotencyKey: money.DeriveKey(baseKey, "refund"),
				RelatedShiftID: &shiftID,
				Description:    "unused reserve returned",
			})
			if err != nil {
				return err
			}
			out = append(out, *refund)
		}
		if err := wallet.Debit(tx, payer, gross, now); err != nil {
			return err
		}
		if err := wallet.Credit(tx, recipient, recipientShare, now); err != nil {
			return err
		}

		settlementTx, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       recipient.ID,
			Type:           models.TxSettlement,
			Amount:         gross,
			Fee:            fee,
			Status:         models.TxCompleted,
			IdempotencyKey: money.DeriveKey(baseKey, "settlement"),
			RelatedShiftID: &shiftID,
			Description:    fmt.Sprintf("settlement for shift %d", shiftID),
		})
		if err != nil {
			return err
		}
		out = append(out, *settlementTx)
		commissionTx, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       payer.ID,
			Type:           models.TxCommission,
			Amount:         fee,
			Status:         models.TxCompleted,
			IdempotencyKey: money.DeriveKey(baseKey, "commission"),
			RelatedShiftID: &shiftID,
			Description:    "platform commission",
		})
		if err != nil {
			return err
		}
		out = append(out, *commissionTx)
		firstTime = true

		rounded := money.Round2(hours)
		shift.ActualHoursWorked = &rounded
		shift.Status = models.ShiftCompleted
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
	if err != nil {
		return nil, err
	}
	if firstTime {
		collected, _ := fee.Float64()
		metrics.Ledger().ObserveSettlement(collected)
	}
	return out, nil
}

// ProcessCancellation releases the shift's hold under the tiered refund
// policy. Company cancellations inside 48 h forfeit part of the hold to the
// worker, or to the agency for agency-supplied shifts.
func (e *Engine) ProcessCancellation(ctx context.Context, shiftID int64, by CancelledBy, at *time.Time) ([]models.Transaction, error) {
	var out []models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		cancelAt := e.now()
		if at != nil {
			cancelAt = *at
		}
		baseKey := fmt.Sprintf("cancel-shift-%d", shiftID)
		if existing, err := wallet.FindByIdempotencyKey(tx, money.DeriveKey(baseKey, "release")); err != nil {
			return err
		} else if existing != nil {
			out = append(out, *existing)
			return nil
		}

		hold, err := ActiveHoldForShift(tx, shiftID)
		if err != nil {
			if errors.Is(err, ErrHoldNotFound) {
				// Nothing reserved: just mark the shift cancelled.
				shift.Status = models.ShiftCancelled
				shift.UpdatedAt = e.now()
				return tx.Save(shift).Error
			}
			return err
		}

		charge, compensation := cancellationSplit(shift, hold.Amount, by, cancelAt)
		now := e.now()

		var payer, recipient *models.Wallet
		if charge.Sign() > 0 {
			recipientUser, err := RecipientUserID(tx, shift)
			if err != nil {
				return err
			}
			var recipientWalletID int64
			if err := walletIDForUser(tx, recipientUser, &recipientWalletID); err != nil {
				return err
			}
			payer, recipient, err = wallet.LockPair(tx, hold.WalletID, recipientWalletID)
			if err != nil {
				return err
			}
		} else {
			payer, err = wallet.Lock(tx, hold.WalletID)
			if err != nil {
				return err
			}
		}
		if err := ReleaseHold(tx, hold, payer, models.HoldReleased, now); err != nil {
			return err
		}
		refunded := hold.Amount.Sub(charge)
		releaseTx, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       payer.ID,
			Type:           models.TxRelease,
			Amount:         refunded,
			Status:         models.TxCompleted,
			IdempotencyKey: money.DeriveKey(baseKey, "release"),
			RelatedShiftID: &shiftID,
			Description:    fmt.Sprintf("cancellation by %s", by),
		})
		if err != nil {
			return err
		}
		out = append(out, *releaseTx)

		if charge.Sign() > 0 {
			if err := wallet.Debit(tx, payer, charge, now); err != nil {
				return err
			}
			if err := wallet.Credit(tx, recipient, compensation, now); err != nil {
				return err
			}
			feeTx, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       payer.ID,
				Type:           models.TxCancellationFee,
				Amount:         charge,
				Fee:            charge.Sub(compensation),
				Status:         models.TxCompleted,
				IdempotencyKey: money.DeriveKey(baseKey, "fee"),
				RelatedShiftID: &shiftID,
				Description:    "late cancellation charge",
			})
			if err != nil {
				return err
			}
			out = append(out, *feeTx)
			compTx, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       recipient.ID,
				Type:           models.TxSettlement,
				Amount:         compensation,
				Status:         models.TxCompleted,
				IdempotencyKey: money.DeriveKey(baseKey, "compensation"),
				RelatedShiftID: &shiftID,
				Description:    "late cancellation compensation",
			})
			if err != nil {
				return err
			}
			out = append(out, *compTx)
		}

		shift.Status = models.ShiftCancelled
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cancellationSplit returns how much of the hold the payer forfeits and how
// much of that reaches the worker or agency. Worker and platform
// cancellations always refund in full. The 24-48 h company tier pays half
// the gross shift value with no commission taken.
func cancellationSplit(shift *models.Shift, holdAmount decimal.Decimal, by CancelledBy, at time.Time) (charge, compensation decimal.Decimal) {
	if by != CancelledByCompany {
		return money.Zero, money.Zero
	}
	lead := shift.StartTime.Sub(at)
	switch {
	case lead >= 48*time.Hour:
		return money.Zero, money.Zero
	case lead >= 24*time.Hour:
		half := money.Percent(holdAmount, decimal.RequireFromString("0.50"))
		return half, half
	default:
		grossCharge := money.MulRate(lateCancelHours, shift.HourlyRate)
		if grossCharge.GreaterThan(holdAmount) {
			grossCharge = holdAmount
		}
		comp := money.Percent(grossCharge, decimal.RequireFromString("0.85"))
		return grossCharge, comp
	}
}

// ExpireFundsHolds releases active holds whose expiry passed without a
// settlement. Escrow holds never expire here; the dispute engine owns them.
func (e *Engine) ExpireFundsHolds(ctx context.Context) error {
	now := e.now()
	var stale []models.FundsHold
	if err := e.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ? AND description NOT LIKE ?",
			models.HoldActive, now, EscrowPrefix+"%").
		Find(&stale).Error; err != nil {
		return err
	}
	for _, candidate := range stale {
		id := candidate.ID
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var hold models.FundsHold
			if err := tx.Clauses(lockForUpdate()).First(&hold, "id = ?", id).Error; err != nil {
				return err
			}
			if hold.Status != models.HoldActive || hold.ExpiresAt == nil || hold.ExpiresAt.After(now) {
				return nil
			}
			w, err := wallet.Lock(tx, hold.WalletID)
			if err != nil {
				return err
			}
			amount := hold.Amount
			if err := ReleaseHold(tx, &hold, w, models.HoldExpired, now); err != nil {
				return err
			}
			shiftID := hold.ShiftID
			_, err = wallet.Append(tx, now, wallet.Entry{
				WalletID:       w.ID,
				Type:           models.TxRelease,
				Amount:         amount,
				Status:         models.TxCompleted,
				IdempotencyKey: fmt.Sprintf("expire-hold-%d", hold.ID),
				RelatedShiftID: &shiftID,
				Description:    "hold expired unresolved",
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	var active int64
	if err := e.db.WithContext(ctx).Model(&models.FundsHold{}).
		Where("status = ?", models.HoldActive).Count(&active).Error; err != nil {
		return err
	}
	metrics.Ledger().SetActiveHolds(float64(active))
	return nil
}

func walletIDForUser(tx *gorm.DB, userID int64, out *int64) error {
	var w models.Wallet
	if err := tx.Select("id").First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.ErrWalletNotFound
		}
		return err
	}
	*out = w.ID
	return nil
}
