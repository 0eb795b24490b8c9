// Package conduct implements the platform's disciplinary engine: no-show
// detection, graduated sanctions (warning, strike, suspension), penalty
// collection with negative-balance carry, and the agency reliability record.
package conduct

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
	"extrashifty/settlement"
	"extrashifty/wallet"
)

// Sanction thresholds and windows.
const (
	NoShowGrace           = 30 * time.Minute
	StrikeWindow          = 90 * 24 * time.Hour
	SuspensionThreshold   = 3
	SuspensionLength      = 30 * 24 * time.Hour
	WriteOffAfter         = 180 * 24 * time.Hour
	AgencyWarnThreshold   = 2
	AgencyReviewThreshold = 5
)

// PenaltyRate is the no-show penalty as a share of shift cost.
var PenaltyRate = decimal.RequireFromString("0.50")

var (
	// ErrNotNoShow indicates the shift does not qualify as a no-show.
	ErrNotNoShow = errors.New("conduct: shift does not qualify as no-show")
	// ErrAlreadyPenalised indicates a penalty row already exists for the shift.
	ErrAlreadyPenalised = errors.New("conduct: shift already penalised")
)

// Engine applies the disciplinary rules against the shared ledger.
type Engine struct {
	db   *gorm.DB
	sink notify.Sink
	now  func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithSink supplies the notification sink.
func WithSink(s notify.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs a conduct engine.
func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{db: db, sink: notify.NoopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// DetectNoShows enumerates filled shifts 30 minutes past start with no
// clock-in and no penalty, and processes each. Run hourly by the scheduler.
func (e *Engine) DetectNoShows(ctx context.Context) error {
	cutoff := e.now().Add(-NoShowGrace)
	var candidates []models.Shift
	if err := e.db.WithContext(ctx).
		Where("status = ? AND start_time <= ? AND clock_in_at IS NULL", models.ShiftFilled, cutoff).
		Find(&candidates).Error; err != nil {
		return err
	}
	for _, shift := range candidates {
		if err := e.ProcessNoShow(ctx, shift.ID); err != nil {
			if errors.Is(err, ErrAlreadyPenalised) || errors.Is(err, ErrNotNoShow) {
				continue
			}
			return err
		}
	}
	return nil
}

// ProcessNoShow applies the graduated sanction for one missed shift:
// agency-supplied shifts penalise the agency wallet and its reliability
// record; direct workers get first-offense leniency, then strikes and a
// half-cost penalty subject to the same-day strike cap. The company is
// always fully refunded and the shift cancelled.
func (e *Engine) ProcessNoShow(ctx context.Context, shiftID int64) error {
	var (
		notices       []notify.Notice
		penalisedRole string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := settlement.LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		now := e.now()
		if shift.Status != models.ShiftFilled || shift.ClockInAt != nil ||
			now.Before(shift.StartTime.Add(NoShowGrace)) {
			return ErrNotNoShow
		}
		var penaltyCount int64
		if err := tx.Model(&models.Penalty{}).Where("shift_id = ?", shiftID).Count(&penaltyCount).Error; err != nil {
			return err
		}
		if penaltyCount > 0 {
			return ErrAlreadyPenalised
		}

		worker, err := settlement.AcceptedWorker(tx, shiftID)
		if err != nil {
			return err
		}
		shiftCost := settlement.DailyCost(shift)
		penaltyAmount := money.Percent(shiftCost, PenaltyRate)

		if shift.IsAgencyManaged && shift.PostedByAgencyID != nil {
			ns, err := e.penaliseAgency(tx, shift, *shift.PostedByAgencyID, penaltyAmount, now)
			if err != nil {
				return err
			}
			notices = append(notices, ns...)
			penalisedRole = models.RoleAgency
		} else {
			ns, err := e.penaliseWorker(tx, shift, worker, penaltyAmount, now)
			if err != nil {
				return err
			}
			notices = append(notices, ns...)
			penalisedRole = models.RoleStaff
		}

		// The company is made whole regardless of who eats the sanction.
		if err := e.refundCompany(tx, shift, now); err != nil {
			return err
		}
		shift.Status = models.ShiftCancelled
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
	if err != nil {
		return err
	}
	metrics.Ledger().ObservePenalty(penalisedRole)
	for _, n := range notices {
		e.sink.Notify(ctx, n)
	}
	return nil
}

// penaliseWorker applies first-offense leniency, the same-day strike cap,
// and otherwise a strike plus a collected penalty.
func (e *Engine) penaliseWorker(tx *gorm.DB, shift *models.Shift, worker int64, penaltyAmount decimal.Decimal, now time.Time) ([]notify.Notice, error) {
	var priorStrikes int64
	if err := tx.Model(&models.Strike{}).Where("user_id = ?", worker).Count(&priorStrikes).Error; err != nil {
		return nil, err
	}
	shiftID := shift.ID

	if priorStrikes == 0 {
		warning := models.Strike{
			UserID:        worker,
			ShiftID:       &shiftID,
			Reason:        "no-show (first offense)",
			CreatedAt:     now,
			ExpiresAt:     now.Add(StrikeWindow),
			IsActive:      true,
			IsWarningOnly: true,
		}
		if err := tx.Create(&warning).Error; err != nil {
			return nil, err
		}
		return []notify.Notice{{
			Kind:   notify.KindStrikeIssued,
			UserID: worker,
			Title:  "No-show warning",
			Body:   "You missed a shift. First offenses carry no penalty; the next one will.",
		}}, nil
	}

	var sameDay int64
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	if err := tx.Model(&models.Strike{}).
		Where("user_id = ? AND is_warning_only = ? AND created_at >= ? AND created_at < ?",
			worker, false, dayStart, dayStart.AddDate(0, 0, 1)).
		Count(&sameDay).Error; err != nil {
		return nil, err
	}
	notices := []notify.Notice{}
	if sameDay == 0 {
		strike := models.Strike{
			UserID:    worker,
			ShiftID:   &shiftID,
			Reason:    "no-show",
			CreatedAt: now,
			ExpiresAt: now.Add(StrikeWindow),
			IsActive:  true,
		}
		if err := tx.Create(&strike).Error; err != nil {
			return nil, err
		}
		notices = append(notices, notify.Notice{
			Kind:   notify.KindStrikeIssued,
			UserID: worker,
			Title:  "Strike issued for no-show",
		})
	}

	penalty := models.Penalty{
		UserID:    worker,
		ShiftID:   shiftID,
		Amount:    penaltyAmount,
		Reason:    "no-show penalty",
		Status:    models.PenaltyPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&penalty).Error; err != nil {
		return nil, err
	}
	if err := e.collectPenalty(tx, worker, penaltyAmount, &penalty, now); err != nil {
		return nil, err
	}

	suspended, err := e.evaluateSuspension(tx, worker, now)
	if err != nil {
		return nil, err
	}
	if suspended {
		notices = append(notices, notify.Notice{
			Kind:   notify.KindSuspension,
			UserID: worker,
			Title:  "Account suspended for 30 days",
		})
	}
	return notices, nil
}

// penaliseAgency charges the agency wallet and records an agency strike; the
// supplied worker keeps a clean record.
func (e *Engine) penaliseAgency(tx *gorm.DB, shift *models.Shift, agencyID int64, penaltyAmount decimal.Decimal, now time.Time) ([]notify.Notice, error) {
	penalty := models.Penalty{
		UserID:    agencyID,
		ShiftID:   shift.ID,
		Amount:    penaltyAmount,
		Reason:    "agency-supplied no-show penalty",
		Status:    models.PenaltyPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&penalty).Error; err != nil {
		return nil, err
	}
	if err := e.collectPenalty(tx, agencyID, penaltyAmount, &penalty, now); err != nil {
		return nil, err
	}
	strike := models.AgencyStrike{
		AgencyID:  agencyID,
		ShiftID:   shift.ID,
		Source:    "agency-supplied",
		Reason:    "no-show by supplied worker",
		IsActive:  true,
		CreatedAt: now,
	}
	if err := tx.Create(&strike).Error; err != nil {
		return nil, err
	}

	var active int64
	if err := tx.Model(&models.AgencyStrike{}).
		Where("agency_id = ? AND is_active = ?", agencyID, true).
		Count(&active).Error; err != nil {
		return nil, err
	}
	var notices []notify.Notice
	switch {
	case active >= AgencyReviewThreshold:
		notices = append(notices, notify.Notice{
			Kind:   notify.KindSuspension,
			UserID: agencyID,
			Title:  "Agency account under suspension review",
			Meta:   map[string]string{"active_strikes": fmt.Sprint(active)},
		})
	case active >= AgencyWarnThreshold:
		notices = append(notices, notify.Notice{
			Kind:   notify.KindStrikeIssued,
			UserID: agencyID,
			Title:  "Agency reliability warning",
			Meta:   map[string]string{"active_strikes": fmt.Sprint(active)},
		})
	}
	return notices, nil
}

// collectPenalty deducts what the wallet can absorb and carries the
// remainder into the user's negative balance.
func (e *Engine) collectPenalty(tx *gorm.DB, userID int64, amount decimal.Decimal, penalty *models.Penalty, now time.Time) error {
	w, err := wallet.LockByUser(tx, userID)
	if err != nil {
		return err
	}
	fromWallet := money.Min(amount, w.Available())
	if fromWallet.Sign() < 0 {
		fromWallet = money.Zero
	}
	if fromWallet.Sign() > 0 {
		if err := wallet.Debit(tx, w, fromWallet, now); err != nil {
			return err
		}
		shiftID := penalty.ShiftID
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxPenalty,
			Amount:         fromWallet,
			Status:         models.TxCompleted,
			IdempotencyKey: fmt.Sprintf("penalty-%d", penalty.ID),
			RelatedShiftID: &shiftID,
			Description:    penalty.Reason,
		}); err != nil {
			return err
		}
	}
	if remainder := amount.Sub(fromWallet); remainder.Sign() > 0 {
		if err := addNegativeBalance(tx, userID, remainder, now); err != nil {
			return err
		}
	}
	penalty.CollectedAmount = &fromWallet
	penalty.Status = models.PenaltyCollected
	penalty.UpdatedAt = now
	return tx.Save(penalty).Error
}

// addNegativeBalance creates or augments the user's singleton debt row.
func addNegativeBalance(tx *gorm.DB, userID int64, amount decimal.Decimal, now time.Time) error {
	var nb models.NegativeBalance
	err := tx.Clauses(lockForUpdate()).First(&nb, "user_id = ?", userID).Error
	switch {
	case err == nil:
		nb.Amount = nb.Amount.Add(amount)
		nb.LastActivityAt = now
		nb.UpdatedAt = now
		return tx.Save(&nb).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		nb = models.NegativeBalance{
			UserID:         userID,
			Amount:         amount,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Create(&nb).Error
	default:
		return err
	}
}

// ChargeNegativeBalance deducts from the wallet first and books the
// remainder as debt. Used by the frivolous-appeal fee.
func (e *Engine) ChargeNegativeBalance(tx *gorm.DB, userID int64, amount decimal.Decimal, reason string, now time.Time) error {
	w, err := wallet.LockByUser(tx, userID)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return addNegativeBalance(tx, userID, amount, now)
		}
		return err
	}
	fromWallet := money.Min(amount, w.Available())
	if fromWallet.Sign() > 0 {
		if err := wallet.Debit(tx, w, fromWallet, now); err != nil {
			return err
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxPenalty,
			Amount:         fromWallet,
			Status:         models.TxCompleted,
			IdempotencyKey: money.NewIdempotencyKey("fee"),
			Description:    reason,
		}); err != nil {
			return err
		}
	}
	if remainder := amount.Sub(fromWallet); remainder.Sign() > 0 {
		return addNegativeBalance(tx, userID, remainder, now)
	}
	return nil
}

// evaluateSuspension suspends the user for 30 days once three active
// non-warning strikes sit inside their window.
func (e *Engine) evaluateSuspension(tx *gorm.DB, userID int64, now time.Time) (bool, error) {
	var active int64
	if err := tx.Model(&models.Strike{}).
		Where("user_id = ? AND is_active = ? AND is_warning_only = ? AND expires_at > ?",
			userID, true, false, now).
		Count(&active).Error; err != nil {
		return false, err
	}
	if active < SuspensionThreshold {
		return false, nil
	}
	var existing int64
	if err := tx.Model(&models.UserSuspension{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&existing).Error; err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	until := now.Add(SuspensionLength)
	suspension := models.UserSuspension{
		UserID:         userID,
		Reason:         fmt.Sprintf("%d active strikes within %d days", active, int(StrikeWindow.Hours()/24)),
		SuspendedAt:    now,
		SuspendedUntil: &until,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Create(&suspension).Error; err != nil {
		return false, err
	}
	if err := tx.Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]any{"active": false, "updated_at": now}).Error; err != nil {
		return false, err
	}
	return true, nil
}

// refundCompany releases the shift hold in full back to the payer.
func (e *Engine) refundCompany(tx *gorm.DB, shift *models.Shift, now time.Time) error {
	hold, err := settlement.ActiveHoldForShift(tx, shift.ID)
	if err != nil {
		if errors.Is(err, settlement.ErrHoldNotFound) {
			return nil
		}
		return err
	}
	w, err := wallet.Lock(tx, hold.WalletID)
	if err != nil {
		return err
	}
	amount := hold.Amount
	if err := settlement.ReleaseHold(tx, hold, w, models.HoldReleased, now); err != nil {
		return err
	}
	shiftID := shift.ID
	_, err = wallet.Append(tx, now, wallet.Entry{
		WalletID:       w.ID,
		Type:           models.TxRelease,
		Amount:         amount,
		Status:         models.TxCompleted,
		IdempotencyKey: fmt.Sprintf("noshow-refund-%d", shiftID),
		RelatedShiftID: &shiftID,
		Description:    "no-show refund",
	})
	return err
}

// OffsetNegativeBalance consumes up to earnings from the user's debt and
// returns how much was offset and what remains payable to the user.
func OffsetNegativeBalance(tx *gorm.DB, userID int64, earnings decimal.Decimal, now time.Time) (offset, remaining decimal.Decimal, err error) {
	var nb models.NegativeBalance
	dbErr := tx.Clauses(lockForUpdate()).First(&nb, "user_id = ?", userID).Error
	if dbErr != nil {
		if errors.Is(dbErr, gorm.ErrRecordNotFound) {
			return money.Zero, earnings, nil
		}
		return money.Zero, money.Zero, dbErr
	}
	if nb.Amount.Sign() <= 0 {
		return money.Zero, earnings, nil
	}
	offset = money.Min(nb.Amount, earnings)
	nb.Amount = nb.Amount.Sub(offset)
	nb.LastActivityAt = now
	nb.UpdatedAt = now
	if err := tx.Save(&nb).Error; err != nil {
		return money.Zero, money.Zero, err
	}
	return offset, earnings.Sub(offset), nil
}

// WriteOffInactive zeroes debts idle for 180 days, writes off their pending
// penalties, and suspends the debtor indefinitely. Run daily.
func (e *Engine) WriteOffInactive(ctx context.Context) error {
	now := e.now()
	cutoff := now.Add(-WriteOffAfter)
	var stale []models.NegativeBalance
	if err := e.db.WithContext(ctx).
		Where("amount > 0 AND last_activity_at < ?", cutoff).
		Find(&stale).Error; err != nil {
		return err
	}
	for _, row := range stale {
		userID := row.UserID
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var nb models.NegativeBalance
			if err := tx.Clauses(lockForUpdate()).First(&nb, "user_id = ?", userID).Error; err != nil {
				return err
			}
			if nb.Amount.Sign() <= 0 || !nb.LastActivityAt.Before(cutoff) {
				return nil
			}
			nb.Amount = money.Zero
			nb.LastActivityAt = now
			nb.UpdatedAt = now
			if err := tx.Save(&nb).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Penalty{}).
				Where("user_id = ? AND status = ?", userID, models.PenaltyPending).
				Updates(map[string]any{"status": models.PenaltyWrittenOff, "updated_at": now}).Error; err != nil {
				return err
			}
			var existing int64
			if err := tx.Model(&models.UserSuspension{}).
				Where("user_id = ? AND is_active = ?", userID, true).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing == 0 {
				suspension := models.UserSuspension{
					UserID:      userID,
					Reason:      "negative balance written off after 180 days of inactivity",
					SuspendedAt: now,
					IsActive:    true,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := tx.Create(&suspension).Error; err != nil {
					return err
				}
			}
			return tx.Model(&models.User{}).Where("id = ?", userID).
				Updates(map[string]any{"active": false, "updated_at": now}).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}
