// Package verification covers the hours pipeline between working a shift and
// settling it: clock-in and clock-out, manager approval or rejection, hour
// adjustments, and the 24-hour auto-approval sweep.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"extrashifty/dispute"
	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/settlement"
)

// AutoApproveAfter is how long a clock-out may sit unreviewed before the
// platform settles the shift on its own.
const AutoApproveAfter = 24 * time.Hour

var (
	// ErrNotWorker rejects clock actions from anyone but the accepted worker.
	ErrNotWorker = errors.New("verification: user is not the shift's accepted worker")
	// ErrNotManager rejects approvals from users outside the paying side.
	ErrNotManager = errors.New("verification: user cannot approve this shift")
	// ErrBadState rejects an action invalid for the shift's current status.
	ErrBadState = errors.New("verification: shift state does not allow this action")
	// ErrAlreadyClockedIn rejects a second clock-in.
	ErrAlreadyClockedIn = errors.New("verification: already clocked in")
	// ErrNotClockedIn rejects a clock-out without a prior clock-in.
	ErrNotClockedIn = errors.New("verification: not clocked in")
	// ErrInvalidHours rejects nonsensical hour adjustments.
	ErrInvalidHours = errors.New("verification: invalid hours")
)

// Engine drives the verification pipeline over the settlement and dispute
// engines.
type Engine struct {
	db         *gorm.DB
	settlement *settlement.Engine
	disputes   *dispute.Engine
	now        func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs a verification engine.
func NewEngine(db *gorm.DB, settle *settlement.Engine, disputes *dispute.Engine, opts ...Option) *Engine {
	e := &Engine{db: db, settlement: settle, disputes: disputes, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// ClockIn records the worker's arrival and moves the shift in progress.
func (e *Engine) ClockIn(ctx context.Context, shiftID, userID int64) error {
	now := e.now()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := e.lockShift(tx, shiftID)
		if err != nil {
			return err
		}
		if err := e.requireWorker(tx, shift, userID); err != nil {
			return err
		}
		if shift.ClockInAt != nil {
			return ErrAlreadyClockedIn
		}
		if shift.Status != models.ShiftFilled {
			return ErrBadState
		}
		shift.ClockInAt = &now
		shift.Status = models.ShiftInProgress
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
}

// ClockOut records departure, computes the worked hours, and marks the shift
// completed pending verification.
func (e *Engine) ClockOut(ctx context.Context, shiftID, userID int64) error {
	now := e.now()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := e.lockShift(tx, shiftID)
		if err != nil {
			return err
		}
		if err := e.requireWorker(tx, shift, userID); err != nil {
			return err
		}
		if shift.ClockInAt == nil {
			return ErrNotClockedIn
		}
		if shift.Status != models.ShiftInProgress {
			return ErrBadState
		}
		hours := money.DurationHours(*shift.ClockInAt, now)
		shift.ClockOutAt = &now
		shift.ActualHoursWorked = &hours
		shift.Status = models.ShiftCompleted
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
}

// ManagerApproveShift settles a completed shift after verifying the approver
// sits on the paying side or is a platform admin. A non-nil actualHours
// overrides the recorded hours for the settlement.
func (e *Engine) ManagerApproveShift(ctx context.Context, shiftID, managerID int64, actualHours *decimal.Decimal) ([]models.Transaction, error) {
	if actualHours != nil && (actualHours.Sign() <= 0 || actualHours.GreaterThan(decimal.NewFromInt(24))) {
		return nil, ErrInvalidHours
	}
	if err := e.requireManager(ctx, shiftID, managerID); err != nil {
		return nil, err
	}
	return e.settlement.SettleShift(ctx, shiftID, actualHours, &managerID)
}

// ManagerRejectShift contests the recorded hours by opening a dispute, which
// escrows the shift funds until resolution.
func (e *Engine) ManagerRejectShift(ctx context.Context, shiftID, managerID int64, reason string) (*models.Dispute, error) {
	if err := e.requireManager(ctx, shiftID, managerID); err != nil {
		return nil, err
	}
	return e.disputes.Create(ctx, shiftID, managerID, reason, nil)
}

// AdjustHours overrides the recorded hours before settlement. Only the
// paying side may adjust, and only while the shift awaits verification.
func (e *Engine) AdjustHours(ctx context.Context, shiftID, managerID int64, hours decimal.Decimal) error {
	if hours.Sign() <= 0 || hours.GreaterThan(decimal.NewFromInt(24)) {
		return ErrInvalidHours
	}
	if err := e.requireManager(ctx, shiftID, managerID); err != nil {
		return err
	}
	now := e.now()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := e.lockShift(tx, shiftID)
		if err != nil {
			return err
		}
		if shift.Status != models.ShiftCompleted {
			return ErrBadState
		}
		rounded := money.Round2(hours)
		shift.ActualHoursWorked = &rounded
		shift.UpdatedAt = now
		return tx.Save(shift).Error
	})
}

// CheckAutoApproveShifts settles completed shifts whose clock-out is at
// least 24 hours old and which have no open dispute. Run by the scheduler.
func (e *Engine) CheckAutoApproveShifts(ctx context.Context) error {
	now := e.now()
	cutoff := now.Add(-AutoApproveAfter)
	var shiftIDs []int64
	if err := e.db.WithContext(ctx).Model(&models.Shift{}).
		Where("status = ? AND clock_out_at IS NOT NULL AND clock_out_at <= ?", models.ShiftCompleted, cutoff).
		Pluck("id", &shiftIDs).Error; err != nil {
		return err
	}
	for _, id := range shiftIDs {
		var open bool
		if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			open, err = dispute.HasOpenDispute(tx, id)
			return err
		}); err != nil {
			return err
		}
		if open {
			continue
		}
		if _, err := e.settlement.SettleShift(ctx, id, nil, nil); err != nil {
			if errors.Is(err, settlement.ErrAlreadySettled) {
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) lockShift(tx *gorm.DB, shiftID int64) (*models.Shift, error) {
	var s models.Shift
	if err := tx.Clauses(lockForUpdate()).First(&s, "id = ?", shiftID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, settlement.ErrShiftNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (e *Engine) requireWorker(tx *gorm.DB, shift *models.Shift, userID int64) error {
	worker, err := settlement.AcceptedWorker(tx, shift.ID)
	if err != nil {
		return err
	}
	if worker != userID {
		return ErrNotWorker
	}
	return nil
}

// requireManager admits the posting company, the managing agency, and the
// Mode-B client company.
func (e *Engine) requireManager(ctx context.Context, shiftID, managerID int64) error {
	var shift models.Shift
	if err := e.db.WithContext(ctx).First(&shift, "id = ?", shiftID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return settlement.ErrShiftNotFound
		}
		return err
	}
	if shift.CompanyID == managerID {
		return nil
	}
	if shift.PostedByAgencyID != nil && *shift.PostedByAgencyID == managerID {
		return nil
	}
	if shift.ClientCompanyID != nil && *shift.ClientCompanyID == managerID {
		return nil
	}
	var manager models.User
	if err := e.db.WithContext(ctx).First(&manager, "id = ?", managerID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	} else if manager.Role == models.RoleAdmin {
		return nil
	}
	return fmt.Errorf("%w: user %d", ErrNotManager, managerID)
}
