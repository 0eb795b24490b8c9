package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/wallet"
)

var (
	// ErrShiftNotFound indicates the shift id was unknown.
	ErrShiftNotFound = errors.New("settlement: shift not found")
	// ErrNoAcceptedWorker indicates the shift has no sole accepted applicant.
	ErrNoAcceptedWorker = errors.New("settlement: no accepted worker for shift")
	// ErrHoldExists rejects a second reserve for the same (shift, wallet).
	ErrHoldExists = errors.New("settlement: active hold already exists")
	// ErrHoldNotFound indicates no active hold backs the operation.
	ErrHoldNotFound = errors.New("settlement: no active hold for shift")
)

// LoadShift fetches a shift row inside tx.
func LoadShift(tx *gorm.DB, shiftID int64) (*models.Shift, error) {
	var s models.Shift
	if err := tx.First(&s, "id = ?", shiftID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShiftNotFound
		}
		return nil, err
	}
	return &s, nil
}

// AcceptedWorker returns the user id of the shift's sole accepted applicant.
func AcceptedWorker(tx *gorm.DB, shiftID int64) (int64, error) {
	var app models.Application
	err := tx.First(&app, "shift_id = ? AND status = ?", shiftID, models.ApplicationAccepted).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoAcceptedWorker
		}
		return 0, err
	}
	return app.ApplicantID, nil
}

// PayerUserID routes the funding side: the agency pays for agency-managed
// shifts, the company otherwise.
func PayerUserID(s *models.Shift) int64 {
	if s.IsAgencyManaged && s.PostedByAgencyID != nil {
		return *s.PostedByAgencyID
	}
	return s.CompanyID
}

// RecipientUserID routes the earning side: Mode-B pays the agency, every
// other shift pays the accepted worker.
func RecipientUserID(tx *gorm.DB, s *models.Shift) (int64, error) {
	if s.IsAgencyManaged && s.PostedByAgencyID != nil {
		return *s.PostedByAgencyID, nil
	}
	return AcceptedWorker(tx, s.ID)
}

// ScheduledHours returns the shift's first-day duration in decimal hours,
// wrapping overnight crossings forward.
func ScheduledHours(s *models.Shift) decimal.Decimal {
	return money.DurationHours(s.StartTime, s.EndTime)
}

// DailyCost is the first-day gross cost of the shift.
func DailyCost(s *models.Shift) decimal.Decimal {
	return money.MulRate(ScheduledHours(s), s.HourlyRate)
}

// ShiftEnd returns the first-day end instant, wrapping overnight shifts.
func ShiftEnd(s *models.Shift) time.Time {
	end := s.EndTime
	if end.Before(s.StartTime) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// ActiveHold loads the shift's active funds hold on the given wallet under
// FOR UPDATE.
func ActiveHold(tx *gorm.DB, walletID, shiftID int64) (*models.FundsHold, error) {
	var hold models.FundsHold
	err := tx.Clauses(lockForUpdate()).
		First(&hold, "wallet_id = ? AND shift_id = ? AND status = ?", walletID, shiftID, models.HoldActive).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// ActiveHoldForShift loads the shift's active non-escrow hold regardless of
// wallet.
func ActiveHoldForShift(tx *gorm.DB, shiftID int64) (*models.FundsHold, error) {
	var hold models.FundsHold
	err := tx.Clauses(lockForUpdate()).
		Where("shift_id = ? AND status = ? AND description NOT LIKE ?", shiftID, models.HoldActive, EscrowPrefix+"%").
		First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// ReleaseHold moves an active hold to the given terminal status and returns
// the reserved funds to the payer wallet. Caller appends the matching
// transaction row.
func ReleaseHold(tx *gorm.DB, hold *models.FundsHold, w *models.Wallet, status models.HoldStatus, now time.Time) error {
	if hold.Status != models.HoldActive {
		return fmt.Errorf("settlement: cannot release hold in status %s", hold.Status)
	}
	if err := wallet.ReserveSub(tx, w, hold.Amount, now); err != nil {
		return err
	}
	hold.Status = status
	hold.ReleasedAt = &now
	hold.UpdatedAt = now
	return tx.Save(hold).Error
}
