// Package appeals handles contests against penalties, strikes, and
// suspensions: filing windows, admin review, the frivolous-appeal fee, and
// the once-a-year emergency waiver.
package appeals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"extrashifty/conduct"
	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/notify"
	"extrashifty/wallet"
)

// Filing windows per sanction type.
const (
	PenaltyWindow    = 7 * 24 * time.Hour
	StrikeWindow     = 7 * 24 * time.Hour
	SuspensionWindow = 72 * time.Hour
)

// FrivolousFee is charged when a denied appeal is marked frivolous.
var FrivolousFee = money.FromCents(2500)

var (
	// ErrNotFound indicates the appeal or its target does not exist.
	ErrNotFound = errors.New("appeals: not found")
	// ErrWindowClosed rejects filings past the sanction's window.
	ErrWindowClosed = errors.New("appeals: filing window closed")
	// ErrDuplicate rejects a second pending appeal for the same sanction.
	ErrDuplicate = errors.New("appeals: pending appeal already exists")
	// ErrNotOwner rejects appeals against another user's sanction.
	ErrNotOwner = errors.New("appeals: sanction belongs to another user")
	// ErrNotPending rejects review or withdrawal of a decided appeal.
	ErrNotPending = errors.New("appeals: appeal is not pending")
	// ErrWaiverUsed indicates the yearly emergency waiver is spent.
	ErrWaiverUsed = errors.New("appeals: emergency waiver already used this year")
)

// Engine mediates the appeal lifecycle.
type Engine struct {
	db      *gorm.DB
	conduct *conduct.Engine
	sink    notify.Sink
	now     func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithSink supplies the notification sink.
func WithSink(s notify.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs an appeals engine sharing the conduct engine's
// penalty-collection rules.
func NewEngine(db *gorm.DB, conductEngine *conduct.Engine, opts ...Option) *Engine {
	e := &Engine{db: db, conduct: conductEngine, sink: notify.NoopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockForUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// SubmitInput carries a filing.
type SubmitInput struct {
	UserID        int64
	Type          models.AppealType
	RelatedID     int64
	Reason        string
	EvidenceURLs  []string
	EmergencyType string
}

// Submit files an appeal against a penalty, strike, or suspension. The
// window runs from when the sanction was issued: 7 days for penalties and
// strikes, 72 hours for suspensions.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*models.Appeal, error) {
	now := e.now()
	var appeal *models.Appeal
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		issuedAt, ownerID, err := sanctionIssued(tx, in.Type, in.RelatedID)
		if err != nil {
			return err
		}
		if ownerID != in.UserID {
			return ErrNotOwner
		}
		window := PenaltyWindow
		if in.Type == models.AppealSuspension {
			window = SuspensionWindow
		}
		deadline := issuedAt.Add(window)
		if now.After(deadline) {
			return ErrWindowClosed
		}
		var pending int64
		if err := tx.Model(&models.Appeal{}).
			Where("appeal_type = ? AND related_id = ? AND status = ?",
				in.Type, in.RelatedID, models.AppealPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return ErrDuplicate
		}
		appeal = &models.Appeal{
			UserID:         in.UserID,
			AppealType:     in.Type,
			RelatedID:      in.RelatedID,
			Reason:         in.Reason,
			EvidenceURLs:   strings.Join(in.EvidenceURLs, "\n"),
			EmergencyType:  in.EmergencyType,
			Status:         models.AppealPending,
			AppealDeadline: deadline,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Create(appeal).Error
	})
	if err != nil {
		return nil, err
	}
	return appeal, nil
}

// sanctionIssued resolves the sanction's issue time and owner.
func sanctionIssued(tx *gorm.DB, t models.AppealType, relatedID int64) (time.Time, int64, error) {
	switch t {
	case models.AppealPenalty:
		var p models.Penalty
		if err := tx.First(&p, "id = ?", relatedID).Error; err != nil {
			return time.Time{}, 0, wrapNotFound(err)
		}
		return p.CreatedAt, p.UserID, nil
	case models.AppealStrike:
		var s models.Strike
		if err := tx.First(&s, "id = ?", relatedID).Error; err != nil {
			return time.Time{}, 0, wrapNotFound(err)
		}
		return s.CreatedAt, s.UserID, nil
	case models.AppealSuspension:
		var s models.UserSuspension
		if err := tx.First(&s, "id = ?", relatedID).Error; err != nil {
			return time.Time{}, 0, wrapNotFound(err)
		}
		return s.SuspendedAt, s.UserID, nil
	default:
		return time.Time{}, 0, fmt.Errorf("appeals: unknown appeal type %q", t)
	}
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Decision carries an admin's review outcome.
type Decision struct {
	ReviewerID  int64
	Approve     bool
	Frivolous   bool
	ReviewNotes string
}

// Review decides a pending appeal. Approval reverses the sanction: a waived
// penalty refunds whatever was collected, a strike deactivates, a lifted
// suspension reactivates the user and clears the strikes that caused it.
// Approving an emergency-typed appeal claims the filer's yearly emergency
// waiver; a second emergency approval in the same calendar year fails with
// ErrWaiverUsed. Denial marked frivolous charges the fee.
func (e *Engine) Review(ctx context.Context, appealID int64, d Decision) error {
	now := e.now()
	var notice *notify.Notice
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appeal models.Appeal
		if err := tx.Clauses(lockForUpdate()).First(&appeal, "id = ?", appealID).Error; err != nil {
			return wrapNotFound(err)
		}
		if appeal.Status != models.AppealPending {
			return ErrNotPending
		}
		appeal.ReviewedBy = &d.ReviewerID
		appeal.ReviewNotes = d.ReviewNotes
		appeal.UpdatedAt = now

		if d.Approve {
			if appeal.EmergencyType != "" {
				if err := claimWaiver(tx, &appeal, now); err != nil {
					return err
				}
				appeal.EmergencyWaiverUsed = true
			}
			if err := e.reverseSanction(tx, &appeal, now); err != nil {
				return err
			}
			appeal.Status = models.AppealApproved
		} else {
			appeal.Status = models.AppealDenied
			if d.Frivolous {
				if err := e.conduct.ChargeNegativeBalance(tx, appeal.UserID, FrivolousFee, "frivolous appeal fee", now); err != nil {
					return err
				}
				appeal.FrivolousFeeCharged = true
			}
		}
		if err := tx.Save(&appeal).Error; err != nil {
			return err
		}
		notice = &notify.Notice{
			Kind:   notify.KindAppealDecided,
			UserID: appeal.UserID,
			Title:  fmt.Sprintf("Appeal %s", appeal.Status),
			Meta:   map[string]string{"appeal_id": fmt.Sprint(appeal.ID)},
		}
		return nil
	})
	if err != nil {
		return err
	}
	if notice != nil {
		e.sink.Notify(ctx, *notice)
	}
	return nil
}

// reverseSanction undoes the appealed sanction in the same transaction.
func (e *Engine) reverseSanction(tx *gorm.DB, appeal *models.Appeal, now time.Time) error {
	switch appeal.AppealType {
	case models.AppealPenalty:
		return waivePenalty(tx, appeal, now)
	case models.AppealStrike:
		return tx.Model(&models.Strike{}).Where("id = ?", appeal.RelatedID).
			Update("is_active", false).Error
	case models.AppealSuspension:
		return liftSuspension(tx, appeal, now)
	default:
		return fmt.Errorf("appeals: unknown appeal type %q", appeal.AppealType)
	}
}

// waivePenalty marks the penalty waived and refunds any collected portion.
func waivePenalty(tx *gorm.DB, appeal *models.Appeal, now time.Time) error {
	var p models.Penalty
	if err := tx.Clauses(lockForUpdate()).First(&p, "id = ?", appeal.RelatedID).Error; err != nil {
		return wrapNotFound(err)
	}
	refund := money.Zero
	if p.CollectedAmount != nil {
		refund = *p.CollectedAmount
	}
	if refund.Sign() > 0 {
		w, err := wallet.LockByUser(tx, p.UserID)
		if err != nil {
			return err
		}
		if err := wallet.Credit(tx, w, refund, now); err != nil {
			return err
		}
		shiftID := p.ShiftID
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       w.ID,
			Type:           models.TxRefund,
			Amount:         refund,
			Status:         models.TxCompleted,
			IdempotencyKey: fmt.Sprintf("appeal-refund-%d", appeal.ID),
			RelatedShiftID: &shiftID,
			Description:    "penalty waived on appeal",
		}); err != nil {
			return err
		}
	}
	// Waiving also forgives any uncollected remainder sitting as debt.
	collected := money.Zero
	if p.CollectedAmount != nil {
		collected = *p.CollectedAmount
	}
	if remainder := p.Amount.Sub(collected); remainder.Sign() > 0 {
		if err := forgiveDebt(tx, p.UserID, remainder, now); err != nil {
			return err
		}
	}
	zero := decimal.Zero
	p.Status = models.PenaltyWaived
	p.WaivedBy = appeal.ReviewedBy
	p.CollectedAmount = &zero
	p.UpdatedAt = now
	return tx.Save(&p).Error
}

// forgiveDebt reduces the user's negative balance by up to amount.
func forgiveDebt(tx *gorm.DB, userID int64, amount decimal.Decimal, now time.Time) error {
	var nb models.NegativeBalance
	err := tx.Clauses(lockForUpdate()).First(&nb, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	nb.Amount = nb.Amount.Sub(money.Min(nb.Amount, amount))
	nb.LastActivityAt = now
	nb.UpdatedAt = now
	return tx.Save(&nb).Error
}

// liftSuspension deactivates the suspension, reactivates the user, and
// clears the active strikes that triggered it.
func liftSuspension(tx *gorm.DB, appeal *models.Appeal, now time.Time) error {
	var s models.UserSuspension
	if err := tx.Clauses(lockForUpdate()).First(&s, "id = ?", appeal.RelatedID).Error; err != nil {
		return wrapNotFound(err)
	}
	s.IsActive = false
	s.LiftedBy = appeal.ReviewedBy
	s.UpdatedAt = now
	if err := tx.Save(&s).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Strike{}).
		Where("user_id = ? AND is_active = ?", s.UserID, true).
		Update("is_active", false).Error; err != nil {
		return err
	}
	return tx.Model(&models.User{}).Where("id = ?", s.UserID).
		Updates(map[string]any{"active": true, "updated_at": now}).Error
}

// claimWaiver records the one-per-year emergency waiver. The unique index
// on (user, year) backs the constraint; a conflicting claim fails here.
func claimWaiver(tx *gorm.DB, appeal *models.Appeal, now time.Time) error {
	year := now.UTC().Year()
	var used int64
	if err := tx.Model(&models.EmergencyWaiver{}).
		Where("user_id = ? AND year = ?", appeal.UserID, year).
		Count(&used).Error; err != nil {
		return err
	}
	if used > 0 {
		return ErrWaiverUsed
	}
	waiver := models.EmergencyWaiver{
		UserID:        appeal.UserID,
		Year:          year,
		AppealID:      appeal.ID,
		EmergencyType: appeal.EmergencyType,
		CreatedAt:     now,
	}
	return tx.Create(&waiver).Error
}

// Withdraw lets the filer retract a pending appeal without consequence.
func (e *Engine) Withdraw(ctx context.Context, appealID, userID int64) error {
	now := e.now()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appeal models.Appeal
		if err := tx.Clauses(lockForUpdate()).First(&appeal, "id = ?", appealID).Error; err != nil {
			return wrapNotFound(err)
		}
		if appeal.UserID != userID {
			return ErrNotOwner
		}
		if appeal.Status != models.AppealPending {
			return ErrNotPending
		}
		appeal.Status = models.AppealWithdrawn
		appeal.UpdatedAt = now
		return tx.Save(&appeal).Error
	})
}
