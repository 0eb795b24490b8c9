// Package dispute implements the escrow-backed arbitration flow: rejecting a
// completed shift opens a dispute, the disputed funds move from the shift
// hold into an escrow hold, and resolution (admin or deadline breach) splits
// the escrow between worker and company.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// ResolutionDeadlineBusinessDays is the arbitration window before the
// dispute auto-resolves for the worker.
const ResolutionDeadlineBusinessDays = 3

// FilingWindow is how long after completion a shift can be disputed.
const FilingWindow = 7 * 24 * time.Hour

// autoResolveNote is the fixed system note applied on deadline breach.
const autoResolveNote = "auto-resolved in favor of worker: arbitration deadline passed"

// Resolution selects the arbitration outcome.
type Resolution string

const (
	ResolutionForRaiser     Resolution = "for_raiser"
	ResolutionAgainstRaiser Resolution = "against_raiser"
	ResolutionSplit         Resolution = "split"
)

var (
	// ErrShiftNotCompleted rejects disputes on shifts that never completed.
	ErrShiftNotCompleted = errors.New("dispute: shift not completed")
	// ErrWindowClosed rejects disputes filed more than 7 days after completion.
	ErrWindowClosed = errors.New("dispute: filing window closed")
	// ErrDuplicate rejects a second open dispute for the same shift.
	ErrDuplicate = errors.New("dispute: open dispute already exists")
	// ErrNotFound indicates the dispute id was unknown.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyResolved rejects resolution of a closed dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrInvalidSplit rejects split percentages outside [0, 100].
	ErrInvalidSplit = errors.New("dispute: split percentage out of range")
)

// Engine drives dispute lifecycle and escrow moves.
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

// NewEngine constructs a dispute engine.
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

// Create opens a dispute over a completed shift and moves the disputed
// amount from the shift hold into an escrow hold inside the same
// transaction, leaving the payer wallet's reserved total unchanged.
func (e *Engine) Create(ctx context.Context, shiftID, raisedBy int64, reason string, disputedAmount *decimal.Decimal) (*models.Dispute, error) {
	var (
		out    *models.Dispute
		notice *notify.Notice
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shift, err := settlement.LoadShift(tx, shiftID)
		if err != nil {
			return err
		}
		if shift.Status != models.ShiftCompleted {
			return ErrShiftNotCompleted
		}
		now := e.now()
		completedAt := shift.UpdatedAt
		if shift.ClockOutAt != nil {
			completedAt = *shift.ClockOutAt
		}
		if now.Sub(completedAt) > FilingWindow {
			return ErrWindowClosed
		}
		var openCount int64
		if err := tx.Model(&models.Dispute{}).
			Where("shift_id = ? AND status IN ?", shiftID,
				[]models.DisputeStatus{models.DisputeOpen, models.DisputeUnderReview}).
			Count(&openCount).Error; err != nil {
			return err
		}
		if openCount > 0 {
			return ErrDuplicate
		}

		worker, err := settlement.AcceptedWorker(tx, shiftID)
		if err != nil {
			return err
		}
		var raiser models.User
		if err := tx.First(&raiser, "id = ?", raisedBy).Error; err != nil {
			return err
		}
		against := shift.CompanyID
		if raiser.Role == models.RoleCompany || raiser.Role == models.RoleAgency {
			against = worker
		}

		amount := settlement.DailyCost(shift)
		if disputedAmount != nil {
			amount = money.Round2(*disputedAmount)
		}

		payer, err := wallet.LockByUser(tx, settlement.PayerUserID(shift))
		if err != nil {
			return err
		}

		d := models.Dispute{
			ShiftID:            shiftID,
			RaisedByUserID:     raisedBy,
			AgainstUserID:      against,
			AmountDisputed:     amount,
			Reason:             strings.TrimSpace(reason),
			Status:             models.DisputeOpen,
			ResolutionDeadline: money.AddBusinessDays(now, ResolutionDeadlineBusinessDays),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Create(&d).Error; err != nil {
			return err
		}

		escrow := models.FundsHold{
			WalletID:    payer.ID,
			ShiftID:     shiftID,
			Amount:      amount,
			Status:      models.HoldActive,
			Description: fmt.Sprintf("%sdispute-%d", settlement.EscrowPrefix, d.ID),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		shiftHold, err := settlement.ActiveHold(tx, payer.ID, shiftID)
		switch {
		case err == nil:
			// Carve the disputed amount out of the shift hold; reserved is
			// unchanged net because the escrow hold takes over the coverage.
			carve := money.Min(amount, shiftHold.Amount)
			shiftHold.Amount = shiftHold.Amount.Sub(carve)
			shiftHold.UpdatedAt = now
			if shiftHold.Amount.Sign() == 0 {
				shiftHold.Status = models.HoldReleased
				shiftHold.ReleasedAt = &now
			}
			if err := tx.Save(shiftHold).Error; err != nil {
				return err
			}
			if remainder := amount.Sub(carve); remainder.Sign() > 0 {
				if err := reserveFresh(tx, payer, remainder, now); err != nil {
					return err
				}
			}
		case errors.Is(err, settlement.ErrHoldNotFound):
			if err := reserveFresh(tx, payer, amount, now); err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Create(&escrow).Error; err != nil {
			return err
		}
		out = &d
		notice = &notify.Notice{
			Kind:   notify.KindDisputeOpened,
			UserID: against,
			Title:  "A dispute was opened against you",
			Meta:   map[string]string{"dispute_id": fmt.Sprint(d.ID)},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.refreshOpenGauge(ctx)
	if notice != nil {
		e.sink.Notify(ctx, *notice)
	}
	return out, nil
}

// refreshOpenGauge republishes the open-dispute count. Best effort only.
func (e *Engine) refreshOpenGauge(ctx context.Context) {
	var open int64
	if err := e.db.WithContext(ctx).Model(&models.Dispute{}).
		Where("status IN ?", []models.DisputeStatus{models.DisputeOpen, models.DisputeUnderReview}).
		Count(&open).Error; err != nil {
		return
	}
	metrics.Ledger().SetOpenDisputes(float64(open))
}

// reserveFresh covers escrow not backed by an existing hold by reserving
// additional funds on the payer wallet.
func reserveFresh(tx *gorm.DB, payer *models.Wallet, amount decimal.Decimal, now time.Time) error {
	if payer.Available().LessThan(amount) {
		return &wallet.InsufficientFundsError{
			Required:  amount,
			Available: payer.Available(),
			Shortfall: amount.Sub(payer.Available()),
		}
	}
	return wallet.ReserveAdd(tx, payer, amount, now)
}

// AddEvidence appends evidence text and moves an open dispute under review.
func (e *Engine) AddEvidence(ctx context.Context, disputeID, userID int64, evidence string) error {
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return fmt.Errorf("dispute: evidence is required")
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d models.Dispute
		if err := tx.Clauses(lockForUpdate()).First(&d, "id = ?", disputeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch d.Status {
		case models.DisputeOpen, models.DisputeUnderReview:
		default:
			return ErrAlreadyResolved
		}
		now := e.now()
		entry := fmt.Sprintf("[user %d @ %s] %s", userID, now.UTC().Format(time.RFC3339), evidence)
		if d.Evidence == "" {
			d.Evidence = entry
		} else {
			d.Evidence = d.Evidence + "\n" + entry
		}
		d.Status = models.DisputeUnderReview
		d.UpdatedAt = now
		return tx.Save(&d).Error
	})
}

// Resolve closes the dispute and releases the escrow in one atomic unit.
// splitPct is the worker's share of the escrow regardless of who raised the
// dispute; for_raiser and against_raiser map to 100 or 0 from the raiser's
// role.
func (e *Engine) Resolve(ctx context.Context, disputeID int64, resolution Resolution, splitPct *int, adminNotes string) error {
	workerPct, err := e.workerShare(ctx, disputeID, resolution, splitPct)
	if err != nil {
		return err
	}
	return e.settleEscrow(ctx, disputeID, workerPct, adminNotes, false)
}

func (e *Engine) workerShare(ctx context.Context, disputeID int64, resolution Resolution, splitPct *int) (int, error) {
	var d models.Dispute
	if err := e.db.WithContext(ctx).First(&d, "id = ?", disputeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	raiserIsWorker := d.AgainstUserID != d.RaisedByUserID && !e.isCompanySide(ctx, d.RaisedByUserID)
	switch resolution {
	case ResolutionSplit:
		if splitPct == nil || *splitPct < 0 || *splitPct > 100 {
			return 0, ErrInvalidSplit
		}
		return *splitPct, nil
	case ResolutionForRaiser:
		if raiserIsWorker {
			return 100, nil
		}
		return 0, nil
	case ResolutionAgainstRaiser:
		if raiserIsWorker {
			return 0, nil
		}
		return 100, nil
	default:
		return 0, fmt.Errorf("dispute: invalid resolution %q", resolution)
	}
}

func (e *Engine) isCompanySide(ctx context.Context, userID int64) bool {
	var u models.User
	if err := e.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return false
	}
	return u.Role == models.RoleCompany || u.Role == models.RoleAgency
}

// settleEscrow releases the escrow hold: workerPct percent of the disputed
// amount is paid to the worker, the remainder returns to the payer wallet.
func (e *Engine) settleEscrow(ctx context.Context, disputeID int64, workerPct int, adminNotes string, auto bool) error {
	var notices []notify.Notice
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d models.Dispute
		if err := tx.Clauses(lockForUpdate()).First(&d, "id = ?", disputeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch d.Status {
		case models.DisputeOpen, models.DisputeUnderReview:
		default:
			return ErrAlreadyResolved
		}

		shift, err := settlement.LoadShift(tx, d.ShiftID)
		if err != nil {
			return err
		}
		workerUser, err := settlement.AcceptedWorker(tx, d.ShiftID)
		if err != nil {
			return err
		}
		payerUser := settlement.PayerUserID(shift)

		var payerWalletID, workerWalletID int64
		if err := walletIDForUser(tx, payerUser, &payerWalletID); err != nil {
			return err
		}
		if err := walletIDForUser(tx, workerUser, &workerWalletID); err != nil {
			return err
		}
		payer, worker, err := wallet.LockPair(tx, payerWalletID, workerWalletID)
		if err != nil {
			return err
		}

		var escrow models.FundsHold
		if err := tx.Clauses(lockForUpdate()).
			First(&escrow, "shift_id = ? AND status = ? AND description = ?",
				d.ShiftID, models.HoldActive,
				fmt.Sprintf("%sdispute-%d", settlement.EscrowPrefix, d.ID)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("dispute: escrow hold missing for dispute %d", d.ID)
			}
			return err
		}

		now := e.now()
		workerAmount := money.Percent(escrow.Amount, decimal.New(int64(workerPct), -2))
		refund := escrow.Amount.Sub(workerAmount)

		terminal := models.HoldReleased
		if workerAmount.Sign() > 0 {
			terminal = models.HoldSettled
		}
		if err := settlement.ReleaseHold(tx, &escrow, payer, terminal, now); err != nil {
			return err
		}
		baseKey := fmt.Sprintf("resolve-dispute-%d", d.ID)
		shiftID := d.ShiftID
		if workerAmount.Sign() > 0 {
			if err := wallet.Debit(tx, payer, workerAmount, now); err != nil {
				return err
			}
			if err := wallet.Credit(tx, worker, workerAmount, now); err != nil {
				return err
			}
			if _, err := wallet.Append(tx, now, wallet.Entry{
				WalletID:       worker.ID,
				Type:           models.TxSettlement,
				Amount:         workerAmount,
				Status:         models.TxCompleted,
				IdempotencyKey: money.DeriveKey(baseKey, "worker"),
				RelatedShiftID: &shiftID,
				Description:    "dispute resolution payment",
			}); err != nil {
				return err
			}
		}
		if _, err := wallet.Append(tx, now, wallet.Entry{
			WalletID:       payer.ID,
			Type:           models.TxRelease,
			Amount:         refund,
			Status:         models.TxCompleted,
			IdempotencyKey: money.DeriveKey(baseKey, "release"),
			RelatedShiftID: &shiftID,
			Description:    "dispute escrow released",
		}); err != nil {
			return err
		}

		raiserIsWorker := d.RaisedByUserID == workerUser
		switch {
		case workerAmount.Equal(escrow.Amount) && raiserIsWorker,
			workerAmount.Sign() == 0 && !raiserIsWorker:
			d.Status = models.DisputeResolvedFor
		default:
			d.Status = models.DisputeResolvedAgainst
		}
		if auto {
			d.AdminNotes = autoResolveNote
		} else {
			d.AdminNotes = strings.TrimSpace(adminNotes)
		}
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := tx.Save(&d).Error; err != nil {
			return err
		}
		for _, uid := range []int64{d.RaisedByUserID, d.AgainstUserID} {
			notices = append(notices, notify.Notice{
				Kind:   notify.KindDisputeResolved,
				UserID: uid,
				Title:  "Dispute resolved",
				Meta:   map[string]string{"dispute_id": fmt.Sprint(d.ID)},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.refreshOpenGauge(ctx)
	for _, n := range notices {
		e.sink.Notify(ctx, n)
	}
	return nil
}

// AutoResolveOverdue resolves every open or under-review dispute whose
// deadline passed in favour of the worker. Run hourly by the scheduler.
func (e *Engine) AutoResolveOverdue(ctx context.Context) error {
	now := e.now()
	var overdue []models.Dispute
	if err := e.db.WithContext(ctx).
		Where("status IN ? AND resolution_deadline < ?",
			[]models.DisputeStatus{models.DisputeOpen, models.DisputeUnderReview}, now).
		Find(&overdue).Error; err != nil {
		return err
	}
	for _, d := range overdue {
		if err := e.settleEscrow(ctx, d.ID, 100, "", true); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return err
		}
	}
	return nil
}

// HasOpenDispute reports whether the shift has an open or under-review
// dispute. Used by the auto-approval sweep.
func HasOpenDispute(tx *gorm.DB, shiftID int64) (bool, error) {
	var count int64
	err := tx.Model(&models.Dispute{}).
		Where("shift_id = ? AND status IN ?", shiftID,
			[]models.DisputeStatus{models.DisputeOpen, models.DisputeUnderReview}).
		Count(&count).Error
	return count > 0, err
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
