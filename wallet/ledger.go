// Package wallet implements the per-user ledger: available and reserved
// balances, the active/grace/suspended status machine, and the append-only
// transaction log that is the sole write path for balance changes.
package wallet

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
	"extrashifty/payments"
)

// GracePeriod is how long a wallet may recover after a failed topup before
// suspension.
const GracePeriod = 48 * time.Hour

// GraceWarningLead is how far before the grace deadline the warning notice
// fires.
const GraceWarningLead = 24 * time.Hour

var (
	// ErrWalletNotFound indicates the wallet id or user id was unknown.
	ErrWalletNotFound = errors.New("wallet: not found")
	// ErrWalletSuspended indicates the wallet cannot transact until reactivated.
	ErrWalletSuspended = errors.New("wallet: suspended")
	// ErrInvalidAmount rejects non-positive amounts on public operations.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")
	// ErrInvalidAutoTopup rejects incomplete auto-topup configuration.
	ErrInvalidAutoTopup = errors.New("wallet: auto-topup requires threshold, amount, and payment method")
	// ErrInvariant signals reserved exceeding balance on read. The enclosing
	// transaction rolls back; there is no automatic recovery.
	ErrInvariant = errors.New("wallet: ledger invariant violated")
)

// InsufficientFundsError carries the shortfall for the caller to surface.
type InsufficientFundsError struct {
	Required       decimal.Decimal
	Available      decimal.Decimal
	Shortfall      decimal.Decimal
	MinimumBalance decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("wallet: insufficient funds: required %s available %s shortfall %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

// Ledger wires wallet operations to the database, the payment processor, and
// the notification sink.
type Ledger struct {
	db        *gorm.DB
	processor payments.Processor
	sink      notify.Sink
	now       func() time.Time
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithProcessor supplies the payment processor used for charges.
func WithProcessor(p payments.Processor) Option {
	return func(l *Ledger) { l.processor = p }
}

// WithSink supplies the notification sink.
func WithSink(s notify.Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithClock sets the time source. Primarily for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger constructs a wallet ledger backed by the provided database.
func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:   db,
		sink: notify.NoopSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DB exposes the underlying handle for engines composing wallet helpers
// inside their own transactions.
func (l *Ledger) DB() *gorm.DB { return l.db }

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// Lock loads a wallet row under FOR UPDATE inside tx.
func Lock(tx *gorm.DB, walletID int64) (*models.Wallet, error) {
	var w models.Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "id = ?", walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if err := checkInvariant(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// LockByUser loads a user's wallet row under FOR UPDATE inside tx.
func LockByUser(tx *gorm.DB, userID int64) (*models.Wallet, error) {
	var w models.Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if err := checkInvariant(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// LockPair acquires both wallet rows in ascending id order so concurrent
// cross-wallet operations cannot deadlock. The returned wallets preserve the
// argument order.
func LockPair(tx *gorm.DB, aID, bID int64) (*models.Wallet, *models.Wallet, error) {
	if aID == bID {
		w, err := Lock(tx, aID)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}
	first, second := aID, bID
	if second < first {
		first, second = second, first
	}
	w1, err := Lock(tx, first)
	if err != nil {
		return nil, nil, err
	}
	w2, err := Lock(tx, second)
	if err != nil {
		return nil, nil, err
	}
	if w1.ID == aID {
		return w1, w2, nil
	}
	return w2, w1, nil
}

func checkInvariant(w *models.Wallet) error {
	if w.Reserved.Sign() < 0 || w.Balance.LessThan(w.Reserved) {
		return fmt.Errorf("%w: wallet %d balance %s reserved %s",
			ErrInvariant, w.ID, w.Balance.StringFixed(2), w.Reserved.StringFixed(2))
	}
	return nil
}

// Entry describes one ledger row to append alongside a balance mutation.
type Entry struct {
	WalletID       int64
	Type           models.TransactionType
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Status         models.TransactionStatus
	IdempotencyKey string
	RelatedShiftID *int64
	Description    string
	ExternalID     string
	FailureReason  string
}

// FindByIdempotencyKey returns the existing transaction for key, if any.
// Engines call this inside their transaction before any side effect.
func FindByIdempotencyKey(tx *gorm.DB, key string) (*models.Transaction, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	var existing models.Transaction
	err := tx.First(&existing, "idempotency_key = ?", key).Error
	if err == nil {
		return &existing, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// Append writes one transaction row. The unique constraint on the
// idempotency key is the last line of defence against concurrent replays.
func Append(tx *gorm.DB, now time.Time, e Entry) (*models.Transaction, error) {
	key := strings.TrimSpace(e.IdempotencyKey)
	if key == "" {
		key = money.NewIdempotencyKey(string(e.Type))
	}
	row := models.Transaction{
		WalletID:       e.WalletID,
		Type:           e.Type,
		Amount:         money.Round2(e.Amount),
		Fee:            money.Round2(e.Fee),
		NetAmount:      money.Round2(e.Amount.Sub(e.Fee)),
		Status:         e.Status,
		IdempotencyKey: key,
		RelatedShiftID: e.RelatedShiftID,
		Description:    e.Description,
		FailureReason:  e.FailureReason,
		CreatedAt:      now,
	}
	switch e.Type {
	case models.TxTopup:
		row.StripeChargeID = e.ExternalID
	default:
		row.StripeTransferID = e.ExternalID
	}
	if e.Status == models.TxCompleted {
		completed := now
		row.CompletedAt = &completed
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	metrics.Ledger().ObserveTransaction(string(row.Type), string(row.Status))
	return &row, nil
}

// Credit adds to the locked wallet's balance and persists the row.
func Credit(tx *gorm.DB, w *models.Wallet, amount decimal.Decimal, now time.Time) error {
	w.Balance = w.Balance.Add(money.Round2(amount))
	return save(tx, w, now)
}

// Debit removes from the locked wallet's balance and persists the row.
func Debit(tx *gorm.DB, w *models.Wallet, amount decimal.Decimal, now time.Time) error {
	w.Balance = w.Balance.Sub(money.Round2(amount))
	return save(tx, w, now)
}

// ReserveAdd moves amount from available into reserved.
func ReserveAdd(tx *gorm.DB, w *models.Wallet, amount decimal.Decimal, now time.Time) error {
	w.Reserved = w.Reserved.Add(money.Round2(amount))
	return save(tx, w, now)
}

// ReserveSub releases amount from reserved back to available.
func ReserveSub(tx *gorm.DB, w *models.Wallet, amount decimal.Decimal, now time.Time) error {
	w.Reserved = w.Reserved.Sub(money.Round2(amount))
	return save(tx, w, now)
}

func save(tx *gorm.DB, w *models.Wallet, now time.Time) error {
	if err := checkInvariant(w); err != nil {
		return err
	}
	w.UpdatedAt = now
	return tx.Save(w).Error
}

// GetOrCreate returns the user's wallet, creating an empty active one on
// first use.
func (l *Ledger) GetOrCreate(ctx context.Context, userID int64) (*models.Wallet, error) {
	var w models.Wallet
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&w, "user_id = ?", userID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := l.now()
		w = models.Wallet{
			UserID:         userID,
			Balance:        money.Zero,
			Reserved:       money.Zero,
			MinimumBalance: money.Zero,
			Status:         models.WalletActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Create(&w).Error
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Topup charges the processor then credits the balance. A processor failure
// writes a failed transaction, starts the 48 h grace period, and emits a
// topup_failed notice; the error is still returned to the caller.
func (l *Ledger) Topup(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, idemKey string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if l.processor == nil {
		return nil, fmt.Errorf("wallet: payment processor not configured")
	}
	amount = money.Round2(amount)
	if strings.TrimSpace(idemKey) == "" {
		idemKey = money.NewIdempotencyKey("topup")
	}

	// Replay check before touching the provider.
	var replay *models.Transaction
	if err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := FindByIdempotencyKey(tx, idemKey)
		if err != nil {
			return err
		}
		replay = existing
		return nil
	}); err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	externalID, chargeErr := l.processor.Charge(ctx, amount, paymentMethod, idemKey)
	now := l.now()

	var out *models.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := LockByUser(tx, userID)
		if err != nil {
			return err
		}
		if chargeErr != nil {
			failed, err := Append(tx, now, Entry{
				WalletID:       w.ID,
				Type:           models.TxTopup,
				Amount:         amount,
				Status:         models.TxFailed,
				IdempotencyKey: idemKey,
				FailureReason:  chargeErr.Error(),
			})
			if err != nil {
				return err
			}
			out = failed
			deadline := now.Add(GracePeriod)
			w.Status = models.WalletGracePeriod
			w.GracePeriodEndsAt = &deadline
			w.LastFailedTopupAt = &now
			w.GraceWarnedAt = nil
			return save(tx, w, now)
		}
		completed, err := Append(tx, now, Entry{
			WalletID:       w.ID,
			Type:           models.TxTopup,
			Amount:         amount,
			Status:         models.TxCompleted,
			IdempotencyKey: idemKey,
			ExternalID:     externalID,
		})
		if err != nil {
			return err
		}
		out = completed
		return Credit(tx, w, amount, now)
	})
	if err != nil {
		return nil, err
	}
	if chargeErr != nil {
		l.sink.Notify(ctx, notify.Notice{
			Kind:   notify.KindTopupFailed,
			UserID: userID,
			Title:  "Top-up failed",
			Body:   "Your wallet top-up failed. Resolve it within 48 hours to avoid suspension.",
		})
		return out, fmt.Errorf("wallet: topup charge: %w", chargeErr)
	}
	return out, nil
}

// ConfigureAutoTopup updates the wallet's auto-topup settings. Enabling
// requires threshold, amount, and payment method.
func (l *Ledger) ConfigureAutoTopup(ctx context.Context, userID int64, enabled bool, threshold, amount decimal.Decimal, paymentMethod string) error {
	if enabled {
		if threshold.Sign() <= 0 || amount.Sign() <= 0 || strings.TrimSpace(paymentMethod) == "" {
			return ErrInvalidAutoTopup
		}
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := LockByUser(tx, userID)
		if err != nil {
			return err
		}
		w.AutoTopupEnabled = enabled
		w.AutoTopupThresh = money.Round2(threshold)
		w.AutoTopupAmount = money.Round2(amount)
		w.AutoTopupMethod = strings.TrimSpace(paymentMethod)
		return save(tx, w, l.now())
	})
}

// Reactivate moves a wallet out of grace_period or suspended once its
// available balance covers requiredMin.
func (l *Ledger) Reactivate(ctx context.Context, walletID int64, requiredMin decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := Lock(tx, walletID)
		if err != nil {
			return err
		}
		if w.Status == models.WalletActive {
			return nil
		}
		if w.Available().LessThan(requiredMin) {
			return &InsufficientFundsError{
				Required:  requiredMin,
				Available: w.Available(),
				Shortfall: requiredMin.Sub(w.Available()),
			}
		}
		w.Status = models.WalletActive
		w.GracePeriodEndsAt = nil
		w.GraceWarnedAt = nil
		return save(tx, w, l.now())
	})
}

// CheckSuspensions sweeps grace-period wallets: warn 24 h before the
// deadline, suspend once it has passed. Run hourly by the scheduler.
func (l *Ledger) CheckSuspensions(ctx context.Context) error {
	now := l.now()
	var candidates []models.Wallet
	if err := l.db.WithContext(ctx).
		Where("status = ?", models.WalletGracePeriod).
		Find(&candidates).Error; err != nil {
		return err
	}
	var notices []notify.Notice
	for i := range candidates {
		id := candidates[i].ID
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := Lock(tx, id)
			if err != nil {
				return err
			}
			if w.Status != models.WalletGracePeriod || w.GracePeriodEndsAt == nil {
				return nil
			}
			switch {
			case !now.Before(*w.GracePeriodEndsAt):
				w.Status = models.WalletSuspended
				w.GracePeriodEndsAt = nil
				if err := save(tx, w, now); err != nil {
					return err
				}
				notices = append(notices, notify.Notice{
					Kind:   notify.KindWalletSuspended,
					UserID: w.UserID,
					Title:  "Wallet suspended",
					Body:   "Your wallet was suspended after the grace period lapsed.",
				})
			case w.GraceWarnedAt == nil && now.After(w.GracePeriodEndsAt.Add(-GraceWarningLead)):
				w.GraceWarnedAt = &now
				if err := save(tx, w, now); err != nil {
					return err
				}
				notices = append(notices, notify.Notice{
					Kind:   notify.KindGraceWarning,
					UserID: w.UserID,
					Title:  "Wallet suspension imminent",
					Body:   "Your wallet will be suspended in less than 24 hours.",
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for _, n := range notices {
		l.sink.Notify(ctx, n)
	}
	return nil
}

// AutoTopupSweep charges configured wallets whose available balance fell
// below their threshold. Transient processor failures are swallowed; the
// next scheduler pass retries.
func (l *Ledger) AutoTopupSweep(ctx context.Context) error {
	var candidates []models.Wallet
	if err := l.db.WithContext(ctx).
		Where("auto_topup_enabled = ? AND status = ?", true, models.WalletActive).
		Find(&candidates).Error; err != nil {
		return err
	}
	for i := range candidates {
		w := candidates[i]
		if w.Available().GreaterThanOrEqual(w.AutoTopupThresh) {
			continue
		}
		key := money.DeriveKey(
			fmt.Sprintf("auto-topup-%d", w.ID),
			l.now().UTC().Format("2006-01-02T15"),
		)
		if _, err := l.Topup(ctx, w.UserID, w.AutoTopupAmount, w.AutoTopupMethod, key); err != nil {
			var perr *payments.ProcessorError
			if errors.As(err, &perr) || errors.Is(err, payments.ErrTimeout) {
				continue
			}
			if errors.Is(err, ErrWalletNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// RebuildReserved recomputes a wallet's reserved column from its active
// holds. Recovery path only.
func RebuildReserved(tx *gorm.DB, walletID int64, now time.Time) error {
	w, err := Lock(tx, walletID)
	if err != nil {
		return err
	}
	var holds []models.FundsHold
	if err := tx.Where("wallet_id = ? AND status = ?", walletID, models.HoldActive).Find(&holds).Error; err != nil {
		return err
	}
	sum := money.Zero
	for _, h := range holds {
		sum = sum.Add(h.Amount)
	}
	w.Reserved = sum
	return save(tx, w, now)
}
