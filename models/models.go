package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Role enumerations for persistence.
const (
	RoleStaff   = "staff"
	RoleCompany = "company"
	RoleAgency  = "agency"
	RoleAdmin   = "admin"
)

// WalletStatus represents a state in the wallet status machine.
type WalletStatus string

const (
	WalletActive      WalletStatus = "active"
	WalletGracePeriod WalletStatus = "grace_period"
	WalletSuspended   WalletStatus = "suspended"
)

// ShiftStatus represents the lifecycle state of a posted shift.
type ShiftStatus string

const (
	ShiftDraft      ShiftStatus = "draft"
	ShiftOpen       ShiftStatus = "open"
	ShiftFilled     ShiftStatus = "filled"
	ShiftInProgress ShiftStatus = "in_progress"
	ShiftCompleted  ShiftStatus = "completed"
	ShiftCancelled  ShiftStatus = "cancelled"
)

// ApplicationStatus tracks a worker's application to a shift.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationWithdrawn ApplicationStatus = "withdrawn"
)

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TxTopup           TransactionType = "topup"
	TxReserve         TransactionType = "reserve"
	TxRelease         TransactionType = "release"
	TxSettlement      TransactionType = "settlement"
	TxCommission      TransactionType = "commission"
	TxPayout          TransactionType = "payout"
	TxRefund          TransactionType = "refund"
	TxCancellationFee TransactionType = "cancellation_fee"
	TxPenalty         TransactionType = "penalty"
)

// TransactionStatus tracks ledger entry settlement.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// HoldStatus tracks a funds hold across its lifecycle.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
	HoldExpired  HoldStatus = "expired"
)

// ScheduledReserveStatus tracks deferred multi-day reserves.
type ScheduledReserveStatus string

const (
	ReservePending    ScheduledReserveStatus = "pending"
	ReserveProcessing ScheduledReserveStatus = "processing"
	ReserveCompleted  ScheduledReserveStatus = "completed"
	ReserveFailed     ScheduledReserveStatus = "failed"
	ReserveCancelled  ScheduledReserveStatus = "cancelled"
)

// PayoutType and PayoutStatus track disbursements.
type PayoutType string

const (
	PayoutWeekly  PayoutType = "weekly"
	PayoutInstant PayoutType = "instant"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCancelled PayoutStatus = "cancelled"
)

// DisputeStatus tracks arbitration state.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeUnderReview     DisputeStatus = "under_review"
	DisputeResolvedFor     DisputeStatus = "resolved_for_raiser"
	DisputeResolvedAgainst DisputeStatus = "resolved_against_raiser"
	DisputeClosed          DisputeStatus = "closed"
)

// PenaltyStatus tracks collection of a no-show penalty.
type PenaltyStatus string

const (
	PenaltyPending    PenaltyStatus = "pending"
	PenaltyCollected  PenaltyStatus = "collected"
	PenaltyWaived     PenaltyStatus = "waived"
	PenaltyWrittenOff PenaltyStatus = "written_off"
)

// AppealType and AppealStatus track sanction appeals.
type AppealType string

const (
	AppealPenalty    AppealType = "penalty"
	AppealStrike     AppealType = "strike"
	AppealSuspension AppealType = "suspension"
)

type AppealStatus string

const (
	AppealPending   AppealStatus = "pending"
	AppealApproved  AppealStatus = "approved"
	AppealDenied    AppealStatus = "denied"
	AppealWithdrawn AppealStatus = "withdrawn"
)

// User is opaque to the financial core beyond role and active flag.
type User struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Role      string `gorm:"size:16;index"`
	Active    bool   `gorm:"not null;default:true"`
	Deleted   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wallet holds a user's balance and reservation state. Invariant:
// balance >= reserved >= 0; available = balance - reserved.
type Wallet struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	UserID            int64           `gorm:"uniqueIndex;not null"`
	Balance           decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Reserved          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	MinimumBalance    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	AutoTopupEnabled  bool            `gorm:"not null;default:false"`
	AutoTopupThresh   decimal.Decimal `gorm:"type:numeric(12,2)"`
	AutoTopupAmount   decimal.Decimal `gorm:"type:numeric(12,2)"`
	AutoTopupMethod   string          `gorm:"size:64"`
	Status            WalletStatus    `gorm:"size:16;index;default:active"`
	GracePeriodEndsAt *time.Time
	LastFailedTopupAt *time.Time
	GraceWarnedAt     *time.Time
	ExternalAccountID string `gorm:"size:128"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Available reports the spendable portion of the balance.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Reserved)
}

// Shift describes a posting. Mode-B shifts carry both PostedByAgencyID and
// ClientCompanyID with IsAgencyManaged set.
type Shift struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	CompanyID         int64  `gorm:"index;not null"`
	PostedByAgencyID  *int64 `gorm:"index"`
	ClientCompanyID   *int64
	IsAgencyManaged   bool            `gorm:"not null;default:false"`
	Date              time.Time       `gorm:"index"`
	StartTime         time.Time       `gorm:"not null"`
	EndTime           time.Time       `gorm:"not null"`
	HourlyRate        decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	SpotsTotal        int             `gorm:"not null;default:1"`
	SpotsFilled       int             `gorm:"not null;default:0"`
	Status            ShiftStatus     `gorm:"size:16;index"`
	ClockInAt         *time.Time
	ClockOutAt        *time.Time
	ActualHoursWorked *decimal.Decimal `gorm:"type:numeric(10,2)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Application links a worker to a shift. Unique per (shift, applicant).
type Application struct {
	ID          int64             `gorm:"primaryKey;autoIncrement"`
	ShiftID     int64             `gorm:"not null;uniqueIndex:idx_shift_applicant"`
	ApplicantID int64             `gorm:"not null;uniqueIndex:idx_shift_applicant"`
	Status      ApplicationStatus `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction is the append-only ledger. Every wallet balance change carries
// a matching transaction row in the same database transaction.
type Transaction struct {
	ID               int64             `gorm:"primaryKey;autoIncrement"`
	WalletID         int64             `gorm:"index;not null"`
	Type             TransactionType   `gorm:"size:24;index;not null"`
	Amount           decimal.Decimal   `gorm:"type:numeric(12,2);not null"`
	Fee              decimal.Decimal   `gorm:"type:numeric(12,2);not null"`
	NetAmount        decimal.Decimal   `gorm:"type:numeric(12,2);not null"`
	Status           TransactionStatus `gorm:"size:16;index;not null"`
	IdempotencyKey   string            `gorm:"size:128;uniqueIndex;not null"`
	RelatedShiftID   *int64            `gorm:"index"`
	Description      string            `gorm:"size:255"`
	StripeChargeID   string            `gorm:"size:128"`
	StripeTransferID string            `gorm:"size:128"`
	FailureReason    string            `gorm:"size:255"`
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// FundsHold pins reserved balance against a shift. At most one active hold
// per (wallet, shift); sum of active holds equals Wallet.Reserved.
type FundsHold struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	WalletID    int64           `gorm:"index;not null"`
	ShiftID     int64           `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Status      HoldStatus      `gorm:"size:16;index;not null"`
	Description string          `gorm:"size:255"`
	ExpiresAt   *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScheduledReserve defers the hold for each non-first day of a multi-day
// shift until 48 h before that day starts.
type ScheduledReserve struct {
	ID            int64                  `gorm:"primaryKey;autoIncrement"`
	ShiftID       int64                  `gorm:"index;not null"`
	WalletID      int64                  `gorm:"index;not null"`
	ShiftDate     time.Time              `gorm:"not null"`
	Amount        decimal.Decimal        `gorm:"type:numeric(12,2);not null"`
	ExecuteAt     time.Time              `gorm:"index;not null"`
	Status        ScheduledReserveStatus `gorm:"size:16;index;not null"`
	FailureReason string                 `gorm:"size:255"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payout tracks a disbursement toward a user's external account.
type Payout struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	WalletID       int64           `gorm:"index;not null"`
	IdempotencyKey string          `gorm:"size:128;uniqueIndex;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Fee            decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	NetAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Type           PayoutType      `gorm:"size:16;index;not null"`
	Status         PayoutStatus    `gorm:"size:16;index;not null"`
	ScheduledDate  time.Time       `gorm:"index"`
	ExternalID     string          `gorm:"size:128;index"`
	FailureReason  string          `gorm:"size:255"`
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Dispute moves a completed shift's funds into escrow pending arbitration.
type Dispute struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement"`
	ShiftID            int64           `gorm:"index;not null"`
	RaisedByUserID     int64           `gorm:"index;not null"`
	AgainstUserID      int64           `gorm:"index;not null"`
	AmountDisputed     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Reason             string          `gorm:"size:512"`
	Evidence           string          `gorm:"type:text"`
	Status             DisputeStatus   `gorm:"size:32;index;not null"`
	ResolutionDeadline time.Time       `gorm:"index;not null"`
	AdminNotes         string          `gorm:"size:512"`
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Strike marks a worker's record for 90 days. Warning-only strikes never
// count toward suspension.
type Strike struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	UserID        int64  `gorm:"index;not null"`
	ShiftID       *int64 `gorm:"index"`
	Reason        string `gorm:"size:255"`
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index;not null"`
	IsActive      bool      `gorm:"not null;default:true"`
	IsWarningOnly bool      `gorm:"not null;default:false"`
}

// AgencyStrike is the structured reliability record for agency-supplied
// no-shows. Two active strikes trigger a warning, five a suspension review.
type AgencyStrike struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	AgencyID  int64  `gorm:"index;not null"`
	ShiftID   int64  `gorm:"index;not null"`
	Source    string `gorm:"size:32;index"`
	Reason    string `gorm:"size:255"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

// Penalty is the monetary sanction for a no-show.
type Penalty struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	UserID          int64           `gorm:"index;not null"`
	ShiftID         int64           `gorm:"index;not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Reason          string          `gorm:"size:255"`
	Status          PenaltyStatus   `gorm:"size:16;index;not null"`
	CollectedAmount *decimal.Decimal `gorm:"type:numeric(12,2)"`
	WaivedBy        *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NegativeBalance carries debt forward until offset by earnings.
type NegativeBalance struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	UserID         int64           `gorm:"uniqueIndex;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	LastActivityAt time.Time       `gorm:"index;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserSuspension blocks a user; SuspendedUntil nil means indefinite.
type UserSuspension struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	UserID         int64  `gorm:"index;not null"`
	Reason         string `gorm:"size:255"`
	SuspendedAt    time.Time
	SuspendedUntil *time.Time
	IsActive       bool `gorm:"not null;default:true"`
	LiftedBy       *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Appeal contests a penalty, strike, or suspension within its window.
type Appeal struct {
	ID                  int64        `gorm:"primaryKey;autoIncrement"`
	UserID              int64        `gorm:"index;not null"`
	AppealType          AppealType   `gorm:"size:16;index;not null"`
	RelatedID           int64        `gorm:"not null"`
	Reason              string       `gorm:"size:512"`
	EvidenceURLs        string       `gorm:"type:text"`
	EmergencyType       string       `gorm:"size:64"`
	Status              AppealStatus `gorm:"size:16;index;not null"`
	AppealDeadline      time.Time    `gorm:"not null"`
	ReviewedBy          *int64
	ReviewNotes         string `gorm:"size:512"`
	FrivolousFeeCharged bool   `gorm:"not null;default:false"`
	EmergencyWaiverUsed bool   `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EmergencyWaiver is claimable once per user per calendar year.
type EmergencyWaiver struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	UserID        int64  `gorm:"not null;uniqueIndex:idx_waiver_user_year"`
	Year          int    `gorm:"not null;uniqueIndex:idx_waiver_user_year"`
	AppealID      int64  `gorm:"not null"`
	EmergencyType string `gorm:"size:64"`
	CreatedAt     time.Time
}

// ProcessedWebhookEvent serialises payment-provider webhook replays through
// its unique event id.
type ProcessedWebhookEvent struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"size:128;uniqueIndex;not null"`
	EventType string `gorm:"size:64;index"`
	Result    string `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores gateway request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Wallet{},
		&Shift{},
		&Application{},
		&Transaction{},
		&FundsHold{},
		&ScheduledReserve{},
		&Payout{},
		&Dispute{},
		&Strike{},
		&AgencyStrike{},
		&Penalty{},
		&NegativeBalance{},
		&UserSuspension{},
		&Appeal{},
		&EmergencyWaiver{},
		&ProcessedWebhookEvent{},
		&IdempotencyKey{},
	)
}
