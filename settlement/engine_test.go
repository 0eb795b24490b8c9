package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/wallet"
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

func createUser(t *testing.T, db *gorm.DB, role string) models.User {
	t.Helper()
	u := models.User{Role: role, Active: true}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func createWallet(t *testing.T, db *gorm.DB, userID int64, balanceCents int64) models.Wallet {
	t.Helper()
	w := models.Wallet{
		UserID:   userID,
		Balance:  money.FromCents(balanceCents),
		Reserved: money.Zero,
		Status:   models.WalletActive,
	}
	if err := db.Create(&w).Error; err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func createShift(t *testing.T, db *gorm.DB, companyID int64, start time.Time, hours int, rateCents int64) models.Shift {
	t.Helper()
	s := models.Shift{
		CompanyID:  companyID,
		Date:       start.Truncate(24 * time.Hour),
		StartTime:  start,
		EndTime:    start.Add(time.Duration(hours) * time.Hour),
		HourlyRate: money.FromCents(rateCents),
		SpotsTotal: 1,
		Status:     models.ShiftOpen,
	}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("create shift: %v", err)
	}
	return s
}

func acceptWorker(t *testing.T, db *gorm.DB, shiftID, workerID int64) {
	t.Helper()
	app := models.Application{ShiftID: shiftID, ApplicantID: workerID, Status: models.ApplicationAccepted}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("create application: %v", err)
	}
	if err := db.Model(&models.Shift{}).Where("id = ?", shiftID).
		Updates(map[string]any{"status": models.ShiftFilled, "spots_filled": 1}).Error; err != nil {
		t.Fatalf("fill shift: %v", err)
	}
}

func reloadWallet(t *testing.T, db *gorm.DB, id int64) models.Wallet {
	t.Helper()
	var w models.Wallet
	if err := db.First(&w, "id = ?", id).Error; err != nil {
		t.Fatalf("reload wallet: %v", err)
	}
	return w
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestReserveShiftFundsCreatesHold(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	w := createWallet(t, db, company.ID, 20000)
	shift := createShift(t, db, company.ID, now.Add(72*time.Hour), 8, 1500)

	hold, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, "reserve-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !hold.Amount.Equal(money.FromCents(12000)) {
		t.Fatalf("hold amount = %s, want 120.00", hold.Amount)
	}
	got := reloadWallet(t, db, w.ID)
	if !got.Reserved.Equal(money.FromCents(12000)) {
		t.Fatalf("reserved = %s, want 120.00", got.Reserved)
	}
	if !got.Available().Equal(money.FromCents(8000)) {
		t.Fatalf("available = %s, want 80.00", got.Available())
	}

	// Replay returns the same hold without a second reservation.
	again, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, "reserve-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != hold.ID {
		t.Fatalf("replay created new hold %d, want %d", again.ID, hold.ID)
	}
	var txCount int64
	db.Model(&models.Transaction{}).Where("type = ?", models.TxReserve).Count(&txCount)
	if txCount != 1 {
		t.Fatalf("reserve transactions = %d, want 1", txCount)
	}
}

func TestReserveShiftFundsInsufficient(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	createWallet(t, db, company.ID, 5000)
	shift := createShift(t, db, company.ID, now.Add(72*time.Hour), 8, 1500)

	_, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, "")
	var insufficient *wallet.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if !insufficient.Shortfall.Equal(money.FromCents(7000)) {
		t.Fatalf("shortfall = %s, want 70.00", insufficient.Shortfall)
	}
}

func TestSettleShiftSplitsGross(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	worker := createUser(t, db, models.RoleStaff)
	payer := createWallet(t, db, company.ID, 20000)
	earner := createWallet(t, db, worker.ID, 0)
	shift := createShift(t, db, company.ID, now.Add(24*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.SettleShift(context.Background(), shift.ID, nil, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	gotPayer := reloadWallet(t, db, payer.ID)
	gotEarner := reloadWallet(t, db, earner.ID)
	if !gotPayer.Balance.Equal(money.FromCents(8000)) {
		t.Fatalf("payer balance = %s, want 80.00", gotPayer.Balance)
	}
	if gotPayer.Reserved.Sign() != 0 {
		t.Fatalf("payer reserved = %s, want 0", gotPayer.Reserved)
	}
	if !gotEarner.Balance.Equal(money.FromCents(10200)) {
		t.Fatalf("worker balance = %s, want 102.00", gotEarner.Balance)
	}

	var settlementTx models.Transaction
	if err := db.First(&settlementTx, "type = ?", models.TxSettlement).Error; err != nil {
		t.Fatalf("settlement tx: %v", err)
	}
	if !settlementTx.Fee.Equal(money.FromCents(1800)) {
		t.Fatalf("commission = %s, want 18.00", settlementTx.Fee)
	}

	// Replay is a no-op returning the recorded settlement.
	replay, err := engine.SettleShift(context.Background(), shift.ID, nil, nil)
	if err != nil {
		t.Fatalf("settle replay: %v", err)
	}
	if len(replay) != 1 || replay[0].ID != settlementTx.ID {
		t.Fatalf("replay txns = %+v, want stored settlement only", replay)
	}
}

func TestSettleShiftPartialHoursRefundsUnused(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	worker := createUser(t, db, models.RoleStaff)
	payer := createWallet(t, db, company.ID, 20000)
	earner := createWallet(t, db, worker.ID, 0)
	shift := createShift(t, db, company.ID, now.Add(24*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	three := decimal.NewFromInt(3)
	if _, err := engine.SettleShift(context.Background(), shift.ID, &three, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// 3 h x 15.00 = 45.00 gross; 75.00 of the 120.00 hold returns unused.
	gotPayer := reloadWallet(t, db, payer.ID)
	if !gotPayer.Balance.Equal(money.FromCents(15500)) {
		t.Fatalf("payer balance = %s, want 155.00", gotPayer.Balance)
	}
	gotEarner := reloadWallet(t, db, earner.ID)
	if !gotEarner.Balance.Equal(money.FromCents(3825)) {
		t.Fatalf("worker balance = %s, want 38.25", gotEarner.Balance)
	}
	var refund models.Transaction
	if err := db.First(&refund, "type = ?", models.TxRefund).Error; err != nil {
		t.Fatalf("refund tx: %v", err)
	}
	if !refund.Amount.Equal(money.FromCents(7500)) {
		t.Fatalf("refund = %s, want 75.00", refund.Amount)
	}
}

func TestProcessCancellationTiers(t *testing.T) {
	cases := []struct {
		name       string
		leadHours  int
		wantCharge int64
		wantComp   int64
	}{
		{"early_full_refund", 72, 0, 0},
		{"mid_window_half", 30, 6000, 6000},
		{"late_two_hour_charge", 6, 3000, 2550},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			engine := NewEngine(db, WithClock(fixedClock(now)))

			company := createUser(t, db, models.RoleCompany)
			worker := createUser(t, db, models.RoleStaff)
			payer := createWallet(t, db, company.ID, 20000)
			earner := createWallet(t, db, worker.ID, 0)
			start := now.Add(time.Duration(tc.leadHours) * time.Hour)
			shift := createShift(t, db, company.ID, start, 8, 1500)
			acceptWorker(t, db, shift.ID, worker.ID)

			if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if _, err := engine.ProcessCancellation(context.Background(), shift.ID, CancelledByCompany, nil); err != nil {
				t.Fatalf("cancel: %v", err)
			}

			gotPayer := reloadWallet(t, db, payer.ID)
			wantPayer := money.FromCents(20000 - tc.wantCharge)
			if !gotPayer.Balance.Equal(wantPayer) {
				t.Fatalf("payer balance = %s, want %s", gotPayer.Balance, wantPayer)
			}
			if gotPayer.Reserved.Sign() != 0 {
				t.Fatalf("payer reserved = %s, want 0", gotPayer.Reserved)
			}
			gotEarner := reloadWallet(t, db, earner.ID)
			if !gotEarner.Balance.Equal(money.FromCents(tc.wantComp)) {
				t.Fatalf("worker balance = %s, want %d cents", gotEarner.Balance, tc.wantComp)
			}
			var shiftRow models.Shift
			db.First(&shiftRow, "id = ?", shift.ID)
			if shiftRow.Status != models.ShiftCancelled {
				t.Fatalf("shift status = %s, want cancelled", shiftRow.Status)
			}
		})
	}
}

func TestWorkerCancellationRefundsInFull(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	worker := createUser(t, db, models.RoleStaff)
	payer := createWallet(t, db, company.ID, 20000)
	shift := createShift(t, db, company.ID, now.Add(2*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.ProcessCancellation(context.Background(), shift.ID, CancelledByWorker, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := reloadWallet(t, db, payer.ID)
	if !got.Balance.Equal(money.FromCents(20000)) || got.Reserved.Sign() != 0 {
		t.Fatalf("payer balance/reserved = %s/%s, want full refund", got.Balance, got.Reserved)
	}
}

func TestScheduledReserveAugmentsHold(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	worker := createUser(t, db, models.RoleStaff)
	payer := createWallet(t, db, company.ID, 50000)
	shift := createShift(t, db, company.ID, now.Add(24*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve day 1: %v", err)
	}
	rows, err := engine.ScheduleSubsequentReserves(context.Background(), shift.ID,
		[]time.Time{now.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("scheduled rows = %d, want 1", len(rows))
	}
	if err := engine.ExecuteScheduledReserve(context.Background(), rows[0].ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var hold models.FundsHold
	if err := db.First(&hold, "shift_id = ? AND status = ?", shift.ID, models.HoldActive).Error; err != nil {
		t.Fatalf("load hold: %v", err)
	}
	if !hold.Amount.Equal(money.FromCents(24000)) {
		t.Fatalf("hold amount = %s, want 240.00 for two days", hold.Amount)
	}
	got := reloadWallet(t, db, payer.ID)
	if !got.Reserved.Equal(money.FromCents(24000)) {
		t.Fatalf("reserved = %s, want 240.00", got.Reserved)
	}

	var row models.ScheduledReserve
	db.First(&row, "id = ?", rows[0].ID)
	if row.Status != models.ReserveCompleted {
		t.Fatalf("reserve status = %s, want completed", row.Status)
	}
}

func TestScheduledReserveInsufficientMarksFailed(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	worker := createUser(t, db, models.RoleStaff)
	createWallet(t, db, company.ID, 13000)
	shift := createShift(t, db, company.ID, now.Add(24*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve day 1: %v", err)
	}
	rows, err := engine.ScheduleSubsequentReserves(context.Background(), shift.ID,
		[]time.Time{now.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := engine.ExecuteScheduledReserve(context.Background(), rows[0].ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var row models.ScheduledReserve
	db.First(&row, "id = ?", rows[0].ID)
	if row.Status != models.ReserveFailed {
		t.Fatalf("reserve status = %s, want failed", row.Status)
	}
	if row.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestExpireFundsHolds(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(start)))

	company := createUser(t, db, models.RoleCompany)
	payer := createWallet(t, db, company.ID, 20000)
	shift := createShift(t, db, company.ID, start.Add(time.Hour), 8, 1500)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Two days later the hold has passed shift end + 24 h grace.
	late := start.Add(72 * time.Hour)
	engine.now = fixedClock(late)
	if err := engine.ExpireFundsHolds(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	var hold models.FundsHold
	db.First(&hold, "shift_id = ?", shift.ID)
	if hold.Status != models.HoldExpired {
		t.Fatalf("hold status = %s, want expired", hold.Status)
	}
	got := reloadWallet(t, db, payer.ID)
	if got.Reserved.Sign() != 0 {
		t.Fatalf("reserved = %s, want 0", got.Reserved)
	}
}

func TestAgencyManagedShiftRoutesThroughAgency(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	company := createUser(t, db, models.RoleCompany)
	agency := createUser(t, db, models.RoleAgency)
	worker := createUser(t, db, models.RoleStaff)
	agencyWallet := createWallet(t, db, agency.ID, 30000)
	createWallet(t, db, company.ID, 0)
	createWallet(t, db, worker.ID, 0)

	shift := createShift(t, db, company.ID, now.Add(24*time.Hour), 8, 1500)
	if err := db.Model(&models.Shift{}).Where("id = ?", shift.ID).Updates(map[string]any{
		"is_agency_managed":   true,
		"posted_by_agency_id": agency.ID,
		"client_company_id":   company.ID,
	}).Error; err != nil {
		t.Fatalf("mark agency managed: %v", err)
	}
	acceptWorker(t, db, shift.ID, worker.ID)

	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	gotAgency := reloadWallet(t, db, agencyWallet.ID)
	if !gotAgency.Reserved.Equal(money.FromCents(12000)) {
		t.Fatalf("agency reserved = %s, want 120.00", gotAgency.Reserved)
	}

	if _, err := engine.SettleShift(context.Background(), shift.ID, nil, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Mode B: the agency both funds the shift and receives the worker share,
	// so it nets the commission as the only balance change.
	gotAgency = reloadWallet(t, db, agencyWallet.ID)
	if !gotAgency.Balance.Equal(money.FromCents(28200)) {
		t.Fatalf("agency balance = %s, want 282.00", gotAgency.Balance)
	}
}

func TestLateCancellationPaysLowerNumberedWorkerWallet(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))

	// Worker wallet created first so its row id sorts below the payer's.
	worker := createUser(t, db, models.RoleStaff)
	earner := createWallet(t, db, worker.ID, 0)
	company := createUser(t, db, models.RoleCompany)
	payer := createWallet(t, db, company.ID, 20000)
	if earner.ID >= payer.ID {
		t.Fatalf("fixture wallets out of order: earner %d, payer %d", earner.ID, payer.ID)
	}

	shift := createShift(t, db, company.ID, now.Add(6*time.Hour), 8, 1500)
	acceptWorker(t, db, shift.ID, worker.ID)
	if _, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.ProcessCancellation(context.Background(), shift.ID, CancelledByCompany, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Two hours at $15 forfeited; the worker keeps 85% of the charge.
	gotPayer := reloadWallet(t, db, payer.ID)
	if !gotPayer.Balance.Equal(money.FromCents(17000)) {
		t.Fatalf("payer balance = %s, want 170.00", gotPayer.Balance)
	}
	if gotPayer.Reserved.Sign() != 0 {
		t.Fatalf("payer reserved = %s, want 0", gotPayer.Reserved)
	}
	gotEarner := reloadWallet(t, db, earner.ID)
	if !gotEarner.Balance.Equal(money.FromCents(2550)) {
		t.Fatalf("worker balance = %s, want 25.50", gotEarner.Balance)
	}
}

func TestConcurrentReservesCreateSingleHold(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(fixedClock(now)))
	company := createUser(t, db, models.RoleCompany)
	w := createWallet(t, db, company.ID, 40000)
	shift := createShift(t, db, company.ID, now.Add(72*time.Hour), 8, 1500)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := engine.ReserveShiftFunds(context.Background(), shift.ID, nil, fmt.Sprintf("race-%d", n))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var succeeded, duplicate int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrHoldExists):
			duplicate++
		default:
			t.Fatalf("reserve: %v", err)
		}
	}
	if succeeded != 1 || duplicate != 1 {
		t.Fatalf("reserves: %d succeeded, %d rejected, want exactly one of each", succeeded, duplicate)
	}
	var holds int64
	db.Model(&models.FundsHold{}).Where("shift_id = ? AND status = ?", shift.ID, models.HoldActive).Count(&holds)
	if holds != 1 {
		t.Fatalf("active holds = %d, want 1", holds)
	}
	if got := reloadWallet(t, db, w.ID); !got.Reserved.Equal(money.FromCents(12000)) {
		t.Fatalf("reserved = %s, want a single 120.00 hold", got.Reserved)
	}
}
