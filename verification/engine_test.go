package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"extrashifty/dispute"
	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/settlement"
)

type fixture struct {
	db      *gorm.DB
	company models.User
	worker  models.User
	payerW  models.Wallet
	workerW models.Wallet
	shift   models.Shift
	now     time.Time
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{db: db, now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	f.company = models.User{Role: models.RoleCompany, Active: true}
	f.worker = models.User{Role: models.RoleStaff, Active: true}
	for _, u := range []*models.User{&f.company, &f.worker} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	f.payerW = models.Wallet{UserID: f.company.ID, Balance: money.FromCents(20000), Reserved: money.Zero, Status: models.WalletActive}
	f.workerW = models.Wallet{UserID: f.worker.ID, Balance: money.Zero, Reserved: money.Zero, Status: models.WalletActive}
	for _, w := range []*models.Wallet{&f.payerW, &f.workerW} {
		if err := db.Create(w).Error; err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}

	f.shift = models.Shift{
		CompanyID:  f.company.ID,
		StartTime:  f.now,
		EndTime:    f.now.Add(8 * time.Hour),
		HourlyRate: money.FromCents(1500),
		SpotsTotal: 1,
		Status:     models.ShiftFilled,
	}
	if err := db.Create(&f.shift).Error; err != nil {
		t.Fatalf("create shift: %v", err)
	}
	app := models.Application{ShiftID: f.shift.ID, ApplicantID: f.worker.ID, Status: models.ApplicationAccepted}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("create application: %v", err)
	}

	clock := func() time.Time { return f.now }
	settle := settlement.NewEngine(db, settlement.WithClock(clock))
	disputes := dispute.NewEngine(db, dispute.WithClock(clock))
	f.engine = NewEngine(db, settle, disputes, WithClock(clock))

	if _, err := settle.ReserveShiftFunds(context.Background(), f.shift.ID, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return f
}

func (f *fixture) reloadShift(t *testing.T) models.Shift {
	t.Helper()
	var s models.Shift
	if err := f.db.First(&s, "id = ?", f.shift.ID).Error; err != nil {
		t.Fatalf("load shift: %v", err)
	}
	return s
}

func TestClockInOutRecordsHours(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	if s := f.reloadShift(t); s.Status != models.ShiftInProgress || s.ClockInAt == nil {
		t.Fatalf("shift = %s, want in_progress with clock-in", s.Status)
	}
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); !errors.Is(err, ErrAlreadyClockedIn) {
		t.Fatalf("second clock-in err = %v, want ErrAlreadyClockedIn", err)
	}

	f.now = f.now.Add(7*time.Hour + 30*time.Minute)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}
	s := f.reloadShift(t)
	if s.Status != models.ShiftCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.ActualHoursWorked == nil || !s.ActualHoursWorked.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("hours = %v, want 7.5", s.ActualHoursWorked)
	}
}

func TestClockActionsRejectOutsiders(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.company.ID); !errors.Is(err, ErrNotWorker) {
		t.Fatalf("err = %v, want ErrNotWorker", err)
	}
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); !errors.Is(err, ErrNotClockedIn) {
		t.Fatalf("err = %v, want ErrNotClockedIn", err)
	}
}

func TestManagerApproveSettles(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}

	if _, err := f.engine.ManagerApproveShift(context.Background(), f.shift.ID, f.worker.ID, nil); !errors.Is(err, ErrNotManager) {
		t.Fatalf("worker approval err = %v, want ErrNotManager", err)
	}
	txns, err := f.engine.ManagerApproveShift(context.Background(), f.shift.ID, f.company.ID, nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(txns) == 0 {
		t.Fatal("no settlement transactions recorded")
	}
	// 8h at $15 grosses $120; the worker keeps $102 after 15% commission.
	var w models.Wallet
	f.db.First(&w, "id = ?", f.workerW.ID)
	if !w.Balance.Equal(money.FromCents(10200)) {
		t.Fatalf("worker balance = %s, want 102.00", w.Balance)
	}
}

func TestManagerApproveWithHoursOverride(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}

	bad := decimal.NewFromInt(30)
	if _, err := f.engine.ManagerApproveShift(context.Background(), f.shift.ID, f.company.ID, &bad); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("err = %v, want ErrInvalidHours", err)
	}
	hours := decimal.NewFromInt(6)
	if _, err := f.engine.ManagerApproveShift(context.Background(), f.shift.ID, f.company.ID, &hours); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// 6h at $15 grosses $90; the worker keeps $76.50 after 15% commission.
	var w models.Wallet
	f.db.First(&w, "id = ?", f.workerW.ID)
	if !w.Balance.Equal(money.FromCents(7650)) {
		t.Fatalf("worker balance = %s, want 76.50", w.Balance)
	}
}

func TestPlatformAdminMayApprove(t *testing.T) {
	f := newFixture(t)
	admin := models.User{Role: models.RoleAdmin, Active: true}
	if err := f.db.Create(&admin).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}
	txns, err := f.engine.ManagerApproveShift(context.Background(), f.shift.ID, admin.ID, nil)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if len(txns) == 0 {
		t.Fatal("no settlement transactions recorded")
	}
}

func TestManagerRejectOpensDispute(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}

	d, err := f.engine.ManagerRejectShift(context.Background(), f.shift.ID, f.company.ID, "hours look wrong")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if d.Status != models.DisputeOpen {
		t.Fatalf("dispute status = %s, want open", d.Status)
	}
	if d.AgainstUserID != f.worker.ID {
		t.Fatalf("against = %d, want worker", d.AgainstUserID)
	}
}

func TestAdjustHours(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}

	if err := f.engine.AdjustHours(context.Background(), f.shift.ID, f.company.ID, decimal.NewFromInt(30)); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("err = %v, want ErrInvalidHours", err)
	}
	if err := f.engine.AdjustHours(context.Background(), f.shift.ID, f.company.ID, decimal.RequireFromString("6.25")); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	s := f.reloadShift(t)
	if s.ActualHoursWorked == nil || !s.ActualHoursWorked.Equal(decimal.RequireFromString("6.25")) {
		t.Fatalf("hours = %v, want 6.25", s.ActualHoursWorked)
	}
}

func TestAutoApproveSweep(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}

	// 23 hours after clock-out: still waiting on the manager.
	f.now = f.now.Add(23 * time.Hour)
	if err := f.engine.CheckAutoApproveShifts(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var early models.Wallet
	f.db.First(&early, "id = ?", f.workerW.ID)
	if early.Balance.Sign() != 0 {
		t.Fatalf("worker balance = %s before the 24h mark, want 0", early.Balance)
	}

	f.now = f.now.Add(2 * time.Hour)
	if err := f.engine.CheckAutoApproveShifts(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var w models.Wallet
	f.db.First(&w, "id = ?", f.workerW.ID)
	if !w.Balance.Equal(money.FromCents(10200)) {
		t.Fatalf("worker balance = %s, want 102.00", w.Balance)
	}

	// A second sweep finds the hold already settled and skips the shift.
	if err := f.engine.CheckAutoApproveShifts(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	f.db.First(&w, "id = ?", f.workerW.ID)
	if !w.Balance.Equal(money.FromCents(10200)) {
		t.Fatalf("worker balance = %s after resweep, want 102.00", w.Balance)
	}
}

func TestAutoApproveSkipsDisputedShifts(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.ClockIn(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock in: %v", err)
	}
	f.now = f.now.Add(8 * time.Hour)
	if err := f.engine.ClockOut(context.Background(), f.shift.ID, f.worker.ID); err != nil {
		t.Fatalf("clock out: %v", err)
	}
	if _, err := f.engine.ManagerRejectShift(context.Background(), f.shift.ID, f.company.ID, "contested"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	f.now = f.now.Add(25 * time.Hour)
	if err := f.engine.CheckAutoApproveShifts(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if s := f.reloadShift(t); s.Status != models.ShiftCompleted {
		t.Fatalf("status = %s, want completed while disputed", s.Status)
	}
	var w models.Wallet
	f.db.First(&w, "id = ?", f.workerW.ID)
	if w.Balance.Sign() != 0 {
		t.Fatalf("worker balance = %s, want 0 pending dispute", w.Balance)
	}
}
