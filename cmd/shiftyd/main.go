package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"extrashifty/appeals"
	"extrashifty/conduct"
	"extrashifty/config"
	"extrashifty/dispute"
	"extrashifty/gateway"
	"extrashifty/models"
	"extrashifty/notify"
	"extrashifty/observability/logging"
	"extrashifty/payments"
	"extrashifty/payout"
	"extrashifty/scheduler"
	"extrashifty/settlement"
	"extrashifty/verification"
	"extrashifty/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "shiftyd.toml", "path to configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("shiftyd", cfg.Environment, cfg.LogLevel)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var processor payments.Processor
	switch cfg.Processor.Mode {
	case "sandbox":
		processor = payments.NewSandbox()
	default:
		return fmt.Errorf("processor mode %q requires a provider client", cfg.Processor.Mode)
	}
	sink := notify.LogSink{Logger: logger}

	ledger := wallet.NewLedger(db, wallet.WithProcessor(processor), wallet.WithSink(sink))
	settle := settlement.NewEngine(db, settlement.WithSink(sink))
	disputes := dispute.NewEngine(db, dispute.WithSink(sink))
	conductEngine := conduct.NewEngine(db, conduct.WithSink(sink))
	appealEngine := appeals.NewEngine(db, conductEngine, appeals.WithSink(sink))
	payouts := payout.NewEngine(db, payout.WithProcessor(processor), payout.WithSink(sink))
	verify := verification.NewEngine(db, settle, disputes)

	dispatcher := payments.NewDispatcher(db, nil)
	payouts.RegisterWebhooks(dispatcher)

	srv := gateway.New(gateway.Server{
		DB:           db,
		Ledger:       ledger,
		Settlement:   settle,
		Disputes:     disputes,
		Appeals:      appealEngine,
		Payouts:      payouts,
		Verification: verify,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs := cfg.Jobs
	runner := scheduler.NewRunner([]scheduler.Task{
		{Name: "weekly_payouts", Interval: jobs.WeeklyPayoutInterval.Std(), Handler: func(ctx context.Context) error {
			err := payouts.ProcessWeeklyPayouts(ctx)
			if errors.Is(err, payout.ErrNotFriday) {
				return nil
			}
			return err
		}},
		{Name: "auto_approve_shifts", Interval: jobs.AutoApproveInterval.Std(), Handler: verify.CheckAutoApproveShifts},
		{Name: "auto_topup", Interval: jobs.AutoTopupInterval.Std(), Handler: ledger.AutoTopupSweep},
		{Name: "expire_holds", Interval: jobs.ExpireHoldsInterval.Std(), Handler: settle.ExpireFundsHolds},
		{Name: "dispute_deadlines", Interval: jobs.DisputeDeadlineInterval.Std(), Handler: disputes.AutoResolveOverdue},
		{Name: "reserve_upcoming_days", Interval: jobs.ReserveUpcomingInterval.Std(), RunOnStartup: true, Handler: settle.ReserveUpcomingShiftDays},
		{Name: "detect_no_shows", Interval: jobs.NoShowInterval.Std(), Handler: conductEngine.DetectNoShows},
		{Name: "wallet_suspensions", Interval: jobs.WalletSuspensionInterval.Std(), Handler: ledger.CheckSuspensions},
		{Name: "negative_balance_writeoffs", Interval: jobs.NegativeBalanceWriteOffs.Std(), Handler: conductEngine.WriteOffInactive},
	}, logger)
	runner.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	runner.Wait()
	return nil
}

// openDatabase connects to Postgres when a DSN is configured and falls back
// to a process-local SQLite database for development.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if dsn := cfg.Database.DSN; dsn != "" {
		return gorm.Open(postgres.Open(dsn), gormCfg)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return gorm.Open(sqlite.Open(dsn), gormCfg)
}
