// Package gateway exposes the financial engine over HTTP: the payment
// provider webhook, the wallet and payout API, and the verification actions
// workers and managers drive from their apps.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"extrashifty/appeals"
	"extrashifty/dispute"
	"extrashifty/gateway/middleware"
	"extrashifty/models"
	"extrashifty/money"
	"extrashifty/payments"
	"extrashifty/payout"
	"extrashifty/settlement"
	"extrashifty/verification"
	"extrashifty/wallet"
)

// Server wires the engines behind the HTTP surface.
type Server struct {
	DB           *gorm.DB
	Ledger       *wallet.Ledger
	Settlement   *settlement.Engine
	Disputes     *dispute.Engine
	Appeals      *appeals.Engine
	Payouts      *payout.Engine
	Verification *verification.Engine
	Dispatcher   *payments.Dispatcher
	Logger       *slog.Logger
	RateLimits   map[string]middleware.RateLimit

	router http.Handler
}

// New builds the server and its router.
func New(s Server) *Server {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.RateLimits == nil {
		s.RateLimits = map[string]middleware.RateLimit{
			"api":      {RequestsPerMinute: 300, Burst: 30},
			"webhooks": {RequestsPerMinute: 600, Burst: 60},
		}
	}
	s.router = s.buildRouter()
	return &s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	limiter := middleware.NewRateLimiter(s.RateLimits, s.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(hooks chi.Router) {
		hooks.Use(limiter.Middleware("webhooks"))
		hooks.Post("/webhooks/payments", s.handlePaymentWebhook)
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(limiter.Middleware("api"))
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.DB, next) })

		api.Get("/wallets/{userID}", s.handleGetWallet)
		api.Post("/wallets/{userID}/topup", s.handleTopup)
		api.Post("/wallets/{userID}/auto-topup", s.handleAutoTopup)

		api.Post("/shifts/{id}/reserve", s.handleReserve)
		api.Post("/shifts/{id}/clock-in", s.handleClockIn)
		api.Post("/shifts/{id}/clock-out", s.handleClockOut)
		api.Post("/shifts/{id}/approve", s.handleApprove)
		api.Post("/shifts/{id}/reject", s.handleReject)
		api.Post("/shifts/{id}/hours", s.handleAdjustHours)
		api.Post("/shifts/{id}/cancel", s.handleCancel)

		api.Post("/disputes", s.handleCreateDispute)
		api.Post("/disputes/{id}/evidence", s.handleAddEvidence)
		api.Post("/disputes/{id}/resolve", s.handleResolveDispute)

		api.Post("/payouts/instant", s.handleInstantPayout)
		api.Get("/payouts/schedule", s.handlePayoutSchedule)
		api.Get("/payouts/history", s.handlePayoutHistory)

		api.Post("/appeals", s.handleSubmitAppeal)
		api.Post("/appeals/{id}/review", s.handleReviewAppeal)
		api.Post("/appeals/{id}/withdraw", s.handleWithdrawAppeal)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var evt payments.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	evt.ReceivedAt = time.Now()
	result, err := s.Dispatcher.Dispatch(r.Context(), evt)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownEventType) {
			// Acknowledge unknown types so the provider stops retrying.
			writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
			return
		}
		s.Logger.Error("webhook dispatch failed", "event_id", evt.EventID, "err", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	wlt, err := s.Ledger.GetOrCreate(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wlt.ID,
		"balance":   wlt.Balance,
		"reserved":  wlt.Reserved,
		"available": wlt.Available(),
		"status":    wlt.Status,
	})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req struct {
		Amount        float64 `json:"amount"`
		PaymentMethod string  `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	idemKey := middleware.IdempotencyKeyFromContext(r.Context())
	if idemKey == "" {
		idemKey = money.NewIdempotencyKey("topup")
	}
	txn, err := s.Ledger.Topup(r.Context(), userID, money.FromFloat(req.Amount), req.PaymentMethod, idemKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleAutoTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req struct {
		Enabled       bool    `json:"enabled"`
		Threshold     float64 `json:"threshold"`
		Amount        float64 `json:"amount"`
		PaymentMethod string  `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	err := s.Ledger.ConfigureAutoTopup(r.Context(), userID, req.Enabled,
		money.FromFloat(req.Threshold), money.FromFloat(req.Amount), req.PaymentMethod)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	idemKey := middleware.IdempotencyKeyFromContext(r.Context())
	if idemKey == "" {
		idemKey = money.NewIdempotencyKey("reserve")
	}
	hold, err := s.Settlement.ReserveShiftFunds(r.Context(), shiftID, nil, idemKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleClockIn(w http.ResponseWriter, r *http.Request) {
	s.clockAction(w, r, s.Verification.ClockIn)
}

func (s *Server) handleClockOut(w http.ResponseWriter, r *http.Request) {
	s.clockAction(w, r, s.Verification.ClockOut)
}

func (s *Server) clockAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, shiftID, userID int64) error) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), shiftID, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ManagerID   int64    `json:"manager_id"`
		ActualHours *float64 `json:"actual_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var hours *decimal.Decimal
	if req.ActualHours != nil {
		h := decimal.NewFromFloat(*req.ActualHours)
		hours = &h
	}
	txns, err := s.Verification.ManagerApproveShift(r.Context(), shiftID, req.ManagerID, hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ManagerID int64  `json:"manager_id"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	d, err := s.Verification.ManagerRejectShift(r.Context(), shiftID, req.ManagerID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAdjustHours(w http.ResponseWriter, r *http.Request) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ManagerID int64   `json:"manager_id"`
		Hours     float64 `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Verification.AdjustHours(r.Context(), shiftID, req.ManagerID, decimal.NewFromFloat(req.Hours)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	shiftID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	by := settlement.CancelledBy(req.By)
	switch by {
	case settlement.CancelledByWorker, settlement.CancelledByCompany, settlement.CancelledByPlatform:
	default:
		http.Error(w, "invalid cancelling party", http.StatusBadRequest)
		return
	}
	txns, err := s.Settlement.ProcessCancellation(r.Context(), shiftID, by, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShiftID  int64    `json:"shift_id"`
		RaisedBy int64    `json:"raised_by"`
		Reason   string   `json:"reason"`
		Amount   *float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var amount *decimal.Decimal
	if req.Amount != nil {
		v := money.FromFloat(*req.Amount)
		amount = &v
	}
	d, err := s.Disputes.Create(r.Context(), req.ShiftID, req.RaisedBy, req.Reason, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID   int64  `json:"user_id"`
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Disputes.AddEvidence(r.Context(), disputeID, req.UserID, req.Evidence); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
		SplitPct   *int   `json:"split_pct"`
		AdminNotes string `json:"admin_notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	err := s.Disputes.Resolve(r.Context(), disputeID, dispute.Resolution(req.Resolution), req.SplitPct, req.AdminNotes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleInstantPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  int64   `json:"user_id"`
		Amount  float64 `json:"amount"`
		IdemKey string  `json:"idem_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.IdemKey == "" {
		req.IdemKey = r.Header.Get("Idempotency-Key")
	}
	p, err := s.Payouts.RequestInstantPayout(r.Context(), req.UserID, money.FromFloat(req.Amount), req.IdemKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePayoutSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	sched, err := s.Payouts.GetPayoutSchedule(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePayoutHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.Payouts.GetPayoutHistory(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSubmitAppeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        int64    `json:"user_id"`
		Type          string   `json:"type"`
		RelatedID     int64    `json:"related_id"`
		Reason        string   `json:"reason"`
		EvidenceURLs  []string `json:"evidence_urls"`
		EmergencyType string   `json:"emergency_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	appeal, err := s.Appeals.Submit(r.Context(), appeals.SubmitInput{
		UserID:        req.UserID,
		Type:          models.AppealType(req.Type),
		RelatedID:     req.RelatedID,
		Reason:        req.Reason,
		EvidenceURLs:  req.EvidenceURLs,
		EmergencyType: req.EmergencyType,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appeal)
}

func (s *Server) handleReviewAppeal(w http.ResponseWriter, r *http.Request) {
	appealID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ReviewerID  int64  `json:"reviewer_id"`
		Approve     bool   `json:"approve"`
		Frivolous   bool   `json:"frivolous"`
		ReviewNotes string `json:"review_notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	err := s.Appeals.Review(r.Context(), appealID, appeals.Decision{
		ReviewerID:  req.ReviewerID,
		Approve:     req.Approve,
		Frivolous:   req.Frivolous,
		ReviewNotes: req.ReviewNotes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reviewed"})
}

func (s *Server) handleWithdrawAppeal(w http.ResponseWriter, r *http.Request) {
	appealID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Appeals.Withdraw(r.Context(), appealID, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var insufficient *wallet.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_funds",
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"shortfall": insufficient.Shortfall,
		})
	case errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, settlement.ErrShiftNotFound),
		errors.Is(err, settlement.ErrHoldNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, appeals.ErrNotFound),
		errors.Is(err, payout.ErrPayoutNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, wallet.ErrWalletSuspended),
		errors.Is(err, verification.ErrNotWorker),
		errors.Is(err, verification.ErrNotManager),
		errors.Is(err, appeals.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, dispute.ErrDuplicate),
		errors.Is(err, appeals.ErrDuplicate),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrHoldExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidAutoTopup),
		errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, dispute.ErrShiftNotCompleted),
		errors.Is(err, dispute.ErrInvalidSplit),
		errors.Is(err, appeals.ErrWindowClosed),
		errors.Is(err, payout.ErrBelowMinimum),
		errors.Is(err, payout.ErrNoExternalAccount),
		errors.Is(err, verification.ErrBadState),
		errors.Is(err, verification.ErrInvalidHours),
		errors.Is(err, verification.ErrAlreadyClockedIn),
		errors.Is(err, verification.ErrNotClockedIn),
		errors.Is(err, settlement.ErrShiftNotReservable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.Logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
