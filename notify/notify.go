// Package notify defines the notification sink consumed by the financial
// engines. Delivery transport (email, push, websocket) lives outside the
// core; engines emit typed notices and the host process decides routing.
package notify

import (
	"context"
	"log/slog"
)

// Kind identifies the notice category.
type Kind string

const (
	KindTopupFailed     Kind = "topup_failed"
	KindReserveFailed   Kind = "reserve_failed"
	KindGraceWarning    Kind = "grace_period_warning"
	KindWalletSuspended Kind = "wallet_suspended"
	KindPayoutSent      Kind = "payout_sent"
	KindDisputeOpened   Kind = "dispute_opened"
	KindDisputeResolved Kind = "dispute_resolved"
	KindStrikeIssued    Kind = "strike_issued"
	KindSuspension      Kind = "user_suspended"
	KindAppealDecided   Kind = "appeal_decided"
)

// Notice is a single user-facing notification.
type Notice struct {
	Kind   Kind
	UserID int64
	Title  string
	Body   string
	Meta   map[string]string
}

// Sink receives notices. Implementations must be safe for concurrent use.
// Engines emit only after their database transaction commits, so a notice is
// never delivered for rolled-back state.
type Sink interface {
	Notify(ctx context.Context, n Notice)
}

// NoopSink discards all notices.
type NoopSink struct{}

func (NoopSink) Notify(context.Context, Notice) {}

// LogSink writes notices to a structured logger. Used as the default sink in
// the daemon until a delivery service is attached.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, n Notice) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notice",
		slog.String("kind", string(n.Kind)),
		slog.Int64("user_id", n.UserID),
		slog.String("title", n.Title),
	)
}
