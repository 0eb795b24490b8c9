// Package payments defines the payment-processor port. The core charges
// cards, transfers to connected accounts, and issues payouts exclusively
// through the Processor interface; concrete providers live behind it so
// tests can supply deterministic fakes.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutMethod selects the provider rail for a payout.
type PayoutMethod string

const (
	PayoutStandard PayoutMethod = "standard"
	PayoutInstant  PayoutMethod = "instant"
)

// ProcessorError reports a provider-side failure with a stable reason string.
type ProcessorError struct {
	Reason string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payments: processor failed: %s", e.Reason)
}

// ErrTimeout indicates the provider call exceeded its bounded deadline. The
// topup path treats this identically to a declined charge.
var ErrTimeout = errors.New("payments: provider timeout")

// Processor is the abstract capability the ledger consumes. Every call
// accepts an idempotency key and must be replay-safe on the provider side.
type Processor interface {
	Charge(ctx context.Context, amount decimal.Decimal, paymentMethod, idemKey string) (externalID string, err error)
	Transfer(ctx context.Context, amount decimal.Decimal, destinationAccount, idemKey string) (externalID string, err error)
	Payout(ctx context.Context, amount decimal.Decimal, externalAccount string, method PayoutMethod, idemKey string) (externalID string, err error)
	CancelPayout(ctx context.Context, externalID string) error
}

// Sandbox is an in-memory processor used by the daemon in development mode
// and by tests. Charges succeed unless the payment method is registered as
// failing; all operations are idempotent on their key.
type Sandbox struct {
	mu      sync.Mutex
	failing map[string]string
	results map[string]string
	payouts map[string]bool
}

// NewSandbox constructs an empty sandbox processor.
func NewSandbox() *Sandbox {
	return &Sandbox{
		failing: make(map[string]string),
		results: make(map[string]string),
		payouts: make(map[string]bool),
	}
}

// FailMethod registers a payment method that will decline with the supplied
// reason until cleared.
func (s *Sandbox) FailMethod(method, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		delete(s.failing, method)
		return
	}
	s.failing[method] = reason
}

func (s *Sandbox) replay(idemKey string) (string, bool) {
	id, ok := s.results[idemKey]
	return id, ok
}

// Charge simulates a card charge.
func (s *Sandbox) Charge(_ context.Context, amount decimal.Decimal, paymentMethod, idemKey string) (string, error) {
	if amount.Sign() <= 0 {
		return "", &ProcessorError{Reason: "invalid_amount"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.replay(idemKey); ok {
		return id, nil
	}
	if reason, ok := s.failing[paymentMethod]; ok {
		return "", &ProcessorError{Reason: reason}
	}
	id := "ch_" + uuid.NewString()
	s.results[idemKey] = id
	return id, nil
}

// Transfer simulates a connected-account transfer.
func (s *Sandbox) Transfer(_ context.Context, amount decimal.Decimal, destination, idemKey string) (string, error) {
	if amount.Sign() <= 0 {
		return "", &ProcessorError{Reason: "invalid_amount"}
	}
	if strings.TrimSpace(destination) == "" {
		return "", &ProcessorError{Reason: "missing_destination"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.replay(idemKey); ok {
		return id, nil
	}
	id := "tr_" + uuid.NewString()
	s.results[idemKey] = id
	return id, nil
}

// Payout simulates a bank payout.
func (s *Sandbox) Payout(_ context.Context, amount decimal.Decimal, externalAccount string, method PayoutMethod, idemKey string) (string, error) {
	if amount.Sign() <= 0 {
		return "", &ProcessorError{Reason: "invalid_amount"}
	}
	if strings.TrimSpace(externalAccount) == "" {
		return "", &ProcessorError{Reason: "missing_account"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.replay(idemKey); ok {
		return id, nil
	}
	id := "po_" + uuid.NewString()
	s.results[idemKey] = id
	s.payouts[id] = true
	return id, nil
}

// CancelPayout marks a sandbox payout cancelled.
func (s *Sandbox) CancelPayout(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.payouts[externalID] {
		return &ProcessorError{Reason: "unknown_payout"}
	}
	delete(s.payouts, externalID)
	return nil
}
