// Package money provides the fixed-point arithmetic, business-day, and
// idempotency-key primitives shared by the ledger engines. All amounts are a
// single currency with exactly two fractional digits; rounding is HALF_UP and
// happens immediately after every multiplication so nothing beyond two digits
// ever reaches the ledger.
package money

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// FromCents builds an amount from an integer number of pennies.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FromFloat quantises a float input to two digits HALF_UP. Only for test
// fixtures and config parsing; engine arithmetic stays in decimal.
func FromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Round2 quantises to two fractional digits, rounding HALF_UP.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// MulRate multiplies hours by an hourly rate and quantises the product.
func MulRate(hours, rate decimal.Decimal) decimal.Decimal {
	return Round2(hours.Mul(rate))
}

// Percent applies pct (e.g. 0.15 for 15 %) to amount and quantises.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// DurationHours converts start/end timestamps to decimal hours. An end before
// the start is treated as an overnight crossing and wraps forward 24 h.
func DurationHours(start, end time.Time) decimal.Decimal {
	if end.Before(start) {
		end = end.Add(24 * time.Hour)
	}
	secs := end.Sub(start).Seconds()
	return decimal.NewFromFloat(secs / 3600).Round(4)
}

// HoursDuration converts decimal hours back to a time.Duration.
func HoursDuration(hours decimal.Decimal) time.Duration {
	secs := hours.Mul(decimal.NewFromInt(3600)).IntPart()
	return time.Duration(secs) * time.Second
}

// AddBusinessDays advances t by n weekdays, skipping Saturday and Sunday in
// UTC. No holiday calendar is applied.
func AddBusinessDays(t time.Time, n int) time.Time {
	t = t.UTC()
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			n--
		}
	}
	return t
}

// IsBusinessDay reports whether t falls on a weekday in UTC.
func IsBusinessDay(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// SameUTCDate reports whether both instants fall on the same UTC calendar day.
func SameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// NewIdempotencyKey generates a prefixed opaque key. Callers may supply their
// own keys instead; both forms are globally unique opaque strings.
func NewIdempotencyKey(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "op"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// DeriveKey extends a base idempotency key with a stable suffix so a single
// logical operation can write several ledger rows, each replay-safe.
func DeriveKey(base, suffix string) string {
	return base + ":" + suffix
}
