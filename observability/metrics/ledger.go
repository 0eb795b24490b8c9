package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	transactions    *prometheus.CounterVec
	settlements     prometheus.Counter
	commissionTotal prometheus.Counter
	holdsActive     prometheus.Gauge
	reserveFailures *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	disputesOpen    prometheus.Gauge
	penaltiesIssued *prometheus.CounterVec
	webhookReplays  prometheus.Counter
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "ledger_transactions_total",
				Help:      "Ledger entries written by type and status.",
			}, []string{"type", "status"}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "settlements_total",
				Help:      "Shifts settled, including auto-approvals.",
			}),
			commissionTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "commission_collected_total",
				Help:      "Cumulative platform commission in currency units.",
			}),
			holdsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shifty",
				Name:      "funds_holds_active",
				Help:      "Funds holds currently in active status.",
			}),
			reserveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "reserve_failures_total",
				Help:      "Scheduled reserve executions that failed, by reason.",
			}, []string{"reason"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "payouts_total",
				Help:      "Payouts by type and terminal status.",
			}, []string{"type", "status"}),
			disputesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shifty",
				Name:      "disputes_open",
				Help:      "Disputes awaiting resolution.",
			}),
			penaltiesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "penalties_issued_total",
				Help:      "No-show penalties issued by subject role.",
			}, []string{"role"}),
			webhookReplays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shifty",
				Name:      "webhook_replays_total",
				Help:      "Provider webhook deliveries suppressed as replays.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transactions,
			ledgerRegistry.settlements,
			ledgerRegistry.commissionTotal,
			ledgerRegistry.holdsActive,
			ledgerRegistry.reserveFailures,
			ledgerRegistry.payouts,
			ledgerRegistry.disputesOpen,
			ledgerRegistry.penaltiesIssued,
			ledgerRegistry.webhookReplays,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveTransaction(txType, status string) {
	if m == nil {
		return
	}
	if txType == "" {
		txType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.transactions.WithLabelValues(txType, status).Inc()
}

func (m *LedgerMetrics) ObserveSettlement(commission float64) {
	if m == nil {
		return
	}
	m.settlements.Inc()
	if commission > 0 {
		m.commissionTotal.Add(commission)
	}
}

func (m *LedgerMetrics) SetActiveHolds(n float64) {
	if m == nil {
		return
	}
	m.holdsActive.Set(n)
}

func (m *LedgerMetrics) IncReserveFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.reserveFailures.WithLabelValues(reason).Inc()
}

func (m *LedgerMetrics) ObservePayout(payoutType, status string) {
	if m == nil {
		return
	}
	if payoutType == "" {
		payoutType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.payouts.WithLabelValues(payoutType, status).Inc()
}

func (m *LedgerMetrics) SetOpenDisputes(n float64) {
	if m == nil {
		return
	}
	m.disputesOpen.Set(n)
}

func (m *LedgerMetrics) ObservePenalty(role string) {
	if m == nil {
		return
	}
	if role == "" {
		role = "unknown"
	}
	m.penaltiesIssued.WithLabelValues(role).Inc()
}

func (m *LedgerMetrics) IncWebhookReplay() {
	if m == nil {
		return
	}
	m.webhookReplays.Inc()
}
