// Package metrics exports settlement and ledger activity to Prometheus.
//
// Collectors are package-level and registered on the default registry;
// the API serves them at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/loyalty-engine/loyalty"
)

// ═══════════════════════════════════════════════════════════════════════════
// Settlement
// ═══════════════════════════════════════════════════════════════════════════

var SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "settlement",
	Name:      "completed_total",
	Help:      "Total purchases settled.",
})

var SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "settlement",
	Name:      "failed_total",
	Help:      "Total settlements that did not commit, by reason.",
}, []string{"reason"})

var SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "loyalty",
	Subsystem: "settlement",
	Name:      "duration_ms",
	Help:      "Settlement latency in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
})

var CoinsEarned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "settlement",
	Name:      "coins_earned_total",
	Help:      "Coins granted on purchases after branch funding.",
})

var CoinsRedeemed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "settlement",
	Name:      "coins_redeemed_total",
	Help:      "Coins redeemed against bills.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Branch funding and referrals
// ═══════════════════════════════════════════════════════════════════════════

var GrantsReduced = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "branch",
	Name:      "grants_reduced_total",
	Help:      "Earn grants reduced because the branch allowance ran out.",
}, []string{"branch"})

var CoinsWithheld = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "branch",
	Name:      "coins_withheld_total",
	Help:      "Coins customers would have earned but the branch could not fund.",
}, []string{"branch"})

var ReferralsPaid = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "referral",
	Name:      "paid_total",
	Help:      "Referral rewards moved from pending to paid.",
})

var ReferralCoins = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "referral",
	Name:      "coins_total",
	Help:      "Coins paid out by referral rewards, both sides.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Ledger
// ═══════════════════════════════════════════════════════════════════════════

var LedgerRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "ledger",
	Name:      "rows_total",
	Help:      "Wallet rows appended, by transaction type.",
}, []string{"type"})

var LedgerCoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "ledger",
	Name:      "coins_moved_total",
	Help:      "Absolute coins moved by wallet rows, by transaction type.",
}, []string{"type"})

// ─── Recorder ───────────────────────────────────────────────────────────────

// Recorder feeds the collectors above. It implements loyalty.Recorder and
// the activity service's recorder.
type Recorder struct{}

var _ loyalty.Recorder = Recorder{}

func (Recorder) SettlementCompleted(r *loyalty.Receipt, d time.Duration) {
	SettlementsTotal.Inc()
	SettlementDuration.Observe(float64(d.Microseconds()) / 1000)
	CoinsEarned.Add(float64(r.EarnedCoins))
	CoinsRedeemed.Add(float64(r.RedeemedCoins))
}

func (Recorder) SettlementFailed(reason string) {
	SettlementFailures.WithLabelValues(reason).Inc()
}

func (Recorder) GrantReduced(branch loyalty.BranchID, required, effective loyalty.Coins) {
	GrantsReduced.WithLabelValues(string(branch)).Inc()
	if withheld := required - effective; withheld > 0 {
		CoinsWithheld.WithLabelValues(string(branch)).Add(float64(withheld))
	}
}

func (Recorder) ReferralPaid(referrerCoins, newCustomerCoins loyalty.Coins) {
	ReferralsPaid.Inc()
	ReferralCoins.Add(float64(referrerCoins + newCustomerCoins))
}

func (Recorder) LedgerAppended(txType loyalty.TxType, coins loyalty.Coins) {
	LedgerRows.WithLabelValues(string(txType)).Inc()
	LedgerCoins.WithLabelValues(string(txType)).Add(float64(coins.Abs()))
}
