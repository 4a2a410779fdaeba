package loyalty

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Recorder receives settlement outcomes for metrics. The metrics package
// provides the Prometheus implementation.
type Recorder interface {
	SettlementCompleted(r *Receipt, duration time.Duration)
	SettlementFailed(reason string)
	GrantReduced(branch BranchID, required, effective Coins)
	ReferralPaid(referrerCoins, newCustomerCoins Coins)
	LedgerAppended(txType TxType, coins Coins)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) SettlementCompleted(*Receipt, time.Duration) {}
func (NopRecorder) SettlementFailed(string)                     {}
func (NopRecorder) GrantReduced(BranchID, Coins, Coins)         {}
func (NopRecorder) ReferralPaid(Coins, Coins)                   {}
func (NopRecorder) LedgerAppended(TxType, Coins)                {}

// Engine runs settlements and the other coin-moving operations against a
// transactional store.
type Engine struct {
	Store    TxStore
	Settings SettingsSource
	Logger   *slog.Logger
	Metrics  Recorder

	// Now and NewID are injectable for deterministic tests.
	Now   func() time.Time
	NewID func() string
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.Logger = l } }
func WithRecorder(r Recorder) Option         { return func(e *Engine) { e.Metrics = r } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.Now = now } }
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.NewID = f } }

func NewEngine(store TxStore, settings SettingsSource, opts ...Option) *Engine {
	e := &Engine{Store: store, Settings: settings}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) metrics() Recorder {
	if e.Metrics != nil {
		return e.Metrics
	}
	return NopRecorder{}
}

// Ledger returns a ledger reader over the engine's store.
func (e *Engine) Ledger() *Ledger {
	return NewLedger(e.Store)
}
