/*
Package activities grants coins for engagement outside of purchases.

PURPOSE:
  Customers earn small amounts by checking in at a branch (QR scan),
  spinning the daily wheel and leaving a review. Each activity is a single
  wallet row whose idempotency key encodes how often it may happen:

    CHECKIN       checkin:<customer>:<YYYY-MM-DD>   once per UTC day
    SPIN          spin:<customer>:<YYYY-MM-DD>      once per UTC day
    REVIEW_BONUS  review:<customer>                 once per lifetime

  A second attempt collides on the key and surfaces as ErrAlreadyClaimed.
  None of these rows carry a branch, so they never draw on a branch's
  coin allowance.

SPIN:
  The prize is drawn from the weighted spin_prizes table. A 0-coin prize
  is still written as a SPIN row so the day's spin is used up.

SEE ALSO:
  - loyalty/settings.go: checkin_coins, review_bonus_coins, spin_prizes
  - loyalty/store.go: TxStore
*/
package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/loyalty"
)

// Random is the source used to draw spin prizes. *rand.Rand satisfies it.
type Random interface {
	IntN(n int) int
}

// Recorder receives appended rows for metrics.
type Recorder interface {
	LedgerAppended(txType loyalty.TxType, coins loyalty.Coins)
}

// Service performs activity grants.
type Service struct {
	Store    loyalty.TxStore
	Settings loyalty.SettingsSource
	Rand     Random
	Now      func() time.Time
	NewID    func() string
	Logger   *slog.Logger
	Metrics  Recorder
}

func NewService(store loyalty.TxStore, settings loyalty.SettingsSource) *Service {
	return &Service{Store: store, Settings: settings}
}

// Grant is the outcome of one activity.
type Grant struct {
	Transaction loyalty.WalletTransaction
	Balance     loyalty.Coins
}

// SpinResult adds the prize that was drawn.
type SpinResult struct {
	Grant
	Prize loyalty.SpinPrize
}

// =============================================================================
// ACTIVITIES
// =============================================================================

// CheckIn grants checkin_coins once per calendar day.
func (s *Service) CheckIn(ctx context.Context, id loyalty.CustomerID) (*Grant, error) {
	settings, err := s.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	now := s.now()
	return s.grant(ctx, id, loyalty.TxCheckin, settings.CheckinCoins,
		fmt.Sprintf("checkin:%s:%s", id, now.Format(time.DateOnly)), "daily check-in", now)
}

// Spin draws a prize and grants it once per calendar day.
func (s *Service) Spin(ctx context.Context, id loyalty.CustomerID) (*SpinResult, error) {
	settings, err := s.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	prize, err := Draw(settings.SpinPrizes, s.random())
	if err != nil {
		return nil, err
	}
	now := s.now()
	g, err := s.grant(ctx, id, loyalty.TxSpin, prize.Coins,
		fmt.Sprintf("spin:%s:%s", id, now.Format(time.DateOnly)),
		fmt.Sprintf("spin wheel: %d coins", prize.Coins), now)
	if err != nil {
		return nil, err
	}
	return &SpinResult{Grant: *g, Prize: prize}, nil
}

// ReviewBonus grants review_bonus_coins once per customer.
func (s *Service) ReviewBonus(ctx context.Context, id loyalty.CustomerID) (*Grant, error) {
	settings, err := s.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return s.grant(ctx, id, loyalty.TxReviewBonus, settings.ReviewBonusCoins,
		fmt.Sprintf("review:%s", id), "review bonus", s.now())
}

// Draw picks a prize with probability proportional to its weight.
// Prizes with a non-positive weight can never be drawn.
func Draw(prizes []loyalty.SpinPrize, rnd Random) (loyalty.SpinPrize, error) {
	total := 0
	for _, p := range prizes {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	if total <= 0 {
		return loyalty.SpinPrize{}, fmt.Errorf("%w: spin wheel has no prizes", loyalty.ErrInvalidSettings)
	}

	pick := rnd.IntN(total)
	acc := 0
	for _, p := range prizes {
		if p.Weight <= 0 {
			continue
		}
		acc += p.Weight
		if pick < acc {
			return p, nil
		}
	}
	// unreachable: pick < total
	return prizes[len(prizes)-1], nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Service) grant(ctx context.Context, id loyalty.CustomerID, txType loyalty.TxType, coins loyalty.Coins, key, reason string, now time.Time) (*Grant, error) {
	if coins < 0 {
		return nil, &loyalty.ValidationError{Field: "coins", Err: loyalty.ErrInvalidAmount}
	}
	tx := loyalty.WalletTransaction{
		ID:             loyalty.TransactionID(s.newID()),
		CustomerID:     id,
		Coins:          coins,
		Type:           txType,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	var balance loyalty.Coins
	err := s.Store.WithTx(ctx, func(st loyalty.Store) error {
		customer, err := st.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if customer.IsBlocked {
			return &loyalty.ValidationError{Field: "customer_id", Err: loyalty.ErrCustomerBlocked}
		}
		if err := st.AppendWallet(ctx, tx); err != nil {
			if errors.Is(err, loyalty.ErrDuplicateIdempotencyKey) {
				return fmt.Errorf("%w: %s", loyalty.ErrAlreadyClaimed, txType)
			}
			return err
		}
		balance, err = loyalty.NewLedger(st).CustomerBalance(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.LedgerAppended(txType, coins)
	}
	s.logger().Info("activity granted", "customer_id", id, "type", txType, "coins", coins)
	return &Grant{Transaction: tx, Balance: balance}, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) random() Random {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
