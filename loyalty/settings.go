package loyalty

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// FundingPolicy decides what happens when a branch cannot afford the coins
// a purchase would earn.
type FundingPolicy string

const (
	// FundingDegrade grants nothing and still records the purchase.
	FundingDegrade FundingPolicy = "degrade"
	// FundingReject fails the settlement with ErrInsufficientBranchFunds.
	FundingReject FundingPolicy = "reject"
	// FundingPartial grants whatever the branch still has.
	FundingPartial FundingPolicy = "partial"
)

func (p FundingPolicy) Valid() bool {
	switch p {
	case FundingDegrade, FundingReject, FundingPartial:
		return true
	}
	return false
}

// SpinPrize is one slice of the daily wheel.
type SpinPrize struct {
	Coins  Coins `json:"coins"`
	Weight int   `json:"weight"`
}

// Settings is a read-only snapshot of the global economics. It is passed
// by value into every calculation; nothing in this package reads settings
// from anywhere else.
type Settings struct {
	PurchaseCoinPercent      decimal.Decimal
	MinBillToEarn            decimal.Decimal
	MaxCoinsPerBill          *Coins // nil = unlimited
	MaxRedeemPercent         decimal.Decimal
	MinBillToRedeem          decimal.Decimal
	MinCoinsToRedeem         Coins
	CoinValueINR             decimal.Decimal
	ReferralReferrerCoins    Coins
	ReferralNewCustomerCoins Coins
	CoinExpiryDays           int // 0 = coins never expire
	WelcomeBonusCoins        Coins
	FundingPolicy            FundingPolicy
	CheckinCoins             Coins
	ReviewBonusCoins         Coins
	SpinPrizes               []SpinPrize
}

// DefaultSettings returns the economics used when the settings table has
// no row for a key.
func DefaultSettings() Settings {
	return Settings{
		PurchaseCoinPercent:      decimal.NewFromInt(5),
		MinBillToEarn:            decimal.Zero,
		MaxRedeemPercent:         decimal.NewFromInt(10),
		MinBillToRedeem:          decimal.Zero,
		MinCoinsToRedeem:         0,
		CoinValueINR:             decimal.NewFromInt(1),
		ReferralReferrerCoins:    100,
		ReferralNewCustomerCoins: 50,
		FundingPolicy:            FundingDegrade,
		CheckinCoins:             5,
		ReviewBonusCoins:         20,
		SpinPrizes: []SpinPrize{
			{Coins: 0, Weight: 40},
			{Coins: 5, Weight: 30},
			{Coins: 10, Weight: 20},
			{Coins: 25, Weight: 8},
			{Coins: 100, Weight: 2},
		},
	}
}

// Validate rejects settings the calculations cannot work with.
func (s Settings) Validate() error {
	bad := func(field, msg string) error {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: %s", ErrInvalidSettings, msg)}
	}
	if s.PurchaseCoinPercent.IsNegative() {
		return bad("purchase_coin_percent", "must not be negative")
	}
	if s.MaxRedeemPercent.IsNegative() || s.MaxRedeemPercent.GreaterThan(decimal.NewFromInt(100)) {
		return bad("max_redeem_percent", "must be between 0 and 100")
	}
	if !s.CoinValueINR.IsPositive() {
		return bad("coin_value_inr", "must be positive")
	}
	if s.MaxCoinsPerBill != nil && *s.MaxCoinsPerBill < 0 {
		return bad("max_coins_per_bill", "must not be negative")
	}
	if s.CoinExpiryDays < 0 {
		return bad("coin_expiry_days", "must not be negative")
	}
	if !s.FundingPolicy.Valid() {
		return bad("branch_funding_policy", fmt.Sprintf("unknown policy %q", s.FundingPolicy))
	}
	for _, p := range s.SpinPrizes {
		if p.Coins < 0 || p.Weight < 0 {
			return bad("spin_prizes", "coins and weight must not be negative")
		}
	}
	return nil
}

// ForBranch merges the branch overrides over the global values. Each
// override is used only when set.
func (s Settings) ForBranch(b Branch) Settings {
	out := s
	if b.CustomCoinPercent != nil {
		out.PurchaseCoinPercent = *b.CustomCoinPercent
	}
	if b.CustomMaxCoinsPerBill != nil {
		v := *b.CustomMaxCoinsPerBill
		out.MaxCoinsPerBill = &v
	}
	if b.CustomMaxRedeemPercent != nil {
		out.MaxRedeemPercent = *b.CustomMaxRedeemPercent
	}
	return out
}

// SettingsSource hands out settings snapshots.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticSettings is a SettingsSource that always returns the same snapshot.
type StaticSettings struct {
	Snapshot Settings
}

func (s StaticSettings) Settings(context.Context) (Settings, error) {
	return s.Snapshot, nil
}
