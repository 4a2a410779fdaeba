package loyalty

import "github.com/shopspring/decimal"

var half = decimal.NewFromFloat(0.5)

// RedeemInput is what the redemption rules look at.
type RedeemInput struct {
	Bill        decimal.Decimal
	Balance     Coins // balance before this purchase
	HasRedeemed bool
	Requested   Coins
}

// Redemption is the evaluated redemption for one purchase.
type Redemption struct {
	Eligible      bool
	Reason        string // why not eligible; empty when eligible
	MaxByBalance  Coins
	MaxByBill     Coins
	MaxRedeemable Coins
	Redeemed      Coins
}

// EvaluateRedemption applies the eligibility rules in order and, when they
// all hold, clamps the requested amount to the three bounds.
func EvaluateRedemption(in RedeemInput, s Settings) Redemption {
	switch {
	case in.Bill.LessThan(s.MinBillToRedeem):
		return Redemption{Reason: "bill below minimum for redemption"}
	case in.Balance < s.MinCoinsToRedeem:
		return Redemption{Reason: "balance below minimum for redemption"}
	case in.HasRedeemed:
		return Redemption{Reason: "customer has already used their one-time redemption"}
	}

	r := Redemption{Eligible: true}
	if in.Balance > 0 {
		r.MaxByBalance = Coins(decimal.NewFromInt(int64(in.Balance)).Mul(half).Floor().IntPart())
	}
	if s.CoinValueINR.IsPositive() {
		r.MaxByBill = floorCoins(in.Bill.Mul(s.MaxRedeemPercent).Div(hundred).Div(s.CoinValueINR), maxCoins)
	}
	balance := in.Balance
	if balance < 0 {
		balance = 0
	}
	r.MaxRedeemable = minCoins(r.MaxByBalance, r.MaxByBill, balance)

	requested := in.Requested
	if requested < 0 {
		requested = 0
	}
	r.Redeemed = minCoins(requested, r.MaxRedeemable)
	return r
}

// FinalPayable is the bill after redeemed coins are converted at the coin
// value.
func FinalPayable(bill decimal.Decimal, redeemed Coins, coinValue decimal.Decimal) decimal.Decimal {
	return bill.Sub(decimal.NewFromInt(int64(redeemed)).Mul(coinValue))
}
