package loyalty

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MaxCoinsPerPurchase is the system-wide anti-abuse ceiling on coins earned
// from a single bill, applied after every configurable cap.
const MaxCoinsPerPurchase Coins = 500

// maxCoins is the largest coin amount a decimal is converted to.
const maxCoins Coins = math.MaxInt64

var hundred = decimal.NewFromInt(100)

// floorCoins floors d and clamps it to [0, ceiling] before leaving the
// decimal domain, so huge bills never wrap int64.
func floorCoins(d decimal.Decimal, ceiling Coins) Coins {
	if ceiling <= 0 || !d.IsPositive() {
		return 0
	}
	d = d.Floor()
	if c := decimal.NewFromInt(int64(ceiling)); d.GreaterThanOrEqual(c) {
		return ceiling
	}
	return Coins(d.IntPart())
}

// ComputeEarn returns the coins a bill earns under the effective settings,
// before the branch funding check.
func ComputeEarn(bill decimal.Decimal, s Settings) Coins {
	if bill.LessThan(s.MinBillToEarn) || !bill.IsPositive() {
		return 0
	}
	ceiling := MaxCoinsPerPurchase
	if s.MaxCoinsPerBill != nil && *s.MaxCoinsPerBill < ceiling {
		ceiling = *s.MaxCoinsPerBill
	}
	return floorCoins(bill.Mul(s.PurchaseCoinPercent).Div(hundred), ceiling)
}

// EarnResult is the outcome of checking a computed grant against the
// branch's allowance.
type EarnResult struct {
	Required  Coins // what the bill earns by the rules
	Effective Coins // what the customer is actually granted
	Available Coins // branch allowance before this grant
	Reduced   bool  // Effective < Required because of funding
}

// ApplyFunding checks the grant against the branch allowance. Only
// FundingReject produces an error; the other policies reduce the grant.
func ApplyFunding(required, available Coins, policy FundingPolicy) (EarnResult, error) {
	res := EarnResult{Required: required, Effective: required, Available: available}
	if required == 0 || available >= required {
		return res, nil
	}

	switch policy {
	case FundingReject:
		return res, fmt.Errorf("%w: available %d, required %d",
			ErrInsufficientBranchFunds, available, required)
	case FundingPartial:
		if available < 0 {
			available = 0
		}
		res.Effective = available
	default:
		res.Effective = 0
	}
	res.Reduced = true
	return res, nil
}
