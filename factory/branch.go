package factory

import (
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// BranchJSON is the JSON representation of a branch and its overrides.
// Omitted or null overrides inherit the global settings.
//
//	{
//	  "id": "andheri",
//	  "name": "Andheri West",
//	  "custom_coin_percent": "7.5",
//	  "custom_max_coins_per_bill": 200,
//	  "custom_max_redeem_percent": null
//	}
type BranchJSON struct {
	ID                     string           `json:"id,omitempty"`
	Name                   string           `json:"name"`
	CustomCoinPercent      *decimal.Decimal `json:"custom_coin_percent,omitempty"`
	CustomMaxCoinsPerBill  *int64           `json:"custom_max_coins_per_bill,omitempty"`
	CustomMaxRedeemPercent *decimal.Decimal `json:"custom_max_redeem_percent,omitempty"`
}

// NewBranch converts to the engine's creation request.
func (bj BranchJSON) NewBranch() loyalty.NewBranch {
	nb := loyalty.NewBranch{
		ID:                     loyalty.BranchID(bj.ID),
		Name:                   bj.Name,
		CustomCoinPercent:      bj.CustomCoinPercent,
		CustomMaxRedeemPercent: bj.CustomMaxRedeemPercent,
	}
	if bj.CustomMaxCoinsPerBill != nil {
		c := loyalty.Coins(*bj.CustomMaxCoinsPerBill)
		nb.CustomMaxCoinsPerBill = &c
	}
	return nb
}

// BranchToJSON is the inverse of NewBranch for a stored branch.
func BranchToJSON(b loyalty.Branch) BranchJSON {
	bj := BranchJSON{
		ID:                     string(b.ID),
		Name:                   b.Name,
		CustomCoinPercent:      b.CustomCoinPercent,
		CustomMaxRedeemPercent: b.CustomMaxRedeemPercent,
	}
	if b.CustomMaxCoinsPerBill != nil {
		v := int64(*b.CustomMaxCoinsPerBill)
		bj.CustomMaxCoinsPerBill = &v
	}
	return bj
}
