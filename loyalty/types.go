/*
Package loyalty provides the coin ledger and purchase-settlement engine.

PURPOSE:
  Customers earn coins on purchases, redeem them once, unlock referral
  bonuses on their first purchase and collect small activity grants.
  Branches fund the coins they hand out from their own allowance. This
  package holds the rules for all of that and the append-only ledger the
  rules are evaluated against.

KEY CONCEPTS IN THIS FILE (types.go):
  - Coins: integer coin quantities (never fractional)
  - WalletTransaction: signed ledger row for a customer
  - BranchCoinTransaction: signed ledger row for a branch allowance
  - Purchase: immutable settlement record
  - ReferralReward: deferred referral payout with an explicit state machine

DESIGN PRINCIPLES:
  1. Balances are folds over ledger rows. There is no balance column.
  2. Money uses decimal.Decimal; coins are integers.
  3. Ledger rows carry idempotency keys so retries cannot double-write.

SEE ALSO:
  - ledger.go: Balance folds
  - settlement.go: Purchase settlement orchestration
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COINS
// =============================================================================

// Coins is a signed whole number of coins.
type Coins int64

func (c Coins) Abs() Coins {
	if c < 0 {
		return -c
	}
	return c
}

func minCoins(values ...Coins) Coins {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type BranchID string
type PurchaseID string
type TransactionID string
type RewardID string

// =============================================================================
// WALLET LEDGER
// =============================================================================

type TxType string

const (
	TxEarn        TxType = "EARN"
	TxRedeem      TxType = "REDEEM"
	TxBonus       TxType = "BONUS"
	TxReferral    TxType = "REFERRAL"
	TxAdminCredit TxType = "ADMIN_CREDIT"
	TxAdminDebit  TxType = "ADMIN_DEBIT"
	TxAdminReset  TxType = "ADMIN_RESET"
	TxCheckin     TxType = "CHECKIN"
	TxSpin        TxType = "SPIN"
	TxReviewBonus TxType = "REVIEW_BONUS"
	TxReturn      TxType = "RETURN"
	TxExpiry      TxType = "EXPIRY" // coins lapsed under coin_expiry_days
)

var txTypes = map[TxType]bool{
	TxEarn: true, TxRedeem: true, TxBonus: true, TxReferral: true,
	TxAdminCredit: true, TxAdminDebit: true, TxAdminReset: true,
	TxCheckin: true, TxSpin: true, TxReviewBonus: true, TxReturn: true,
	TxExpiry: true,
}

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool { return txTypes[t] }

// WalletTransaction is an append-only entry in a customer's coin ledger.
type WalletTransaction struct {
	ID             TransactionID
	CustomerID     CustomerID
	Coins          Coins
	Type           TxType
	BranchID       BranchID   // empty for system-issued rows
	PurchaseID     PurchaseID // empty unless produced by a settlement
	ExpiresAt      *time.Time
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// BranchCoinTransaction is an append-only entry in a branch's own coin
// allowance. Positive rows are admin credits.
type BranchCoinTransaction struct {
	ID             TransactionID
	BranchID       BranchID
	Coins          Coins
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// CATALOG
// =============================================================================

type Customer struct {
	ID           CustomerID
	Name         string
	Phone        string
	ReferralCode string
	IsBlocked    bool
	ReferredBy   CustomerID // empty when the customer signed up without a code
	CreatedAt    time.Time
}

// Branch carries optional overrides of the global economics. A nil field
// falls back to the corresponding Settings value.
type Branch struct {
	ID                     BranchID
	Name                   string
	CustomCoinPercent      *decimal.Decimal
	CustomMaxCoinsPerBill  *Coins
	CustomMaxRedeemPercent *decimal.Decimal
	CreatedAt              time.Time
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase is the immutable record of one settled sale.
type Purchase struct {
	ID                PurchaseID
	BranchID          BranchID
	CustomerID        CustomerID
	BillAmount        decimal.Decimal
	InvoiceNo         string
	Category          string
	PaymentMethod     string
	EarnedCoins       Coins
	RedeemedCoins     Coins
	WelcomeBonusCoins Coins
	FinalPayable      decimal.Decimal
	CreatedAt         time.Time
}

// =============================================================================
// REFERRAL REWARD
// =============================================================================

type ReferralReward struct {
	ID               RewardID
	ReferrerID       CustomerID
	NewCustomerID    CustomerID
	ReferrerCoins    Coins
	NewCustomerCoins Coins
	Status           ReferralStatus
	FirstPurchaseID  PurchaseID
	CreatedAt        time.Time
	PaidAt           *time.Time
}
